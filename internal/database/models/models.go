// Package models defines the persistence schema for usage samples, cost
// history, budgets, partition assignments and alert state.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jscharber/tenantcost/pkg/partition"
)

// UsageSample is one raw usage observation. Append-only; aggregation happens
// in SQL.
type UsageSample struct {
	ID            uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()" json:"id"`
	TenantID      uuid.UUID `gorm:"type:uuid;not null;index:idx_usage_tenant_time" json:"tenant_id"`
	RecordedAt    time.Time `gorm:"not null;index:idx_usage_tenant_time" json:"recorded_at"`
	ComputeUnits  float64   `gorm:"not null;default:0" json:"compute_units"`
	StorageGB     float64   `gorm:"not null;default:0" json:"storage_gb"`
	NetworkGB     float64   `gorm:"not null;default:0" json:"network_gb"`
	APICalls      int64     `gorm:"not null;default:0" json:"api_calls"`
	ActiveUsers   int64     `gorm:"not null;default:0" json:"active_users"`
	QueryCount    int64     `gorm:"not null;default:0" json:"query_count"`
	BytesIngested int64     `gorm:"not null;default:0" json:"bytes_ingested"`
	CPUPercent    float64   `gorm:"not null;default:0" json:"cpu_percent"`
	MemoryPercent float64   `gorm:"not null;default:0" json:"memory_percent"`
	CreatedAt     time.Time `gorm:"not null" json:"created_at"`
}

// TableName returns the table name for UsageSample
func (UsageSample) TableName() string {
	return "usage_samples"
}

// DailyCostRecord is one day's computed cost total per tenant, the input to
// forecasting. Upserted by the accountant's day-period calculations.
type DailyCostRecord struct {
	TenantID     uuid.UUID `gorm:"type:uuid;primary_key" json:"tenant_id"`
	Day          time.Time `gorm:"primary_key" json:"day"`
	ComputeCost  float64   `gorm:"not null;default:0" json:"compute_cost"`
	StorageCost  float64   `gorm:"not null;default:0" json:"storage_cost"`
	NetworkCost  float64   `gorm:"not null;default:0" json:"network_cost"`
	APICallsCost float64   `gorm:"not null;default:0" json:"api_calls_cost"`
	TotalCost    float64   `gorm:"not null;default:0" json:"total_cost"`
	UpdatedAt    time.Time `gorm:"not null" json:"updated_at"`
}

// TableName returns the table name for DailyCostRecord
func (DailyCostRecord) TableName() string {
	return "daily_costs"
}

// MigrationStateJSON stores a partition migration state as JSONB.
type MigrationStateJSON partition.MigrationState

// HistoryJSON stores a partitioning history as JSONB.
type HistoryJSON []partition.PartitioningEvent

// MetricsJSON stores evaluation metrics as JSONB.
type MetricsJSON partition.EvaluationMetrics

// TenantPartitionRecord is the authoritative partition assignment row per
// tenant.
type TenantPartitionRecord struct {
	TenantID         uuid.UUID          `gorm:"type:uuid;primary_key" json:"tenant_id"`
	CurrentPartition string             `gorm:"not null" json:"current_partition"`
	TargetPartition  string             `json:"target_partition"`
	Migration        MigrationStateJSON `gorm:"type:jsonb" json:"migration"`
	History          HistoryJSON        `gorm:"type:jsonb" json:"history"`
	LatestMetrics    *MetricsJSON       `gorm:"type:jsonb" json:"latest_metrics,omitempty"`
	LastEvaluatedAt  *time.Time         `json:"last_evaluated_at,omitempty"`
	LastMigratedAt   *time.Time         `json:"last_migrated_at,omitempty"`
	SchemaVersion    int                `gorm:"not null;default:1" json:"schema_version"`
	CreatedAt        time.Time          `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time          `gorm:"not null" json:"updated_at"`
}

// TableName returns the table name for TenantPartitionRecord
func (TenantPartitionRecord) TableName() string {
	return "tenant_partitions"
}

// BudgetRecord is a tenant budget row. The alert configuration is stored as
// JSONB alongside the scalar caps so it can evolve without schema changes.
type BudgetRecord struct {
	TenantID        uuid.UUID       `gorm:"type:uuid;primary_key" json:"tenant_id"`
	Currency        string          `gorm:"not null;default:'USD'" json:"currency"`
	DailyCap        float64         `gorm:"not null;default:0" json:"daily_cap"`
	MonthlyCap      float64         `gorm:"not null;default:0" json:"monthly_cap"`
	AnnualCap       float64         `gorm:"not null;default:0" json:"annual_cap"`
	AlertThresholds ThresholdsJSON  `gorm:"type:jsonb" json:"alert_thresholds"`
	AlertRecipients RecipientsJSON  `gorm:"type:jsonb" json:"alert_recipients"`
	HardLimit       HardLimitJSON   `gorm:"type:jsonb" json:"hard_limit"`
	SchemaVersion   int             `gorm:"not null;default:1" json:"schema_version"`
	CreatedAt       time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"not null" json:"updated_at"`
}

// TableName returns the table name for BudgetRecord
func (BudgetRecord) TableName() string {
	return "tenant_budgets"
}

// ThresholdsJSON stores alert thresholds as JSONB.
type ThresholdsJSON []float64

// RecipientsJSON stores alert recipients as JSONB.
type RecipientsJSON []string

// HardLimitJSON stores the hard limit policy as JSONB.
type HardLimitJSON struct {
	ThrottlePercent float64 `json:"throttle_percent"`
	StopPercent     float64 `json:"stop_percent"`
}

// AlertState records when an alert key last fired, surviving restarts so
// deduplication holds across process lifetimes.
type AlertState struct {
	AlertKey   string    `gorm:"primary_key" json:"alert_key"`
	LastSentAt time.Time `gorm:"not null" json:"last_sent_at"`
	UpdatedAt  time.Time `gorm:"not null" json:"updated_at"`
}

// TableName returns the table name for AlertState
func (AlertState) TableName() string {
	return "alert_states"
}

// GORM hooks for JSON serialization
func (m *MigrationStateJSON) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	return json.Unmarshal(value.([]byte), m)
}

func (m MigrationStateJSON) Value() (interface{}, error) {
	return json.Marshal(m)
}

func (h *HistoryJSON) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	return json.Unmarshal(value.([]byte), h)
}

func (h HistoryJSON) Value() (interface{}, error) {
	return json.Marshal(h)
}

func (m *MetricsJSON) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	return json.Unmarshal(value.([]byte), m)
}

func (m MetricsJSON) Value() (interface{}, error) {
	return json.Marshal(m)
}

func (t *ThresholdsJSON) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	return json.Unmarshal(value.([]byte), t)
}

func (t ThresholdsJSON) Value() (interface{}, error) {
	return json.Marshal(t)
}

func (r *RecipientsJSON) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	return json.Unmarshal(value.([]byte), r)
}

func (r RecipientsJSON) Value() (interface{}, error) {
	return json.Marshal(r)
}

func (h *HardLimitJSON) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	return json.Unmarshal(value.([]byte), h)
}

func (h HardLimitJSON) Value() (interface{}, error) {
	return json.Marshal(h)
}

// AllModels returns every model for auto-migration.
func AllModels() []interface{} {
	return []interface{}{
		&UsageSample{},
		&DailyCostRecord{},
		&TenantPartitionRecord{},
		&BudgetRecord{},
		&AlertState{},
	}
}
