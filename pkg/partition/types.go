// Package partition assigns tenants to isolation tiers based on sustained
// resource and cost pressure, and orchestrates the migrations between
// tiers.
package partition

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jscharber/tenantcost/pkg/costing"
)

var (
	// ErrUnknownPartition is returned when a partition name is not in the
	// catalog.
	ErrUnknownPartition = errors.New("unknown partition type")
	// ErrMigrationInProgress is returned when an operation conflicts with
	// a migration that is already running.
	ErrMigrationInProgress = errors.New("migration already in progress")
	// ErrMigrationNotCancellable is returned when cancellation is
	// requested for a migration that is past the point of no return.
	ErrMigrationNotCancellable = errors.New("migration can no longer be cancelled")
	// ErrMigrationNotScheduled is returned when approval is requested and
	// no migration is scheduled.
	ErrMigrationNotScheduled = errors.New("no migration is scheduled")
)

// IsolationLevel orders the physical isolation a partition provides.
type IsolationLevel string

const (
	IsolationShared            IsolationLevel = "shared"
	IsolationDedicatedCompute  IsolationLevel = "dedicated_compute"
	IsolationDedicatedInstance IsolationLevel = "dedicated_instance"
	IsolationDedicatedCluster  IsolationLevel = "dedicated_cluster"
)

// ResourceLimits caps what a tenant may consume inside a partition.
type ResourceLimits struct {
	MaxCPUCores          float64 `json:"max_cpu_cores" yaml:"max_cpu_cores"`
	MaxMemoryGB          float64 `json:"max_memory_gb" yaml:"max_memory_gb"`
	MaxStorageGB         float64 `json:"max_storage_gb" yaml:"max_storage_gb"`
	MaxNetworkMbps       float64 `json:"max_network_mbps" yaml:"max_network_mbps"`
	MaxConcurrentQueries int     `json:"max_concurrent_queries" yaml:"max_concurrent_queries"`
}

// PartitionType describes one tier in the catalog. Priority orders tiers;
// higher means more isolated and more expensive.
type PartitionType struct {
	Name           string         `json:"name" yaml:"name"`
	Description    string         `json:"description" yaml:"description"`
	IsolationLevel IsolationLevel `json:"isolation_level" yaml:"isolation_level"`
	Priority       int            `json:"priority" yaml:"priority"`
	Limits         ResourceLimits `json:"limits" yaml:"limits"`
	CostMultiplier float64        `json:"cost_multiplier" yaml:"cost_multiplier"`
}

// MigrationStatus is the migration lifecycle state of a tenant partition.
type MigrationStatus string

const (
	MigrationNone       MigrationStatus = "none"
	MigrationScheduled  MigrationStatus = "scheduled"
	MigrationInProgress MigrationStatus = "in_progress"
	MigrationCompleted  MigrationStatus = "completed"
	MigrationFailed     MigrationStatus = "failed"
	MigrationRolledBack MigrationStatus = "rolled_back"
)

// EvaluationMetrics is the averaged usage snapshot an evaluation ran
// against.
type EvaluationMetrics struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryPercent  float64 `json:"memory_percent"`
	QueriesPerHour float64 `json:"queries_per_hour"`
	StorageGB      float64 `json:"storage_gb"`
	NetworkMbps    float64 `json:"network_mbps"`
	DailyCost      float64 `json:"daily_cost"`
}

// EventKind classifies partitioning history entries.
type EventKind string

const (
	EventEvaluation         EventKind = "evaluation"
	EventMigrationScheduled EventKind = "migration_scheduled"
	EventMigrationStarted   EventKind = "migration_started"
	EventMigrationCompleted EventKind = "migration_completed"
	EventMigrationFailed    EventKind = "migration_failed"
	EventMigrationCancelled EventKind = "migration_cancelled"
	EventRollback           EventKind = "rollback"
)

// PartitioningEvent is one entry in a tenant's partitioning history.
type PartitioningEvent struct {
	Timestamp     time.Time          `json:"timestamp"`
	Kind          EventKind          `json:"kind"`
	FromPartition string             `json:"from_partition,omitempty"`
	ToPartition   string             `json:"to_partition,omitempty"`
	Reason        string             `json:"reason,omitempty"`
	Metrics       *EvaluationMetrics `json:"metrics,omitempty"`
	Duration      *time.Duration     `json:"duration,omitempty"`
}

// MigrationState tracks the current migration of a tenant, if any.
type MigrationState struct {
	Status         MigrationStatus `json:"status"`
	Reason         string          `json:"reason,omitempty"`
	RollbackReason string          `json:"rollback_reason,omitempty"`
	ScheduledAt    *time.Time      `json:"scheduled_at,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// historyCap bounds the per-tenant history; oldest entries are dropped
// first.
const historyCap = 200

// TenantPartition is the authoritative partition assignment record for one
// tenant.
type TenantPartition struct {
	TenantID         uuid.UUID           `json:"tenant_id"`
	CurrentPartition string              `json:"current_partition"`
	TargetPartition  string              `json:"target_partition,omitempty"`
	Migration        MigrationState      `json:"migration"`
	History          []PartitioningEvent `json:"history"`
	LatestMetrics    *EvaluationMetrics  `json:"latest_metrics,omitempty"`
	LastEvaluatedAt  *time.Time          `json:"last_evaluated_at,omitempty"`
	LastMigratedAt   *time.Time          `json:"last_migrated_at,omitempty"`
	SchemaVersion    int                 `json:"schema_version"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// AppendEvent records a history entry, trimming the oldest entries beyond
// the cap.
func (p *TenantPartition) AppendEvent(event PartitioningEvent) {
	p.History = append(p.History, event)
	if len(p.History) > historyCap {
		p.History = p.History[len(p.History)-historyCap:]
	}
}

// RiskLevel grades the blast radius of a migration.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// MigrationStep is one unit of work in a migration plan. Dependencies name
// prior steps and document ordering; steps execute in slice order.
type MigrationStep struct {
	Name              string        `json:"name"`
	Description       string        `json:"description"`
	Command           string        `json:"command"`
	Validation        string        `json:"validation,omitempty"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	CanRollback       bool          `json:"can_rollback"`
	Dependencies      []string      `json:"dependencies,omitempty"`
}

// RiskAssessment summarizes the risk of a migration plan.
type RiskAssessment struct {
	Overall            RiskLevel     `json:"overall"`
	Factors            []string      `json:"factors"`
	Mitigations        []string      `json:"mitigations"`
	EstimatedDowntime  time.Duration `json:"estimated_downtime"`
	DataLossRisk       bool          `json:"data_loss_risk"`
	RollbackComplexity string        `json:"rollback_complexity"`
}

// MigrationPlan is a fully specified migration between two partitions.
// Construction is deterministic for a given (from, to) pair.
type MigrationPlan struct {
	ID            uuid.UUID       `json:"id"`
	TenantID      uuid.UUID       `json:"tenant_id"`
	FromPartition string          `json:"from_partition"`
	ToPartition   string          `json:"to_partition"`
	Reason        string          `json:"reason"`
	Steps         []MigrationStep `json:"steps"`
	RollbackSteps []MigrationStep `json:"rollback_steps"`
	Risk          RiskAssessment  `json:"risk"`
	CreatedAt     time.Time       `json:"created_at"`
}

// EstimatedDuration sums the forward step estimates.
func (p *MigrationPlan) EstimatedDuration() time.Duration {
	var total time.Duration
	for _, s := range p.Steps {
		total += s.EstimatedDuration
	}
	return total
}

// Evaluation is the outcome of scoring one tenant.
type Evaluation struct {
	TenantID             uuid.UUID          `json:"tenant_id"`
	Score                float64            `json:"score"`
	Signals              []string           `json:"signals"`
	CurrentPartition     string             `json:"current_partition"`
	RecommendedPartition string             `json:"recommended_partition"`
	Metrics              *EvaluationMetrics `json:"metrics"`
	MigrationScheduled   bool               `json:"migration_scheduled"`
	EvaluatedAt          time.Time          `json:"evaluated_at"`
}

// UsageSource supplies windowed usage aggregates for evaluation.
type UsageSource interface {
	AggregateUsage(ctx context.Context, tenantID uuid.UUID, from, to time.Time) (*costing.UsageAggregate, error)
	ActiveTenants(ctx context.Context, since time.Time) ([]uuid.UUID, error)
}

// CostSource supplies the trailing-day cost signal for evaluation.
type CostSource interface {
	DailyCost(ctx context.Context, tenantID uuid.UUID) (float64, error)
}

// Store persists tenant partition records. GetPartition returns (nil, nil)
// when the tenant has no record yet.
type Store interface {
	GetPartition(ctx context.Context, tenantID uuid.UUID) (*TenantPartition, error)
	SavePartition(ctx context.Context, partition *TenantPartition) error
	ListPartitions(ctx context.Context) ([]*TenantPartition, error)
}
