package database

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jscharber/tenantcost/internal/database/models"
	"github.com/jscharber/tenantcost/pkg/costing"
	"github.com/jscharber/tenantcost/pkg/partition"
)

// UsageRepository persists raw usage samples and computes windowed
// aggregates in SQL. Implements costing.UsageStore and partition.UsageSource.
type UsageRepository struct {
	db *gorm.DB
}

// NewUsageRepository creates a usage repository.
func NewUsageRepository(conn *Connection) *UsageRepository {
	return &UsageRepository{db: conn.DB()}
}

// InsertSample appends one usage sample.
func (r *UsageRepository) InsertSample(ctx context.Context, sample *costing.ResourceUsageSample) error {
	row := &models.UsageSample{
		ID:            uuid.New(),
		TenantID:      sample.TenantID,
		RecordedAt:    sample.RecordedAt,
		ComputeUnits:  sample.ComputeUnits,
		StorageGB:     sample.StorageGB,
		NetworkGB:     sample.NetworkGB,
		APICalls:      sample.APICalls,
		ActiveUsers:   sample.ActiveUsers,
		QueryCount:    sample.QueryCount,
		BytesIngested: sample.BytesIngested,
		CPUPercent:    sample.CPUPercent,
		MemoryPercent: sample.MemoryPercent,
		CreatedAt:     time.Now().UTC(),
	}
	return r.db.WithContext(ctx).Create(row).Error
}

// AggregateUsage sums and averages samples in [from, to). An empty window
// yields a zero aggregate, not an error.
func (r *UsageRepository) AggregateUsage(ctx context.Context, tenantID uuid.UUID, from, to time.Time) (*costing.UsageAggregate, error) {
	var row struct {
		ComputeUnits     float64
		StorageGBAvg     float64
		NetworkGB        float64
		APICalls         int64
		ActiveUsersAvg   float64
		QueryCount       int64
		BytesIngested    int64
		CPUPercentAvg    float64
		MemoryPercentAvg float64
		SampleCount      int64
	}
	err := r.db.WithContext(ctx).
		Model(&models.UsageSample{}).
		Select(`COALESCE(SUM(compute_units), 0) AS compute_units,
			COALESCE(AVG(storage_gb), 0) AS storage_gb_avg,
			COALESCE(SUM(network_gb), 0) AS network_gb,
			COALESCE(SUM(api_calls), 0) AS api_calls,
			COALESCE(AVG(active_users), 0) AS active_users_avg,
			COALESCE(SUM(query_count), 0) AS query_count,
			COALESCE(SUM(bytes_ingested), 0) AS bytes_ingested,
			COALESCE(AVG(cpu_percent), 0) AS cpu_percent_avg,
			COALESCE(AVG(memory_percent), 0) AS memory_percent_avg,
			COUNT(*) AS sample_count`).
		Where("tenant_id = ? AND recorded_at >= ? AND recorded_at < ?", tenantID, from, to).
		Scan(&row).Error
	if err != nil {
		return nil, err
	}
	return &costing.UsageAggregate{
		From:             from,
		To:               to,
		ComputeUnits:     row.ComputeUnits,
		StorageGBAvg:     row.StorageGBAvg,
		NetworkGB:        row.NetworkGB,
		APICalls:         row.APICalls,
		ActiveUsersAvg:   row.ActiveUsersAvg,
		QueryCount:       row.QueryCount,
		BytesIngested:    row.BytesIngested,
		CPUPercentAvg:    row.CPUPercentAvg,
		MemoryPercentAvg: row.MemoryPercentAvg,
		SampleCount:      row.SampleCount,
	}, nil
}

// ActiveTenants lists tenants with at least one sample since the given time.
func (r *UsageRepository) ActiveTenants(ctx context.Context, since time.Time) ([]uuid.UUID, error) {
	var tenants []uuid.UUID
	err := r.db.WithContext(ctx).
		Model(&models.UsageSample{}).
		Distinct("tenant_id").
		Where("recorded_at >= ?", since).
		Pluck("tenant_id", &tenants).Error
	return tenants, err
}

// CostHistoryRepository persists computed daily cost totals. Implements
// costing.CostHistoryStore.
type CostHistoryRepository struct {
	db *gorm.DB
}

// NewCostHistoryRepository creates a cost history repository.
func NewCostHistoryRepository(conn *Connection) *CostHistoryRepository {
	return &CostHistoryRepository{db: conn.DB()}
}

// SaveDailyCost upserts the day's total for the tenant.
func (r *CostHistoryRepository) SaveDailyCost(ctx context.Context, tenantID uuid.UUID, day time.Time, breakdown costing.CostBreakdown) error {
	row := &models.DailyCostRecord{
		TenantID:     tenantID,
		Day:          day,
		ComputeCost:  breakdown.Compute,
		StorageCost:  breakdown.Storage,
		NetworkCost:  breakdown.Network,
		APICallsCost: breakdown.APICalls,
		TotalCost:    breakdown.Total,
		UpdatedAt:    time.Now().UTC(),
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "day"}},
			UpdateAll: true,
		}).
		Create(row).Error
}

// DailyCosts returns up to the last `days` daily totals, oldest first.
func (r *CostHistoryRepository) DailyCosts(ctx context.Context, tenantID uuid.UUID, days int) ([]costing.DailyCost, error) {
	var rows []models.DailyCostRecord
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("day DESC").
		Limit(days).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]costing.DailyCost, len(rows))
	for i, row := range rows {
		// Reverse into ascending order.
		out[len(rows)-1-i] = costing.DailyCost{
			Day: row.Day,
			Breakdown: costing.CostBreakdown{
				Compute:  row.ComputeCost,
				Storage:  row.StorageCost,
				Network:  row.NetworkCost,
				APICalls: row.APICallsCost,
				Total:    row.TotalCost,
			},
		}
	}
	return out, nil
}

// BudgetRepository persists tenant budgets. Implements costing.BudgetStore.
type BudgetRepository struct {
	db *gorm.DB
}

// NewBudgetRepository creates a budget repository.
func NewBudgetRepository(conn *Connection) *BudgetRepository {
	return &BudgetRepository{db: conn.DB()}
}

// GetBudget returns the tenant's budget, or (nil, nil) when none is set.
func (r *BudgetRepository) GetBudget(ctx context.Context, tenantID uuid.UUID) (*costing.TenantBudget, error) {
	var row models.BudgetRecord
	err := r.db.WithContext(ctx).First(&row, "tenant_id = ?", tenantID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &costing.TenantBudget{
		TenantID:        row.TenantID,
		Currency:        row.Currency,
		DailyCap:        row.DailyCap,
		MonthlyCap:      row.MonthlyCap,
		AnnualCap:       row.AnnualCap,
		AlertThresholds: row.AlertThresholds,
		AlertRecipients: row.AlertRecipients,
		HardLimit: costing.HardLimitPolicy{
			ThrottlePercent: row.HardLimit.ThrottlePercent,
			StopPercent:     row.HardLimit.StopPercent,
		},
		SchemaVersion: row.SchemaVersion,
		UpdatedAt:     row.UpdatedAt,
	}, nil
}

// SaveBudget upserts the tenant's budget.
func (r *BudgetRepository) SaveBudget(ctx context.Context, budget *costing.TenantBudget) error {
	row := &models.BudgetRecord{
		TenantID:        budget.TenantID,
		Currency:        budget.Currency,
		DailyCap:        budget.DailyCap,
		MonthlyCap:      budget.MonthlyCap,
		AnnualCap:       budget.AnnualCap,
		AlertThresholds: budget.AlertThresholds,
		AlertRecipients: budget.AlertRecipients,
		HardLimit: models.HardLimitJSON{
			ThrottlePercent: budget.HardLimit.ThrottlePercent,
			StopPercent:     budget.HardLimit.StopPercent,
		},
		SchemaVersion: budget.SchemaVersion,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     budget.UpdatedAt,
	}
	if row.SchemaVersion == 0 {
		row.SchemaVersion = 1
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"currency", "daily_cap", "monthly_cap", "annual_cap", "alert_thresholds", "alert_recipients", "hard_limit", "schema_version", "updated_at"}),
		}).
		Create(row).Error
}

// DeleteBudget removes the tenant's budget.
func (r *BudgetRepository) DeleteBudget(ctx context.Context, tenantID uuid.UUID) error {
	return r.db.WithContext(ctx).Delete(&models.BudgetRecord{}, "tenant_id = ?", tenantID).Error
}

// AlertStateRepository persists alert dedup state. Implements
// costing.AlertStateStore.
type AlertStateRepository struct {
	db *gorm.DB
}

// NewAlertStateRepository creates an alert state repository.
func NewAlertStateRepository(conn *Connection) *AlertStateRepository {
	return &AlertStateRepository{db: conn.DB()}
}

// LastAlert returns the last time the key fired and whether it has fired.
func (r *AlertStateRepository) LastAlert(ctx context.Context, key string) (time.Time, bool, error) {
	var row models.AlertState
	err := r.db.WithContext(ctx).First(&row, "alert_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return row.LastSentAt, true, nil
}

// RecordAlert upserts the key's last-fired time.
func (r *AlertStateRepository) RecordAlert(ctx context.Context, key string, at time.Time) error {
	row := &models.AlertState{AlertKey: key, LastSentAt: at, UpdatedAt: time.Now().UTC()}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "alert_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_sent_at", "updated_at"}),
		}).
		Create(row).Error
}

// PartitionRepository persists tenant partition records. Implements
// partition.Store.
type PartitionRepository struct {
	db *gorm.DB
}

// NewPartitionRepository creates a partition repository.
func NewPartitionRepository(conn *Connection) *PartitionRepository {
	return &PartitionRepository{db: conn.DB()}
}

// GetPartition returns the tenant's partition record, or (nil, nil) when the
// tenant has none yet.
func (r *PartitionRepository) GetPartition(ctx context.Context, tenantID uuid.UUID) (*partition.TenantPartition, error) {
	var row models.TenantPartitionRecord
	err := r.db.WithContext(ctx).First(&row, "tenant_id = ?", tenantID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return recordToPartition(&row), nil
}

// SavePartition upserts the tenant's partition record.
func (r *PartitionRepository) SavePartition(ctx context.Context, p *partition.TenantPartition) error {
	p.UpdatedAt = time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = p.UpdatedAt
	}
	row := partitionToRecord(p)
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}},
			UpdateAll: true,
		}).
		Create(row).Error
}

// ListPartitions returns every tenant partition record.
func (r *PartitionRepository) ListPartitions(ctx context.Context) ([]*partition.TenantPartition, error) {
	var rows []models.TenantPartitionRecord
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*partition.TenantPartition, len(rows))
	for i := range rows {
		out[i] = recordToPartition(&rows[i])
	}
	return out, nil
}

func recordToPartition(row *models.TenantPartitionRecord) *partition.TenantPartition {
	p := &partition.TenantPartition{
		TenantID:         row.TenantID,
		CurrentPartition: row.CurrentPartition,
		TargetPartition:  row.TargetPartition,
		Migration:        partition.MigrationState(row.Migration),
		History:          row.History,
		LastEvaluatedAt:  row.LastEvaluatedAt,
		LastMigratedAt:   row.LastMigratedAt,
		SchemaVersion:    row.SchemaVersion,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}
	if row.LatestMetrics != nil {
		m := partition.EvaluationMetrics(*row.LatestMetrics)
		p.LatestMetrics = &m
	}
	return p
}

func partitionToRecord(p *partition.TenantPartition) *models.TenantPartitionRecord {
	row := &models.TenantPartitionRecord{
		TenantID:         p.TenantID,
		CurrentPartition: p.CurrentPartition,
		TargetPartition:  p.TargetPartition,
		Migration:        models.MigrationStateJSON(p.Migration),
		History:          p.History,
		LastEvaluatedAt:  p.LastEvaluatedAt,
		LastMigratedAt:   p.LastMigratedAt,
		SchemaVersion:    p.SchemaVersion,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
	if p.LatestMetrics != nil {
		m := models.MetricsJSON(*p.LatestMetrics)
		row.LatestMetrics = &m
	}
	return row
}
