package partition

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jscharber/tenantcost/pkg/logger"
	"github.com/jscharber/tenantcost/pkg/metrics"
)

// Heaviness score weights. The weights are fixed; the thresholds they fire
// against are configuration.
const (
	weightCPU       = 20.0
	weightMemory    = 20.0
	weightQueryRate = 15.0
	weightStorage   = 10.0
	weightNetwork   = 10.0
	weightCost      = 25.0
)

// Score bands mapping heaviness to a tier rank from the top of the catalog.
const (
	bandTop    = 80.0
	bandSecond = 60.0
	bandThird  = 30.0
)

// EvaluatorConfig tunes the heaviness thresholds and evaluation behavior.
type EvaluatorConfig struct {
	CPUThresholdPercent     float64       `yaml:"cpu_threshold_percent" json:"cpu_threshold_percent"`
	MemoryThresholdPercent  float64       `yaml:"memory_threshold_percent" json:"memory_threshold_percent"`
	QueriesPerHourThreshold float64       `yaml:"queries_per_hour_threshold" json:"queries_per_hour_threshold"`
	StorageGBThreshold      float64       `yaml:"storage_gb_threshold" json:"storage_gb_threshold"`
	NetworkMbpsThreshold    float64       `yaml:"network_mbps_threshold" json:"network_mbps_threshold"`
	DailyCostThreshold      float64       `yaml:"daily_cost_threshold" json:"daily_cost_threshold"`
	Window                  time.Duration `yaml:"window" json:"window"`
	// AutoMigrate schedules a migration whenever the recommendation
	// differs from the current partition. When false, evaluations only
	// record the recommendation.
	AutoMigrate bool `yaml:"auto_migrate" json:"auto_migrate"`
}

// DefaultEvaluatorConfig returns production defaults.
func DefaultEvaluatorConfig() *EvaluatorConfig {
	return &EvaluatorConfig{
		CPUThresholdPercent:     70,
		MemoryThresholdPercent:  75,
		QueriesPerHourThreshold: 1000,
		StorageGBThreshold:      500,
		NetworkMbpsThreshold:    100,
		DailyCostThreshold:      100,
		Window:                  24 * time.Hour,
		AutoMigrate:             true,
	}
}

// Scheduler is the orchestrator surface the evaluator needs.
type Scheduler interface {
	SchedulePlan(ctx context.Context, tenantID uuid.UUID, target, reason string) (*MigrationPlan, error)
}

// Evaluator scores tenant heaviness against the catalog and recommends
// partition placements.
type Evaluator struct {
	config    *EvaluatorConfig
	catalog   *Catalog
	store     Store
	usage     UsageSource
	costs     CostSource
	scheduler Scheduler
	metrics   *metrics.Registry
	log       *logger.Logger
	tracer    trace.Tracer

	now func() time.Time
}

// NewEvaluator creates a partition evaluator. The scheduler may be nil when
// auto-migration is disabled.
func NewEvaluator(config *EvaluatorConfig, catalog *Catalog, store Store, usage UsageSource, costs CostSource, scheduler Scheduler, reg *metrics.Registry, log *logger.Logger) *Evaluator {
	if config == nil {
		config = DefaultEvaluatorConfig()
	}
	return &Evaluator{
		config:    config,
		catalog:   catalog,
		store:     store,
		usage:     usage,
		costs:     costs,
		scheduler: scheduler,
		metrics:   reg,
		log:       log,
		tracer:    otel.Tracer("partition.evaluator"),
		now:       time.Now,
	}
}

// Evaluate scores one tenant's trailing-window usage, records the evaluation
// in the tenant's history and, when auto-migration is enabled and the
// recommended tier differs from the current one, schedules a migration. The
// evaluation record is persisted before any migration is scheduled.
func (e *Evaluator) Evaluate(ctx context.Context, tenantID uuid.UUID) (*Evaluation, error) {
	ctx, span := e.tracer.Start(ctx, "evaluator.evaluate")
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", tenantID.String()))

	started := e.now()

	part, err := e.store.GetPartition(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load partition record: %w", err)
	}
	if part == nil {
		part = e.newPartition(tenantID)
	}

	m, err := e.collectMetrics(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	score, signals := e.score(m)
	recommended := e.recommendTier(score)

	span.SetAttributes(
		attribute.Float64("evaluation.score", score),
		attribute.String("evaluation.recommended", recommended.Name),
	)

	evalTime := e.now().UTC()
	eval := &Evaluation{
		TenantID:             tenantID,
		Score:                score,
		Signals:              signals,
		CurrentPartition:     part.CurrentPartition,
		RecommendedPartition: recommended.Name,
		Metrics:              m,
		EvaluatedAt:          evalTime,
	}

	part.LatestMetrics = m
	part.LastEvaluatedAt = &evalTime
	reason := fmt.Sprintf("heaviness score %.1f recommends %s", score, recommended.Name)
	part.AppendEvent(PartitioningEvent{
		Timestamp:     evalTime,
		Kind:          EventEvaluation,
		FromPartition: part.CurrentPartition,
		ToPartition:   recommended.Name,
		Reason:        reason,
		Metrics:       m,
	})
	if err := e.store.SavePartition(ctx, part); err != nil {
		return nil, fmt.Errorf("failed to persist evaluation: %w", err)
	}

	if e.metrics != nil {
		e.metrics.Evaluations.WithLabelValues(tenantID.String()).Inc()
		e.metrics.EvaluationDuration.Observe(e.now().Sub(started).Seconds())
	}

	if recommended.Name != part.CurrentPartition && e.config.AutoMigrate && e.scheduler != nil {
		if _, err := e.scheduler.SchedulePlan(ctx, tenantID, recommended.Name, reason); err != nil {
			e.log.WithError(err).Warn("failed to schedule migration for tenant %s", tenantID)
		} else {
			eval.MigrationScheduled = true
		}
	}

	e.log.Debug("evaluated tenant %s: score=%.1f current=%s recommended=%s",
		tenantID, score, part.CurrentPartition, recommended.Name)
	return eval, nil
}

// EvaluateAll sweeps every tenant active within the evaluation window.
// Per-tenant failures are logged and do not stop the sweep.
func (e *Evaluator) EvaluateAll(ctx context.Context) ([]*Evaluation, error) {
	ctx, span := e.tracer.Start(ctx, "evaluator.evaluate_all")
	defer span.End()

	tenants, err := e.usage.ActiveTenants(ctx, e.now().UTC().Add(-e.config.Window))
	if err != nil {
		return nil, fmt.Errorf("failed to list active tenants: %w", err)
	}
	span.SetAttributes(attribute.Int("evaluation.tenant_count", len(tenants)))

	evals := make([]*Evaluation, 0, len(tenants))
	for _, tenantID := range tenants {
		eval, err := e.Evaluate(ctx, tenantID)
		if err != nil {
			e.log.WithError(err).Error("evaluation failed for tenant %s", tenantID)
			continue
		}
		evals = append(evals, eval)
	}
	return evals, nil
}

func (e *Evaluator) newPartition(tenantID uuid.UUID) *TenantPartition {
	now := e.now().UTC()
	return &TenantPartition{
		TenantID:         tenantID,
		CurrentPartition: e.catalog.Lowest().Name,
		Migration:        MigrationState{Status: MigrationNone},
		SchemaVersion:    1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// collectMetrics averages the trailing window of usage and attaches the
// daily cost signal. A cost source failure degrades to a zero cost signal
// rather than failing the evaluation.
func (e *Evaluator) collectMetrics(ctx context.Context, tenantID uuid.UUID) (*EvaluationMetrics, error) {
	to := e.now().UTC()
	agg, err := e.usage.AggregateUsage(ctx, tenantID, to.Add(-e.config.Window), to)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage: %w", err)
	}

	hours := e.config.Window.Hours()
	m := &EvaluationMetrics{
		CPUPercent:     agg.CPUPercentAvg,
		MemoryPercent:  agg.MemoryPercentAvg,
		QueriesPerHour: float64(agg.QueryCount) / hours,
		StorageGB:      agg.StorageGBAvg,
		// GB over the window to megabits per second.
		NetworkMbps: agg.NetworkGB * 8 * 1000 / (hours * 3600),
	}

	if e.costs != nil {
		cost, err := e.costs.DailyCost(ctx, tenantID)
		if err != nil {
			e.log.WithError(err).Warn("failed to fetch daily cost for tenant %s, scoring without cost signal", tenantID)
		} else {
			m.DailyCost = cost
		}
	}
	return m, nil
}

// score computes the weighted heaviness score and names the signals that
// contributed.
func (e *Evaluator) score(m *EvaluationMetrics) (float64, []string) {
	var score float64
	var signals []string

	if m.CPUPercent > e.config.CPUThresholdPercent {
		score += weightCPU
		signals = append(signals, fmt.Sprintf("cpu %.1f%% above %.0f%%", m.CPUPercent, e.config.CPUThresholdPercent))
	}
	if m.MemoryPercent > e.config.MemoryThresholdPercent {
		score += weightMemory
		signals = append(signals, fmt.Sprintf("memory %.1f%% above %.0f%%", m.MemoryPercent, e.config.MemoryThresholdPercent))
	}
	if m.QueriesPerHour > e.config.QueriesPerHourThreshold {
		score += weightQueryRate
		signals = append(signals, fmt.Sprintf("query rate %.0f/h above %.0f/h", m.QueriesPerHour, e.config.QueriesPerHourThreshold))
	}
	if m.StorageGB > e.config.StorageGBThreshold {
		score += weightStorage
		signals = append(signals, fmt.Sprintf("storage %.0fGB above %.0fGB", m.StorageGB, e.config.StorageGBThreshold))
	}
	if m.NetworkMbps > e.config.NetworkMbpsThreshold {
		score += weightNetwork
		signals = append(signals, fmt.Sprintf("network %.1fMbps above %.0fMbps", m.NetworkMbps, e.config.NetworkMbpsThreshold))
	}
	if m.DailyCost > e.config.DailyCostThreshold {
		score += weightCost
		signals = append(signals, fmt.Sprintf("daily cost %.2f above %.2f", m.DailyCost, e.config.DailyCostThreshold))
	}
	return score, signals
}

// recommendTier maps a heaviness score to a catalog tier.
func (e *Evaluator) recommendTier(score float64) PartitionType {
	switch {
	case score >= bandTop:
		return e.catalog.ByRank(0)
	case score >= bandSecond:
		return e.catalog.ByRank(1)
	case score >= bandThird:
		return e.catalog.ByRank(2)
	default:
		return e.catalog.Lowest()
	}
}

// ClassifyRisk grades a proposed move between two partitions. Staying put is
// low risk, any isolation level change is high, upgrades are low and
// downgrades medium.
func (e *Evaluator) ClassifyRisk(from, to PartitionType) RiskLevel {
	switch {
	case from.Name == to.Name:
		return RiskLow
	case from.IsolationLevel != to.IsolationLevel:
		return RiskHigh
	case to.Priority > from.Priority:
		return RiskLow
	default:
		return RiskMedium
	}
}
