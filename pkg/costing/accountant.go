package costing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jscharber/tenantcost/pkg/events"
	"github.com/jscharber/tenantcost/pkg/logger"
	"github.com/jscharber/tenantcost/pkg/metrics"
)

// Accountant computes per-tenant categorized cost from usage samples,
// evaluates budgets, detects cost spikes and recommends optimizations.
// Safe for concurrent use.
type Accountant struct {
	config  *Config
	usage   UsageStore
	budgets BudgetStore
	alerts  AlertStateStore
	history CostHistoryStore
	rates   RateSource
	bus     events.Bus
	metrics *metrics.Registry
	log     *logger.Logger
	tracer  trace.Tracer

	mu    sync.RWMutex
	cache map[uuid.UUID][]*TenantCostMetrics

	now func() time.Time
}

// NewAccountant creates a cost accountant. The metrics registry and bus are
// optional; a nil bus disables event emission.
func NewAccountant(config *Config, usage UsageStore, budgets BudgetStore, alerts AlertStateStore, history CostHistoryStore, rates RateSource, bus events.Bus, reg *metrics.Registry, log *logger.Logger) *Accountant {
	if config == nil {
		config = DefaultConfig()
	}
	if rates == nil {
		rates = NewStaticRateSource(nil)
	}
	return &Accountant{
		config:  config,
		usage:   usage,
		budgets: budgets,
		alerts:  alerts,
		history: history,
		rates:   rates,
		bus:     bus,
		metrics: reg,
		log:     log,
		tracer:  otel.Tracer("costing.accountant"),
		cache:   make(map[uuid.UUID][]*TenantCostMetrics),
		now:     time.Now,
	}
}

// RecordUsage appends a usage sample for a tenant. It never fails the
// caller's request path: persistence errors are logged and swallowed.
func (a *Accountant) RecordUsage(ctx context.Context, sample *ResourceUsageSample) {
	ctx, span := a.tracer.Start(ctx, "accountant.record_usage")
	defer span.End()

	span.SetAttributes(
		attribute.String("tenant.id", sample.TenantID.String()),
		attribute.Float64("usage.compute_units", sample.ComputeUnits),
	)

	if sample.RecordedAt.IsZero() {
		sample.RecordedAt = a.now().UTC()
	}

	if err := a.usage.InsertSample(ctx, sample); err != nil {
		a.log.WithError(err).Error("failed to record usage sample for tenant %s", sample.TenantID)
		return
	}

	a.updateRealtimeGauges(ctx, sample)
}

// updateRealtimeGauges refreshes the per-category real-time cost gauges from
// the latest sample at current rates.
func (a *Accountant) updateRealtimeGauges(ctx context.Context, sample *ResourceUsageSample) {
	if a.metrics == nil {
		return
	}
	categories, err := a.rates.Categories(ctx)
	if err != nil {
		a.log.WithError(err).Warn("failed to load rates for real-time gauges")
		return
	}
	tenant := sample.TenantID.String()
	for _, cat := range categories {
		if !cat.Enabled {
			continue
		}
		var cost float64
		switch cat.Name {
		case CategoryCompute:
			cost = sample.ComputeUnits * cat.UnitRate
		case CategoryStorage:
			cost = sample.StorageGB * cat.UnitRate
		case CategoryNetwork:
			cost = sample.NetworkGB * cat.UnitRate
		case CategoryAPICalls:
			cost = float64(sample.APICalls) * cat.UnitRate
		}
		a.metrics.CategoryCost.WithLabelValues(tenant, cat.Name).Set(cost)
	}
}

// CalculateCosts aggregates usage over the period's rolling window, prices
// it at current rates and derives efficiency ratios. As side effects it
// evaluates the tenant's budget, runs spike detection against the metrics
// cache and persists the daily total for forecasting. Storage read errors
// propagate; alerting side effects never fail the calculation.
func (a *Accountant) CalculateCosts(ctx context.Context, tenantID uuid.UUID, period Period) (*TenantCostMetrics, error) {
	ctx, span := a.tracer.Start(ctx, "accountant.calculate_costs")
	defer span.End()

	span.SetAttributes(
		attribute.String("tenant.id", tenantID.String()),
		attribute.String("cost.period", string(period)),
	)

	if !period.Valid() {
		return nil, fmt.Errorf("unknown cost period: %s", period)
	}

	started := a.now()
	to := started.UTC()
	from := to.Add(-period.Window())

	agg, err := a.usage.AggregateUsage(ctx, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage: %w", err)
	}

	categories, err := a.rates.Categories(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load cost rates: %w", err)
	}

	m := &TenantCostMetrics{
		TenantID:  tenantID,
		Timestamp: to,
		Period:    period,
		Usage:     *agg,
		Costs:     priceUsage(agg, categories),
		Currency:  currencyOf(categories),
	}
	m.Efficiency = EfficiencyRatios{
		CostPerUser:  safeDiv(m.Costs.Total, agg.ActiveUsersAvg),
		CostPerQuery: safeDiv(m.Costs.Total, float64(agg.QueryCount)),
		CostPerGB:    safeDiv(m.Costs.Total, agg.StorageGBAvg),
	}

	// Side effects: none of these fail the calculation.
	a.evaluateBudget(ctx, m)
	a.detectSpike(ctx, m)
	a.persistDailyCost(ctx, m)

	if a.metrics != nil {
		a.metrics.CostCalculationDuration.Observe(a.now().Sub(started).Seconds())
	}
	return m, nil
}

// priceUsage applies the enabled category rates to a usage aggregate.
func priceUsage(agg *UsageAggregate, categories []CostCategory) CostBreakdown {
	var b CostBreakdown
	for _, cat := range categories {
		if !cat.Enabled {
			continue
		}
		switch cat.Name {
		case CategoryCompute:
			b.Compute = agg.ComputeUnits * cat.UnitRate
		case CategoryStorage:
			b.Storage = agg.StorageGBAvg * cat.UnitRate
		case CategoryNetwork:
			b.Network = agg.NetworkGB * cat.UnitRate
		case CategoryAPICalls:
			b.APICalls = float64(agg.APICalls) * cat.UnitRate
		}
	}
	b.Total = b.Compute + b.Storage + b.Network + b.APICalls
	return b
}

func currencyOf(categories []CostCategory) string {
	for _, cat := range categories {
		if cat.Currency != "" {
			return cat.Currency
		}
	}
	return "USD"
}

// safeDiv returns n/d, or 0 when d is 0.
func safeDiv(n, d float64) float64 {
	if d == 0 {
		return 0
	}
	return n / d
}

// evaluateBudget checks daily and monthly utilization against the tenant's
// budget and emits threshold alerts, deduplicated per (tenant, scope,
// threshold) within the dedup window. A tenant without a budget is a no-op.
func (a *Accountant) evaluateBudget(ctx context.Context, m *TenantCostMetrics) {
	if a.budgets == nil {
		return
	}
	budget, err := a.budgets.GetBudget(ctx, m.TenantID)
	if err != nil {
		a.log.WithError(err).Warn("failed to load budget for tenant %s", m.TenantID)
		return
	}
	if budget == nil {
		return
	}

	for _, scope := range []struct {
		name   string
		cap    float64
		window time.Duration
	}{
		{"daily", budget.DailyCap, 24 * time.Hour},
		{"monthly", budget.MonthlyCap, 30 * 24 * time.Hour},
	} {
		if scope.cap <= 0 {
			continue
		}
		cost, err := a.windowCost(ctx, m, scope.window)
		if err != nil {
			a.log.WithError(err).Warn("failed to compute %s cost for budget check on tenant %s", scope.name, m.TenantID)
			continue
		}
		utilization := cost / scope.cap * 100

		if a.metrics != nil {
			a.metrics.BudgetUtilization.WithLabelValues(m.TenantID.String(), scope.name).Set(utilization)
		}

		for _, threshold := range budget.AlertThresholds {
			if utilization < threshold {
				continue
			}
			key := fmt.Sprintf("budget:%s:%s:%.0f", m.TenantID, scope.name, threshold)
			if a.recentlyAlerted(ctx, key) {
				continue
			}
			a.log.Warn("tenant %s %s budget at %.1f%% (threshold %.0f%%, cost %.2f of %.2f)",
				m.TenantID, scope.name, utilization, threshold, cost, scope.cap)
			if a.metrics != nil {
				a.metrics.BudgetAlerts.WithLabelValues(m.TenantID.String(), scope.name).Inc()
			}
			a.publish(events.NewEvent("accountant", m.TenantID, events.BudgetAlertPayload{
				Scope:            scope.name,
				ThresholdPercent: threshold,
				UtilizationPct:   utilization,
				CurrentCost:      cost,
				BudgetCap:        scope.cap,
				Currency:         budget.Currency,
				Recipients:       budget.AlertRecipients,
			}))
			if err := a.alerts.RecordAlert(ctx, key, a.now().UTC()); err != nil {
				a.log.WithError(err).Warn("failed to record alert state for %s", key)
			}
		}
	}
}

// windowCost prices the tenant's usage over an arbitrary window, reusing the
// aggregate from the current calculation when the windows match.
func (a *Accountant) windowCost(ctx context.Context, m *TenantCostMetrics, window time.Duration) (float64, error) {
	if m.Period.Window() == window {
		return m.Costs.Total, nil
	}
	to := m.Timestamp
	agg, err := a.usage.AggregateUsage(ctx, m.TenantID, to.Add(-window), to)
	if err != nil {
		return 0, err
	}
	categories, err := a.rates.Categories(ctx)
	if err != nil {
		return 0, err
	}
	return priceUsage(agg, categories).Total, nil
}

// recentlyAlerted reports whether the key fired within the dedup window.
// Alert-state read errors fail open so a broken store cannot silence alerts.
func (a *Accountant) recentlyAlerted(ctx context.Context, key string) bool {
	if a.alerts == nil {
		return false
	}
	last, fired, err := a.alerts.LastAlert(ctx, key)
	if err != nil {
		a.log.WithError(err).Warn("failed to read alert state for %s", key)
		return false
	}
	return fired && a.now().UTC().Sub(last) < a.config.AlertDedupWindow
}

// detectSpike appends the calculation to the per-tenant cache, prunes
// entries older than the cache window and fires a spike alert when the
// latest total exceeds the mean of the preceding points by the configured
// multiplier. Requires the configured number of prior points.
func (a *Accountant) detectSpike(ctx context.Context, m *TenantCostMetrics) {
	a.mu.Lock()
	cutoff := a.now().UTC().Add(-a.config.CacheWindow)
	entries := a.cache[m.TenantID]
	pruned := entries[:0]
	for _, e := range entries {
		if e.Timestamp.After(cutoff) {
			pruned = append(pruned, e)
		}
	}
	prior := make([]*TenantCostMetrics, len(pruned))
	copy(prior, pruned)
	a.cache[m.TenantID] = append(pruned, m)
	a.mu.Unlock()

	n := a.config.SpikeComparisonPoints
	if len(prior) < n {
		return
	}

	var sum float64
	for _, e := range prior[len(prior)-n:] {
		sum += e.Costs.Total
	}
	mean := sum / float64(n)
	if mean <= 0 {
		return
	}
	ratio := m.Costs.Total / mean
	if ratio <= a.config.SpikeMultiplier {
		return
	}

	a.log.Warn("cost spike for tenant %s: latest %.2f is %.1fx the recent mean %.2f",
		m.TenantID, m.Costs.Total, ratio, mean)
	if a.metrics != nil {
		a.metrics.CostSpikes.WithLabelValues(m.TenantID.String()).Inc()
	}
	a.publish(events.NewEvent("accountant", m.TenantID, events.CostSpikePayload{
		Period:      string(m.Period),
		LatestCost:  m.Costs.Total,
		RecentMean:  mean,
		SpikeRatio:  ratio,
		Multiplier:  a.config.SpikeMultiplier,
		WindowHours: int(a.config.CacheWindow.Hours()),
	}))
}

// persistDailyCost writes the day-window total into the cost history used by
// forecasting. Only day-period calculations are persisted.
func (a *Accountant) persistDailyCost(ctx context.Context, m *TenantCostMetrics) {
	if a.history == nil || m.Period != PeriodDay {
		return
	}
	day := m.Timestamp.Truncate(24 * time.Hour)
	if err := a.history.SaveDailyCost(ctx, m.TenantID, day, m.Costs); err != nil {
		a.log.WithError(err).Warn("failed to persist daily cost for tenant %s", m.TenantID)
	}
}

// LatestMetrics returns the most recent cached calculation for a tenant, or
// nil when none is cached.
func (a *Accountant) LatestMetrics(tenantID uuid.UUID) *TenantCostMetrics {
	a.mu.RLock()
	defer a.mu.RUnlock()
	entries := a.cache[tenantID]
	if len(entries) == 0 {
		return nil
	}
	return entries[len(entries)-1]
}

// DailyCost returns the tenant's cost over the trailing 24 hours. It is the
// cost signal consumed by partition evaluation.
func (a *Accountant) DailyCost(ctx context.Context, tenantID uuid.UUID) (float64, error) {
	m, err := a.CalculateCosts(ctx, tenantID, PeriodDay)
	if err != nil {
		return 0, err
	}
	return m.Costs.Total, nil
}

// BudgetStatus returns the tenant's current utilization per budget scope.
// Returns (nil, nil) when the tenant has no budget.
func (a *Accountant) BudgetStatus(ctx context.Context, tenantID uuid.UUID) ([]BudgetUtilization, error) {
	ctx, span := a.tracer.Start(ctx, "accountant.budget_status")
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", tenantID.String()))

	budget, err := a.budgets.GetBudget(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load budget: %w", err)
	}
	if budget == nil {
		return nil, nil
	}

	categories, err := a.rates.Categories(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load cost rates: %w", err)
	}

	to := a.now().UTC()
	var out []BudgetUtilization
	for _, scope := range []struct {
		name   string
		cap    float64
		window time.Duration
	}{
		{"daily", budget.DailyCap, 24 * time.Hour},
		{"monthly", budget.MonthlyCap, 30 * 24 * time.Hour},
	} {
		if scope.cap <= 0 {
			continue
		}
		agg, err := a.usage.AggregateUsage(ctx, tenantID, to.Add(-scope.window), to)
		if err != nil {
			return nil, fmt.Errorf("failed to aggregate %s usage: %w", scope.name, err)
		}
		cost := priceUsage(agg, categories).Total
		out = append(out, BudgetUtilization{
			Scope:       scope.name,
			Cap:         scope.cap,
			CurrentCost: cost,
			Percent:     cost / scope.cap * 100,
		})
	}
	return out, nil
}

// IdentifyOptimizations derives cost-saving recommendations from the
// tenant's latest day-period metrics. Deterministic given the same metrics.
func (a *Accountant) IdentifyOptimizations(ctx context.Context, tenantID uuid.UUID) ([]OptimizationRecommendation, error) {
	ctx, span := a.tracer.Start(ctx, "accountant.identify_optimizations")
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", tenantID.String()))

	m := a.LatestMetrics(tenantID)
	if m == nil || m.Period != PeriodDay {
		var err error
		m, err = a.CalculateCosts(ctx, tenantID, PeriodDay)
		if err != nil {
			return nil, err
		}
	}

	var recs []OptimizationRecommendation
	if m.Costs.Total > 0 {
		storageShare := m.Costs.Storage / m.Costs.Total
		if storageShare > a.config.StorageShareThreshold {
			recs = append(recs, OptimizationRecommendation{
				Category:            CategoryStorage,
				Priority:            "high",
				Description:         fmt.Sprintf("storage is %.0f%% of total cost; move cold data to a cheaper tier or tighten retention", storageShare*100),
				EstimatedSavingsPct: 30,
				EstimatedSavings:    m.Costs.Storage * 0.30,
			})
		}
	}
	if m.Efficiency.CostPerQuery > a.config.CostPerQueryThreshold {
		recs = append(recs, OptimizationRecommendation{
			Category:            CategoryCompute,
			Priority:            "medium",
			Description:         fmt.Sprintf("cost per query is %.4f; add query caching or review expensive query patterns", m.Efficiency.CostPerQuery),
			EstimatedSavingsPct: 20,
			EstimatedSavings:    m.Costs.Compute * 0.20,
		})
	}

	sort.SliceStable(recs, func(i, j int) bool {
		return priorityRank(recs[i].Priority) < priorityRank(recs[j].Priority)
	})

	if a.metrics != nil {
		a.metrics.Optimizations.WithLabelValues(tenantID.String()).Inc()
	}
	return recs, nil
}

func priorityRank(p string) int {
	switch p {
	case "high":
		return 0
	case "medium":
		return 1
	default:
		return 2
	}
}

// SetBudget validates and persists a tenant budget.
func (a *Accountant) SetBudget(ctx context.Context, budget *TenantBudget) error {
	ctx, span := a.tracer.Start(ctx, "accountant.set_budget")
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", budget.TenantID.String()))

	if err := budget.Validate(); err != nil {
		return err
	}
	budget.UpdatedAt = a.now().UTC()
	if err := a.budgets.SaveBudget(ctx, budget); err != nil {
		return fmt.Errorf("failed to save budget: %w", err)
	}
	a.log.Info("budget updated for tenant %s (daily %.2f, monthly %.2f %s)",
		budget.TenantID, budget.DailyCap, budget.MonthlyCap, budget.Currency)
	return nil
}

// GetBudget returns the tenant's budget, or (nil, nil) when none is set.
func (a *Accountant) GetBudget(ctx context.Context, tenantID uuid.UUID) (*TenantBudget, error) {
	return a.budgets.GetBudget(ctx, tenantID)
}

// DeleteBudget removes the tenant's budget.
func (a *Accountant) DeleteBudget(ctx context.Context, tenantID uuid.UUID) error {
	return a.budgets.DeleteBudget(ctx, tenantID)
}

// publish hands an event to the bus, logging publish rejections.
func (a *Accountant) publish(event *events.Event) {
	if a.bus == nil {
		return
	}
	if err := a.bus.Publish(event); err != nil {
		a.log.WithError(err).Warn("failed to publish %s event for tenant %s", event.Type, event.TenantID)
	}
}
