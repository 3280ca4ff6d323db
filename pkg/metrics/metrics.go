// Package metrics exposes the platform's Prometheus instrumentation. The
// metric names and label sets below are a stable contract; dashboards and
// alert rules depend on them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every collector the services record into.
type Registry struct {
	registry *prometheus.Registry

	// Counters
	Evaluations   *prometheus.CounterVec
	Migrations    *prometheus.CounterVec
	Rollbacks     *prometheus.CounterVec
	BudgetAlerts  *prometheus.CounterVec
	CostSpikes    *prometheus.CounterVec
	Optimizations *prometheus.CounterVec

	// Gauges
	CategoryCost      *prometheus.GaugeVec
	BudgetUtilization *prometheus.GaugeVec
	QueueDepth        prometheus.Gauge
	ActiveMigrations  prometheus.Gauge

	// Histograms
	EvaluationDuration      prometheus.Histogram
	MigrationDuration       prometheus.Histogram
	CostCalculationDuration prometheus.Histogram
}

// NewRegistry creates the collector set and registers it on a fresh
// Prometheus registry.
func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}

	r.Evaluations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantcost_evaluations_total",
		Help: "Partition evaluations performed, by tenant.",
	}, []string{"tenant_id"})

	r.Migrations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantcost_migrations_total",
		Help: "Migrations by tenant and terminal status.",
	}, []string{"tenant_id", "status"})

	r.Rollbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantcost_rollbacks_total",
		Help: "Migration rollbacks performed, by tenant.",
	}, []string{"tenant_id"})

	r.BudgetAlerts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantcost_budget_alerts_total",
		Help: "Budget threshold alerts emitted, by tenant and scope.",
	}, []string{"tenant_id", "scope"})

	r.CostSpikes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantcost_cost_spikes_total",
		Help: "Cost spike alerts emitted, by tenant.",
	}, []string{"tenant_id"})

	r.Optimizations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantcost_optimizations_total",
		Help: "Optimization recommendation runs, by tenant.",
	}, []string{"tenant_id"})

	r.CategoryCost = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tenantcost_category_cost_dollars",
		Help: "Most recent real-time cost per tenant and cost category.",
	}, []string{"tenant_id", "category"})

	r.BudgetUtilization = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tenantcost_budget_utilization_percent",
		Help: "Budget utilization per tenant and period.",
	}, []string{"tenant_id", "period"})

	r.QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tenantcost_migration_queue_depth",
		Help: "Number of migration plans waiting in the queue.",
	})

	r.ActiveMigrations = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tenantcost_active_migrations",
		Help: "Number of migrations currently in progress.",
	})

	r.EvaluationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tenantcost_evaluation_duration_seconds",
		Help:    "Duration of partition evaluations.",
		Buckets: prometheus.DefBuckets,
	})

	r.MigrationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tenantcost_migration_duration_seconds",
		Help:    "Duration of migration executions.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})

	r.CostCalculationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tenantcost_cost_calculation_duration_seconds",
		Help:    "Duration of cost calculations.",
		Buckets: prometheus.DefBuckets,
	})

	r.registry.MustRegister(
		r.Evaluations, r.Migrations, r.Rollbacks,
		r.BudgetAlerts, r.CostSpikes, r.Optimizations,
		r.CategoryCost, r.BudgetUtilization,
		r.QueueDepth, r.ActiveMigrations,
		r.EvaluationDuration, r.MigrationDuration, r.CostCalculationDuration,
	)

	return r
}

// Handler returns the HTTP handler serving the /metrics scrape endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
