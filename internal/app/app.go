package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jscharber/tenantcost/internal/api"
	"github.com/jscharber/tenantcost/internal/database"
	"github.com/jscharber/tenantcost/pkg/costing"
	"github.com/jscharber/tenantcost/pkg/events"
	"github.com/jscharber/tenantcost/pkg/logger"
	"github.com/jscharber/tenantcost/pkg/metrics"
	"github.com/jscharber/tenantcost/pkg/partition"
	"github.com/jscharber/tenantcost/pkg/tracing"
)

// App wires every component together and owns their lifecycles.
type App struct {
	config *Config
	log    *logger.Logger

	conn    *database.Connection
	trace   *tracing.Service
	bus     *events.InMemoryBus
	mirror  *events.Producer
	cron    *cron.Cron
	server  *api.Server
	metrics *metrics.Registry

	Accountant   *costing.Accountant
	Forecasts    *costing.ForecastEngine
	Evaluator    *partition.Evaluator
	Orchestrator *partition.Orchestrator
}

// New assembles the application from configuration.
func New(ctx context.Context, cfg *Config, log *logger.Logger) (*App, error) {
	a := &App{config: cfg, log: log, metrics: metrics.NewRegistry()}

	traceSvc, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}
	a.trace = traceSvc

	conn, err := database.NewConnection(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a.conn = conn

	usage := database.NewUsageRepository(conn)
	history := database.NewCostHistoryRepository(conn)
	budgets := database.NewBudgetRepository(conn)
	alerts := database.NewAlertStateRepository(conn)
	partitions := database.NewPartitionRepository(conn)

	a.bus = events.NewInMemoryBus(cfg.Events.Bus, log)
	if cfg.Events.Kafka.Enabled {
		mirror, err := events.NewProducer(cfg.Events.Kafka)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka mirror: %w", err)
		}
		a.mirror = mirror
		if err := a.bus.Subscribe(mirror,
			events.EventBudgetAlert, events.EventCostSpike,
			events.EventMigrationScheduled, events.EventMigrationApproved,
			events.EventMigrationCancelled, events.EventMigrationCompleted,
			events.EventMigrationFailed, events.EventRollback,
		); err != nil {
			return nil, fmt.Errorf("failed to subscribe kafka mirror: %w", err)
		}
	}

	rates := costing.NewStaticRateSource(cfg.Rates)
	a.Accountant = costing.NewAccountant(&cfg.Costing, usage, budgets, alerts, history, rates, a.bus, a.metrics, log)
	a.Forecasts = costing.NewForecastEngine(&cfg.Costing, history, rates, a.Accountant, log)

	catalog, err := partition.NewCatalog(cfg.Partitions)
	if err != nil {
		return nil, fmt.Errorf("invalid partition catalog: %w", err)
	}

	stepDelay, _ := time.ParseDuration(cfg.Service.SimulatedStepDelay)
	executor := partition.NewSimulatedStepExecutor(stepDelay, log)
	a.Orchestrator = partition.NewOrchestrator(&cfg.Orchestrator, catalog, partitions, executor, a.bus, a.metrics, log)
	a.Evaluator = partition.NewEvaluator(&cfg.Evaluator, catalog, partitions, usage, a.Accountant, a.Orchestrator, a.metrics, log)

	a.server = api.NewServer(&cfg.HTTP, log, a.metrics,
		api.NewCostController(a.Accountant, a.Forecasts),
		api.NewPartitionController(catalog, partitions, a.Evaluator, a.Orchestrator),
	)

	if err := a.scheduleJobs(); err != nil {
		return nil, err
	}
	return a, nil
}

// scheduleJobs registers the background jobs: the hourly evaluation sweep,
// the daily forecast refresh and the migration queue drain tick.
func (a *App) scheduleJobs() error {
	a.cron = cron.New()

	jobs := []struct {
		name string
		spec string
		run  func()
	}{
		{"evaluation-sweep", a.config.Jobs.EvaluationSpec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			if _, err := a.Evaluator.EvaluateAll(ctx); err != nil {
				a.log.WithError(err).Error("evaluation sweep failed")
			}
		}},
		{"forecast-refresh", a.config.Jobs.ForecastSpec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			a.refreshForecasts(ctx)
		}},
		{"queue-drain", a.config.Jobs.DrainSpec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
			defer cancel()
			a.Orchestrator.DrainTick(ctx)
		}},
	}
	for _, job := range jobs {
		if _, err := a.cron.AddFunc(job.spec, job.run); err != nil {
			return fmt.Errorf("failed to schedule %s (%q): %w", job.name, job.spec, err)
		}
	}
	return nil
}

// refreshForecasts regenerates forecasts for every tenant active in the last
// day. Tenants without enough history are skipped quietly.
func (a *App) refreshForecasts(ctx context.Context) {
	usage := database.NewUsageRepository(a.conn)
	tenants, err := usage.ActiveTenants(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		a.log.WithError(err).Error("failed to list tenants for forecast refresh")
		return
	}
	for _, tenantID := range tenants {
		if _, err := a.Forecasts.Forecast(ctx, tenantID); err != nil {
			a.log.WithError(err).Debug("forecast skipped for tenant %s", tenantID)
		}
	}
}

// Start brings up the bus, jobs and HTTP server. Blocks serving HTTP.
func (a *App) Start(ctx context.Context) error {
	if err := a.conn.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	if err := a.bus.Start(); err != nil {
		return fmt.Errorf("failed to start event bus: %w", err)
	}
	a.cron.Start()
	return a.server.Start()
}

// Shutdown stops components in reverse dependency order, waiting for
// in-flight migrations and queued events.
func (a *App) Shutdown(ctx context.Context) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(a.server.Shutdown(ctx))

	stopCtx := a.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}

	a.Orchestrator.Wait()
	record(a.bus.Stop())
	if a.mirror != nil {
		a.mirror.Close(10 * time.Second)
	}
	if a.trace != nil {
		record(a.trace.Shutdown(ctx))
	}
	record(a.conn.Close())
	return firstErr
}
