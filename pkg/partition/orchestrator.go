package partition

import (
	"context"
	"fmt"
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

// OrchestratorConfig tunes migration scheduling and execution.
type OrchestratorConfig struct {
	// MaxConcurrent caps simultaneously executing migrations.
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent"`
	// WindowStartHour and WindowEndHour bound the UTC maintenance window
	// in which queued migrations may start. The window is [start, end).
	WindowStartHour int `yaml:"window_start_hour" json:"window_start_hour"`
	WindowEndHour   int `yaml:"window_end_hour" json:"window_end_hour"`
	// DrainInterval is how often the queue is polled.
	DrainInterval time.Duration `yaml:"drain_interval" json:"drain_interval"`
	// StepTimeout bounds each individual step execution.
	StepTimeout time.Duration `yaml:"step_timeout" json:"step_timeout"`
}

// DefaultOrchestratorConfig returns production defaults.
func DefaultOrchestratorConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		MaxConcurrent:   3,
		WindowStartHour: 2,
		WindowEndHour:   6,
		DrainInterval:   time.Minute,
		StepTimeout:     5 * time.Minute,
	}
}

// Orchestrator owns the migration lifecycle: it schedules plans, drains the
// queue inside the maintenance window, executes steps and rolls back
// failures.
type Orchestrator struct {
	config   *OrchestratorConfig
	catalog  *Catalog
	store    Store
	executor StepExecutor
	bus      events.Bus
	metrics  *metrics.Registry
	log      *logger.Logger
	tracer   trace.Tracer

	mu       sync.Mutex
	queue    []*MigrationPlan
	inflight map[uuid.UUID]struct{}
	wg       sync.WaitGroup

	now func() time.Time
}

// NewOrchestrator creates a migration orchestrator.
func NewOrchestrator(config *OrchestratorConfig, catalog *Catalog, store Store, executor StepExecutor, bus events.Bus, reg *metrics.Registry, log *logger.Logger) *Orchestrator {
	if config == nil {
		config = DefaultOrchestratorConfig()
	}
	return &Orchestrator{
		config:   config,
		catalog:  catalog,
		store:    store,
		executor: executor,
		bus:      bus,
		metrics:  reg,
		log:      log,
		tracer:   otel.Tracer("partition.orchestrator"),
		inflight: make(map[uuid.UUID]struct{}),
		now:      time.Now,
	}
}

// SchedulePlan builds and queues a migration of the tenant to the target
// partition. Scheduling while a migration is already scheduled or running is
// a no-op returning the nil plan. Unknown targets return
// ErrUnknownPartition.
func (o *Orchestrator) SchedulePlan(ctx context.Context, tenantID uuid.UUID, target, reason string) (*MigrationPlan, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.schedule_plan")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", tenantID.String()),
		attribute.String("migration.target", target),
	)

	to, err := o.catalog.ByName(target)
	if err != nil {
		return nil, err
	}

	part, err := o.store.GetPartition(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load partition record: %w", err)
	}
	if part == nil {
		part = o.newPartition(tenantID)
	}

	switch part.Migration.Status {
	case MigrationScheduled, MigrationInProgress:
		o.log.Warn("migration already %s for tenant %s, ignoring schedule request", part.Migration.Status, tenantID)
		return nil, nil
	}

	if part.CurrentPartition == to.Name {
		o.log.Debug("tenant %s already on partition %s, nothing to schedule", tenantID, to.Name)
		return nil, nil
	}

	from, err := o.catalog.ByName(part.CurrentPartition)
	if err != nil {
		return nil, err
	}

	scheduledAt := o.now().UTC()
	plan := BuildPlan(tenantID, from, to, reason, scheduledAt)

	part.TargetPartition = to.Name
	part.Migration = MigrationState{
		Status:      MigrationScheduled,
		Reason:      reason,
		ScheduledAt: &scheduledAt,
	}
	part.AppendEvent(PartitioningEvent{
		Timestamp:     scheduledAt,
		Kind:          EventMigrationScheduled,
		FromPartition: from.Name,
		ToPartition:   to.Name,
		Reason:        reason,
	})
	if err := o.store.SavePartition(ctx, part); err != nil {
		return nil, fmt.Errorf("failed to persist scheduled migration: %w", err)
	}

	o.mu.Lock()
	o.queue = append(o.queue, plan)
	depth := len(o.queue)
	o.mu.Unlock()
	if o.metrics != nil {
		o.metrics.QueueDepth.Set(float64(depth))
	}

	o.publish(events.NewEvent("orchestrator", tenantID, events.NewMigrationPayload(events.EventMigrationScheduled, events.MigrationPayload{
		FromPartition: from.Name,
		ToPartition:   to.Name,
		Reason:        reason,
		Risk:          string(plan.Risk.Overall),
		StepCount:     len(plan.Steps),
	})))

	o.log.Info("scheduled migration for tenant %s: %s -> %s (%s risk, %d steps)",
		tenantID, from.Name, to.Name, plan.Risk.Overall, len(plan.Steps))
	return plan, nil
}

// Approve confirms a scheduled migration. Only valid while the migration is
// in the scheduled state.
func (o *Orchestrator) Approve(ctx context.Context, tenantID uuid.UUID) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.approve")
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", tenantID.String()))

	part, err := o.store.GetPartition(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to load partition record: %w", err)
	}
	if part == nil || part.Migration.Status != MigrationScheduled {
		return ErrMigrationNotScheduled
	}

	o.publish(events.NewEvent("orchestrator", tenantID, events.NewMigrationPayload(events.EventMigrationApproved, events.MigrationPayload{
		FromPartition: part.CurrentPartition,
		ToPartition:   part.TargetPartition,
		Reason:        part.Migration.Reason,
	})))
	o.log.Info("migration approved for tenant %s", tenantID)
	return nil
}

// Cancel withdraws a scheduled migration, removing any queued plan and
// resetting the tenant's migration state. A migration that has already
// started cannot be cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, tenantID uuid.UUID, reason string) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.cancel")
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", tenantID.String()))

	part, err := o.store.GetPartition(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to load partition record: %w", err)
	}
	if part == nil || part.Migration.Status == MigrationNone {
		return ErrMigrationNotScheduled
	}
	if part.Migration.Status == MigrationInProgress {
		return ErrMigrationNotCancellable
	}
	if part.Migration.Status != MigrationScheduled {
		return ErrMigrationNotScheduled
	}

	o.mu.Lock()
	kept := o.queue[:0]
	for _, plan := range o.queue {
		if plan.TenantID != tenantID {
			kept = append(kept, plan)
		}
	}
	o.queue = kept
	depth := len(o.queue)
	o.mu.Unlock()
	if o.metrics != nil {
		o.metrics.QueueDepth.Set(float64(depth))
	}

	target := part.TargetPartition
	part.TargetPartition = ""
	part.Migration = MigrationState{Status: MigrationNone}
	part.AppendEvent(PartitioningEvent{
		Timestamp:     o.now().UTC(),
		Kind:          EventMigrationCancelled,
		FromPartition: part.CurrentPartition,
		ToPartition:   target,
		Reason:        reason,
	})
	if err := o.store.SavePartition(ctx, part); err != nil {
		return fmt.Errorf("failed to persist cancellation: %w", err)
	}

	o.publish(events.NewEvent("orchestrator", tenantID, events.NewMigrationPayload(events.EventMigrationCancelled, events.MigrationPayload{
		FromPartition: part.CurrentPartition,
		ToPartition:   target,
		Reason:        reason,
	})))
	o.log.Info("migration cancelled for tenant %s: %s", tenantID, reason)
	return nil
}

// inWindow reports whether t falls inside the UTC maintenance window.
func (o *Orchestrator) inWindow(t time.Time) bool {
	hour := t.UTC().Hour()
	return hour >= o.config.WindowStartHour && hour < o.config.WindowEndHour
}

// DrainTick starts at most one queued migration. Outside the maintenance
// window, or with the concurrency cap reached, it does nothing. Intended to
// be driven by the cron scheduler at the drain interval.
func (o *Orchestrator) DrainTick(ctx context.Context) {
	if !o.inWindow(o.now()) {
		return
	}

	o.mu.Lock()
	if len(o.inflight) >= o.config.MaxConcurrent || len(o.queue) == 0 {
		o.mu.Unlock()
		return
	}
	plan := o.queue[0]
	o.queue = o.queue[1:]
	depth := len(o.queue)
	o.inflight[plan.TenantID] = struct{}{}
	active := len(o.inflight)
	o.wg.Add(1)
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.QueueDepth.Set(float64(depth))
		o.metrics.ActiveMigrations.Set(float64(active))
	}

	go func() {
		defer o.wg.Done()
		defer o.release(plan.TenantID)
		if err := o.Execute(ctx, plan); err != nil {
			o.log.WithError(err).Error("migration failed for tenant %s", plan.TenantID)
		}
	}()
}

// release frees the tenant's in-flight slot.
func (o *Orchestrator) release(tenantID uuid.UUID) {
	o.mu.Lock()
	delete(o.inflight, tenantID)
	active := len(o.inflight)
	o.mu.Unlock()
	if o.metrics != nil {
		o.metrics.ActiveMigrations.Set(float64(active))
	}
}

// Wait blocks until all in-flight migrations finish. Used during shutdown.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// QueueDepth returns the number of queued plans.
func (o *Orchestrator) QueueDepth() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// ActiveCount returns the number of executing migrations.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inflight)
}

// Execute runs a migration plan to completion. Each step is executed and
// validated under the step timeout; the first failure marks the migration
// failed, runs the rollback pass and emits a failure notification. On
// success the tenant's current partition becomes the plan's target.
func (o *Orchestrator) Execute(ctx context.Context, plan *MigrationPlan) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", plan.TenantID.String()),
		attribute.String("migration.from", plan.FromPartition),
		attribute.String("migration.to", plan.ToPartition),
	)

	part, err := o.store.GetPartition(ctx, plan.TenantID)
	if err != nil {
		return fmt.Errorf("failed to load partition record: %w", err)
	}
	if part == nil {
		return fmt.Errorf("no partition record for tenant %s", plan.TenantID)
	}
	if part.Migration.Status != MigrationScheduled {
		return fmt.Errorf("migration for tenant %s is %s, expected %s", plan.TenantID, part.Migration.Status, MigrationScheduled)
	}

	startedAt := o.now().UTC()
	part.Migration.Status = MigrationInProgress
	part.Migration.StartedAt = &startedAt
	part.AppendEvent(PartitioningEvent{
		Timestamp:     startedAt,
		Kind:          EventMigrationStarted,
		FromPartition: plan.FromPartition,
		ToPartition:   plan.ToPartition,
		Reason:        plan.Reason,
	})
	if err := o.store.SavePartition(ctx, part); err != nil {
		return fmt.Errorf("failed to persist migration start: %w", err)
	}

	o.log.Info("starting migration for tenant %s: %s -> %s", plan.TenantID, plan.FromPartition, plan.ToPartition)

	for _, step := range plan.Steps {
		if err := o.runStep(ctx, step); err != nil {
			return o.fail(ctx, part, plan, step, err)
		}
	}

	completedAt := o.now().UTC()
	duration := completedAt.Sub(startedAt)
	part.CurrentPartition = plan.ToPartition
	part.TargetPartition = ""
	part.Migration.Status = MigrationCompleted
	part.Migration.CompletedAt = &completedAt
	part.LastMigratedAt = &completedAt
	part.AppendEvent(PartitioningEvent{
		Timestamp:     completedAt,
		Kind:          EventMigrationCompleted,
		FromPartition: plan.FromPartition,
		ToPartition:   plan.ToPartition,
		Reason:        plan.Reason,
		Duration:      &duration,
	})
	if err := o.store.SavePartition(ctx, part); err != nil {
		return fmt.Errorf("failed to persist migration completion: %w", err)
	}

	if o.metrics != nil {
		o.metrics.Migrations.WithLabelValues(plan.TenantID.String(), string(MigrationCompleted)).Inc()
		o.metrics.MigrationDuration.Observe(duration.Seconds())
	}
	o.publish(events.NewEvent("orchestrator", plan.TenantID, events.NewMigrationPayload(events.EventMigrationCompleted, events.MigrationPayload{
		FromPartition: plan.FromPartition,
		ToPartition:   plan.ToPartition,
		Reason:        plan.Reason,
		StepCount:     len(plan.Steps),
		Duration:      duration,
	})))

	o.log.Info("migration completed for tenant %s in %s", plan.TenantID, duration)
	return nil
}

// runStep executes and validates one step under the step timeout.
func (o *Orchestrator) runStep(ctx context.Context, step MigrationStep) error {
	stepCtx, cancel := context.WithTimeout(ctx, o.config.StepTimeout)
	defer cancel()

	o.log.Debug("executing step %s", step.Name)
	if err := o.executor.Execute(stepCtx, step); err != nil {
		return fmt.Errorf("step %s failed: %w", step.Name, err)
	}
	if step.Validation != "" {
		if err := o.executor.Validate(stepCtx, step); err != nil {
			return fmt.Errorf("step %s validation failed: %w", step.Name, err)
		}
	}
	return nil
}

// fail marks the migration failed, runs the rollback pass and emits the
// failure notification. The failure event is emitted whether or not the
// rollback itself succeeds.
func (o *Orchestrator) fail(ctx context.Context, part *TenantPartition, plan *MigrationPlan, step MigrationStep, cause error) error {
	failedAt := o.now().UTC()
	part.Migration.Status = MigrationFailed
	part.Migration.CompletedAt = &failedAt
	part.AppendEvent(PartitioningEvent{
		Timestamp:     failedAt,
		Kind:          EventMigrationFailed,
		FromPartition: plan.FromPartition,
		ToPartition:   plan.ToPartition,
		Reason:        cause.Error(),
	})
	if err := o.store.SavePartition(ctx, part); err != nil {
		o.log.WithError(err).Error("failed to persist migration failure for tenant %s", plan.TenantID)
	}

	if o.metrics != nil {
		o.metrics.Migrations.WithLabelValues(plan.TenantID.String(), string(MigrationFailed)).Inc()
	}

	o.Rollback(ctx, part, plan, fmt.Sprintf("migration failed at step %s: %v", step.Name, cause))

	o.publish(events.NewEvent("orchestrator", plan.TenantID, events.NewMigrationPayload(events.EventMigrationFailed, events.MigrationPayload{
		FromPartition: plan.FromPartition,
		ToPartition:   plan.ToPartition,
		Reason:        plan.Reason,
		Error:         cause.Error(),
	})))

	return cause
}

// Rollback runs every rollback step of the plan in order, continuing past
// individual step failures, and marks the migration rolled back. The
// tenant's current partition is left unchanged.
func (o *Orchestrator) Rollback(ctx context.Context, part *TenantPartition, plan *MigrationPlan, reason string) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.rollback")
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", plan.TenantID.String()))

	o.log.Warn("rolling back migration for tenant %s: %s", plan.TenantID, reason)

	failed := 0
	for _, step := range plan.RollbackSteps {
		stepCtx, cancel := context.WithTimeout(ctx, o.config.StepTimeout)
		err := o.executor.Execute(stepCtx, step)
		cancel()
		if err != nil {
			failed++
			o.log.WithError(err).Error("rollback step %s failed for tenant %s", step.Name, plan.TenantID)
		}
	}

	rolledBackAt := o.now().UTC()
	part.TargetPartition = ""
	part.Migration.Status = MigrationRolledBack
	part.Migration.RollbackReason = reason
	part.AppendEvent(PartitioningEvent{
		Timestamp:     rolledBackAt,
		Kind:          EventRollback,
		FromPartition: plan.FromPartition,
		ToPartition:   plan.ToPartition,
		Reason:        reason,
	})
	if err := o.store.SavePartition(ctx, part); err != nil {
		o.log.WithError(err).Error("failed to persist rollback for tenant %s", plan.TenantID)
	}

	if o.metrics != nil {
		o.metrics.Rollbacks.WithLabelValues(plan.TenantID.String()).Inc()
	}
	o.publish(events.NewEvent("orchestrator", plan.TenantID, events.RollbackPayload{
		FromPartition: plan.FromPartition,
		ToPartition:   plan.ToPartition,
		Reason:        reason,
		StepsRun:      len(plan.RollbackSteps),
		StepsFailed:   failed,
	}))
}

func (o *Orchestrator) newPartition(tenantID uuid.UUID) *TenantPartition {
	now := o.now().UTC()
	return &TenantPartition{
		TenantID:         tenantID,
		CurrentPartition: o.catalog.Lowest().Name,
		Migration:        MigrationState{Status: MigrationNone},
		SchemaVersion:    1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// publish hands an event to the bus, logging publish rejections.
func (o *Orchestrator) publish(event *events.Event) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(event); err != nil {
		o.log.WithError(err).Warn("failed to publish %s event for tenant %s", event.Type, event.TenantID)
	}
}
