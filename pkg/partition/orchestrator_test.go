package partition

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jscharber/tenantcost/pkg/logger"
)

// scriptedExecutor fails the steps named in failOn and records execution
// order.
type scriptedExecutor struct {
	mu     sync.Mutex
	failOn map[string]bool
	ran    []string
}

func newScriptedExecutor(failOn ...string) *scriptedExecutor {
	fail := make(map[string]bool, len(failOn))
	for _, name := range failOn {
		fail[name] = true
	}
	return &scriptedExecutor{failOn: fail}
}

func (e *scriptedExecutor) Execute(ctx context.Context, step MigrationStep) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ran = append(e.ran, step.Name)
	if e.failOn[step.Name] {
		return fmt.Errorf("simulated failure in %s", step.Name)
	}
	return nil
}

func (e *scriptedExecutor) Validate(ctx context.Context, step MigrationStep) error {
	return nil
}

func (e *scriptedExecutor) executed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.ran))
	copy(out, e.ran)
	return out
}

// inWindowTime is a fixed instant inside the default maintenance window.
var inWindowTime = time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)

func newTestOrchestrator(t *testing.T, executor StepExecutor) (*Orchestrator, *memStore) {
	t.Helper()
	store := newMemStore()
	o := NewOrchestrator(DefaultOrchestratorConfig(), mustCatalog(t), store, executor, nil, nil, logger.NewNopLogger())
	o.now = func() time.Time { return inWindowTime }
	return o, store
}

func TestScheduleAndExecute(t *testing.T) {
	tenantID := uuid.New()
	executor := newScriptedExecutor()
	o, store := newTestOrchestrator(t, executor)

	plan, err := o.SchedulePlan(context.Background(), tenantID, "dedicated_compute", "load growth")
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Equal(t, "shared", plan.FromPartition)
	assert.Equal(t, 1, o.QueueDepth())

	part, err := store.GetPartition(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, MigrationScheduled, part.Migration.Status)
	assert.Equal(t, "dedicated_compute", part.TargetPartition)

	require.NoError(t, o.Execute(context.Background(), plan))

	part, err = store.GetPartition(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, MigrationCompleted, part.Migration.Status)
	assert.Equal(t, "dedicated_compute", part.CurrentPartition)
	assert.Empty(t, part.TargetPartition)
	assert.NotNil(t, part.LastMigratedAt)
	assert.Equal(t, []string{"backup", "allocate_resources", "migrate_data", "update_routing"}, executor.executed())

	kinds := make([]EventKind, 0, len(part.History))
	for _, e := range part.History {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []EventKind{EventMigrationScheduled, EventMigrationStarted, EventMigrationCompleted}, kinds)
}

func TestScheduleDuplicateIsNoOp(t *testing.T) {
	tenantID := uuid.New()
	o, _ := newTestOrchestrator(t, newScriptedExecutor())

	first, err := o.SchedulePlan(context.Background(), tenantID, "dedicated_compute", "x")
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := o.SchedulePlan(context.Background(), tenantID, "dedicated_instance", "y")
	require.NoError(t, err)
	assert.Nil(t, second, "second schedule while one is pending is a no-op")
	assert.Equal(t, 1, o.QueueDepth())
}

func TestScheduleUnknownPartition(t *testing.T) {
	o, _ := newTestOrchestrator(t, newScriptedExecutor())

	_, err := o.SchedulePlan(context.Background(), uuid.New(), "quantum", "x")
	assert.ErrorIs(t, err, ErrUnknownPartition)
}

func TestScheduleToCurrentPartitionIsNoOp(t *testing.T) {
	o, _ := newTestOrchestrator(t, newScriptedExecutor())

	plan, err := o.SchedulePlan(context.Background(), uuid.New(), "shared", "x")
	require.NoError(t, err)
	assert.Nil(t, plan)
	assert.Zero(t, o.QueueDepth())
}

func TestExecuteFailureRollsBack(t *testing.T) {
	tenantID := uuid.New()
	executor := newScriptedExecutor("migrate_data")
	o, store := newTestOrchestrator(t, executor)

	plan, err := o.SchedulePlan(context.Background(), tenantID, "dedicated_compute", "x")
	require.NoError(t, err)

	err = o.Execute(context.Background(), plan)
	require.Error(t, err)

	part, err := store.GetPartition(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, MigrationRolledBack, part.Migration.Status)
	assert.Equal(t, "shared", part.CurrentPartition, "failed migration leaves the tenant in place")
	assert.Empty(t, part.TargetPartition)
	assert.NotEmpty(t, part.Migration.RollbackReason)

	// Forward steps up to the failure, then every rollback step.
	assert.Equal(t, []string{
		"backup", "allocate_resources", "migrate_data",
		"revert_routing", "remove_migrated_data", "deallocate_resources", "restore_backup",
	}, executor.executed())

	kinds := make([]EventKind, 0, len(part.History))
	for _, e := range part.History {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []EventKind{EventMigrationScheduled, EventMigrationStarted, EventMigrationFailed, EventRollback}, kinds)
}

func TestRollbackContinuesPastFailures(t *testing.T) {
	tenantID := uuid.New()
	// update_routing fails the migration; remove_migrated_data fails
	// during rollback but must not stop the remaining steps.
	executor := newScriptedExecutor("update_routing", "remove_migrated_data")
	o, store := newTestOrchestrator(t, executor)

	plan, err := o.SchedulePlan(context.Background(), tenantID, "dedicated_compute", "x")
	require.NoError(t, err)
	require.Error(t, o.Execute(context.Background(), plan))

	part, err := store.GetPartition(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, MigrationRolledBack, part.Migration.Status)

	ran := executor.executed()
	assert.Contains(t, ran, "deallocate_resources")
	assert.Contains(t, ran, "restore_backup", "rollback must run steps after a failed one")
}

func TestCancelScheduledMigration(t *testing.T) {
	tenantID := uuid.New()
	o, store := newTestOrchestrator(t, newScriptedExecutor())

	_, err := o.SchedulePlan(context.Background(), tenantID, "dedicated_compute", "x")
	require.NoError(t, err)
	require.Equal(t, 1, o.QueueDepth())

	require.NoError(t, o.Cancel(context.Background(), tenantID, "operator changed mind"))
	assert.Zero(t, o.QueueDepth())

	part, err := store.GetPartition(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, MigrationNone, part.Migration.Status)
	assert.Empty(t, part.TargetPartition)
	last := part.History[len(part.History)-1]
	assert.Equal(t, EventMigrationCancelled, last.Kind)
	assert.Equal(t, "operator changed mind", last.Reason)
}

func TestCancelInProgressFails(t *testing.T) {
	tenantID := uuid.New()
	o, store := newTestOrchestrator(t, newScriptedExecutor())

	_, err := o.SchedulePlan(context.Background(), tenantID, "dedicated_compute", "x")
	require.NoError(t, err)

	part, err := store.GetPartition(context.Background(), tenantID)
	require.NoError(t, err)
	part.Migration.Status = MigrationInProgress
	require.NoError(t, store.SavePartition(context.Background(), part))

	err = o.Cancel(context.Background(), tenantID, "too late")
	assert.ErrorIs(t, err, ErrMigrationNotCancellable)
}

func TestCancelWithoutMigration(t *testing.T) {
	o, _ := newTestOrchestrator(t, newScriptedExecutor())
	err := o.Cancel(context.Background(), uuid.New(), "nothing there")
	assert.ErrorIs(t, err, ErrMigrationNotScheduled)
}

func TestApprove(t *testing.T) {
	tenantID := uuid.New()
	o, _ := newTestOrchestrator(t, newScriptedExecutor())

	t.Run("without scheduled migration", func(t *testing.T) {
		assert.ErrorIs(t, o.Approve(context.Background(), tenantID), ErrMigrationNotScheduled)
	})

	t.Run("with scheduled migration", func(t *testing.T) {
		_, err := o.SchedulePlan(context.Background(), tenantID, "dedicated_compute", "x")
		require.NoError(t, err)
		assert.NoError(t, o.Approve(context.Background(), tenantID))
	})
}

func TestDrainTickRespectsWindow(t *testing.T) {
	tenantID := uuid.New()
	o, _ := newTestOrchestrator(t, newScriptedExecutor())

	_, err := o.SchedulePlan(context.Background(), tenantID, "dedicated_compute", "x")
	require.NoError(t, err)

	for hour := 0; hour < 24; hour++ {
		if hour >= 2 && hour < 6 {
			continue
		}
		o.now = func() time.Time {
			return time.Date(2026, 3, 10, hour, 30, 0, 0, time.UTC)
		}
		o.DrainTick(context.Background())
		assert.Equal(t, 1, o.QueueDepth(), "hour %02d is outside the maintenance window", hour)
	}

	o.now = func() time.Time { return inWindowTime }
	o.DrainTick(context.Background())
	o.Wait()
	assert.Zero(t, o.QueueDepth())
}

func TestDrainTickConcurrencyCap(t *testing.T) {
	o, _ := newTestOrchestrator(t, newScriptedExecutor())

	for i := 0; i < 2; i++ {
		_, err := o.SchedulePlan(context.Background(), uuid.New(), "dedicated_compute", "x")
		require.NoError(t, err)
	}

	// Saturate the in-flight set.
	o.mu.Lock()
	for i := 0; i < o.config.MaxConcurrent; i++ {
		o.inflight[uuid.New()] = struct{}{}
	}
	o.mu.Unlock()

	o.DrainTick(context.Background())
	assert.Equal(t, 2, o.QueueDepth(), "at the cap nothing is dequeued")
}

func TestDrainTickDequeuesOnePerTick(t *testing.T) {
	o, _ := newTestOrchestrator(t, newScriptedExecutor())

	for i := 0; i < 3; i++ {
		_, err := o.SchedulePlan(context.Background(), uuid.New(), "dedicated_compute", "x")
		require.NoError(t, err)
	}

	o.DrainTick(context.Background())
	assert.Equal(t, 2, o.QueueDepth())
	o.DrainTick(context.Background())
	assert.Equal(t, 1, o.QueueDepth())
	o.Wait()
}
