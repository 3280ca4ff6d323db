package events

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

// recordingHandler counts deliveries, optionally failing the first few.
type recordingHandler struct {
	mu       sync.Mutex
	name     string
	received []*Event
	failures int
}

func (h *recordingHandler) HandleEvent(ctx context.Context, event *Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failures > 0 {
		h.failures--
		return fmt.Errorf("transient failure")
	}
	h.received = append(h.received, event)
	return nil
}

func (h *recordingHandler) Name() string { return h.name }

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.received)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func testBusConfig() BusConfig {
	cfg := DefaultBusConfig()
	cfg.RetryDelay = 5 * time.Millisecond
	cfg.MaxRetryDelay = 20 * time.Millisecond
	return cfg
}

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := NewInMemoryBus(testBusConfig(), logger.NewNopLogger())
	alerts := &recordingHandler{name: "alerts"}
	require.NoError(t, bus.Subscribe(alerts, EventBudgetAlert))
	require.NoError(t, bus.Start())
	defer bus.Stop()

	tenantID := uuid.New()
	require.NoError(t, bus.Publish(NewEvent("test", tenantID, BudgetAlertPayload{Scope: "daily"})))
	// Not subscribed to spikes.
	require.NoError(t, bus.Publish(NewEvent("test", tenantID, CostSpikePayload{})))

	waitFor(t, time.Second, func() bool { return bus.Metrics().Processed >= 2 })
	assert.Equal(t, 1, alerts.count())
	assert.Equal(t, EventBudgetAlert, alerts.received[0].Type)
	assert.Equal(t, tenantID, alerts.received[0].TenantID)
}

func TestBusRejectsWhenNotRunning(t *testing.T) {
	bus := NewInMemoryBus(testBusConfig(), logger.NewNopLogger())
	err := bus.Publish(NewEvent("test", uuid.New(), CostSpikePayload{}))
	assert.Error(t, err)
}

func TestBusRetriesFailedHandler(t *testing.T) {
	bus := NewInMemoryBus(testBusConfig(), logger.NewNopLogger())
	flaky := &recordingHandler{name: "flaky", failures: 2}
	require.NoError(t, bus.Subscribe(flaky, EventCostSpike))
	require.NoError(t, bus.Start())
	defer bus.Stop()

	require.NoError(t, bus.Publish(NewEvent("test", uuid.New(), CostSpikePayload{})))

	waitFor(t, 2*time.Second, func() bool { return flaky.count() == 1 })
}

func TestBusQueueFullRejects(t *testing.T) {
	cfg := testBusConfig()
	cfg.QueueSize = 1
	cfg.WorkerCount = 1
	bus := NewInMemoryBus(cfg, logger.NewNopLogger())
	require.NoError(t, bus.Start())
	defer bus.Stop()

	// Block the single worker so the queue backs up.
	blocker := make(chan struct{})
	slow := &blockingHandler{unblock: blocker}
	require.NoError(t, bus.Subscribe(slow, EventCostSpike))

	var rejected bool
	for i := 0; i < 50; i++ {
		if err := bus.Publish(NewEvent("test", uuid.New(), CostSpikePayload{})); err != nil {
			rejected = true
			break
		}
	}
	close(blocker)
	assert.True(t, rejected, "publish must reject rather than block when the queue is full")
}

type blockingHandler struct {
	unblock chan struct{}
}

func (h *blockingHandler) HandleEvent(ctx context.Context, event *Event) error {
	<-h.unblock
	return nil
}

func (h *blockingHandler) Name() string { return "blocking" }

func TestMigrationPayloadKind(t *testing.T) {
	p := NewMigrationPayload(EventMigrationCompleted, MigrationPayload{FromPartition: "shared", ToPartition: "dedicated_compute"})
	assert.Equal(t, EventMigrationCompleted, p.EventType())

	event := NewEvent("orchestrator", uuid.New(), p)
	assert.Equal(t, EventMigrationCompleted, event.Type)
	assert.NotEqual(t, uuid.Nil, event.ID)
	assert.False(t, event.Time.IsZero())
}
