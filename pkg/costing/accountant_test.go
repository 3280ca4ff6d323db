package costing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jscharber/tenantcost/pkg/events"
	"github.com/jscharber/tenantcost/pkg/logger"
)

// memUsageStore is an in-memory UsageStore returning a fixed aggregate.
type memUsageStore struct {
	mu      sync.Mutex
	samples []*ResourceUsageSample
	agg     *UsageAggregate
	err     error
}

func (s *memUsageStore) InsertSample(ctx context.Context, sample *ResourceUsageSample) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
	return nil
}

func (s *memUsageStore) AggregateUsage(ctx context.Context, tenantID uuid.UUID, from, to time.Time) (*UsageAggregate, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	agg := *s.agg
	agg.From, agg.To = from, to
	return &agg, nil
}

func (s *memUsageStore) ActiveTenants(ctx context.Context, since time.Time) ([]uuid.UUID, error) {
	return nil, nil
}

// memBudgetStore is an in-memory BudgetStore.
type memBudgetStore struct {
	budgets map[uuid.UUID]*TenantBudget
}

func newMemBudgetStore() *memBudgetStore {
	return &memBudgetStore{budgets: make(map[uuid.UUID]*TenantBudget)}
}

func (s *memBudgetStore) GetBudget(ctx context.Context, tenantID uuid.UUID) (*TenantBudget, error) {
	return s.budgets[tenantID], nil
}

func (s *memBudgetStore) SaveBudget(ctx context.Context, budget *TenantBudget) error {
	s.budgets[budget.TenantID] = budget
	return nil
}

func (s *memBudgetStore) DeleteBudget(ctx context.Context, tenantID uuid.UUID) error {
	delete(s.budgets, tenantID)
	return nil
}

// memAlertStore is an in-memory AlertStateStore.
type memAlertStore struct {
	mu    sync.Mutex
	fired map[string]time.Time
}

func newMemAlertStore() *memAlertStore {
	return &memAlertStore{fired: make(map[string]time.Time)}
}

func (s *memAlertStore) LastAlert(ctx context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.fired[key]
	return at, ok, nil
}

func (s *memAlertStore) RecordAlert(ctx context.Context, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fired[key] = at
	return nil
}

// memHistoryStore is an in-memory CostHistoryStore.
type memHistoryStore struct {
	mu    sync.Mutex
	daily map[uuid.UUID][]DailyCost
}

func newMemHistoryStore() *memHistoryStore {
	return &memHistoryStore{daily: make(map[uuid.UUID][]DailyCost)}
}

func (s *memHistoryStore) SaveDailyCost(ctx context.Context, tenantID uuid.UUID, day time.Time, breakdown CostBreakdown) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	costs := s.daily[tenantID]
	for i := range costs {
		if costs[i].Day.Equal(day) {
			costs[i].Breakdown = breakdown
			return nil
		}
	}
	s.daily[tenantID] = append(costs, DailyCost{Day: day, Breakdown: breakdown})
	return nil
}

func (s *memHistoryStore) DailyCosts(ctx context.Context, tenantID uuid.UUID, days int) ([]DailyCost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	costs := s.daily[tenantID]
	if len(costs) > days {
		costs = costs[len(costs)-days:]
	}
	out := make([]DailyCost, len(costs))
	copy(out, costs)
	return out, nil
}

// captureBus records published events without delivering them.
type captureBus struct {
	mu     sync.Mutex
	events []*events.Event
}

func (b *captureBus) Publish(event *events.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *captureBus) Subscribe(handler events.Handler, eventTypes ...string) error { return nil }
func (b *captureBus) Start() error                                                { return nil }
func (b *captureBus) Stop() error                                                 { return nil }
func (b *captureBus) Metrics() events.BusMetrics                                  { return events.BusMetrics{} }

func (b *captureBus) ofType(eventType string) []*events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*events.Event
	for _, e := range b.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func newTestAccountant(t *testing.T, usage *memUsageStore) (*Accountant, *memBudgetStore, *captureBus) {
	t.Helper()
	budgets := newMemBudgetStore()
	bus := &captureBus{}
	a := NewAccountant(DefaultConfig(), usage, budgets, newMemAlertStore(), newMemHistoryStore(), nil, bus, nil, logger.NewNopLogger())
	return a, budgets, bus
}

func TestCalculateCosts(t *testing.T) {
	tenantID := uuid.New()
	usage := &memUsageStore{agg: &UsageAggregate{
		ComputeUnits:   1000,
		StorageGBAvg:   200,
		NetworkGB:      50,
		APICalls:       1_000_000,
		ActiveUsersAvg: 10,
		QueryCount:     5000,
		SampleCount:    24,
	}}
	a, _, _ := newTestAccountant(t, usage)

	m, err := a.CalculateCosts(context.Background(), tenantID, PeriodDay)
	require.NoError(t, err)

	t.Run("total equals sum of categories", func(t *testing.T) {
		sum := m.Costs.Compute + m.Costs.Storage + m.Costs.Network + m.Costs.APICalls
		assert.InDelta(t, sum, m.Costs.Total, 1e-9)
		assert.Greater(t, m.Costs.Total, 0.0)
	})

	t.Run("efficiency ratios", func(t *testing.T) {
		assert.InDelta(t, m.Costs.Total/10, m.Efficiency.CostPerUser, 1e-9)
		assert.InDelta(t, m.Costs.Total/5000, m.Efficiency.CostPerQuery, 1e-9)
	})

	t.Run("rejects unknown period", func(t *testing.T) {
		_, err := a.CalculateCosts(context.Background(), tenantID, Period("fortnight"))
		assert.Error(t, err)
	})
}

func TestCalculateCostsZeroDenominators(t *testing.T) {
	tenantID := uuid.New()
	usage := &memUsageStore{agg: &UsageAggregate{ComputeUnits: 100}}
	a, _, _ := newTestAccountant(t, usage)

	m, err := a.CalculateCosts(context.Background(), tenantID, PeriodDay)
	require.NoError(t, err)

	assert.Zero(t, m.Efficiency.CostPerUser)
	assert.Zero(t, m.Efficiency.CostPerQuery)
	assert.Zero(t, m.Efficiency.CostPerGB)
}

func TestRecordUsageSwallowsStorageErrors(t *testing.T) {
	usage := &memUsageStore{agg: &UsageAggregate{}, err: fmt.Errorf("connection refused")}
	a, _, _ := newTestAccountant(t, usage)

	// Must not panic or surface the error.
	a.RecordUsage(context.Background(), &ResourceUsageSample{TenantID: uuid.New()})
}

func TestBudgetAlertDeduplication(t *testing.T) {
	tenantID := uuid.New()
	usage := &memUsageStore{agg: &UsageAggregate{ComputeUnits: 10000}} // 500.00 at default rates
	a, budgets, bus := newTestAccountant(t, usage)

	require.NoError(t, budgets.SaveBudget(context.Background(), &TenantBudget{
		TenantID:        tenantID,
		Currency:        "USD",
		DailyCap:        600,
		AlertThresholds: []float64{80},
	}))

	_, err := a.CalculateCosts(context.Background(), tenantID, PeriodDay)
	require.NoError(t, err)
	require.Len(t, bus.ofType(events.EventBudgetAlert), 1, "first crossing should alert")

	alert := bus.ofType(events.EventBudgetAlert)[0]
	payload, ok := alert.Payload.(events.BudgetAlertPayload)
	require.True(t, ok)
	assert.Equal(t, "daily", payload.Scope)
	assert.Equal(t, 80.0, payload.ThresholdPercent)
	assert.Greater(t, payload.UtilizationPct, 80.0)

	// Re-evaluating inside the dedup window stays silent.
	_, err = a.CalculateCosts(context.Background(), tenantID, PeriodDay)
	require.NoError(t, err)
	assert.Len(t, bus.ofType(events.EventBudgetAlert), 1)

	// After the window passes the alert fires again.
	a.now = func() time.Time { return time.Now().Add(61 * time.Minute) }
	_, err = a.CalculateCosts(context.Background(), tenantID, PeriodDay)
	require.NoError(t, err)
	assert.Len(t, bus.ofType(events.EventBudgetAlert), 2)
}

func TestBudgetBelowThresholdIsSilent(t *testing.T) {
	tenantID := uuid.New()
	usage := &memUsageStore{agg: &UsageAggregate{ComputeUnits: 100}} // 5.00 at default rates
	a, budgets, bus := newTestAccountant(t, usage)

	require.NoError(t, budgets.SaveBudget(context.Background(), &TenantBudget{
		TenantID:        tenantID,
		DailyCap:        600,
		AlertThresholds: []float64{80},
	}))

	_, err := a.CalculateCosts(context.Background(), tenantID, PeriodDay)
	require.NoError(t, err)
	assert.Empty(t, bus.ofType(events.EventBudgetAlert))
}

func TestSpikeDetection(t *testing.T) {
	tenantID := uuid.New()
	usage := &memUsageStore{agg: &UsageAggregate{ComputeUnits: 100}}
	a, _, bus := newTestAccountant(t, usage)

	// Build up the three prior points the comparison needs.
	for i := 0; i < 3; i++ {
		_, err := a.CalculateCosts(context.Background(), tenantID, PeriodHour)
		require.NoError(t, err)
	}
	assert.Empty(t, bus.ofType(events.EventCostSpike))

	// A 4x jump over the recent mean fires the spike alert.
	usage.agg = &UsageAggregate{ComputeUnits: 400}
	_, err := a.CalculateCosts(context.Background(), tenantID, PeriodHour)
	require.NoError(t, err)

	spikes := bus.ofType(events.EventCostSpike)
	require.Len(t, spikes, 1)
	payload, ok := spikes[0].Payload.(events.CostSpikePayload)
	require.True(t, ok)
	assert.InDelta(t, 4.0, payload.SpikeRatio, 1e-9)
}

func TestSpikeDetectionNeedsHistory(t *testing.T) {
	tenantID := uuid.New()
	usage := &memUsageStore{agg: &UsageAggregate{ComputeUnits: 100}}
	a, _, bus := newTestAccountant(t, usage)

	// Two prior points are not enough; even a huge jump is silent.
	for i := 0; i < 2; i++ {
		_, err := a.CalculateCosts(context.Background(), tenantID, PeriodHour)
		require.NoError(t, err)
	}
	usage.agg = &UsageAggregate{ComputeUnits: 100000}
	_, err := a.CalculateCosts(context.Background(), tenantID, PeriodHour)
	require.NoError(t, err)
	assert.Empty(t, bus.ofType(events.EventCostSpike))
}

func TestIdentifyOptimizations(t *testing.T) {
	tenantID := uuid.New()
	// Storage-dominated usage with expensive queries.
	usage := &memUsageStore{agg: &UsageAggregate{
		ComputeUnits: 10,
		StorageGBAvg: 1000, // 23.00 storage vs 0.50 compute
		QueryCount:   100,
	}}
	a, _, _ := newTestAccountant(t, usage)

	recs, err := a.IdentifyOptimizations(context.Background(), tenantID)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, CategoryStorage, recs[0].Category)
	assert.Equal(t, "high", recs[0].Priority)
	assert.Equal(t, 30.0, recs[0].EstimatedSavingsPct)

	assert.Equal(t, CategoryCompute, recs[1].Category)
	assert.Equal(t, "medium", recs[1].Priority)
	assert.Equal(t, 20.0, recs[1].EstimatedSavingsPct)

	t.Run("deterministic for the same metrics", func(t *testing.T) {
		again, err := a.IdentifyOptimizations(context.Background(), tenantID)
		require.NoError(t, err)
		assert.Equal(t, recs, again)
	})
}

func TestSetBudgetValidation(t *testing.T) {
	usage := &memUsageStore{agg: &UsageAggregate{}}
	a, _, _ := newTestAccountant(t, usage)

	tests := []struct {
		name    string
		budget  *TenantBudget
		wantErr bool
	}{
		{"valid", &TenantBudget{TenantID: uuid.New(), DailyCap: 100, AlertThresholds: []float64{50, 80, 95}}, false},
		{"missing tenant", &TenantBudget{DailyCap: 100}, true},
		{"negative cap", &TenantBudget{TenantID: uuid.New(), DailyCap: -1}, true},
		{"threshold over 100", &TenantBudget{TenantID: uuid.New(), AlertThresholds: []float64{150}}, true},
		{"throttle above stop", &TenantBudget{TenantID: uuid.New(), HardLimit: HardLimitPolicy{ThrottlePercent: 99, StopPercent: 90}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.SetBudget(context.Background(), tt.budget)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidBudget)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
