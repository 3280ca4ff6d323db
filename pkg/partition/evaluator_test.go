package partition

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jscharber/tenantcost/pkg/costing"
	"github.com/jscharber/tenantcost/pkg/logger"
)

// memStore is an in-memory partition.Store.
type memStore struct {
	mu         sync.Mutex
	partitions map[uuid.UUID]*TenantPartition
}

func newMemStore() *memStore {
	return &memStore{partitions: make(map[uuid.UUID]*TenantPartition)}
}

func (s *memStore) GetPartition(ctx context.Context, tenantID uuid.UUID) (*TenantPartition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partitions[tenantID]
	if !ok {
		return nil, nil
	}
	cp := *p
	cp.History = append([]PartitioningEvent(nil), p.History...)
	return &cp, nil
}

func (s *memStore) SavePartition(ctx context.Context, p *TenantPartition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	cp.History = append([]PartitioningEvent(nil), p.History...)
	s.partitions[p.TenantID] = &cp
	return nil
}

func (s *memStore) ListPartitions(ctx context.Context) ([]*TenantPartition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*TenantPartition, 0, len(s.partitions))
	for _, p := range s.partitions {
		out = append(out, p)
	}
	return out, nil
}

// fakeUsage returns fixed aggregates and tenants.
type fakeUsage struct {
	agg     *costing.UsageAggregate
	tenants []uuid.UUID
}

func (f *fakeUsage) AggregateUsage(ctx context.Context, tenantID uuid.UUID, from, to time.Time) (*costing.UsageAggregate, error) {
	agg := *f.agg
	return &agg, nil
}

func (f *fakeUsage) ActiveTenants(ctx context.Context, since time.Time) ([]uuid.UUID, error) {
	return f.tenants, nil
}

// fakeCost returns a fixed daily cost.
type fakeCost struct {
	cost float64
}

func (f *fakeCost) DailyCost(ctx context.Context, tenantID uuid.UUID) (float64, error) {
	return f.cost, nil
}

// captureScheduler records schedule requests.
type captureScheduler struct {
	mu    sync.Mutex
	calls []string // target names
	check func()
}

func (s *captureScheduler) SchedulePlan(ctx context.Context, tenantID uuid.UUID, target, reason string) (*MigrationPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.check != nil {
		s.check()
	}
	s.calls = append(s.calls, target)
	return &MigrationPlan{TenantID: tenantID, ToPartition: target}, nil
}

// heavyAggregate trips every heaviness threshold under the default config
// and a 24h window.
func heavyAggregate() *costing.UsageAggregate {
	return &costing.UsageAggregate{
		CPUPercentAvg:    85,    // > 70
		MemoryPercentAvg: 90,    // > 75
		QueryCount:       48000, // 2000/h > 1000/h
		StorageGBAvg:     800,   // > 500
		NetworkGB:        2000,  // ~185 Mbps > 100
		SampleCount:      24,
	}
}

func TestEvaluateHeavyTenant(t *testing.T) {
	tenantID := uuid.New()
	store := newMemStore()
	scheduler := &captureScheduler{}
	ev := NewEvaluator(DefaultEvaluatorConfig(), mustCatalog(t), store, &fakeUsage{agg: heavyAggregate()}, &fakeCost{cost: 250}, scheduler, nil, logger.NewNopLogger())

	eval, err := ev.Evaluate(context.Background(), tenantID)
	require.NoError(t, err)

	assert.InDelta(t, 100, eval.Score, 1e-9, "all six signals firing")
	assert.Len(t, eval.Signals, 6)
	assert.Equal(t, "dedicated_cluster", eval.RecommendedPartition)
	assert.True(t, eval.MigrationScheduled)
	assert.Equal(t, []string{"dedicated_cluster"}, scheduler.calls)
}

func TestEvaluateQuietTenantStaysOnShared(t *testing.T) {
	tenantID := uuid.New()
	store := newMemStore()
	scheduler := &captureScheduler{}
	ev := NewEvaluator(DefaultEvaluatorConfig(), mustCatalog(t), store, &fakeUsage{agg: &costing.UsageAggregate{CPUPercentAvg: 5}}, &fakeCost{cost: 1}, scheduler, nil, logger.NewNopLogger())

	eval, err := ev.Evaluate(context.Background(), tenantID)
	require.NoError(t, err)

	assert.Zero(t, eval.Score)
	assert.Equal(t, "shared", eval.RecommendedPartition)
	assert.False(t, eval.MigrationScheduled)
	assert.Empty(t, scheduler.calls)

	// The evaluation is still recorded.
	part, err := store.GetPartition(context.Background(), tenantID)
	require.NoError(t, err)
	require.NotNil(t, part)
	require.Len(t, part.History, 1)
	assert.Equal(t, EventEvaluation, part.History[0].Kind)
	assert.NotNil(t, part.LastEvaluatedAt)
}

func TestEvaluateMidBands(t *testing.T) {
	tests := []struct {
		name string
		agg  *costing.UsageAggregate
		cost float64
		want string
	}{
		{
			// cpu + memory = 40 points -> second tier
			name: "compute pressure only",
			agg:  &costing.UsageAggregate{CPUPercentAvg: 85, MemoryPercentAvg: 90},
			want: "dedicated_compute",
		},
		{
			// cpu + memory + cost = 65 points -> third tier
			name: "compute pressure and cost",
			agg:  &costing.UsageAggregate{CPUPercentAvg: 85, MemoryPercentAvg: 90},
			cost: 500,
			want: "dedicated_instance",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := NewEvaluator(DefaultEvaluatorConfig(), mustCatalog(t), newMemStore(), &fakeUsage{agg: tt.agg}, &fakeCost{cost: tt.cost}, nil, nil, logger.NewNopLogger())
			eval, err := ev.Evaluate(context.Background(), uuid.New())
			require.NoError(t, err)
			assert.Equal(t, tt.want, eval.RecommendedPartition)
		})
	}
}

func TestEvaluationPersistedBeforeScheduling(t *testing.T) {
	tenantID := uuid.New()
	store := newMemStore()
	scheduler := &captureScheduler{}
	scheduler.check = func() {
		// By the time scheduling happens the evaluation must already be
		// durable.
		part, err := store.GetPartition(context.Background(), tenantID)
		require.NoError(t, err)
		require.NotNil(t, part)
		assert.NotEmpty(t, part.History)
		assert.NotNil(t, part.LastEvaluatedAt)
	}
	ev := NewEvaluator(DefaultEvaluatorConfig(), mustCatalog(t), store, &fakeUsage{agg: heavyAggregate()}, &fakeCost{cost: 250}, scheduler, nil, logger.NewNopLogger())

	_, err := ev.Evaluate(context.Background(), tenantID)
	require.NoError(t, err)
	require.Len(t, scheduler.calls, 1)
}

func TestEvaluateAll(t *testing.T) {
	tenants := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	ev := NewEvaluator(DefaultEvaluatorConfig(), mustCatalog(t), newMemStore(), &fakeUsage{agg: &costing.UsageAggregate{}, tenants: tenants}, &fakeCost{}, nil, nil, logger.NewNopLogger())

	evals, err := ev.EvaluateAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, evals, 3)
}

func TestClassifyRisk(t *testing.T) {
	catalog := mustCatalog(t)
	ev := NewEvaluator(nil, catalog, newMemStore(), nil, nil, nil, nil, logger.NewNopLogger())

	shared, _ := catalog.ByName("shared")
	cluster, _ := catalog.ByName("dedicated_cluster")
	sharedSmall := PartitionType{Name: "shared_small", IsolationLevel: IsolationShared, Priority: 0}
	sharedLarge := PartitionType{Name: "shared_large", IsolationLevel: IsolationShared, Priority: 1}

	assert.Equal(t, RiskLow, ev.ClassifyRisk(shared, shared))
	assert.Equal(t, RiskHigh, ev.ClassifyRisk(shared, cluster))
	assert.Equal(t, RiskLow, ev.ClassifyRisk(sharedSmall, sharedLarge))
	assert.Equal(t, RiskMedium, ev.ClassifyRisk(sharedLarge, sharedSmall))
}
