package partition

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCatalog(t *testing.T) *Catalog {
	t.Helper()
	catalog, err := NewCatalog(nil)
	require.NoError(t, err)
	return catalog
}

func stepNames(steps []MigrationStep) []string {
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.Name
	}
	return names
}

func TestBuildPlanWithIsolationChange(t *testing.T) {
	catalog := mustCatalog(t)
	from, _ := catalog.ByName("shared")
	to, _ := catalog.ByName("dedicated_instance")
	tenantID := uuid.New()

	plan := BuildPlan(tenantID, from, to, "load test", time.Now())

	assert.Equal(t, []string{"backup", "allocate_resources", "migrate_data", "update_routing"}, stepNames(plan.Steps))
	// Rollback runs in reverse order of the forward steps.
	assert.Equal(t, []string{"revert_routing", "remove_migrated_data", "deallocate_resources", "restore_backup"}, stepNames(plan.RollbackSteps))

	assert.Equal(t, RiskHigh, plan.Risk.Overall)
	assert.Equal(t, 2*time.Minute, plan.Risk.EstimatedDowntime)
	assert.False(t, plan.Risk.DataLossRisk)
	assert.Equal(t, "complex", plan.Risk.RollbackComplexity)
}

func TestBuildPlanSameIsolationLevel(t *testing.T) {
	catalog := mustCatalog(t)
	// Two tiers sharing an isolation level only occur in custom catalogs.
	from := PartitionType{Name: "shared_small", IsolationLevel: IsolationShared, Priority: 0}
	to := PartitionType{Name: "shared_large", IsolationLevel: IsolationShared, Priority: 1}
	_ = catalog

	plan := BuildPlan(uuid.New(), from, to, "resize", time.Now())

	assert.Equal(t, []string{"backup", "migrate_data", "update_routing"}, stepNames(plan.Steps))
	assert.Equal(t, []string{"revert_routing", "remove_migrated_data", "restore_backup"}, stepNames(plan.RollbackSteps))
	assert.Equal(t, RiskMedium, plan.Risk.Overall)
}

func TestBuildPlanDeterministic(t *testing.T) {
	catalog := mustCatalog(t)
	from, _ := catalog.ByName("shared")
	to, _ := catalog.ByName("dedicated_cluster")
	now := time.Now()

	a := BuildPlan(uuid.New(), from, to, "x", now)
	b := BuildPlan(uuid.New(), from, to, "x", now)

	assert.Equal(t, stepNames(a.Steps), stepNames(b.Steps))
	assert.Equal(t, stepNames(a.RollbackSteps), stepNames(b.RollbackSteps))
	assert.Equal(t, a.Risk, b.Risk)
}

func TestBuildPlanDependencies(t *testing.T) {
	catalog := mustCatalog(t)
	from, _ := catalog.ByName("shared")
	to, _ := catalog.ByName("dedicated_compute")

	plan := BuildPlan(uuid.New(), from, to, "x", time.Now())

	byName := make(map[string]MigrationStep)
	for _, s := range plan.Steps {
		byName[s.Name] = s
	}
	assert.Empty(t, byName["backup"].Dependencies)
	assert.Contains(t, byName["migrate_data"].Dependencies, "backup")
	assert.Contains(t, byName["migrate_data"].Dependencies, "allocate_resources")
	assert.Equal(t, []string{"migrate_data"}, byName["update_routing"].Dependencies)
}

func TestCatalog(t *testing.T) {
	catalog := mustCatalog(t)

	t.Run("default tiers ordered by priority", func(t *testing.T) {
		types := catalog.Types()
		require.Len(t, types, 4)
		assert.Equal(t, "shared", types[0].Name)
		assert.Equal(t, "dedicated_cluster", types[3].Name)
		assert.Equal(t, "shared", catalog.Lowest().Name)
		assert.Equal(t, "dedicated_cluster", catalog.ByRank(0).Name)
		assert.Equal(t, "dedicated_instance", catalog.ByRank(1).Name)
		assert.Equal(t, "dedicated_compute", catalog.ByRank(2).Name)
	})

	t.Run("unknown name", func(t *testing.T) {
		_, err := catalog.ByName("quantum")
		assert.ErrorIs(t, err, ErrUnknownPartition)
	})

	t.Run("duplicate names rejected", func(t *testing.T) {
		_, err := NewCatalog([]PartitionType{{Name: "a"}, {Name: "a"}})
		assert.Error(t, err)
	})
}

func TestHistoryCap(t *testing.T) {
	p := &TenantPartition{}
	for i := 0; i < historyCap+50; i++ {
		p.AppendEvent(PartitioningEvent{Kind: EventEvaluation, Reason: "r"})
	}
	assert.Len(t, p.History, historyCap)
}
