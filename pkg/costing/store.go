package costing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UsageStore persists raw usage samples and answers windowed aggregate
// queries over them.
type UsageStore interface {
	InsertSample(ctx context.Context, sample *ResourceUsageSample) error
	AggregateUsage(ctx context.Context, tenantID uuid.UUID, from, to time.Time) (*UsageAggregate, error)
	// ActiveTenants returns tenants with at least one sample since the
	// given time.
	ActiveTenants(ctx context.Context, since time.Time) ([]uuid.UUID, error)
}

// BudgetStore persists tenant budgets. GetBudget returns (nil, nil) when no
// budget is configured for the tenant.
type BudgetStore interface {
	GetBudget(ctx context.Context, tenantID uuid.UUID) (*TenantBudget, error)
	SaveBudget(ctx context.Context, budget *TenantBudget) error
	DeleteBudget(ctx context.Context, tenantID uuid.UUID) error
}

// AlertStateStore tracks when each alert key last fired so repeated
// evaluations inside the dedup window stay silent. State survives restarts.
type AlertStateStore interface {
	// LastAlert returns the last time the key fired and whether it has
	// fired at all.
	LastAlert(ctx context.Context, key string) (time.Time, bool, error)
	RecordAlert(ctx context.Context, key string, at time.Time) error
}

// CostHistoryStore persists computed daily cost totals for forecasting.
type CostHistoryStore interface {
	SaveDailyCost(ctx context.Context, tenantID uuid.UUID, day time.Time, breakdown CostBreakdown) error
	// DailyCosts returns up to the last `days` daily totals for the
	// tenant, oldest first.
	DailyCosts(ctx context.Context, tenantID uuid.UUID, days int) ([]DailyCost, error)
}
