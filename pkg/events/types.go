// Package events provides the event contracts and transports for the
// cost-partitioning pipeline. Cost alerts and migration lifecycle events
// flow through an in-process bus to subscribed handlers, and optionally to
// Kafka topics for downstream notification systems.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the platform
const (
	EventBudgetAlert        = "cost.budget_alert"
	EventCostSpike          = "cost.spike"
	EventMigrationScheduled = "partition.migration_scheduled"
	EventMigrationApproved  = "partition.migration_approved"
	EventMigrationCancelled = "partition.migration_cancelled"
	EventMigrationCompleted = "partition.migration_completed"
	EventMigrationFailed    = "partition.migration_failed"
	EventRollback           = "partition.rollback"
)

// Payload is implemented by every typed event payload.
type Payload interface {
	EventType() string
}

// Event is the envelope carried by the bus. Payload holds one of the typed
// payload variants below; handlers switch on Type (or type-assert Payload).
type Event struct {
	ID       uuid.UUID `json:"id"`
	Type     string    `json:"type"`
	Source   string    `json:"source"`
	TenantID uuid.UUID `json:"tenant_id"`
	Time     time.Time `json:"time"`
	Payload  Payload   `json:"payload"`

	// Delivery bookkeeping, managed by the bus
	RetryCount int     `json:"retry_count"`
	MaxRetries int     `json:"max_retries"`
	LastError  *string `json:"last_error,omitempty"`
}

// NewEvent creates an event envelope with a generated id and current time.
func NewEvent(source string, tenantID uuid.UUID, payload Payload) *Event {
	return &Event{
		ID:         uuid.New(),
		Type:       payload.EventType(),
		Source:     source,
		TenantID:   tenantID,
		Time:       time.Now().UTC(),
		Payload:    payload,
		MaxRetries: 3,
	}
}

// BudgetAlertPayload is published when a tenant's cost utilization crosses a
// configured percentage of its budget. Deduplicated to at most one alert per
// (tenant, scope, threshold) per rolling hour by the accountant.
type BudgetAlertPayload struct {
	Scope            string   `json:"scope"` // daily or monthly
	ThresholdPercent float64  `json:"threshold_percent"`
	UtilizationPct   float64  `json:"utilization_percent"`
	CurrentCost      float64  `json:"current_cost"`
	BudgetCap        float64  `json:"budget_cap"`
	Currency         string   `json:"currency"`
	Recipients       []string `json:"recipients,omitempty"`
}

func (BudgetAlertPayload) EventType() string { return EventBudgetAlert }

// CostSpikePayload is published when the latest cost calculation exceeds the
// recent-mean by the configured spike multiplier.
type CostSpikePayload struct {
	Period      string  `json:"period"`
	LatestCost  float64 `json:"latest_cost"`
	RecentMean  float64 `json:"recent_mean"`
	SpikeRatio  float64 `json:"spike_ratio"`
	Multiplier  float64 `json:"multiplier"`
	WindowHours int     `json:"window_hours"`
}

func (CostSpikePayload) EventType() string { return EventCostSpike }

// MigrationPayload carries migration lifecycle notifications. The same shape
// serves scheduled/approved/cancelled/completed/failed; kind selects the
// event type.
type MigrationPayload struct {
	kind          string
	FromPartition string        `json:"from_partition"`
	ToPartition   string        `json:"to_partition"`
	Reason        string        `json:"reason"`
	Risk          string        `json:"risk,omitempty"`
	StepCount     int           `json:"step_count,omitempty"`
	Duration      time.Duration `json:"duration,omitempty"`
	Error         string        `json:"error,omitempty"`
}

func (p MigrationPayload) EventType() string { return p.kind }

// NewMigrationPayload builds a MigrationPayload for the given lifecycle
// event type (one of the EventMigration* constants).
func NewMigrationPayload(eventType string, p MigrationPayload) MigrationPayload {
	p.kind = eventType
	return p
}

// RollbackPayload is published after a failed migration's rollback pass has
// run (whether or not every rollback step succeeded).
type RollbackPayload struct {
	FromPartition string `json:"from_partition"`
	ToPartition   string `json:"to_partition"`
	Reason        string `json:"reason"`
	StepsRun      int    `json:"steps_run"`
	StepsFailed   int    `json:"steps_failed"`
}

func (RollbackPayload) EventType() string { return EventRollback }

// Handler processes events delivered by the bus. Delivery to a handler is
// at-most-once per published event; failed handlers are retried with the
// same event up to Event.MaxRetries.
type Handler interface {
	HandleEvent(ctx context.Context, event *Event) error
	Name() string
}
