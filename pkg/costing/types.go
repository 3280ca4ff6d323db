// Package costing implements the cost accounting engine: it turns raw
// per-tenant resource usage samples into categorized monetary cost, watches
// budgets and cost spikes, projects future cost, and recommends
// optimizations.
package costing

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Errors surfaced to request-path callers.
var (
	// ErrInsufficientData is returned when forecasting is attempted with
	// fewer than the required number of historical points.
	ErrInsufficientData = errors.New("insufficient historical data")
	// ErrInvalidBudget is returned when a budget fails validation.
	ErrInvalidBudget = errors.New("invalid budget")
)

// Period identifies the rolling aggregation window of a cost calculation.
type Period string

const (
	PeriodHour  Period = "hour"
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

// Window returns the rolling window duration for the period.
func (p Period) Window() time.Duration {
	switch p {
	case PeriodHour:
		return time.Hour
	case PeriodDay:
		return 24 * time.Hour
	case PeriodWeek:
		return 7 * 24 * time.Hour
	case PeriodMonth:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Valid reports whether p is a known period.
func (p Period) Valid() bool {
	switch p {
	case PeriodHour, PeriodDay, PeriodWeek, PeriodMonth:
		return true
	}
	return false
}

// Cost category names. The set is fixed; rates and enablement are operator
// configuration.
const (
	CategoryCompute  = "compute"
	CategoryStorage  = "storage"
	CategoryNetwork  = "network"
	CategoryAPICalls = "api_calls"
)

// CostCategory is the operator-configured pricing for one category.
type CostCategory struct {
	Name     string  `json:"name" yaml:"name"`
	UnitRate float64 `json:"unit_rate" yaml:"unit_rate"`
	Currency string  `json:"currency" yaml:"currency"`
	Enabled  bool    `json:"enabled" yaml:"enabled"`
}

// ResourceUsageSample is one raw usage observation for a tenant. Samples are
// immutable once written and are the source of truth for cost and
// evaluation.
type ResourceUsageSample struct {
	TenantID      uuid.UUID `json:"tenant_id"`
	RecordedAt    time.Time `json:"recorded_at"`
	ComputeUnits  float64   `json:"compute_units"`
	StorageGB     float64   `json:"storage_gb"`
	NetworkGB     float64   `json:"network_gb"`
	APICalls      int64     `json:"api_calls"`
	ActiveUsers   int64     `json:"active_users"`
	QueryCount    int64     `json:"query_count"`
	BytesIngested int64     `json:"bytes_ingested"`

	// Instantaneous utilization captured with the sample, used by the
	// partition evaluator's 24h averages.
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}

// UsageAggregate holds totals and averages of usage over a window.
type UsageAggregate struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`

	ComputeUnits     float64 `json:"compute_units"`
	StorageGBAvg     float64 `json:"storage_gb_avg"`
	NetworkGB        float64 `json:"network_gb"`
	APICalls         int64   `json:"api_calls"`
	ActiveUsersAvg   float64 `json:"active_users_avg"`
	QueryCount       int64   `json:"query_count"`
	BytesIngested    int64   `json:"bytes_ingested"`
	CPUPercentAvg    float64 `json:"cpu_percent_avg"`
	MemoryPercentAvg float64 `json:"memory_percent_avg"`
	SampleCount      int64   `json:"sample_count"`
}

// CostBreakdown is the per-category cost of a window plus its total.
// Invariant: Total equals the sum of the categories within floating point
// tolerance.
type CostBreakdown struct {
	Compute  float64 `json:"compute"`
	Storage  float64 `json:"storage"`
	Network  float64 `json:"network"`
	APICalls float64 `json:"api_calls"`
	Total    float64 `json:"total"`
}

// EfficiencyRatios are cost-per-unit signals derived from a cost breakdown.
// Each ratio is zero when its denominator is zero.
type EfficiencyRatios struct {
	CostPerUser  float64 `json:"cost_per_user"`
	CostPerQuery float64 `json:"cost_per_query"`
	CostPerGB    float64 `json:"cost_per_gb"`
}

// TenantCostMetrics is the computed cost picture for one tenant and period.
type TenantCostMetrics struct {
	TenantID   uuid.UUID        `json:"tenant_id"`
	Timestamp  time.Time        `json:"timestamp"`
	Period     Period           `json:"period"`
	Usage      UsageAggregate   `json:"usage"`
	Costs      CostBreakdown    `json:"costs"`
	Efficiency EfficiencyRatios `json:"efficiency"`
	Currency   string           `json:"currency"`
}

// HardLimitPolicy describes what happens when a budget is exhausted.
type HardLimitPolicy struct {
	ThrottlePercent float64 `json:"throttle_percent"`
	StopPercent     float64 `json:"stop_percent"`
}

// TenantBudget is operator-supplied budget configuration for one tenant.
// Budgets never auto-expire.
type TenantBudget struct {
	TenantID        uuid.UUID       `json:"tenant_id"`
	Currency        string          `json:"currency"`
	DailyCap        float64         `json:"daily_cap"`
	MonthlyCap      float64         `json:"monthly_cap"`
	AnnualCap       float64         `json:"annual_cap"`
	AlertThresholds []float64       `json:"alert_thresholds"` // percent of cap, e.g. 50, 80, 95
	AlertRecipients []string        `json:"alert_recipients"`
	HardLimit       HardLimitPolicy `json:"hard_limit"`
	SchemaVersion   int             `json:"schema_version"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Validate checks budget invariants before persisting.
func (b *TenantBudget) Validate() error {
	if b.TenantID == uuid.Nil {
		return errors.Join(ErrInvalidBudget, errors.New("tenant id is required"))
	}
	if b.DailyCap < 0 || b.MonthlyCap < 0 || b.AnnualCap < 0 {
		return errors.Join(ErrInvalidBudget, errors.New("budget caps must be non-negative"))
	}
	for _, threshold := range b.AlertThresholds {
		if threshold <= 0 || threshold > 100 {
			return errors.Join(ErrInvalidBudget, errors.New("alert thresholds must be in (0, 100]"))
		}
	}
	if b.HardLimit.StopPercent != 0 && b.HardLimit.ThrottlePercent > b.HardLimit.StopPercent {
		return errors.Join(ErrInvalidBudget, errors.New("throttle percent must not exceed stop percent"))
	}
	return nil
}

// TrendDirection classifies the fitted cost trend.
type TrendDirection string

const (
	TrendIncreasing TrendDirection = "increasing"
	TrendDecreasing TrendDirection = "decreasing"
	TrendStable     TrendDirection = "stable"
)

// CostProjection is the projected cost at one horizon.
type CostProjection struct {
	HorizonDays   int     `json:"horizon_days"`
	PredictedCost float64 `json:"predicted_cost"`
	// PredictedUnits is the per-category usage implied by the projected
	// cost at current rates.
	PredictedUnits map[string]float64 `json:"predicted_units"`
}

// CostForecast is the current forecast for one tenant. One forecast per
// tenant is current at a time; the daily run supersedes it.
type CostForecast struct {
	TenantID        uuid.UUID        `json:"tenant_id"`
	GeneratedAt     time.Time        `json:"generated_at"`
	Confidence      float64          `json:"confidence"` // 0-1, from regression fit
	Trend           TrendDirection   `json:"trend"`
	Slope           float64          `json:"slope"` // relative daily growth rate
	Projections     []CostProjection `json:"projections"`
	Factors         []string         `json:"factors"`
	Recommendations []string         `json:"recommendations"`
}

// DailyCost is one day's historical cost total for a tenant.
type DailyCost struct {
	Day       time.Time     `json:"day"`
	Breakdown CostBreakdown `json:"breakdown"`
}

// OptimizationRecommendation is a single cost-saving suggestion.
type OptimizationRecommendation struct {
	Category            string  `json:"category"`
	Priority            string  `json:"priority"` // high, medium, low
	Description         string  `json:"description"`
	EstimatedSavingsPct float64 `json:"estimated_savings_pct"`
	EstimatedSavings    float64 `json:"estimated_savings"`
}

// BudgetUtilization is the read-back view of budget consumption.
type BudgetUtilization struct {
	Scope       string  `json:"scope"` // daily or monthly
	Cap         float64 `json:"cap"`
	CurrentCost float64 `json:"current_cost"`
	Percent     float64 `json:"percent"`
}
