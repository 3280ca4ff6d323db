package costing

import "time"

// Config tunes the cost accountant and the forecast engine.
type Config struct {
	// SpikeMultiplier is the ratio of the latest cost to the recent mean
	// above which a spike alert fires.
	SpikeMultiplier float64 `yaml:"spike_multiplier" json:"spike_multiplier"`
	// SpikeComparisonPoints is how many prior calculations the recent
	// mean is taken over. Spike detection needs at least this many prior
	// points in the cache.
	SpikeComparisonPoints int `yaml:"spike_comparison_points" json:"spike_comparison_points"`
	// CacheWindow bounds the in-memory metrics cache per tenant.
	CacheWindow time.Duration `yaml:"cache_window" json:"cache_window"`
	// AlertDedupWindow suppresses repeats of the same budget alert.
	AlertDedupWindow time.Duration `yaml:"alert_dedup_window" json:"alert_dedup_window"`

	// Optimization heuristics.
	StorageShareThreshold float64 `yaml:"storage_share_threshold" json:"storage_share_threshold"`
	CostPerQueryThreshold float64 `yaml:"cost_per_query_threshold" json:"cost_per_query_threshold"`

	// Forecasting.
	MinForecastPoints int     `yaml:"min_forecast_points" json:"min_forecast_points"`
	HistoryDays       int     `yaml:"history_days" json:"history_days"`
	StableSlopeBound  float64 `yaml:"stable_slope_bound" json:"stable_slope_bound"`
	HighCostPerUser   float64 `yaml:"high_cost_per_user" json:"high_cost_per_user"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		SpikeMultiplier:       3.0,
		SpikeComparisonPoints: 3,
		CacheWindow:           24 * time.Hour,
		AlertDedupWindow:      time.Hour,
		StorageShareThreshold: 0.40,
		CostPerQueryThreshold: 0.01,
		MinForecastPoints:     7,
		HistoryDays:           30,
		StableSlopeBound:      0.01,
		HighCostPerUser:       50.0,
	}
}
