package costing

import (
	"context"
	"sync"
)

// RateSource supplies the current cost category rates. Rates are read on
// every calculation so operator updates apply to the next calculation
// without a restart.
type RateSource interface {
	Categories(ctx context.Context) ([]CostCategory, error)
}

// StaticRateSource is a mutex-protected in-process rate table. It is the
// default rate source, seeded from configuration and mutable at runtime.
type StaticRateSource struct {
	mu         sync.RWMutex
	categories []CostCategory
}

// NewStaticRateSource builds a rate source from the given categories, or
// from default rates when none are given.
func NewStaticRateSource(categories []CostCategory) *StaticRateSource {
	if len(categories) == 0 {
		categories = DefaultCategories()
	}
	return &StaticRateSource{categories: categories}
}

// DefaultCategories returns the built-in rate table.
func DefaultCategories() []CostCategory {
	return []CostCategory{
		{Name: CategoryCompute, UnitRate: 0.05, Currency: "USD", Enabled: true},       // per compute unit
		{Name: CategoryStorage, UnitRate: 0.023, Currency: "USD", Enabled: true},      // per GB-day
		{Name: CategoryNetwork, UnitRate: 0.09, Currency: "USD", Enabled: true},       // per GB transferred
		{Name: CategoryAPICalls, UnitRate: 0.0000004, Currency: "USD", Enabled: true}, // per call
	}
}

// Categories returns a copy of the current rate table.
func (s *StaticRateSource) Categories(ctx context.Context) ([]CostCategory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CostCategory, len(s.categories))
	copy(out, s.categories)
	return out, nil
}

// Update replaces the rate table. The new rates apply to the next
// calculation.
func (s *StaticRateSource) Update(categories []CostCategory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.categories = make([]CostCategory, len(categories))
	copy(s.categories, categories)
}
