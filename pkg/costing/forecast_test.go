package costing

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jscharber/tenantcost/pkg/logger"
)

func seedHistory(t *testing.T, store *memHistoryStore, tenantID uuid.UUID, totals []float64) {
	t.Helper()
	day := time.Now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, -len(totals))
	for i, total := range totals {
		err := store.SaveDailyCost(context.Background(), tenantID, day.AddDate(0, 0, i), CostBreakdown{
			Compute: total, Total: total,
		})
		require.NoError(t, err)
	}
}

func newTestForecastEngine(history *memHistoryStore) *ForecastEngine {
	return NewForecastEngine(DefaultConfig(), history, nil, nil, logger.NewNopLogger())
}

func TestForecastRequiresHistory(t *testing.T) {
	tenantID := uuid.New()
	history := newMemHistoryStore()
	seedHistory(t, history, tenantID, []float64{10, 11, 12, 13, 14, 15}) // 6 points, need 7

	_, err := newTestForecastEngine(history).Forecast(context.Background(), tenantID)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestForecastStableTrend(t *testing.T) {
	tenantID := uuid.New()
	history := newMemHistoryStore()
	seedHistory(t, history, tenantID, []float64{50, 50, 50, 50, 50, 50, 50})

	forecast, err := newTestForecastEngine(history).Forecast(context.Background(), tenantID)
	require.NoError(t, err)

	assert.Equal(t, TrendStable, forecast.Trend)
	assert.InDelta(t, 0, forecast.Slope, 1e-9)
	// A perfectly flat series fits perfectly.
	assert.InDelta(t, 1.0, forecast.Confidence, 1e-9)

	require.Len(t, forecast.Projections, 3)
	for _, p := range forecast.Projections {
		assert.InDelta(t, 50, p.PredictedCost, 1e-9, "flat history projects flat cost at %d days", p.HorizonDays)
	}
}

func TestForecastIncreasingTrend(t *testing.T) {
	tenantID := uuid.New()
	history := newMemHistoryStore()
	// Perfect linear growth: 10, 20, ..., 100.
	var totals []float64
	for i := 1; i <= 10; i++ {
		totals = append(totals, float64(i*10))
	}
	seedHistory(t, history, tenantID, totals)

	forecast, err := newTestForecastEngine(history).Forecast(context.Background(), tenantID)
	require.NoError(t, err)

	assert.Equal(t, TrendIncreasing, forecast.Trend)
	assert.InDelta(t, 0.1, forecast.Slope, 1e-9) // 10/day over last=100
	assert.InDelta(t, 1.0, forecast.Confidence, 1e-9)

	// last * (1 + slope*h)
	require.Len(t, forecast.Projections, 3)
	assert.InDelta(t, 110, forecast.Projections[0].PredictedCost, 1e-6)
	assert.InDelta(t, 170, forecast.Projections[1].PredictedCost, 1e-6)
	assert.InDelta(t, 400, forecast.Projections[2].PredictedCost, 1e-6)
}

func TestForecastDecreasingClampsAtZero(t *testing.T) {
	tenantID := uuid.New()
	history := newMemHistoryStore()
	seedHistory(t, history, tenantID, []float64{100, 90, 80, 70, 60, 50, 40})

	forecast, err := newTestForecastEngine(history).Forecast(context.Background(), tenantID)
	require.NoError(t, err)

	assert.Equal(t, TrendDecreasing, forecast.Trend)
	for _, p := range forecast.Projections {
		assert.GreaterOrEqual(t, p.PredictedCost, 0.0)
	}
}

func TestForecastFactors(t *testing.T) {
	tenantID := uuid.New()
	history := newMemHistoryStore()
	day := time.Now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, -8)
	for i := 0; i < 7; i++ {
		require.NoError(t, history.SaveDailyCost(context.Background(), tenantID, day.AddDate(0, 0, i), CostBreakdown{
			Compute: 10, Storage: 10, Total: 20,
		}))
	}
	// Last day: storage jumps 50%.
	require.NoError(t, history.SaveDailyCost(context.Background(), tenantID, day.AddDate(0, 0, 7), CostBreakdown{
		Compute: 10, Storage: 15, Total: 25,
	}))

	forecast, err := newTestForecastEngine(history).Forecast(context.Background(), tenantID)
	require.NoError(t, err)

	require.Len(t, forecast.Factors, 1)
	assert.Contains(t, forecast.Factors[0], "storage")
	assert.Contains(t, forecast.Factors[0], "increased")
}

func TestLinearFit(t *testing.T) {
	t.Run("perfect line", func(t *testing.T) {
		slope, intercept, r2 := linearFit([]float64{2, 4, 6, 8})
		assert.InDelta(t, 2, slope, 1e-9)
		assert.InDelta(t, 2, intercept, 1e-9)
		assert.InDelta(t, 1, r2, 1e-9)
	})
	t.Run("single point", func(t *testing.T) {
		slope, _, r2 := linearFit([]float64{5})
		assert.Zero(t, slope)
		assert.Zero(t, r2)
	})
}
