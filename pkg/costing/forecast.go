package costing

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jscharber/tenantcost/pkg/logger"
)

// ForecastEngine projects future tenant cost from historical daily totals
// using least-squares linear regression.
type ForecastEngine struct {
	config     *Config
	history    CostHistoryStore
	rates      RateSource
	accountant *Accountant
	log        *logger.Logger
	tracer     trace.Tracer

	now func() time.Time
}

// NewForecastEngine creates a forecast engine. The accountant is optional
// and only enriches recommendations with efficiency signals.
func NewForecastEngine(config *Config, history CostHistoryStore, rates RateSource, accountant *Accountant, log *logger.Logger) *ForecastEngine {
	if config == nil {
		config = DefaultConfig()
	}
	if rates == nil {
		rates = NewStaticRateSource(nil)
	}
	return &ForecastEngine{
		config:     config,
		history:    history,
		rates:      rates,
		accountant: accountant,
		log:        log,
		tracer:     otel.Tracer("costing.forecast"),
		now:        time.Now,
	}
}

// Forecast fits a linear trend to the tenant's daily cost history and
// projects cost at 1, 7 and 30 day horizons. Returns ErrInsufficientData
// when fewer than the minimum number of daily points exist.
func (f *ForecastEngine) Forecast(ctx context.Context, tenantID uuid.UUID) (*CostForecast, error) {
	ctx, span := f.tracer.Start(ctx, "forecast.generate")
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", tenantID.String()))

	points, err := f.history.DailyCosts(ctx, tenantID, f.config.HistoryDays)
	if err != nil {
		return nil, fmt.Errorf("failed to load cost history: %w", err)
	}
	if len(points) < f.config.MinForecastPoints {
		return nil, fmt.Errorf("%w: have %d daily points, need %d", ErrInsufficientData, len(points), f.config.MinForecastPoints)
	}

	totals := make([]float64, len(points))
	for i, p := range points {
		totals[i] = p.Breakdown.Total
	}

	slope, _, r2 := linearFit(totals)
	last := totals[len(totals)-1]

	// Growth rate relative to the latest observation, so projections read
	// as "percent per day".
	relSlope := 0.0
	if last > 0 {
		relSlope = slope / last
	}

	trend := TrendStable
	switch {
	case relSlope > f.config.StableSlopeBound:
		trend = TrendIncreasing
	case relSlope < -f.config.StableSlopeBound:
		trend = TrendDecreasing
	}

	confidence := r2
	if len(totals) < 3 {
		confidence = 0.5
	}
	confidence = math.Max(0, math.Min(1, confidence))

	forecast := &CostForecast{
		TenantID:    tenantID,
		GeneratedAt: f.now().UTC(),
		Confidence:  confidence,
		Trend:       trend,
		Slope:       relSlope,
	}

	categories, err := f.rates.Categories(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load cost rates: %w", err)
	}
	latest := points[len(points)-1].Breakdown
	for _, horizon := range []int{1, 7, 30} {
		predicted := last * (1 + relSlope*float64(horizon))
		if predicted < 0 {
			predicted = 0
		}
		forecast.Projections = append(forecast.Projections, CostProjection{
			HorizonDays:    horizon,
			PredictedCost:  predicted,
			PredictedUnits: impliedUnits(predicted, latest, categories),
		})
	}

	forecast.Factors = f.identifyFactors(points)
	forecast.Recommendations = f.recommend(tenantID, trend, latest)

	f.log.Debug("forecast for tenant %s: trend=%s slope=%.4f confidence=%.2f", tenantID, trend, relSlope, confidence)
	return forecast, nil
}

// linearFit runs ordinary least squares of y against the point index and
// returns the slope, intercept and coefficient of determination.
func linearFit(y []float64) (slope, intercept, r2 float64) {
	n := float64(len(y))
	if n < 2 {
		return 0, 0, 0
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, v := range y {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, sumY / n, 0
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n

	meanY := sumY / n
	var ssTot, ssRes float64
	for i, v := range y {
		fit := intercept + slope*float64(i)
		ssRes += (v - fit) * (v - fit)
		ssTot += (v - meanY) * (v - meanY)
	}
	if ssTot == 0 {
		// A perfectly flat series is a perfect fit.
		return slope, intercept, 1
	}
	return slope, intercept, 1 - ssRes/ssTot
}

// impliedUnits converts a projected total back into per-category usage
// units, assuming the latest category mix and current rates.
func impliedUnits(predicted float64, latest CostBreakdown, categories []CostCategory) map[string]float64 {
	units := make(map[string]float64)
	if latest.Total <= 0 {
		return units
	}
	shares := map[string]float64{
		CategoryCompute:  latest.Compute / latest.Total,
		CategoryStorage:  latest.Storage / latest.Total,
		CategoryNetwork:  latest.Network / latest.Total,
		CategoryAPICalls: latest.APICalls / latest.Total,
	}
	for _, cat := range categories {
		if !cat.Enabled || cat.UnitRate == 0 {
			continue
		}
		units[cat.Name] = predicted * shares[cat.Name] / cat.UnitRate
	}
	return units
}

// identifyFactors names per-category day-over-day swings above 10%.
func (f *ForecastEngine) identifyFactors(points []DailyCost) []string {
	var factors []string
	if len(points) < 2 {
		return factors
	}
	prev := points[len(points)-2].Breakdown
	curr := points[len(points)-1].Breakdown
	for _, c := range []struct {
		name       string
		prev, curr float64
	}{
		{CategoryCompute, prev.Compute, curr.Compute},
		{CategoryStorage, prev.Storage, curr.Storage},
		{CategoryNetwork, prev.Network, curr.Network},
		{CategoryAPICalls, prev.APICalls, curr.APICalls},
	} {
		if c.prev <= 0 {
			continue
		}
		change := (c.curr - c.prev) / c.prev * 100
		if math.Abs(change) > 10 {
			direction := "increased"
			if change < 0 {
				direction = "decreased"
			}
			factors = append(factors, fmt.Sprintf("%s cost %s %.1f%% day-over-day", c.name, direction, math.Abs(change)))
		}
	}
	return factors
}

// recommend maps the trend and current cost mix to advisory strings.
func (f *ForecastEngine) recommend(tenantID uuid.UUID, trend TrendDirection, latest CostBreakdown) []string {
	var recs []string
	switch trend {
	case TrendIncreasing:
		recs = append(recs, "costs are trending up; review recent workload changes and consider budget alerts")
	case TrendDecreasing:
		recs = append(recs, "costs are trending down; current optimizations appear effective")
	default:
		recs = append(recs, "costs are stable; no action required")
	}

	if latest.Total > 0 && latest.Storage/latest.Total > f.config.StorageShareThreshold {
		recs = append(recs, "storage dominates spend; archive cold data to a cheaper tier")
	}
	if f.accountant != nil {
		if m := f.accountant.LatestMetrics(tenantID); m != nil && m.Efficiency.CostPerUser > f.config.HighCostPerUser {
			recs = append(recs, fmt.Sprintf("cost per active user is %.2f; review per-seat resource allocation", m.Efficiency.CostPerUser))
		}
	}
	return recs
}
