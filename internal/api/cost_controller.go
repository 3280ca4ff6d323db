package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/jscharber/tenantcost/pkg/costing"
)

// CostController handles usage ingestion, cost queries, budgets and
// forecasts.
type CostController struct {
	accountant *costing.Accountant
	forecasts  *costing.ForecastEngine
	tracer     trace.Tracer
}

// NewCostController creates a cost API controller.
func NewCostController(accountant *costing.Accountant, forecasts *costing.ForecastEngine) *CostController {
	return &CostController{
		accountant: accountant,
		forecasts:  forecasts,
		tracer:     otel.Tracer("cost-controller"),
	}
}

// RegisterRoutes registers all cost accounting routes
func (c *CostController) RegisterRoutes(router *gin.RouterGroup) {
	tenants := router.Group("/tenants/:tenant_id")
	{
		tenants.POST("/usage", c.RecordUsage)
		tenants.GET("/costs", c.GetCosts)
		tenants.GET("/costs/optimizations", c.GetOptimizations)
		tenants.GET("/forecast", c.GetForecast)

		tenants.GET("/budget", c.GetBudget)
		tenants.PUT("/budget", c.SetBudget)
		tenants.DELETE("/budget", c.DeleteBudget)
		tenants.GET("/budget/status", c.GetBudgetStatus)
	}
}

// RecordUsageRequest is the usage ingestion payload.
type RecordUsageRequest struct {
	RecordedAt    *time.Time `json:"recorded_at,omitempty"`
	ComputeUnits  float64    `json:"compute_units"`
	StorageGB     float64    `json:"storage_gb"`
	NetworkGB     float64    `json:"network_gb"`
	APICalls      int64      `json:"api_calls"`
	ActiveUsers   int64      `json:"active_users"`
	QueryCount    int64      `json:"query_count"`
	BytesIngested int64      `json:"bytes_ingested"`
	CPUPercent    float64    `json:"cpu_percent"`
	MemoryPercent float64    `json:"memory_percent"`
}

// RecordUsage ingests one usage sample. Always returns 202: sample
// persistence never fails the caller.
func (c *CostController) RecordUsage(ctx *gin.Context) {
	tenantID, ok := tenantParam(ctx)
	if !ok {
		return
	}

	var request RecordUsageRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format", "details": err.Error()})
		return
	}

	sample := &costing.ResourceUsageSample{
		TenantID:      tenantID,
		ComputeUnits:  request.ComputeUnits,
		StorageGB:     request.StorageGB,
		NetworkGB:     request.NetworkGB,
		APICalls:      request.APICalls,
		ActiveUsers:   request.ActiveUsers,
		QueryCount:    request.QueryCount,
		BytesIngested: request.BytesIngested,
		CPUPercent:    request.CPUPercent,
		MemoryPercent: request.MemoryPercent,
	}
	if request.RecordedAt != nil {
		sample.RecordedAt = *request.RecordedAt
	}

	c.accountant.RecordUsage(ctx.Request.Context(), sample)
	ctx.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// GetCosts calculates the tenant's cost for the requested period (default
// day).
func (c *CostController) GetCosts(ctx *gin.Context) {
	tenantID, ok := tenantParam(ctx)
	if !ok {
		return
	}

	period := costing.Period(ctx.DefaultQuery("period", string(costing.PeriodDay)))
	if !period.Valid() {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid period", "details": "period must be one of hour, day, week, month"})
		return
	}

	metrics, err := c.accountant.CalculateCosts(ctx.Request.Context(), tenantID, period)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Cost calculation failed", "details": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, metrics)
}

// GetOptimizations returns cost saving recommendations for the tenant.
func (c *CostController) GetOptimizations(ctx *gin.Context) {
	tenantID, ok := tenantParam(ctx)
	if !ok {
		return
	}

	recommendations, err := c.accountant.IdentifyOptimizations(ctx.Request.Context(), tenantID)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Optimization analysis failed", "details": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"tenant_id": tenantID, "recommendations": recommendations})
}

// GetForecast returns the tenant's cost forecast.
func (c *CostController) GetForecast(ctx *gin.Context) {
	tenantID, ok := tenantParam(ctx)
	if !ok {
		return
	}

	forecast, err := c.forecasts.Forecast(ctx.Request.Context(), tenantID)
	if err != nil {
		if errors.Is(err, costing.ErrInsufficientData) {
			ctx.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Insufficient history", "details": err.Error()})
			return
		}
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Forecast failed", "details": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, forecast)
}

// SetBudgetRequest is the budget upsert payload.
type SetBudgetRequest struct {
	Currency        string    `json:"currency"`
	DailyCap        float64   `json:"daily_cap"`
	MonthlyCap      float64   `json:"monthly_cap"`
	AnnualCap       float64   `json:"annual_cap"`
	AlertThresholds []float64 `json:"alert_thresholds"`
	AlertRecipients []string  `json:"alert_recipients"`
	ThrottlePercent float64   `json:"throttle_percent"`
	StopPercent     float64   `json:"stop_percent"`
}

// SetBudget creates or replaces the tenant's budget.
func (c *CostController) SetBudget(ctx *gin.Context) {
	tenantID, ok := tenantParam(ctx)
	if !ok {
		return
	}

	var request SetBudgetRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format", "details": err.Error()})
		return
	}

	budget := &costing.TenantBudget{
		TenantID:        tenantID,
		Currency:        request.Currency,
		DailyCap:        request.DailyCap,
		MonthlyCap:      request.MonthlyCap,
		AnnualCap:       request.AnnualCap,
		AlertThresholds: request.AlertThresholds,
		AlertRecipients: request.AlertRecipients,
		HardLimit: costing.HardLimitPolicy{
			ThrottlePercent: request.ThrottlePercent,
			StopPercent:     request.StopPercent,
		},
	}
	if budget.Currency == "" {
		budget.Currency = "USD"
	}

	if err := c.accountant.SetBudget(ctx.Request.Context(), budget); err != nil {
		if errors.Is(err, costing.ErrInvalidBudget) {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid budget", "details": err.Error()})
			return
		}
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save budget", "details": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, budget)
}

// GetBudget returns the tenant's budget.
func (c *CostController) GetBudget(ctx *gin.Context) {
	tenantID, ok := tenantParam(ctx)
	if !ok {
		return
	}

	budget, err := c.accountant.GetBudget(ctx.Request.Context(), tenantID)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load budget", "details": err.Error()})
		return
	}
	if budget == nil {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "No budget configured"})
		return
	}
	ctx.JSON(http.StatusOK, budget)
}

// DeleteBudget removes the tenant's budget.
func (c *CostController) DeleteBudget(ctx *gin.Context) {
	tenantID, ok := tenantParam(ctx)
	if !ok {
		return
	}

	if err := c.accountant.DeleteBudget(ctx.Request.Context(), tenantID); err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete budget", "details": err.Error()})
		return
	}
	ctx.JSON(http.StatusNoContent, nil)
}

// GetBudgetStatus returns current utilization against each budget scope.
func (c *CostController) GetBudgetStatus(ctx *gin.Context) {
	tenantID, ok := tenantParam(ctx)
	if !ok {
		return
	}

	status, err := c.accountant.BudgetStatus(ctx.Request.Context(), tenantID)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to compute budget status", "details": err.Error()})
		return
	}
	if status == nil {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "No budget configured"})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"tenant_id": tenantID, "utilization": status})
}

// tenantParam parses the tenant_id path parameter, writing a 400 on failure.
func tenantParam(ctx *gin.Context) (uuid.UUID, bool) {
	tenantID, err := uuid.Parse(ctx.Param("tenant_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid tenant id", "details": err.Error()})
		return uuid.Nil, false
	}
	return tenantID, true
}
