package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/jscharber/tenantcost/pkg/partition"
)

// PartitionController handles partition evaluation and migration control.
type PartitionController struct {
	catalog      *partition.Catalog
	store        partition.Store
	evaluator    *partition.Evaluator
	orchestrator *partition.Orchestrator
	tracer       trace.Tracer
}

// NewPartitionController creates a partition API controller.
func NewPartitionController(catalog *partition.Catalog, store partition.Store, evaluator *partition.Evaluator, orchestrator *partition.Orchestrator) *PartitionController {
	return &PartitionController{
		catalog:      catalog,
		store:        store,
		evaluator:    evaluator,
		orchestrator: orchestrator,
		tracer:       otel.Tracer("partition-controller"),
	}
}

// RegisterRoutes registers all partition management routes
func (c *PartitionController) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/partitions/types", c.ListPartitionTypes)
	router.GET("/partitions/dashboard", c.Dashboard)

	tenants := router.Group("/tenants/:tenant_id")
	{
		tenants.GET("/partition", c.GetPartition)
		tenants.GET("/partition/history", c.GetHistory)
		tenants.POST("/partition/evaluate", c.Evaluate)
		tenants.POST("/partition/migrations", c.RequestMigration)
		tenants.POST("/partition/migrations/approve", c.ApproveMigration)
		tenants.POST("/partition/migrations/cancel", c.CancelMigration)
	}
}

// ListPartitionTypes returns the partition catalog.
func (c *PartitionController) ListPartitionTypes(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"partition_types": c.catalog.Types()})
}

// GetPartition returns the tenant's partition record.
func (c *PartitionController) GetPartition(ctx *gin.Context) {
	tenantID, ok := tenantParam(ctx)
	if !ok {
		return
	}

	part, err := c.store.GetPartition(ctx.Request.Context(), tenantID)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load partition", "details": err.Error()})
		return
	}
	if part == nil {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "Tenant has no partition record"})
		return
	}
	ctx.JSON(http.StatusOK, part)
}

// GetHistory returns the tenant's partitioning history.
func (c *PartitionController) GetHistory(ctx *gin.Context) {
	tenantID, ok := tenantParam(ctx)
	if !ok {
		return
	}

	part, err := c.store.GetPartition(ctx.Request.Context(), tenantID)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load partition", "details": err.Error()})
		return
	}
	if part == nil {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "Tenant has no partition record"})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"tenant_id": tenantID, "history": part.History})
}

// Evaluate runs an on-demand evaluation for the tenant.
func (c *PartitionController) Evaluate(ctx *gin.Context) {
	tenantID, ok := tenantParam(ctx)
	if !ok {
		return
	}

	eval, err := c.evaluator.Evaluate(ctx.Request.Context(), tenantID)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Evaluation failed", "details": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, eval)
}

// MigrationRequest is the manual migration payload.
type MigrationRequest struct {
	TargetPartition string `json:"target_partition" binding:"required"`
	Reason          string `json:"reason"`
}

// RequestMigration schedules a migration to an explicit target partition.
func (c *PartitionController) RequestMigration(ctx *gin.Context) {
	tenantID, ok := tenantParam(ctx)
	if !ok {
		return
	}

	var request MigrationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format", "details": err.Error()})
		return
	}
	if request.Reason == "" {
		request.Reason = "operator requested"
	}

	plan, err := c.orchestrator.SchedulePlan(ctx.Request.Context(), tenantID, request.TargetPartition, request.Reason)
	if err != nil {
		if errors.Is(err, partition.ErrUnknownPartition) {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "Unknown partition", "details": err.Error()})
			return
		}
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to schedule migration", "details": err.Error()})
		return
	}
	if plan == nil {
		ctx.JSON(http.StatusConflict, gin.H{"error": "Nothing to schedule", "details": "a migration is already pending or the tenant is on the target partition"})
		return
	}
	ctx.JSON(http.StatusAccepted, plan)
}

// ApproveMigration confirms a scheduled migration.
func (c *PartitionController) ApproveMigration(ctx *gin.Context) {
	tenantID, ok := tenantParam(ctx)
	if !ok {
		return
	}

	if err := c.orchestrator.Approve(ctx.Request.Context(), tenantID); err != nil {
		if errors.Is(err, partition.ErrMigrationNotScheduled) {
			ctx.JSON(http.StatusConflict, gin.H{"error": "No scheduled migration", "details": err.Error()})
			return
		}
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Approval failed", "details": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "approved"})
}

// CancelRequest is the cancellation payload.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// CancelMigration withdraws a scheduled migration.
func (c *PartitionController) CancelMigration(ctx *gin.Context) {
	tenantID, ok := tenantParam(ctx)
	if !ok {
		return
	}

	var request CancelRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && err.Error() != "EOF" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format", "details": err.Error()})
		return
	}
	if request.Reason == "" {
		request.Reason = "operator cancelled"
	}

	if err := c.orchestrator.Cancel(ctx.Request.Context(), tenantID, request.Reason); err != nil {
		switch {
		case errors.Is(err, partition.ErrMigrationNotCancellable):
			ctx.JSON(http.StatusConflict, gin.H{"error": "Migration already running", "details": err.Error()})
		case errors.Is(err, partition.ErrMigrationNotScheduled):
			ctx.JSON(http.StatusConflict, gin.H{"error": "No scheduled migration", "details": err.Error()})
		default:
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Cancellation failed", "details": err.Error()})
		}
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// Dashboard summarizes partition assignments and migration activity.
func (c *PartitionController) Dashboard(ctx *gin.Context) {
	parts, err := c.store.ListPartitions(ctx.Request.Context())
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list partitions", "details": err.Error()})
		return
	}

	byPartition := make(map[string]int)
	byStatus := make(map[string]int)
	for _, p := range parts {
		byPartition[p.CurrentPartition]++
		byStatus[string(p.Migration.Status)]++
	}

	ctx.JSON(http.StatusOK, gin.H{
		"tenant_count":         len(parts),
		"tenants_by_partition": byPartition,
		"migrations_by_status": byStatus,
		"queue_depth":          c.orchestrator.QueueDepth(),
		"active_migrations":    c.orchestrator.ActiveCount(),
	})
}
