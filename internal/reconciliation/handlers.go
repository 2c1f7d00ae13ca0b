package reconciliation

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler serves reconciliation admin endpoints.
type Handler struct {
	runner *Runner
	logger *slog.Logger
}

// NewHandler creates a reconciliation handler.
func NewHandler(runner *Runner, logger *slog.Logger) *Handler {
	return &Handler{runner: runner, logger: logger}
}

// RegisterAdminRoutes sets up reconciliation routes on an admin group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/reconcile", h.Trigger)
	r.GET("/admin/reconcile", h.LastReport)
}

// Trigger handles POST /v1/admin/reconcile
func (h *Handler) Trigger(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 60*time.Second)
	defer cancel()

	report, err := h.runner.RunAll(ctx)
	if err != nil {
		h.logger.Error("manual reconciliation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconciliation_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// LastReport handles GET /v1/admin/reconcile
func (h *Handler) LastReport(c *gin.Context) {
	report := h.runner.Last()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Reconciliation has not run yet",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}
