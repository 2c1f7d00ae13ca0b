package autorelease

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/errandly/internal/booking"
	"github.com/mbd888/errandly/internal/validation"
)

// Handler exposes the sweep trigger and rule administration.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new auto-release handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterSweepRoutes mounts the trigger. The group must already require
// the sweep token.
func (h *Handler) RegisterSweepRoutes(r *gin.RouterGroup) {
	r.GET("/autorelease/sweep", h.Sweep)
	r.POST("/autorelease/sweep", h.Sweep)
	r.PUT("/autorelease/sweep", h.Trigger)
}

// RegisterAdminRoutes mounts rule and log administration.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/autorelease/rules", h.ListRules)
	r.POST("/admin/autorelease/rules", h.CreateRule)
	r.PATCH("/admin/autorelease/rules/:id", validation.IDParamMiddleware("id"), h.UpdateRule)
	r.GET("/admin/autorelease/logs", h.ListLogs)
}

// Sweep handles GET|POST /v1/autorelease/sweep
func (h *Handler) Sweep(c *gin.Context) {
	res, err := h.service.Sweep(c.Request.Context(), "http")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success":    false,
			"error":      "sweep_failed",
			"message":    res.Error,
			"stats":      res.Stats,
			"durationMs": res.DurationMs,
		})
		return
	}
	c.JSON(http.StatusOK, res)
}

// TriggerRequest is the body of PUT /v1/autorelease/sweep.
type TriggerRequest struct {
	BookingID string `json:"bookingId" binding:"required"`
	RuleID    string `json:"ruleId"`
}

// Trigger handles PUT /v1/autorelease/sweep
func (h *Handler) Trigger(c *gin.Context) {
	var req TriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "bookingId is required"})
		return
	}
	res, err := h.service.Trigger(c.Request.Context(), req.BookingID, req.RuleID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ListRules handles GET /v1/admin/autorelease/rules
func (h *Handler) ListRules(c *gin.Context) {
	rules, err := h.service.ListRules(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules, "count": len(rules)})
}

// CreateRuleRequest is the body of POST /v1/admin/autorelease/rules.
type CreateRuleRequest struct {
	Name             string           `json:"name"`
	GracePeriodHours int              `json:"gracePeriodHours"`
	CategoryID       string           `json:"categoryId"`
	MaxAmount        *decimal.Decimal `json:"maxAmount"`
}

// CreateRule handles POST /v1/admin/autorelease/rules
func (h *Handler) CreateRule(c *gin.Context) {
	var req CreateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid rule body"})
		return
	}
	if errs := validation.Validate(
		validation.Required("name", req.Name),
		validation.MaxLength("name", req.Name, 64),
		validation.MaxLength("categoryId", req.CategoryID, 64),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": errs.Error()})
		return
	}
	r, err := h.service.CreateRule(c.Request.Context(), req.Name, req.CategoryID, req.GracePeriodHours, req.MaxAmount)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"rule": r})
}

// UpdateRuleRequest is the body of PATCH /v1/admin/autorelease/rules/:id.
type UpdateRuleRequest struct {
	Enabled          *bool            `json:"enabled"`
	GracePeriodHours *int             `json:"gracePeriodHours"`
	MaxAmount        *decimal.Decimal `json:"maxAmount"`
	ClearMaxAmount   bool             `json:"clearMaxAmount"`
}

// UpdateRule handles PATCH /v1/admin/autorelease/rules/:id
func (h *Handler) UpdateRule(c *gin.Context) {
	var req UpdateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid rule body"})
		return
	}
	r, err := h.service.UpdateRule(c.Request.Context(), c.Param("id"), RuleUpdate(req))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rule": r})
}

// ListLogs handles GET /v1/admin/autorelease/logs
func (h *Handler) ListLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	logs, err := h.service.ListLogs(c.Request.Context(), c.Query("bookingId"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "count": len(logs)})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, booking.ErrBookingNotFound), errors.Is(err, ErrRuleNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrInvalidRule):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrDuplicateRule):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_rule", "message": err.Error()})
	default:
		h.logger.Error("auto-release request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "internal error"})
	}
}
