package jobs

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/errandly/internal/auth"
	"github.com/mbd888/errandly/internal/escrow"
	"github.com/mbd888/errandly/internal/ledger"
	"github.com/mbd888/errandly/internal/money"
	"github.com/mbd888/errandly/internal/validation"
)

// Handler provides HTTP endpoints for jobs and applications
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new jobs handler
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterProtectedRoutes sets up job routes for authenticated callers.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/jobs", h.PostJob)
	r.GET("/jobs", h.ListOpenJobs)
	r.GET("/jobs/mine", h.ListMyJobs)

	j := r.Group("/jobs/:id", validation.IDParamMiddleware("id"))
	j.GET("", h.GetJob)
	j.POST("/cancel", h.CancelJob)
	j.POST("/applications", h.Apply)
	j.GET("/applications", h.ListApplications)
	j.POST("/select", h.Select)

	r.GET("/applications", h.ListMyApplications)
	a := r.Group("/applications/:id", validation.IDParamMiddleware("id"))
	a.GET("", h.GetApplication)
	a.POST("/accept", h.Accept)
	a.POST("/decline", h.Decline)
	a.POST("/withdraw", h.Withdraw)
	a.POST("/reject", h.Reject)
}

// postJobBody is the body of POST /v1/jobs.
type postJobBody struct {
	CategoryID  string `json:"categoryId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	BudgetMin   string `json:"budgetMin"`
	BudgetMax   string `json:"budgetMax"`
}

// PostJob handles POST /v1/jobs
func (h *Handler) PostJob(c *gin.Context) {
	var body postJobBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid JSON body"})
		return
	}
	if errs := validation.Validate(
		validation.Required("title", body.Title),
		validation.MaxLength("title", body.Title, validation.MaxTitleLength),
		validation.MaxLength("description", body.Description, validation.MaxDescriptionLength),
		validation.Required("categoryId", body.CategoryID),
		validation.Required("budgetMin", body.BudgetMin),
		validation.Required("budgetMax", body.BudgetMax),
		validation.ValidAmount("budgetMin", body.BudgetMin),
		validation.ValidAmount("budgetMax", body.BudgetMax),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error(), "details": errs})
		return
	}
	minBudget, _ := money.ParsePositive(body.BudgetMin)
	maxBudget, _ := money.ParsePositive(body.BudgetMax)

	j, err := h.service.PostJob(c.Request.Context(), PostJobRequest{
		ClientID:    auth.UserID(c),
		CategoryID:  validation.NormalizeCategory(body.CategoryID),
		Title:       validation.SanitizeString(body.Title, validation.MaxTitleLength),
		Description: validation.SanitizeString(body.Description, validation.MaxDescriptionLength),
		BudgetMin:   minBudget,
		BudgetMax:   maxBudget,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"job": j})
}

// ListOpenJobs handles GET /v1/jobs?category=...
func (h *Handler) ListOpenJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	jobs, err := h.service.ListOpenJobs(c.Request.Context(), validation.NormalizeCategory(c.Query("category")), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

// ListMyJobs handles GET /v1/jobs/mine
func (h *Handler) ListMyJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	jobs, err := h.service.ListJobsByClient(c.Request.Context(), auth.UserID(c), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

// GetJob handles GET /v1/jobs/:id
func (h *Handler) GetJob(c *gin.Context) {
	j, err := h.service.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": j})
}

// CancelJob handles POST /v1/jobs/:id/cancel
func (h *Handler) CancelJob(c *gin.Context) {
	j, err := h.service.CancelJob(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "job": j})
}

type applyBody struct {
	CoverNote string `json:"coverNote"`
}

// Apply handles POST /v1/jobs/:id/applications
func (h *Handler) Apply(c *gin.Context) {
	var body applyBody
	_ = c.ShouldBindJSON(&body)
	a, err := h.service.Apply(c.Request.Context(), c.Param("id"), auth.UserID(c),
		validation.SanitizeString(body.CoverNote, validation.MaxDescriptionLength))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"application": a})
}

// ListApplications handles GET /v1/jobs/:id/applications (job owner only).
func (h *Handler) ListApplications(c *gin.Context) {
	ctx := c.Request.Context()
	j, err := h.service.GetJob(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if j.ClientID != auth.UserID(c) {
		h.writeError(c, ErrForbidden)
		return
	}
	apps, err := h.service.ListApplications(ctx, j.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"applications": apps, "count": len(apps)})
}

// SelectRequest is the body of POST /v1/jobs/:id/select.
type SelectRequest struct {
	ApplicationID string `json:"applicationId" binding:"required"`
	ClientID      string `json:"clientId" binding:"required"`
}

// Select handles POST /v1/jobs/:id/select
func (h *Handler) Select(c *gin.Context) {
	var req SelectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": "applicationId and clientId are required"})
		return
	}
	if req.ClientID != auth.UserID(c) {
		c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "forbidden", "message": "only the job owner can select a worker"})
		return
	}
	a, err := h.service.Select(c.Request.Context(), c.Param("id"), req.ApplicationID, req.ClientID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	deadline := a.Deadline(h.service.Window())
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"message":     fmt.Sprintf("Worker selected. They have until %s to accept.", deadline.Format(time.RFC3339)),
		"application": a,
		"expiresAt":   deadline,
	})
}

// ListMyApplications handles GET /v1/applications
func (h *Handler) ListMyApplications(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	apps, err := h.service.ListApplicationsByWorker(c.Request.Context(), auth.UserID(c), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"applications": apps, "count": len(apps)})
}

// GetApplication handles GET /v1/applications/:id
func (h *Handler) GetApplication(c *gin.Context) {
	ctx := c.Request.Context()
	a, err := h.service.GetApplication(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	user := auth.UserID(c)
	if a.WorkerID != user {
		j, err := h.service.GetJob(ctx, a.JobID)
		if err != nil || j.ClientID != user {
			h.writeError(c, ErrApplicationNotFound)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"application": a})
}

// Accept handles POST /v1/applications/:id/accept
func (h *Handler) Accept(c *gin.Context) {
	a, b, err := h.service.Accept(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "application": a, "booking": b})
}

// Decline handles POST /v1/applications/:id/decline
func (h *Handler) Decline(c *gin.Context) {
	a, err := h.service.Decline(c.Request.Context(), c.Param("id"), auth.UserID(c))
	h.respond(c, a, err)
}

// Withdraw handles POST /v1/applications/:id/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	a, err := h.service.Withdraw(c.Request.Context(), c.Param("id"), auth.UserID(c))
	h.respond(c, a, err)
}

// Reject handles POST /v1/applications/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	a, err := h.service.Reject(c.Request.Context(), c.Param("id"), auth.UserID(c))
	h.respond(c, a, err)
}

func (h *Handler) respond(c *gin.Context, a *Application, err error) {
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "application": a})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	var insufficient *ledger.InsufficientFundsError
	status, code := http.StatusInternalServerError, "internal_error"
	msg := err.Error()
	switch {
	case errors.As(err, &insufficient):
		status, code = http.StatusPaymentRequired, "insufficient_funds"
		msg = fmt.Sprintf("The client needs %s more in their wallet before this job can be booked", money.Display(insufficient.Shortfall()))
	case errors.Is(err, ErrJobNotFound), errors.Is(err, ErrApplicationNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrForbidden):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrInvalidJob), errors.Is(err, ErrOwnJob):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ErrWindowExpired):
		status, code = http.StatusGone, "window_expired"
	case errors.Is(err, ErrSelectionInProgress):
		status, code = http.StatusConflict, "selection_in_progress"
	case errors.Is(err, ErrAlreadyApplied):
		status, code = http.StatusConflict, "already_applied"
	case errors.Is(err, ErrJobNotOpen), errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrStatusConflict), errors.Is(err, escrow.ErrAlreadyHeld):
		status, code = http.StatusConflict, "invalid_state"
	default:
		h.logger.Error("jobs request failed", "error", err, "path", c.FullPath())
		msg = "internal error"
	}
	c.JSON(status, gin.H{"success": false, "error": code, "message": msg})
}
