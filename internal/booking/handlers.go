package booking

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/errandly/internal/auth"
	"github.com/mbd888/errandly/internal/escrow"
	"github.com/mbd888/errandly/internal/ledger"
	"github.com/mbd888/errandly/internal/money"
	"github.com/mbd888/errandly/internal/validation"
)

// Handler provides HTTP endpoints for bookings
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new booking handler
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterProtectedRoutes sets up booking routes for authenticated callers.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/bookings", h.Create)
	r.GET("/bookings", h.List)

	b := r.Group("/bookings/:id", validation.IDParamMiddleware("id"))
	b.GET("", h.Get)
	b.POST("/start", h.Start)
	b.POST("/complete", h.MarkComplete)
	b.POST("/confirm", h.Confirm)
	b.POST("/dispute", h.Dispute)
	b.POST("/cancel", h.Cancel)

	r.GET("/workers/:id/reviews", validation.IDParamMiddleware("id"), h.ListReviews)
	r.POST("/escrow/:bookingId/refund", validation.IDParamMiddleware("bookingId"), h.RefundHold)
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/bookings/:id/resolve", validation.IDParamMiddleware("id"), h.Resolve)
	r.POST("/admin/escrow/:bookingId/refund", validation.IDParamMiddleware("bookingId"), h.AdminRefundHold)
}

// CreateBookingRequest is the body of POST /v1/bookings.
type CreateBookingRequest struct {
	BookingID  string          `json:"bookingId"`
	WorkerID   string          `json:"workerId" binding:"required"`
	CategoryID string          `json:"categoryId"`
	Amount     decimal.Decimal `json:"amount"`
}

// Create handles POST /v1/bookings (direct booking of a worker).
func (h *Handler) Create(c *gin.Context) {
	var req CreateBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "workerId and amount are required"})
		return
	}
	if req.BookingID != "" && !validation.IsValidID(req.BookingID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid bookingId"})
		return
	}

	b, err := h.service.Create(c.Request.Context(), CreateRequest{
		ID:         req.BookingID,
		ClientID:   auth.UserID(c),
		WorkerID:   req.WorkerID,
		CategoryID: validation.NormalizeCategory(req.CategoryID),
		Amount:     req.Amount,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"booking": b})
}

// List handles GET /v1/bookings
func (h *Handler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	bookings, err := h.service.ListByUser(c.Request.Context(), auth.UserID(c), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bookings": bookings, "count": len(bookings)})
}

// Get handles GET /v1/bookings/:id
func (h *Handler) Get(c *gin.Context) {
	b, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !b.IsParty(auth.UserID(c)) {
		// Same answer as a missing booking.
		h.writeError(c, ErrBookingNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": b})
}

// Start handles POST /v1/bookings/:id/start
func (h *Handler) Start(c *gin.Context) {
	b, err := h.service.Start(c.Request.Context(), c.Param("id"), auth.UserID(c))
	h.respond(c, b, err)
}

// MarkComplete handles POST /v1/bookings/:id/complete
func (h *Handler) MarkComplete(c *gin.Context) {
	b, err := h.service.MarkComplete(c.Request.Context(), c.Param("id"), auth.UserID(c))
	h.respond(c, b, err)
}

// ConfirmRequest is the body of POST /v1/bookings/:id/confirm.
type ConfirmRequest struct {
	Rating int    `json:"rating"`
	Review string `json:"review"`
}

// Confirm handles POST /v1/bookings/:id/confirm
func (h *Handler) Confirm(c *gin.Context) {
	var req ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "rating is required"})
		return
	}
	out, err := h.service.ConfirmCompletion(c.Request.Context(), c.Param("id"), auth.UserID(c),
		req.Rating, validation.SanitizeString(req.Review, validation.MaxDescriptionLength))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "booking": out.Booking, "warnings": out.Warnings})
}

// DisputeRequest is the body of POST /v1/bookings/:id/dispute.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Dispute handles POST /v1/bookings/:id/dispute
func (h *Handler) Dispute(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "reason is required"})
		return
	}
	b, err := h.service.RaiseDispute(c.Request.Context(), c.Param("id"), auth.UserID(c),
		validation.SanitizeString(req.Reason, validation.MaxReasonLength))
	h.respond(c, b, err)
}

// Cancel handles POST /v1/bookings/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	b, err := h.service.Cancel(c.Request.Context(), c.Param("id"), auth.UserID(c))
	h.respond(c, b, err)
}

// ResolveRequest is the body of POST /v1/admin/bookings/:id/resolve.
type ResolveRequest struct {
	Resolution string `json:"resolution" binding:"required"`
}

// Resolve handles POST /v1/admin/bookings/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "resolution is required"})
		return
	}
	b, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), req.Resolution)
	h.respond(c, b, err)
}

// RefundHold handles POST /v1/escrow/:bookingId/refund: the payer takes
// back a hold that never became a booking.
func (h *Handler) RefundHold(c *gin.Context) {
	h.refundHold(c, auth.UserID(c))
}

// AdminRefundHold handles POST /v1/admin/escrow/:bookingId/refund
func (h *Handler) AdminRefundHold(c *gin.Context) {
	h.refundHold(c, "")
}

func (h *Handler) refundHold(c *gin.Context, userID string) {
	res, err := h.service.RefundOrphanHold(c.Request.Context(), c.Param("bookingId"), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": fmt.Sprintf("%s returned to your wallet", money.Display(res.Amount)),
		"result":  res,
	})
}

// ListReviews handles GET /v1/workers/:id/reviews
func (h *Handler) ListReviews(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	reviews, err := h.service.Reviews(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	var avg float64
	for _, r := range reviews {
		avg += float64(r.Rating)
	}
	if len(reviews) > 0 {
		avg /= float64(len(reviews))
	}
	c.JSON(http.StatusOK, gin.H{"reviews": reviews, "count": len(reviews), "averageRating": avg})
}

func (h *Handler) respond(c *gin.Context, b *Booking, err error) {
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "booking": b})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	var insufficient *ledger.InsufficientFundsError
	switch {
	case errors.As(err, &insufficient):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "insufficient_funds",
			"message": fmt.Sprintf("Insufficient funds: you need %s more to book this service", money.Display(insufficient.Shortfall())),
		})
	case errors.Is(err, ErrBookingNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "booking not found"})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, escrow.ErrNotHeld):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_held", "message": "no funds are held for this booking"})
	case errors.Is(err, ErrHoldHasBooking), errors.Is(err, ErrHoldTooRecent):
		c.JSON(http.StatusConflict, gin.H{"error": "hold_in_use", "message": err.Error()})
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrInvalidRating):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, escrow.ErrAlreadyHeld):
		c.JSON(http.StatusConflict, gin.H{"error": "already_held", "message": "payment for this booking is already held"})
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrStatusConflict),
		errors.Is(err, ErrSettled), errors.Is(err, escrow.ErrAlreadySettled):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
	case errors.Is(err, ledger.ErrInsufficientFunds), errors.Is(err, ledger.ErrWalletNotFound):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_funds", "message": "Insufficient funds"})
	default:
		h.logger.Error("booking request failed", "error", err, "path", c.FullPath())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "internal error"})
	}
}
