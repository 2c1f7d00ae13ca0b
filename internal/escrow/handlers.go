package escrow

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/errandly/internal/auth"
	"github.com/mbd888/errandly/internal/ledger"
	"github.com/mbd888/errandly/internal/money"
	"github.com/mbd888/errandly/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new escrow handler
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterProtectedRoutes sets up escrow routes for authenticated callers.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrow/hold", h.Hold)
	r.GET("/escrow/:bookingId", validation.IDParamMiddleware("bookingId"), h.GetState)
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/topups", h.AdminTopUp)
}

// HoldRequest is the body of POST /v1/escrow/hold.
type HoldRequest struct {
	ClientID  string          `json:"clientId" binding:"required"`
	BookingID string          `json:"bookingId" binding:"required"`
	Amount    decimal.Decimal `json:"amount"`
}

// Hold handles POST /v1/escrow/hold
func (h *Handler) Hold(c *gin.Context) {
	var req HoldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": "clientId, bookingId and amount are required"})
		return
	}
	if req.ClientID != auth.UserID(c) {
		c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "forbidden", "message": "funds can only be held from your own wallet"})
		return
	}
	if !validation.IsValidID(req.BookingID) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": "invalid bookingId"})
		return
	}

	_, err := h.service.Hold(c.Request.Context(), req.BookingID, req.ClientID, req.Amount)
	if err != nil {
		status, code, msg := holdError(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("escrow hold failed", "error", err, "booking_id", req.BookingID)
		}
		c.JSON(status, gin.H{"success": false, "error": code, "message": msg})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": fmt.Sprintf("%s held for booking %s", money.Display(req.Amount), req.BookingID),
	})
}

func holdError(err error) (int, string, string) {
	var insufficient *ledger.InsufficientFundsError
	switch {
	case errors.As(err, &insufficient):
		return http.StatusPaymentRequired, "insufficient_funds",
			fmt.Sprintf("Insufficient funds: you need %s more to book this service", money.Display(insufficient.Shortfall()))
	case errors.Is(err, ErrAlreadyHeld):
		return http.StatusConflict, "already_held", "payment for this booking is already held"
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, ledger.ErrInsufficientFunds), errors.Is(err, ledger.ErrWalletNotFound):
		return http.StatusPaymentRequired, "insufficient_funds", "Insufficient funds"
	}
	return http.StatusInternalServerError, "internal_error", "failed to hold funds"
}

// GetState handles GET /v1/escrow/:bookingId
func (h *Handler) GetState(c *gin.Context) {
	bookingID := c.Param("bookingId")
	state, err := h.service.State(c.Request.Context(), bookingID)
	if err != nil {
		h.logger.Error("failed to load escrow state", "error", err, "booking_id", bookingID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load escrow state"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"bookingId": bookingID, "state": state})
}

// TopUpRequest is the body of POST /v1/admin/topups.
type TopUpRequest struct {
	UserID      string          `json:"userId" binding:"required"`
	Amount      decimal.Decimal `json:"amount"`
	Reference   string          `json:"reference" binding:"required"`
	Description string          `json:"description"`
}

// AdminTopUp handles POST /v1/admin/topups. Used for manual credits when a
// gateway callback was lost; the reference keeps it idempotent.
func (h *Handler) AdminTopUp(c *gin.Context) {
	var req TopUpRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.Amount.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "userId, reference and a positive amount are required"})
		return
	}
	receipt, err := h.service.TopUp(c.Request.Context(), req.UserID, req.Amount, req.Reference, req.Description)
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
		h.logger.Error("admin top-up failed", "error", err, "user_id", req.UserID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to top up wallet"})
		return
	}
	resp := gin.H{"success": true, "replayed": receipt.Replayed}
	if w, ok := receipt.Wallets[req.UserID]; ok {
		resp["wallet"] = ledger.ViewOf(w)
	}
	c.JSON(http.StatusOK, resp)
}
