package payout

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/errandly/internal/auth"
	"github.com/mbd888/errandly/internal/gateway"
	"github.com/mbd888/errandly/internal/ledger"
	"github.com/mbd888/errandly/internal/money"
	"github.com/mbd888/errandly/internal/validation"
)

// Handler provides HTTP endpoints for withdrawals.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new payout handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterProtectedRoutes sets up withdrawal routes for authenticated callers.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/withdrawals", h.RequestWithdrawal)
	r.GET("/withdrawals", h.ListMine)
	r.GET("/withdrawals/:id", validation.IDParamMiddleware("id"), h.Get)
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/withdrawals/pending", h.ListPending)
	r.POST("/admin/withdrawals/:id/reverse", validation.IDParamMiddleware("id"), h.Reverse)
}

// WithdrawalRequest is the body of POST /v1/withdrawals.
type WithdrawalRequest struct {
	UserID        string          `json:"userId" binding:"required"`
	BankAccountID string          `json:"bankAccountId" binding:"required"`
	Amount        decimal.Decimal `json:"amount"`
}

// RequestWithdrawal handles POST /v1/withdrawals
func (h *Handler) RequestWithdrawal(c *gin.Context) {
	var req WithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": "userId, bankAccountId and amount are required"})
		return
	}
	if req.UserID != auth.UserID(c) {
		c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "forbidden", "message": "you can only withdraw from your own wallet"})
		return
	}

	res, err := h.service.RequestWithdrawal(c.Request.Context(), req.UserID, req.BankAccountID, req.Amount)
	var insufficient *ledger.InsufficientFundsError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, res)
	case errors.Is(err, gateway.ErrGatewayTransferFailed) && res != nil:
		c.JSON(http.StatusBadGateway, gin.H{
			"success":      false,
			"error":        "gateway_transfer_failed",
			"withdrawalId": res.WithdrawalID,
			"reference":    res.Reference,
			"message":      res.Message,
		})
	case errors.As(err, &insufficient):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"success": false,
			"error":   "insufficient_funds",
			"message": fmt.Sprintf("Insufficient funds: you can withdraw at most %s", money.Display(insufficient.Available)),
		})
	case errors.Is(err, ledger.ErrWalletNotFound):
		c.JSON(http.StatusPaymentRequired, gin.H{"success": false, "error": "insufficient_funds", "message": "Insufficient funds: your wallet is empty"})
	case errors.Is(err, ledger.ErrBelowMinimumWithdrawal):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "below_minimum", "message": err.Error()})
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ledger.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": err.Error()})
	default:
		h.logger.Error("withdrawal failed", "user_id", req.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal_error", "message": "withdrawal could not be processed"})
	}
}

// ListMine handles GET /v1/withdrawals
func (h *Handler) ListMine(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	ws, err := h.service.ListByUser(c.Request.Context(), auth.UserID(c), limit)
	if err != nil {
		h.internal(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawals": ws, "count": len(ws)})
}

// Get handles GET /v1/withdrawals/:id
func (h *Handler) Get(c *gin.Context) {
	w, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrWithdrawalNotFound) || (err == nil && w.UserID != auth.UserID(c)) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "withdrawal not found"})
		return
	}
	if err != nil {
		h.internal(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": w})
}

// ListPending handles GET /v1/admin/withdrawals/pending
func (h *Handler) ListPending(c *gin.Context) {
	ws, err := h.service.ListPending(c.Request.Context(), 0)
	if err != nil {
		h.internal(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawals": ws, "count": len(ws)})
}

// Reverse handles POST /v1/admin/withdrawals/:id/reverse
func (h *Handler) Reverse(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	w, err := h.service.Reverse(c.Request.Context(), c.Param("id"), body.Reason)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"withdrawal": w})
	case errors.Is(err, ErrWithdrawalNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrNotPending):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
	default:
		h.internal(c, err)
	}
}

func (h *Handler) internal(c *gin.Context, err error) {
	h.logger.Error("payout request failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "internal error"})
}
