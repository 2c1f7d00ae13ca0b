package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/errandly/internal/auth"
	"github.com/mbd888/errandly/internal/money"
)

// WalletView is the JSON shape of a wallet.
type WalletView struct {
	UserID      string    `json:"userId"`
	Currency    string    `json:"currency"`
	Balance     string    `json:"balance"`
	Escrow      string    `json:"escrow"`
	Available   string    `json:"available"`
	TotalSpent  string    `json:"totalSpent"`
	TotalEarned string    `json:"totalEarned"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ViewOf renders a wallet for API responses.
func ViewOf(w *Wallet) WalletView {
	return WalletView{
		UserID:      w.UserID,
		Currency:    money.Currency,
		Balance:     money.Format(w.Balance),
		Escrow:      money.Format(w.Escrow),
		Available:   money.Format(w.Available()),
		TotalSpent:  money.Format(w.TotalSpent),
		TotalEarned: money.Format(w.TotalEarned),
		UpdatedAt:   w.UpdatedAt,
	}
}

// TransactionView is the JSON shape of a transaction.
type TransactionView struct {
	ID          string    `json:"id"`
	Type        TxType    `json:"type"`
	Amount      string    `json:"amount"`
	BookingID   string    `json:"bookingId,omitempty"`
	Reference   string    `json:"reference"`
	Status      TxStatus  `json:"status"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func txView(tx *Transaction) TransactionView {
	return TransactionView{
		ID:          tx.ID,
		Type:        tx.Type,
		Amount:      money.Format(tx.Amount),
		BookingID:   tx.BookingID,
		Reference:   tx.Reference,
		Status:      tx.Status,
		Description: tx.Description,
		CreatedAt:   tx.CreatedAt,
	}
}

// Handler provides HTTP endpoints for wallets
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterProtectedRoutes sets up routes for the authenticated caller.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/wallet", h.GetWallet)
	r.GET("/wallet/transactions", h.ListTransactions)
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/wallets/:userId", h.AdminGetWallet)
	r.GET("/admin/wallets/:userId/recompute", h.AdminRecompute)
}

// GetWallet handles GET /v1/wallet
func (h *Handler) GetWallet(c *gin.Context) {
	w, err := h.ledger.GetOrCreate(c.Request.Context(), auth.UserID(c))
	if err != nil {
		h.internalError(c, "failed to load wallet", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": ViewOf(w)})
}

// ListTransactions handles GET /v1/wallet/transactions?limit=N
func (h *Handler) ListTransactions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	txs, err := h.ledger.History(c.Request.Context(), auth.UserID(c), limit)
	if err != nil {
		h.internalError(c, "failed to load transactions", err)
		return
	}
	views := make([]TransactionView, 0, len(txs))
	for _, tx := range txs {
		views = append(views, txView(tx))
	}
	c.JSON(http.StatusOK, gin.H{"transactions": views, "count": len(views)})
}

// AdminGetWallet handles GET /v1/admin/wallets/:userId
func (h *Handler) AdminGetWallet(c *gin.Context) {
	w, err := h.ledger.GetWallet(c.Request.Context(), c.Param("userId"))
	if errors.Is(err, ErrWalletNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "wallet not found"})
		return
	}
	if err != nil {
		h.internalError(c, "failed to load wallet", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": ViewOf(w)})
}

// AdminRecompute handles GET /v1/admin/wallets/:userId/recompute. It shows
// the cached wallet next to the one derived from the log; it never writes.
func (h *Handler) AdminRecompute(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("userId")

	cached, err := h.ledger.GetWallet(ctx, userID)
	if errors.Is(err, ErrWalletNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "wallet not found"})
		return
	}
	if err != nil {
		h.internalError(c, "failed to load wallet", err)
		return
	}
	derived, err := h.ledger.Recompute(ctx, userID)
	if err != nil {
		h.internalError(c, "failed to recompute wallet", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"cached":  ViewOf(cached),
		"derived": ViewOf(derived),
		"match":   cached.Balance.Equal(derived.Balance) && cached.Escrow.Equal(derived.Escrow),
	})
}

func (h *Handler) internalError(c *gin.Context, msg string, err error) {
	h.logger.Error(msg, "error", err, "user_id", auth.UserID(c))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": msg})
}
