package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/errandly/internal/ledger"
	"github.com/mbd888/errandly/internal/money"
)

const maxWebhookBody = 64 << 10

// Funder credits a wallet. The reference makes redelivery a no-op.
type Funder interface {
	TopUp(ctx context.Context, userID string, amount decimal.Decimal, reference, description string) (*ledger.Receipt, error)
}

// WebhookHandler receives payment callbacks and funds wallets.
type WebhookHandler struct {
	funder         Funder
	paystackSecret string
	stripeSecret   string
	logger         *slog.Logger
}

// NewWebhookHandler creates a callback handler. A provider whose secret is
// empty rejects every callback.
func NewWebhookHandler(funder Funder, paystackSecret, stripeSecret string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{funder: funder, paystackSecret: paystackSecret, stripeSecret: stripeSecret, logger: logger}
}

// RegisterRoutes mounts the callbacks. They authenticate by signature,
// not by caller identity.
func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/paystack", h.Paystack)
	r.POST("/webhooks/stripe", h.Stripe)
}

type paystackEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference string          `json:"reference"`
		Amount    int64           `json:"amount"`
		Currency  string          `json:"currency"`
		Status    string          `json:"status"`
		Metadata  json.RawMessage `json:"metadata"`
	} `json:"data"`
}

// Paystack handles POST /v1/webhooks/paystack
func (h *WebhookHandler) Paystack(c *gin.Context) {
	body, ok := h.readBody(c)
	if !ok {
		return
	}
	if !VerifyPaystackSignature(h.paystackSecret, body, c.GetHeader("X-Paystack-Signature")) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature", "message": ErrInvalidSignature.Error()})
		return
	}

	var ev paystackEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "malformed event"})
		return
	}
	if ev.Event != "charge.success" || ev.Data.Status != "success" {
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
		return
	}

	h.fund(c, ProviderPaystack, fundRequest{
		userID:    userFromMetadata(ev.Data.Metadata),
		reference: ev.Data.Reference,
		currency:  ev.Data.Currency,
		minor:     ev.Data.Amount,
	})
}

// Stripe handles POST /v1/webhooks/stripe
func (h *WebhookHandler) Stripe(c *gin.Context) {
	body, ok := h.readBody(c)
	if !ok {
		return
	}
	if h.stripeSecret == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature", "message": ErrInvalidSignature.Error()})
		return
	}
	event, err := webhook.ConstructEventWithOptions(body, c.GetHeader("Stripe-Signature"), h.stripeSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature", "message": ErrInvalidSignature.Error()})
		return
	}
	if event.Type != stripe.EventTypePaymentIntentSucceeded {
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
		return
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "malformed payment intent"})
		return
	}
	userID := pi.Metadata["user_id"]
	if userID == "" {
		userID = pi.Metadata["userId"]
	}
	h.fund(c, ProviderStripe, fundRequest{
		userID:    userID,
		reference: pi.ID,
		currency:  string(pi.Currency),
		minor:     pi.AmountReceived,
	})
}

type fundRequest struct {
	userID    string
	reference string
	currency  string
	minor     int64
}

func (h *WebhookHandler) fund(c *gin.Context, provider string, req fundRequest) {
	// Callbacks we cannot apply are acknowledged so the provider stops
	// redelivering; they need manual follow-up.
	if req.userID == "" || req.reference == "" || req.minor <= 0 {
		h.logger.Error("payment callback missing user, reference or amount",
			"provider", provider, "reference", req.reference)
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
		return
	}
	if !strings.EqualFold(req.currency, money.Currency) {
		h.logger.Error("payment callback in unsupported currency",
			"provider", provider, "reference", req.reference, "currency", req.currency)
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
		return
	}

	amount := money.FromKobo(req.minor)
	receipt, err := h.funder.TopUp(c.Request.Context(), req.userID, amount,
		provider+"_"+req.reference, "Wallet top-up via "+provider)
	if err != nil {
		h.logger.Error("payment callback top-up failed", "provider", provider, "reference", req.reference, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "top-up failed"})
		return
	}
	if receipt.Replayed {
		h.logger.Info("duplicate payment callback", "provider", provider, "reference", req.reference)
	} else {
		h.logger.Info("wallet funded", "provider", provider, "reference", req.reference,
			"user_id", req.userID, "amount", money.Format(amount))
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "duplicate": receipt.Replayed})
}

func (h *WebhookHandler) readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil || len(body) > maxWebhookBody {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unreadable or oversized body"})
		return nil, false
	}
	return body, true
}

// userFromMetadata reads user_id (or userId) from Paystack metadata, which
// may be an object, a JSON-encoded string or empty.
func userFromMetadata(raw json.RawMessage) string {
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		var encoded string
		if json.Unmarshal(raw, &encoded) != nil || json.Unmarshal([]byte(encoded), &meta) != nil {
			return ""
		}
	}
	for _, key := range []string{"user_id", "userId"} {
		if v, ok := meta[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
