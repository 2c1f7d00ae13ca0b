// Package gateway moves money between Errandly and external payment
// providers: outbound bank transfers for withdrawals and inbound payment
// callbacks that fund wallets.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
)

var (
	// ErrGatewayTransferFailed is returned for every transfer that did not
	// complete, whatever the provider-level cause.
	ErrGatewayTransferFailed = errors.New("gateway transfer failed")
	ErrInvalidTransfer       = errors.New("invalid transfer request")
	ErrInvalidSignature      = errors.New("invalid webhook signature")
)

// Provider names.
const (
	ProviderMemory   = "memory"
	ProviderPaystack = "paystack"
	ProviderStripe   = "stripe"
)

// TransferRequest asks a provider to pay out to a user's bank account.
type TransferRequest struct {
	// Reference is unique per withdrawal and is passed to the provider as
	// its idempotency key.
	Reference     string
	UserID        string
	BankAccountID string // Paystack recipient code or Stripe connected account
	Amount        decimal.Decimal
	Currency      string
	Reason        string
}

// TransferResult is the provider's acknowledgement.
type TransferResult struct {
	Provider     string `json:"provider"`
	TransferCode string `json:"transferCode"`
	Status       string `json:"status"`
}

// Gateway sends transfers.
type Gateway interface {
	Name() string
	Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
}

func validate(req TransferRequest) error {
	switch {
	case req.Reference == "":
		return errors.New("reference is required")
	case req.BankAccountID == "":
		return errors.New("bank account is required")
	case !req.Amount.IsPositive():
		return errors.New("amount must be positive")
	}
	return nil
}

// ProviderError is an error response from a provider API.
type ProviderError struct {
	Provider   string
	StatusCode int
	Code       string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return e.Provider + ": " + e.Code + ": " + e.Message
	}
	return e.Provider + ": " + e.Message
}

// Retryable reports whether the same request may succeed later.
func (e *ProviderError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
}

// transient reports whether err is worth retrying and counts against the
// provider's circuit. Declines and invalid requests are neither.
func transient(err error) bool {
	if err == nil || errors.Is(err, ErrInvalidTransfer) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return true
}

// Config selects and configures a provider.
type Config struct {
	Provider          string
	PaystackSecretKey string
	PaystackBaseURL   string
	StripeSecretKey   string
}

// Open returns the configured provider wrapped in Resilient.
func Open(cfg Config, logger *slog.Logger) (*Resilient, error) {
	var gw Gateway
	switch cfg.Provider {
	case "", ProviderMemory:
		gw = NewMemoryGateway()
	case ProviderPaystack:
		gw = NewPaystack(cfg.PaystackSecretKey, cfg.PaystackBaseURL, 0)
	case ProviderStripe:
		gw = NewStripe(cfg.StripeSecretKey, nil)
	default:
		return nil, fmt.Errorf("unknown gateway provider %q", cfg.Provider)
	}
	return NewResilient(gw, nil, logger), nil
}
