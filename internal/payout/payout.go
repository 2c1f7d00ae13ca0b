// Package payout moves earned money from a wallet to the user's bank.
//
// The ledger debit happens first under the withdrawal's reference. If the
// gateway transfer then fails, a reversal under "<reference>_rev" returns
// the money, so a withdrawal never leaves the wallet short without a
// completed transfer.
package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/errandly/internal/gateway"
	"github.com/mbd888/errandly/internal/idgen"
	"github.com/mbd888/errandly/internal/ledger"
	"github.com/mbd888/errandly/internal/metrics"
	"github.com/mbd888/errandly/internal/money"
	"github.com/mbd888/errandly/internal/traces"
)

var (
	ErrWithdrawalNotFound = errors.New("withdrawal not found")
	ErrInvalidRequest     = errors.New("invalid withdrawal request")
	ErrStatusConflict     = errors.New("withdrawal status changed concurrently")
	ErrNotPending         = errors.New("withdrawal is not pending")
	ErrDebitMismatch      = errors.New("ledger debit does not match withdrawal")
)

// Status is the state of a withdrawal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"   // rejected before any money moved
	StatusReversed  Status = "reversed" // debited, transfer failed, refunded
)

// Withdrawal is a payout request.
type Withdrawal struct {
	ID            string          `json:"id"`
	UserID        string          `json:"userId"`
	BankAccountID string          `json:"bankAccountId"`
	Amount        decimal.Decimal `json:"amount"`
	Reference     string          `json:"reference"`
	Status        Status          `json:"status"`
	Provider      string          `json:"provider,omitempty"`
	TransferCode  string          `json:"transferCode,omitempty"`
	FailureReason string          `json:"failureReason,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// ReversalReference is the ledger reference that undoes a withdrawal.
func ReversalReference(reference string) string { return reference + "_rev" }

// Result is the response to a withdrawal request.
type Result struct {
	Success      bool        `json:"success"`
	WithdrawalID string      `json:"withdrawalId"`
	Reference    string      `json:"reference"`
	Message      string      `json:"message"`
	Withdrawal   *Withdrawal `json:"withdrawal,omitempty"`
}

// Store persists withdrawals.
type Store interface {
	Create(ctx context.Context, w *Withdrawal) error
	Get(ctx context.Context, id string) (*Withdrawal, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Withdrawal, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Withdrawal, error)
	// Update writes w only if its stored status is still from.
	Update(ctx context.Context, w *Withdrawal, from Status) error
}

// Ledger is the wallet surface payouts need.
type Ledger interface {
	Apply(ctx context.Context, postings ...ledger.Posting) (*ledger.Receipt, error)
	GetTransaction(ctx context.Context, reference string) (*ledger.Transaction, error)
}

// Service runs withdrawals.
type Service struct {
	store   Store
	ledger  Ledger
	gateway gateway.Gateway
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a payout service.
func NewService(store Store, l Ledger, gw gateway.Gateway, logger *slog.Logger) *Service {
	return &Service{store: store, ledger: l, gateway: gw, logger: logger, now: time.Now}
}

// RequestWithdrawal debits the wallet and sends the transfer. A failed
// transfer is reversed and reported with gateway.ErrGatewayTransferFailed
// alongside a Result describing the refund.
func (s *Service) RequestWithdrawal(ctx context.Context, userID, bankAccountID string, amount decimal.Decimal) (*Result, error) {
	if userID == "" || bankAccountID == "" {
		return nil, fmt.Errorf("%w: user and bank account are required", ErrInvalidRequest)
	}
	if !amount.IsPositive() || !amount.Equal(amount.Round(money.Places)) {
		return nil, fmt.Errorf("%w: amount must be positive with at most %d decimals", ErrInvalidRequest, money.Places)
	}

	ctx, span := traces.StartSpan(ctx, "payout.RequestWithdrawal", traces.UserID(userID), traces.Amount(money.Format(amount)))
	var err error
	defer func() { traces.End(span, err) }()

	now := s.now().UTC()
	id := idgen.WithPrefix(idgen.PrefixWithdrawal)
	w := &Withdrawal{
		ID:            id,
		UserID:        userID,
		BankAccountID: bankAccountID,
		Amount:        amount,
		Reference:     id,
		Status:        StatusPending,
		Provider:      s.gateway.Name(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err = s.store.Create(ctx, w); err != nil {
		return nil, fmt.Errorf("record withdrawal: %w", err)
	}

	_, err = s.ledger.Apply(ctx, ledger.Posting{
		UserID:      userID,
		Type:        ledger.TxWithdrawal,
		Amount:      amount,
		Reference:   w.Reference,
		Description: "Withdrawal to bank account",
	})
	if err != nil {
		s.finish(ctx, w, StatusFailed, err.Error())
		return nil, err
	}

	res, err := s.gateway.Transfer(ctx, gateway.TransferRequest{
		Reference:     w.Reference,
		UserID:        userID,
		BankAccountID: bankAccountID,
		Amount:        amount,
		Currency:      money.Currency,
		Reason:        "Errandly withdrawal",
	})
	if err != nil {
		if revErr := s.reverse(ctx, w, err.Error()); revErr != nil {
			return nil, revErr
		}
		return &Result{
			Success:      false,
			WithdrawalID: w.ID,
			Reference:    w.Reference,
			Message:      fmt.Sprintf("Transfer failed. %s has been returned to your wallet.", money.Display(amount)),
			Withdrawal:   w,
		}, err
	}

	w.TransferCode = res.TransferCode
	w.Provider = res.Provider
	s.finish(ctx, w, StatusCompleted, "")
	s.logger.Info("withdrawal completed", "withdrawal_id", w.ID, "user_id", userID,
		"amount", money.Format(amount), "provider", res.Provider, "transfer_code", res.TransferCode)
	return &Result{
		Success:      true,
		WithdrawalID: w.ID,
		Reference:    w.Reference,
		Message:      fmt.Sprintf("%s is on its way to your bank account.", money.Display(amount)),
		Withdrawal:   w,
	}, nil
}

// Reverse refunds a withdrawal stuck in pending, for operators resolving
// a transfer the provider confirmed as failed. A pending withdrawal whose
// debit never reached the ledger is marked failed without a credit.
func (s *Service) Reverse(ctx context.Context, id, reason string) (*Withdrawal, error) {
	w, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status != StatusPending {
		return nil, fmt.Errorf("%w: withdrawal is %s", ErrNotPending, w.Status)
	}
	if reason == "" {
		reason = "reversed by operator"
	}

	debit, err := s.ledger.GetTransaction(ctx, w.Reference)
	if errors.Is(err, ledger.ErrTransactionNotFound) {
		s.finish(ctx, w, StatusFailed, "wallet was never debited")
		s.logger.Warn("pending withdrawal had no debit, marked failed", "withdrawal_id", w.ID, "user_id", w.UserID)
		return w, nil
	}
	if err != nil {
		return nil, fmt.Errorf("look up withdrawal debit: %w", err)
	}
	if debit.Type != ledger.TxWithdrawal || debit.UserID != w.UserID || !debit.Amount.Equal(w.Amount) {
		s.logger.Error("CRITICAL: withdrawal reference points at a different transaction",
			"withdrawal_id", w.ID, "tx_type", debit.Type, "tx_user", debit.UserID, "tx_amount", money.Format(debit.Amount))
		return nil, fmt.Errorf("%w: %s", ErrDebitMismatch, w.Reference)
	}
	if err := s.reverse(ctx, w, reason); err != nil {
		return nil, err
	}
	return w, nil
}

// reverse credits the withdrawal back and marks it reversed. When the
// reversal itself fails the withdrawal stays pending for an operator.
func (s *Service) reverse(ctx context.Context, w *Withdrawal, reason string) error {
	_, err := s.ledger.Apply(ctx, ledger.Posting{
		UserID:      w.UserID,
		Type:        ledger.TxWithdrawalReversal,
		Amount:      w.Amount,
		Reference:   ReversalReference(w.Reference),
		Description: "Withdrawal reversed: " + reason,
	})
	if err != nil {
		s.logger.Error("CRITICAL: withdrawal debited but reversal failed",
			"withdrawal_id", w.ID, "user_id", w.UserID, "amount", money.Format(w.Amount), "error", err)
		return fmt.Errorf("reverse withdrawal %s: %w", w.ID, err)
	}
	s.finish(ctx, w, StatusReversed, reason)
	s.logger.Warn("withdrawal reversed", "withdrawal_id", w.ID, "user_id", w.UserID, "reason", reason)
	return nil
}

// finish records a terminal status. A failed write leaves the record
// pending; the ledger already holds the truth under the references.
func (s *Service) finish(ctx context.Context, w *Withdrawal, to Status, reason string) {
	from := w.Status
	w.Status = to
	w.FailureReason = reason
	w.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, w, from); err != nil {
		s.logger.Error("failed to record withdrawal status", "withdrawal_id", w.ID, "status", to, "error", err)
	}
	metrics.WithdrawalsTotal.WithLabelValues(string(to)).Inc()
}

// Get returns a withdrawal.
func (s *Service) Get(ctx context.Context, id string) (*Withdrawal, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns a user's withdrawals, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Withdrawal, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// ListPending returns withdrawals that never reached a terminal status.
func (s *Service) ListPending(ctx context.Context, limit int) ([]*Withdrawal, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListByStatus(ctx, StatusPending, limit)
}
