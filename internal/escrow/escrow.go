// Package escrow is the single money-movement API for bookings.
//
// Flow:
//  1. Hold: client funds move available -> escrow
//  2. Release: client escrow leaves the wallet, worker balance is credited
//  3. Refund: client escrow returns to available
//
// Every call maps to deterministic ledger references, so retries from
// clients, the auto-release sweep and gateway callbacks are safe:
//
//	hold_<bookingId>           the hold
//	settle_<bookingId>         payer side of release OR refund (never both)
//	settle_<bookingId>_payee   payee credit of a release
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/errandly/internal/ledger"
	"github.com/mbd888/errandly/internal/metrics"
	"github.com/mbd888/errandly/internal/money"
	"github.com/mbd888/errandly/internal/syncutil"
	"github.com/mbd888/errandly/internal/traces"
)

var (
	ErrAlreadyHeld    = errors.New("booking funds already held")
	ErrNotHeld        = errors.New("no funds held for booking")
	ErrAlreadySettled = errors.New("booking escrow already settled the other way")
	ErrInvalidRequest = errors.New("invalid escrow request")
	ErrHoldMismatch   = errors.New("release does not match the original hold")
)

// State is the escrow position of one booking, derived from the ledger.
type State string

const (
	StateNone     State = "none"
	StateHeld     State = "held"
	StateReleased State = "released"
	StateRefunded State = "refunded"
)

// HoldReference is the ledger reference of a booking's hold.
func HoldReference(bookingID string) string { return "hold_" + bookingID }

// SettleReference is the payer-side reference shared by release and refund.
func SettleReference(bookingID string) string { return "settle_" + bookingID }

// PayeeReference is the payee credit reference of a release.
func PayeeReference(bookingID string) string { return "settle_" + bookingID + "_payee" }

// Ledger is the subset of the wallet ledger escrow needs.
type Ledger interface {
	Apply(ctx context.Context, postings ...ledger.Posting) (*ledger.Receipt, error)
	GetTransaction(ctx context.Context, reference string) (*ledger.Transaction, error)
}

// Result describes the outcome of a hold, release or refund.
type Result struct {
	BookingID    string                `json:"bookingId"`
	State        State                 `json:"state"`
	Amount       decimal.Decimal       `json:"amount"`
	Transactions []*ledger.Transaction `json:"transactions"`
	// Replayed is true when the operation had already happened and this
	// call changed nothing.
	Replayed bool `json:"replayed"`
}

// Service implements escrow operations on top of the ledger.
type Service struct {
	ledger Ledger
	locks  *syncutil.KeyLock
	logger *slog.Logger
}

// NewService creates a new escrow service.
func NewService(l Ledger, logger *slog.Logger) *Service {
	return &Service{
		ledger: l,
		locks:  syncutil.NewKeyLock(),
		logger: logger,
	}
}

// Hold reserves amount of the payer's available funds for a booking.
// A second hold for the same booking fails with ErrAlreadyHeld.
func (s *Service) Hold(ctx context.Context, bookingID, payerID string, amount decimal.Decimal) (*Result, error) {
	if err := validate(bookingID, payerID, amount); err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "escrow.Hold",
		traces.BookingID(bookingID), traces.UserID(payerID), traces.Amount(money.Format(amount)))
	var err error
	defer func() { traces.End(span, err) }()

	unlock, err := s.locks.LockContext(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, lookupErr := s.ledger.GetTransaction(ctx, HoldReference(bookingID)); lookupErr == nil {
		err = ErrAlreadyHeld
		metrics.EscrowOperationsTotal.WithLabelValues("hold", "already_held").Inc()
		return nil, err
	} else if !errors.Is(lookupErr, ledger.ErrTransactionNotFound) {
		err = lookupErr
		return nil, err
	}

	receipt, err := s.ledger.Apply(ctx, ledger.Posting{
		UserID:      payerID,
		Type:        ledger.TxBookingHold,
		Amount:      amount,
		Reference:   HoldReference(bookingID),
		BookingID:   bookingID,
		Description: "Payment held for booking " + bookingID,
	})
	if err != nil {
		metrics.EscrowOperationsTotal.WithLabelValues("hold", resultLabel(err)).Inc()
		err = fmt.Errorf("hold %s: %w", bookingID, err)
		return nil, err
	}
	if receipt.Replayed {
		// A concurrent hold for the same booking won.
		err = ErrAlreadyHeld
		metrics.EscrowOperationsTotal.WithLabelValues("hold", "already_held").Inc()
		return nil, err
	}

	metrics.EscrowOperationsTotal.WithLabelValues("hold", "ok").Inc()
	s.logger.Info("escrow held", "booking_id", bookingID, "payer_id", payerID, "amount", money.Format(amount))
	return &Result{BookingID: bookingID, State: StateHeld, Amount: amount, Transactions: receipt.Transactions}, nil
}

// Release pays the held funds to the payee. Releasing an already released
// booking is a no-op success; releasing a refunded one is ErrAlreadySettled.
func (s *Service) Release(ctx context.Context, bookingID, payerID, payeeID string, amount decimal.Decimal) (*Result, error) {
	if err := validate(bookingID, payerID, amount); err != nil {
		return nil, err
	}
	if payeeID == "" || payeeID == payerID {
		return nil, fmt.Errorf("%w: payee must differ from payer", ErrInvalidRequest)
	}

	postings := []ledger.Posting{
		{
			UserID:      payerID,
			Type:        ledger.TxBookingRelease,
			Amount:      amount,
			Reference:   SettleReference(bookingID),
			BookingID:   bookingID,
			Description: "Payment released for booking " + bookingID,
		},
		{
			UserID:      payeeID,
			Type:        ledger.TxBookingEarning,
			Amount:      amount,
			Reference:   PayeeReference(bookingID),
			BookingID:   bookingID,
			Description: "Earnings from booking " + bookingID,
		},
	}
	return s.settle(ctx, "release", bookingID, payerID, amount, ledger.TxBookingRelease, postings)
}

// Refund returns the held funds to the payer's available balance.
// Idempotent per booking; refunding a released booking is ErrAlreadySettled.
func (s *Service) Refund(ctx context.Context, bookingID, payerID string, amount decimal.Decimal) (*Result, error) {
	if err := validate(bookingID, payerID, amount); err != nil {
		return nil, err
	}
	postings := []ledger.Posting{{
		UserID:      payerID,
		Type:        ledger.TxBookingRefund,
		Amount:      amount,
		Reference:   SettleReference(bookingID),
		BookingID:   bookingID,
		Description: "Payment refunded for booking " + bookingID,
	}}
	return s.settle(ctx, "refund", bookingID, payerID, amount, ledger.TxBookingRefund, postings)
}

func (s *Service) settle(ctx context.Context, op, bookingID, payerID string, amount decimal.Decimal, want ledger.TxType, postings []ledger.Posting) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "escrow."+op,
		traces.BookingID(bookingID), traces.UserID(payerID), traces.Amount(money.Format(amount)))
	var err error
	defer func() { traces.End(span, err) }()

	unlock, err := s.locks.LockContext(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	hold, err := s.ledger.GetTransaction(ctx, HoldReference(bookingID))
	if errors.Is(err, ledger.ErrTransactionNotFound) {
		err = ErrNotHeld
		metrics.EscrowOperationsTotal.WithLabelValues(op, "not_held").Inc()
		s.logger.Error("CRITICAL: settlement requested without a hold",
			"op", op, "booking_id", bookingID, "payer_id", payerID)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if hold.UserID != payerID || !hold.Amount.Equal(amount) {
		err = fmt.Errorf("%w: held %s from %s", ErrHoldMismatch, money.Format(hold.Amount), hold.UserID)
		metrics.EscrowOperationsTotal.WithLabelValues(op, "mismatch").Inc()
		return nil, err
	}

	receipt, err := s.ledger.Apply(ctx, postings...)
	if err != nil {
		metrics.EscrowOperationsTotal.WithLabelValues(op, resultLabel(err)).Inc()
		err = fmt.Errorf("%s %s: %w", op, bookingID, err)
		return nil, err
	}

	// On replay the first transaction is whatever settled the booking.
	if receipt.Replayed && receipt.Transactions[0].Type != want {
		err = fmt.Errorf("%w: booking %s was %s", ErrAlreadySettled, bookingID, stateOf(receipt.Transactions[0].Type))
		metrics.EscrowOperationsTotal.WithLabelValues(op, "already_settled").Inc()
		return nil, err
	}

	result := &Result{
		BookingID:    bookingID,
		State:        stateOf(want),
		Amount:       amount,
		Transactions: receipt.Transactions,
		Replayed:     receipt.Replayed,
	}
	if receipt.Replayed {
		metrics.EscrowOperationsTotal.WithLabelValues(op, "replayed").Inc()
		return result, nil
	}

	metrics.EscrowOperationsTotal.WithLabelValues(op, "ok").Inc()
	metrics.EscrowDuration.Observe(time.Since(hold.CreatedAt).Seconds())
	s.logger.Info("escrow settled", "op", op, "booking_id", bookingID, "amount", money.Format(amount))
	return result, nil
}

// GetHold returns the hold transaction of a booking, or ErrNotHeld.
func (s *Service) GetHold(ctx context.Context, bookingID string) (*ledger.Transaction, error) {
	hold, err := s.ledger.GetTransaction(ctx, HoldReference(bookingID))
	if errors.Is(err, ledger.ErrTransactionNotFound) {
		return nil, ErrNotHeld
	}
	return hold, err
}

// VerifyHold checks that bookingID has an unsettled hold taken from payerID
// for exactly amount. It returns ErrNotHeld, ErrAlreadySettled or
// ErrHoldMismatch otherwise.
func (s *Service) VerifyHold(ctx context.Context, bookingID, payerID string, amount decimal.Decimal) error {
	hold, err := s.GetHold(ctx, bookingID)
	if err != nil {
		return err
	}
	if hold.UserID != payerID || !hold.Amount.Equal(amount) {
		return fmt.Errorf("%w: held %s from %s", ErrHoldMismatch, money.Format(hold.Amount), hold.UserID)
	}
	settle, err := s.ledger.GetTransaction(ctx, SettleReference(bookingID))
	if err == nil {
		return fmt.Errorf("%w: booking %s was %s", ErrAlreadySettled, bookingID, stateOf(settle.Type))
	}
	if !errors.Is(err, ledger.ErrTransactionNotFound) {
		return err
	}
	return nil
}

// TopUp credits a user's wallet from a confirmed gateway payment. The
// gateway reference makes redelivered callbacks no-ops.
func (s *Service) TopUp(ctx context.Context, userID string, amount decimal.Decimal, reference, description string) (*ledger.Receipt, error) {
	if userID == "" || strings.TrimSpace(reference) == "" || !amount.IsPositive() {
		return nil, ErrInvalidRequest
	}
	if description == "" {
		description = "Wallet top-up"
	}
	receipt, err := s.ledger.Apply(ctx, ledger.Posting{
		UserID:      userID,
		Type:        ledger.TxTopUp,
		Amount:      amount,
		Reference:   reference,
		Description: description,
	})
	if err != nil {
		metrics.EscrowOperationsTotal.WithLabelValues("top_up", resultLabel(err)).Inc()
		return nil, err
	}
	if receipt.Replayed {
		metrics.EscrowOperationsTotal.WithLabelValues("top_up", "replayed").Inc()
	} else {
		metrics.EscrowOperationsTotal.WithLabelValues("top_up", "ok").Inc()
		s.logger.Info("wallet topped up", "user_id", userID, "amount", money.Format(amount), "reference", reference)
	}
	return receipt, nil
}

// State reports the escrow position of a booking.
func (s *Service) State(ctx context.Context, bookingID string) (State, error) {
	settle, err := s.ledger.GetTransaction(ctx, SettleReference(bookingID))
	if err == nil {
		return stateOf(settle.Type), nil
	}
	if !errors.Is(err, ledger.ErrTransactionNotFound) {
		return "", err
	}
	if _, err := s.ledger.GetTransaction(ctx, HoldReference(bookingID)); err == nil {
		return StateHeld, nil
	} else if !errors.Is(err, ledger.ErrTransactionNotFound) {
		return "", err
	}
	return StateNone, nil
}

func validate(bookingID, payerID string, amount decimal.Decimal) error {
	if bookingID == "" || payerID == "" {
		return fmt.Errorf("%w: booking and payer required", ErrInvalidRequest)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	return nil
}

func stateOf(t ledger.TxType) State {
	switch t {
	case ledger.TxBookingRelease:
		return StateReleased
	case ledger.TxBookingRefund:
		return StateRefunded
	case ledger.TxBookingHold:
		return StateHeld
	}
	return StateNone
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ledger.ErrWalletNotFound):
		return "wallet_not_found"
	default:
		return "error"
	}
}
