// Package ledger owns wallet balances and the append-only transaction log.
//
// Every balance or escrow change goes through Apply, which commits the
// wallet update and its transaction record as one unit. References are
// globally unique: replaying a reference returns the original result
// instead of applying twice.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/errandly/internal/idgen"
	"github.com/mbd888/errandly/internal/money"
	"github.com/mbd888/errandly/internal/retry"
	"github.com/mbd888/errandly/internal/syncutil"
	"github.com/mbd888/errandly/internal/traces"
)

var (
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrDuplicateReference     = errors.New("duplicate reference")
	ErrWalletNotFound         = errors.New("wallet not found")
	ErrTransactionNotFound    = errors.New("transaction not found")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidPosting         = errors.New("invalid posting")
	ErrBelowMinimumWithdrawal = errors.New("amount below minimum withdrawal")
	ErrEscrowUnderflow        = errors.New("escrow underflow")
	ErrVersionConflict        = errors.New("wallet version conflict")
)

// InsufficientFundsError carries the shortfall for user-facing messages.
type InsufficientFundsError struct {
	UserID    string
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: requested %s, available %s",
		money.Format(e.Requested), money.Format(e.Available))
}

// Shortfall is how much more the user needs.
func (e *InsufficientFundsError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// TxType is the kind of ledger transaction. The sign of the amount is
// implied by the type.
type TxType string

const (
	TxTopUp              TxType = "top_up"
	TxBookingHold        TxType = "booking_hold"
	TxBookingRelease     TxType = "booking_release"
	TxBookingRefund      TxType = "booking_refund"
	TxBookingEarning     TxType = "booking_earning"
	TxWithdrawal         TxType = "withdrawal"
	TxWithdrawalReversal TxType = "withdrawal_reversal"
)

// Valid reports whether t is a known transaction type.
func (t TxType) Valid() bool {
	switch t {
	case TxTopUp, TxBookingHold, TxBookingRelease, TxBookingRefund,
		TxBookingEarning, TxWithdrawal, TxWithdrawalReversal:
		return true
	}
	return false
}

// createsWallet reports whether a posting of this type may open a wallet.
// Debits require one to exist.
func (t TxType) createsWallet() bool {
	return t == TxTopUp || t == TxBookingEarning || t == TxWithdrawalReversal
}

// TxStatus is the state of a ledger transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxCompleted TxStatus = "completed"
	TxFailed    TxStatus = "failed"
)

// Wallet is a user's cached balance. It is always derivable from the
// transaction log (see Recompute).
type Wallet struct {
	UserID      string          `json:"userId"`
	Balance     decimal.Decimal `json:"balance"`
	Escrow      decimal.Decimal `json:"escrow"`
	TotalSpent  decimal.Decimal `json:"totalSpent"`
	TotalEarned decimal.Decimal `json:"totalEarned"`
	Version     int64           `json:"version"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Available is the amount a user may commit to a new hold or withdrawal.
func (w *Wallet) Available() decimal.Decimal {
	return w.Balance.Sub(w.Escrow)
}

func (w *Wallet) clone() *Wallet {
	c := *w
	return &c
}

// Transaction is an immutable ledger record.
type Transaction struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	Type        TxType          `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	BookingID   string          `json:"bookingId,omitempty"`
	Reference   string          `json:"reference"`
	Status      TxStatus        `json:"status"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Posting is a requested wallet mutation.
type Posting struct {
	UserID      string
	Type        TxType
	Amount      decimal.Decimal
	Reference   string
	BookingID   string
	Description string
}

// Receipt is the result of Apply. Replayed is true when the first
// posting's reference had already been applied; Transactions then holds
// the original records and nothing was changed.
type Receipt struct {
	Transactions []*Transaction
	Wallets      map[string]*Wallet
	Replayed     bool
}

// Store persists wallets and transactions.
type Store interface {
	GetWallet(ctx context.Context, userID string) (*Wallet, error)
	// CreateWallet returns the existing wallet or creates an empty one.
	CreateWallet(ctx context.Context, userID string) (*Wallet, error)
	ListWallets(ctx context.Context) ([]*Wallet, error)
	GetTransaction(ctx context.Context, reference string) (*Transaction, error)
	// ListTransactions returns newest first; limit <= 0 returns all.
	ListTransactions(ctx context.Context, userID string, limit int) ([]*Transaction, error)
	// Commit writes every wallet (compare-and-set on its Version) and inserts
	// every transaction atomically. Wallets with Version 0 are new. It fails
	// with ErrVersionConflict or ErrDuplicateReference and writes nothing.
	Commit(ctx context.Context, wallets []*Wallet, txs []*Transaction) error
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithMinWithdrawal sets the smallest accepted withdrawal.
func WithMinWithdrawal(min decimal.Decimal) Option {
	return func(l *Ledger) { l.minWithdrawal = min }
}

// WithLogger sets the ledger logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Ledger applies postings to wallets.
type Ledger struct {
	store         Store
	minWithdrawal decimal.Decimal
	logger        *slog.Logger
	now           func() time.Time
	// wallets serialises writers per wallet inside this process; the
	// store's version check still decides across processes.
	wallets *syncutil.KeyLock
}

// New creates a ledger.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:   store,
		logger:  slog.Default(),
		now:     time.Now,
		wallets: syncutil.NewKeyLock(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// GetOrCreate returns the user's wallet, creating an empty one if needed.
func (l *Ledger) GetOrCreate(ctx context.Context, userID string) (*Wallet, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id required", ErrInvalidPosting)
	}
	return l.store.CreateWallet(ctx, userID)
}

// GetWallet returns the user's wallet or ErrWalletNotFound.
func (l *Ledger) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	return l.store.GetWallet(ctx, userID)
}

// GetTransaction looks up a transaction by reference.
func (l *Ledger) GetTransaction(ctx context.Context, reference string) (*Transaction, error) {
	return l.store.GetTransaction(ctx, reference)
}

// History returns the user's transactions, newest first.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return l.store.ListTransactions(ctx, userID, limit)
}

// ListWallets returns every wallet.
func (l *Ledger) ListWallets(ctx context.Context) ([]*Wallet, error) {
	return l.store.ListWallets(ctx)
}

// ApplyTransaction applies a single posting.
func (l *Ledger) ApplyTransaction(ctx context.Context, p Posting) (*Receipt, error) {
	return l.Apply(ctx, p)
}

// Apply commits postings as one atomic unit. A duplicate reference is not an
// error: the receipt comes back with Replayed set.
func (l *Ledger) Apply(ctx context.Context, postings ...Posting) (*Receipt, error) {
	if err := validatePostings(postings); err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "ledger.Apply",
		traces.Reference(postings[0].Reference),
		traces.UserID(postings[0].UserID),
		traces.Amount(money.Format(postings[0].Amount)),
	)
	done := observeOp(string(postings[0].Type))

	users := make([]string, 0, len(postings))
	for _, p := range postings {
		users = append(users, p.UserID)
	}
	unlock, err := l.wallets.LockAll(ctx, users...)
	if err != nil {
		done()
		traces.End(span, err)
		return nil, err
	}
	defer unlock()

	var receipt *Receipt
	err = retry.LedgerConflict.Do(ctx, func() error {
		r, err := l.applyOnce(ctx, postings)
		switch {
		case err == nil:
			receipt = r
			return nil
		case errors.Is(err, ErrVersionConflict):
			ledgerConflicts.Inc()
			return err
		case errors.Is(err, ErrDuplicateReference):
			// Lost a race with a concurrent writer of the same reference.
			r, rerr := l.replay(ctx, postings)
			if rerr != nil {
				return retry.Permanent(rerr)
			}
			receipt = r
			return nil
		default:
			return retry.Permanent(err)
		}
	})
	done()
	traces.End(span, err)

	if err != nil {
		countTx(postings, "rejected")
		return nil, err
	}
	if receipt.Replayed {
		countTx(postings, "replayed")
	} else {
		countTx(postings, "applied")
		l.logger.Debug("ledger postings applied",
			"reference", postings[0].Reference,
			"type", postings[0].Type,
			"postings", len(postings))
	}
	return receipt, nil
}

func (l *Ledger) applyOnce(ctx context.Context, postings []Posting) (*Receipt, error) {
	if _, err := l.store.GetTransaction(ctx, postings[0].Reference); err == nil {
		return l.replay(ctx, postings)
	} else if !errors.Is(err, ErrTransactionNotFound) {
		return nil, err
	}

	now := l.now().UTC()
	wallets := make(map[string]*Wallet)
	order := make([]string, 0, len(postings))
	txs := make([]*Transaction, 0, len(postings))

	for _, p := range postings {
		w, ok := wallets[p.UserID]
		if !ok {
			loaded, err := l.store.GetWallet(ctx, p.UserID)
			switch {
			case err == nil:
				w = loaded.clone()
			case errors.Is(err, ErrWalletNotFound) && p.Type.createsWallet():
				w = &Wallet{UserID: p.UserID, CreatedAt: now}
			default:
				return nil, err
			}
			wallets[p.UserID] = w
			order = append(order, p.UserID)
		}

		if err := applyPosting(w, p, l.minWithdrawal); err != nil {
			return nil, err
		}
		w.UpdatedAt = now

		txs = append(txs, &Transaction{
			ID:          idgen.WithPrefix(idgen.PrefixTransaction),
			UserID:      p.UserID,
			Type:        p.Type,
			Amount:      p.Amount,
			BookingID:   p.BookingID,
			Reference:   p.Reference,
			Status:      TxCompleted,
			Description: p.Description,
			CreatedAt:   now,
		})
	}

	updates := make([]*Wallet, 0, len(order))
	for _, id := range order {
		updates = append(updates, wallets[id])
	}
	if err := l.store.Commit(ctx, updates, txs); err != nil {
		return nil, err
	}
	for _, w := range updates {
		w.Version++
	}
	return &Receipt{Transactions: txs, Wallets: wallets}, nil
}

// replay returns the already-committed transactions for the postings.
func (l *Ledger) replay(ctx context.Context, postings []Posting) (*Receipt, error) {
	r := &Receipt{Replayed: true, Wallets: make(map[string]*Wallet)}
	for _, p := range postings {
		tx, err := l.store.GetTransaction(ctx, p.Reference)
		if errors.Is(err, ErrTransactionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		r.Transactions = append(r.Transactions, tx)
		if _, ok := r.Wallets[tx.UserID]; !ok {
			if w, err := l.store.GetWallet(ctx, tx.UserID); err == nil {
				r.Wallets[tx.UserID] = w
			}
		}
	}
	if len(r.Transactions) == 0 {
		return nil, fmt.Errorf("%w: %s vanished during replay", ErrTransactionNotFound, postings[0].Reference)
	}
	return r, nil
}

// Recompute derives the user's wallet from the transaction log alone.
func (l *Ledger) Recompute(ctx context.Context, userID string) (*Wallet, error) {
	txs, err := l.store.ListTransactions(ctx, userID, 0)
	if err != nil {
		return nil, err
	}
	w := &Wallet{UserID: userID}
	// Oldest first; ListTransactions returns newest first.
	for i := len(txs) - 1; i >= 0; i-- {
		tx := txs[i]
		if tx.Status != TxCompleted {
			continue
		}
		fold(w, tx.Type, tx.Amount)
	}
	return w, nil
}

func validatePostings(postings []Posting) error {
	if len(postings) == 0 {
		return fmt.Errorf("%w: no postings", ErrInvalidPosting)
	}
	seen := make(map[string]bool, len(postings))
	for _, p := range postings {
		if p.UserID == "" || p.Reference == "" {
			return fmt.Errorf("%w: user id and reference required", ErrInvalidPosting)
		}
		if !p.Type.Valid() {
			return fmt.Errorf("%w: unknown type %q", ErrInvalidPosting, p.Type)
		}
		if !p.Amount.IsPositive() || !p.Amount.Equal(p.Amount.Round(money.Places)) {
			return ErrInvalidAmount
		}
		if seen[p.Reference] {
			return fmt.Errorf("%w: reference %s repeated", ErrInvalidPosting, p.Reference)
		}
		seen[p.Reference] = true
	}
	return nil
}

// applyPosting mutates w per the posting type, enforcing 0 <= escrow <= balance.
func applyPosting(w *Wallet, p Posting, minWithdrawal decimal.Decimal) error {
	amt := p.Amount
	switch p.Type {
	case TxBookingHold:
		if w.Available().LessThan(amt) {
			return &InsufficientFundsError{UserID: w.UserID, Requested: amt, Available: w.Available()}
		}
	case TxBookingRelease, TxBookingRefund:
		if w.Escrow.LessThan(amt) {
			return fmt.Errorf("%w: escrow %s < %s", ErrEscrowUnderflow, money.Format(w.Escrow), money.Format(amt))
		}
	case TxWithdrawal:
		if minWithdrawal.IsPositive() && amt.LessThan(minWithdrawal) {
			return fmt.Errorf("%w: minimum is %s", ErrBelowMinimumWithdrawal, money.Display(minWithdrawal))
		}
		if w.Available().LessThan(amt) {
			return &InsufficientFundsError{UserID: w.UserID, Requested: amt, Available: w.Available()}
		}
	}
	fold(w, p.Type, amt)
	return nil
}

// fold applies the arithmetic of one transaction type.
func fold(w *Wallet, t TxType, amt decimal.Decimal) {
	switch t {
	case TxTopUp:
		w.Balance = w.Balance.Add(amt)
	case TxBookingHold:
		w.Escrow = w.Escrow.Add(amt)
	case TxBookingRelease:
		w.Escrow = w.Escrow.Sub(amt)
		w.Balance = w.Balance.Sub(amt)
		w.TotalSpent = w.TotalSpent.Add(amt)
	case TxBookingRefund:
		w.Escrow = w.Escrow.Sub(amt)
	case TxBookingEarning:
		w.Balance = w.Balance.Add(amt)
		w.TotalEarned = w.TotalEarned.Add(amt)
	case TxWithdrawal:
		w.Balance = w.Balance.Sub(amt)
		w.TotalSpent = w.TotalSpent.Add(amt)
	case TxWithdrawalReversal:
		w.Balance = w.Balance.Add(amt)
		w.TotalSpent = w.TotalSpent.Sub(amt)
	}
}
