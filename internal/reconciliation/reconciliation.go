// Package reconciliation detects drift between cached wallet balances, the
// transaction log and booking state. It reports; it never repairs.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/errandly/internal/booking"
	"github.com/mbd888/errandly/internal/ledger"
	"github.com/mbd888/errandly/internal/payout"
)

// Ledger is the wallet surface reconciliation reads.
type Ledger interface {
	ListWallets(ctx context.Context) ([]*ledger.Wallet, error)
	Recompute(ctx context.Context, userID string) (*ledger.Wallet, error)
}

// HeldBookings lists bookings whose payment is held in escrow.
type HeldBookings interface {
	ListHeld(ctx context.Context) ([]*booking.Booking, error)
}

// PendingWithdrawals lists withdrawals without a terminal status.
type PendingWithdrawals interface {
	ListPending(ctx context.Context, limit int) ([]*payout.Withdrawal, error)
}

// WalletMismatch is a wallet whose cached figures differ from its log.
type WalletMismatch struct {
	UserID          string          `json:"userId"`
	CachedBalance   decimal.Decimal `json:"cachedBalance"`
	ComputedBalance decimal.Decimal `json:"computedBalance"`
	CachedEscrow    decimal.Decimal `json:"cachedEscrow"`
	ComputedEscrow  decimal.Decimal `json:"computedEscrow"`
}

// EscrowMismatch is a client whose wallet escrow differs from the sum of
// their held bookings.
type EscrowMismatch struct {
	UserID       string          `json:"userId"`
	WalletEscrow decimal.Decimal `json:"walletEscrow"`
	HeldBookings decimal.Decimal `json:"heldBookings"`
	BookingCount int             `json:"bookingCount"`
}

// Report is the outcome of one run.
type Report struct {
	WalletsChecked   int              `json:"walletsChecked"`
	LedgerMismatches []WalletMismatch `json:"ledgerMismatches"`
	EscrowMismatches []EscrowMismatch `json:"escrowMismatches"`
	StaleWithdrawals int              `json:"staleWithdrawals"`
	TotalBalance     decimal.Decimal  `json:"totalBalance"`
	TotalEscrow      decimal.Decimal  `json:"totalEscrow"`
	Healthy          bool             `json:"healthy"`
	DurationMs       int64            `json:"durationMs"`
	Timestamp        time.Time        `json:"timestamp"`
}

// DefaultStaleAfter is how long a withdrawal may stay pending before it is
// reported.
const DefaultStaleAfter = 30 * time.Minute

// Runner runs every check.
type Runner struct {
	ledger     Ledger
	bookings   HeldBookings
	payouts    PendingWithdrawals
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu   sync.Mutex
	last *Report
}

// NewRunner creates a reconciliation runner.
func NewRunner(l Ledger, bookings HeldBookings, logger *slog.Logger) *Runner {
	return &Runner{ledger: l, bookings: bookings, staleAfter: DefaultStaleAfter, logger: logger, now: time.Now}
}

// WithPayouts adds the stale-withdrawal check.
func (r *Runner) WithPayouts(p PendingWithdrawals) *Runner {
	r.payouts = p
	return r
}

// WithClock overrides the time source.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// RunAll runs every check and returns the report. Figures can disagree
// briefly while a booking is being created; a mismatch that persists
// across runs is real.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := r.now()
	report := &Report{
		LedgerMismatches: []WalletMismatch{},
		EscrowMismatches: []EscrowMismatch{},
		TotalBalance:     decimal.Zero,
		TotalEscrow:      decimal.Zero,
		Timestamp:        start.UTC(),
	}

	wallets, err := r.ledger.ListWallets(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	ledger.RecordTotals(wallets)
	report.WalletsChecked = len(wallets)

	for _, w := range wallets {
		report.TotalBalance = report.TotalBalance.Add(w.Balance)
		report.TotalEscrow = report.TotalEscrow.Add(w.Escrow)

		computed, err := r.ledger.Recompute(ctx, w.UserID)
		if err != nil {
			reconcileErrors.Inc()
			return nil, fmt.Errorf("recompute %s: %w", w.UserID, err)
		}
		if !computed.Balance.Equal(w.Balance) || !computed.Escrow.Equal(w.Escrow) {
			report.LedgerMismatches = append(report.LedgerMismatches, WalletMismatch{
				UserID:          w.UserID,
				CachedBalance:   w.Balance,
				ComputedBalance: computed.Balance,
				CachedEscrow:    w.Escrow,
				ComputedEscrow:  computed.Escrow,
			})
		}
	}

	if err := r.checkEscrow(ctx, wallets, report); err != nil {
		reconcileErrors.Inc()
		return nil, err
	}

	if r.payouts != nil {
		pending, err := r.payouts.ListPending(ctx, 500)
		if err != nil {
			reconcileErrors.Inc()
			return nil, fmt.Errorf("list pending withdrawals: %w", err)
		}
		cutoff := start.Add(-r.staleAfter)
		for _, w := range pending {
			if w.CreatedAt.Before(cutoff) {
				report.StaleWithdrawals++
			}
		}
	}

	report.Healthy = len(report.LedgerMismatches) == 0 && len(report.EscrowMismatches) == 0 && report.StaleWithdrawals == 0
	elapsed := r.now().Sub(start)
	report.DurationMs = elapsed.Milliseconds()

	reconcileLedgerMismatches.Set(float64(len(report.LedgerMismatches)))
	reconcileEscrowMismatches.Set(float64(len(report.EscrowMismatches)))
	reconcileStaleWithdrawals.Set(float64(report.StaleWithdrawals))
	reconcileDuration.Observe(elapsed.Seconds())

	if report.Healthy {
		r.logger.Info("reconciliation clean", "wallets", report.WalletsChecked, "duration_ms", report.DurationMs)
	} else {
		r.logger.Error("reconciliation found drift",
			"ledger_mismatches", len(report.LedgerMismatches),
			"escrow_mismatches", len(report.EscrowMismatches),
			"stale_withdrawals", report.StaleWithdrawals)
	}

	r.mu.Lock()
	r.last = report
	r.mu.Unlock()
	return report, nil
}

// checkEscrow compares each client's wallet escrow with their held bookings.
func (r *Runner) checkEscrow(ctx context.Context, wallets []*ledger.Wallet, report *Report) error {
	held, err := r.bookings.ListHeld(ctx)
	if err != nil {
		return fmt.Errorf("list held bookings: %w", err)
	}
	sums := make(map[string]decimal.Decimal)
	counts := make(map[string]int)
	for _, b := range held {
		sums[b.ClientID] = sums[b.ClientID].Add(b.Amount)
		counts[b.ClientID]++
	}

	seen := make(map[string]bool, len(wallets))
	for _, w := range wallets {
		seen[w.UserID] = true
		if !w.Escrow.Equal(sums[w.UserID]) {
			report.EscrowMismatches = append(report.EscrowMismatches, EscrowMismatch{
				UserID:       w.UserID,
				WalletEscrow: w.Escrow,
				HeldBookings: sums[w.UserID],
				BookingCount: counts[w.UserID],
			})
		}
	}
	// Held bookings for a client with no wallet at all.
	for client, sum := range sums {
		if !seen[client] {
			report.EscrowMismatches = append(report.EscrowMismatches, EscrowMismatch{
				UserID:       client,
				WalletEscrow: decimal.Zero,
				HeldBookings: sum,
				BookingCount: counts[client],
			})
		}
	}
	return nil
}

// Last returns the most recent report, or nil before the first run.
func (r *Runner) Last() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}
