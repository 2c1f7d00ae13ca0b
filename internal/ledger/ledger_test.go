package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/mbd888/errandly/internal/logging"
	"github.com/mbd888/errandly/internal/money"
)

func newTestLedger() (*Ledger, *MemoryStore) {
	store := NewMemoryStore()
	return New(store,
		WithMinWithdrawal(money.MustParse("1000")),
		WithLogger(logging.Discard()),
	), store
}

func amt(s string) decimal.Decimal { return money.MustParse(s) }

func topUp(t *testing.T, l *Ledger, user, amount, ref string) {
	t.Helper()
	if _, err := l.ApplyTransaction(context.Background(), Posting{
		UserID: user, Type: TxTopUp, Amount: amt(amount), Reference: ref,
	}); err != nil {
		t.Fatalf("top up failed: %v", err)
	}
}

func mustWallet(t *testing.T, l *Ledger, user string) *Wallet {
	t.Helper()
	w, err := l.GetWallet(context.Background(), user)
	if err != nil {
		t.Fatalf("GetWallet(%s): %v", user, err)
	}
	return w
}

func assertAmount(t *testing.T, label string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(amt(want)) {
		t.Errorf("%s: expected %s, got %s", label, want, money.Format(got))
	}
}

func assertInvariant(t *testing.T, w *Wallet) {
	t.Helper()
	if w.Escrow.IsNegative() || w.Escrow.GreaterThan(w.Balance) {
		t.Fatalf("invariant 0 <= escrow <= balance violated: escrow=%s balance=%s", w.Escrow, w.Balance)
	}
}

func TestGetOrCreate(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	w, err := l.GetOrCreate(ctx, "usr_client")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if !w.Balance.IsZero() || !w.Escrow.IsZero() {
		t.Errorf("new wallet should be empty, got %+v", w)
	}

	again, _ := l.GetOrCreate(ctx, "usr_client")
	if again.Version != w.Version {
		t.Errorf("second GetOrCreate should return the same wallet")
	}

	if _, err := l.GetOrCreate(ctx, ""); !errors.Is(err, ErrInvalidPosting) {
		t.Errorf("expected ErrInvalidPosting for empty user, got %v", err)
	}
}

func TestApply_TypeSemantics(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	topUp(t, l, "c", "10000", "topup_1")
	w := mustWallet(t, l, "c")
	assertAmount(t, "balance after top up", w.Balance, "10000")

	if _, err := l.Apply(ctx, Posting{UserID: "c", Type: TxBookingHold, Amount: amt("3000"), Reference: "hold_bk1", BookingID: "bk1"}); err != nil {
		t.Fatalf("hold failed: %v", err)
	}
	w = mustWallet(t, l, "c")
	assertAmount(t, "escrow after hold", w.Escrow, "3000")
	assertAmount(t, "available after hold", w.Available(), "7000")
	assertAmount(t, "balance after hold", w.Balance, "10000")

	if _, err := l.Apply(ctx, Posting{UserID: "c", Type: TxBookingRefund, Amount: amt("1000"), Reference: "refund_part", BookingID: "bk1"}); err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	w = mustWallet(t, l, "c")
	assertAmount(t, "escrow after refund", w.Escrow, "2000")
	assertAmount(t, "balance after refund", w.Balance, "10000")

	if _, err := l.Apply(ctx,
		Posting{UserID: "c", Type: TxBookingRelease, Amount: amt("2000"), Reference: "settle_bk1", BookingID: "bk1"},
		Posting{UserID: "w", Type: TxBookingEarning, Amount: amt("2000"), Reference: "settle_bk1_payee", BookingID: "bk1"},
	); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	client := mustWallet(t, l, "c")
	worker := mustWallet(t, l, "w")
	assertAmount(t, "client balance after release", client.Balance, "8000")
	assertAmount(t, "client escrow after release", client.Escrow, "0")
	assertAmount(t, "client total spent", client.TotalSpent, "2000")
	assertAmount(t, "worker balance", worker.Balance, "2000")
	assertAmount(t, "worker total earned", worker.TotalEarned, "2000")

	if _, err := l.Apply(ctx, Posting{UserID: "w", Type: TxWithdrawal, Amount: amt("1500"), Reference: "wdr_1"}); err != nil {
		t.Fatalf("withdrawal failed: %v", err)
	}
	if _, err := l.Apply(ctx, Posting{UserID: "w", Type: TxWithdrawalReversal, Amount: amt("1500"), Reference: "wdr_1_rev"}); err != nil {
		t.Fatalf("reversal failed: %v", err)
	}
	worker = mustWallet(t, l, "w")
	assertAmount(t, "worker balance after reversal", worker.Balance, "2000")
	assertAmount(t, "worker total spent after reversal", worker.TotalSpent, "0")
}

func TestApply_InsufficientFunds(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	topUp(t, l, "c", "1000", "topup_1")
	before := mustWallet(t, l, "c")

	_, err := l.Apply(ctx, Posting{UserID: "c", Type: TxBookingHold, Amount: amt("3000"), Reference: "hold_bk1"})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	var ife *InsufficientFundsError
	if !errors.As(err, &ife) {
		t.Fatalf("expected *InsufficientFundsError, got %T", err)
	}
	assertAmount(t, "shortfall", ife.Shortfall(), "2000")

	after := mustWallet(t, l, "c")
	if !after.Balance.Equal(before.Balance) || !after.Escrow.Equal(before.Escrow) || after.Version != before.Version {
		t.Errorf("wallet changed after failed hold: before=%+v after=%+v", before, after)
	}
	if _, err := l.GetTransaction(ctx, "hold_bk1"); !errors.Is(err, ErrTransactionNotFound) {
		t.Errorf("failed hold must not leave a transaction, got %v", err)
	}
}

func TestApply_DebitWithoutWallet(t *testing.T) {
	l, _ := newTestLedger()
	_, err := l.Apply(context.Background(), Posting{UserID: "ghost", Type: TxBookingHold, Amount: amt("10"), Reference: "hold_x"})
	if !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("expected ErrWalletNotFound, got %v", err)
	}
}

func TestApply_EscrowUnderflow(t *testing.T) {
	l, _ := newTestLedger()
	topUp(t, l, "c", "500", "topup_1")
	_, err := l.Apply(context.Background(), Posting{UserID: "c", Type: TxBookingRelease, Amount: amt("100"), Reference: "settle_x"})
	if !errors.Is(err, ErrEscrowUnderflow) {
		t.Fatalf("expected ErrEscrowUnderflow, got %v", err)
	}
}

func TestApply_MinimumWithdrawal(t *testing.T) {
	l, _ := newTestLedger()
	topUp(t, l, "w", "5000", "topup_1")
	_, err := l.Apply(context.Background(), Posting{UserID: "w", Type: TxWithdrawal, Amount: amt("999.99"), Reference: "wdr_small"})
	if !errors.Is(err, ErrBelowMinimumWithdrawal) {
		t.Fatalf("expected ErrBelowMinimumWithdrawal, got %v", err)
	}
}

func TestApply_WithdrawalRespectsEscrow(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	topUp(t, l, "c", "5000", "topup_1")
	if _, err := l.Apply(ctx, Posting{UserID: "c", Type: TxBookingHold, Amount: amt("4000"), Reference: "hold_bk1"}); err != nil {
		t.Fatal(err)
	}
	_, err := l.Apply(ctx, Posting{UserID: "c", Type: TxWithdrawal, Amount: amt("2000"), Reference: "wdr_1"})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("withdrawal must not touch escrowed funds, got %v", err)
	}
}

func TestApply_Validation(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	tests := []struct {
		name     string
		postings []Posting
		want     error
	}{
		{"no postings", nil, ErrInvalidPosting},
		{"missing reference", []Posting{{UserID: "u", Type: TxTopUp, Amount: amt("1")}}, ErrInvalidPosting},
		{"unknown type", []Posting{{UserID: "u", Type: "bonus", Amount: amt("1"), Reference: "r"}}, ErrInvalidPosting},
		{"zero amount", []Posting{{UserID: "u", Type: TxTopUp, Amount: decimal.Zero, Reference: "r"}}, ErrInvalidAmount},
		{"sub-kobo amount", []Posting{{UserID: "u", Type: TxTopUp, Amount: decimal.RequireFromString("1.001"), Reference: "r"}}, ErrInvalidAmount},
		{"repeated reference", []Posting{
			{UserID: "u", Type: TxTopUp, Amount: amt("1"), Reference: "r"},
			{UserID: "v", Type: TxTopUp, Amount: amt("1"), Reference: "r"},
		}, ErrInvalidPosting},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := l.Apply(ctx, tt.postings...); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestApply_DuplicateReferenceIsReplay(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	p := Posting{UserID: "c", Type: TxTopUp, Amount: amt("2500"), Reference: "paystack_ref_1"}
	first, err := l.Apply(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if first.Replayed {
		t.Fatal("first apply should not be a replay")
	}

	second, err := l.Apply(ctx, p)
	if err != nil {
		t.Fatalf("replay should not error, got %v", err)
	}
	if !second.Replayed {
		t.Fatal("second apply should be a replay")
	}
	if second.Transactions[0].ID != first.Transactions[0].ID {
		t.Errorf("replay should return the original transaction")
	}

	w := mustWallet(t, l, "c")
	assertAmount(t, "balance after replay", w.Balance, "2500")
}

func TestApply_ConcurrentHoldsNeverOverdraw(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	topUp(t, l, "c", "10000", "topup_1")

	var wg sync.WaitGroup
	var succeeded int64
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Apply(ctx, Posting{UserID: "c", Type: TxBookingHold, Amount: amt("1000"), Reference: fmt.Sprintf("hold_bk%d", i)})
			if err == nil {
				atomic.AddInt64(&succeeded, 1)
			} else if !errors.Is(err, ErrInsufficientFunds) && !errors.Is(err, ErrVersionConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	w := mustWallet(t, l, "c")
	assertInvariant(t, w)
	if succeeded > 10 {
		t.Fatalf("at most 10 holds of 1000 fit in 10000, got %d", succeeded)
	}
	if !w.Escrow.Equal(amt("1000").Mul(decimal.NewFromInt(succeeded))) {
		t.Errorf("escrow %s does not match %d successful holds", w.Escrow, succeeded)
	}
}

func TestApply_ConcurrentSameReference(t *testing.T) {
	l, store := newTestLedger()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Apply(ctx, Posting{UserID: "c", Type: TxTopUp, Amount: amt("100"), Reference: "cb_1"}); err != nil && !errors.Is(err, ErrVersionConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	w := mustWallet(t, l, "c")
	assertAmount(t, "balance", w.Balance, "100")
	txs, _ := store.ListTransactions(ctx, "c", 0)
	if len(txs) != 1 {
		t.Fatalf("expected exactly one transaction, got %d", len(txs))
	}
}

// conflictOnceStore fails the first Commit with a version conflict.
type conflictOnceStore struct {
	*MemoryStore
	fired int32
}

func (s *conflictOnceStore) Commit(ctx context.Context, wallets []*Wallet, txs []*Transaction) error {
	if atomic.CompareAndSwapInt32(&s.fired, 0, 1) {
		return ErrVersionConflict
	}
	return s.MemoryStore.Commit(ctx, wallets, txs)
}

func TestApply_RetriesVersionConflict(t *testing.T) {
	store := &conflictOnceStore{MemoryStore: NewMemoryStore()}
	l := New(store, WithLogger(logging.Discard()))

	if _, err := l.Apply(context.Background(), Posting{UserID: "c", Type: TxTopUp, Amount: amt("50"), Reference: "r1"}); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	w := mustWallet(t, l, "c")
	assertAmount(t, "balance", w.Balance, "50")
}

func TestRecompute_MatchesCachedWallet(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	topUp(t, l, "c", "10000", "t1")
	_, _ = l.Apply(ctx, Posting{UserID: "c", Type: TxBookingHold, Amount: amt("3000"), Reference: "hold_bk1"})
	_, _ = l.Apply(ctx, Posting{UserID: "c", Type: TxBookingHold, Amount: amt("2000"), Reference: "hold_bk2"})
	_, _ = l.Apply(ctx,
		Posting{UserID: "c", Type: TxBookingRelease, Amount: amt("3000"), Reference: "settle_bk1"},
		Posting{UserID: "w", Type: TxBookingEarning, Amount: amt("3000"), Reference: "settle_bk1_payee"},
	)
	_, _ = l.Apply(ctx, Posting{UserID: "c", Type: TxBookingRefund, Amount: amt("2000"), Reference: "settle_bk2"})

	for _, user := range []string{"c", "w"} {
		cached := mustWallet(t, l, user)
		derived, err := l.Recompute(ctx, user)
		if err != nil {
			t.Fatal(err)
		}
		if !cached.Balance.Equal(derived.Balance) || !cached.Escrow.Equal(derived.Escrow) ||
			!cached.TotalSpent.Equal(derived.TotalSpent) || !cached.TotalEarned.Equal(derived.TotalEarned) {
			t.Errorf("%s: cached %+v != derived %+v", user, cached, derived)
		}
	}
}

func TestHistory_NewestFirst(t *testing.T) {
	l, _ := newTestLedger()
	topUp(t, l, "c", "10", "t1")
	topUp(t, l, "c", "20", "t2")
	topUp(t, l, "c", "30", "t3")

	txs, err := l.History(context.Background(), "c", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(txs))
	}
	if txs[0].Reference != "t3" || txs[1].Reference != "t2" {
		t.Errorf("expected newest first, got %s, %s", txs[0].Reference, txs[1].Reference)
	}
}
