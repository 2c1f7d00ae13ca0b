//go:build integration

package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/mbd888/errandly/internal/logging"
	"github.com/mbd888/errandly/internal/money"
	"github.com/mbd888/errandly/internal/testutil"
)

func setupPostgresLedger(t *testing.T) (*Ledger, *PostgresStore) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	store := NewPostgresStore(db)
	return New(store, WithMinWithdrawal(money.MustParse("1000")), WithLogger(logging.Discard())), store
}

func TestPostgres_ApplyAndReplay(t *testing.T) {
	l, _ := setupPostgresLedger(t)
	ctx := context.Background()

	p := Posting{UserID: "pg_client", Type: TxTopUp, Amount: amt("10000"), Reference: "pg_topup_1"}
	if _, err := l.Apply(ctx, p); err != nil {
		t.Fatalf("top up: %v", err)
	}
	r, err := l.Apply(ctx, p)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !r.Replayed {
		t.Fatal("expected replay")
	}

	w := mustWallet(t, l, "pg_client")
	assertAmount(t, "balance", w.Balance, "10000")
	if w.Version != 1 {
		t.Errorf("expected version 1 after one write, got %d", w.Version)
	}
}

func TestPostgres_HoldAndRelease(t *testing.T) {
	l, _ := setupPostgresLedger(t)
	ctx := context.Background()

	topUp(t, l, "c", "10000", "pg_t1")
	if _, err := l.Apply(ctx, Posting{UserID: "c", Type: TxBookingHold, Amount: amt("3000"), Reference: "hold_pg1", BookingID: "pg1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Apply(ctx,
		Posting{UserID: "c", Type: TxBookingRelease, Amount: amt("3000"), Reference: "settle_pg1", BookingID: "pg1"},
		Posting{UserID: "w", Type: TxBookingEarning, Amount: amt("3000"), Reference: "settle_pg1_payee", BookingID: "pg1"},
	); err != nil {
		t.Fatal(err)
	}

	c := mustWallet(t, l, "c")
	w := mustWallet(t, l, "w")
	assertAmount(t, "client balance", c.Balance, "7000")
	assertAmount(t, "client escrow", c.Escrow, "0")
	assertAmount(t, "worker balance", w.Balance, "3000")

	tx, err := l.GetTransaction(ctx, "settle_pg1")
	if err != nil {
		t.Fatal(err)
	}
	if tx.Type != TxBookingRelease || tx.BookingID != "pg1" {
		t.Errorf("unexpected transaction %+v", tx)
	}
}

func TestPostgres_CommitVersionConflict(t *testing.T) {
	_, store := setupPostgresLedger(t)
	ctx := context.Background()

	w, err := store.CreateWallet(ctx, "conflict_user")
	if err != nil {
		t.Fatal(err)
	}
	stale := *w
	stale.Balance = amt("5")

	if err := store.Commit(ctx, []*Wallet{w}, nil); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if err := store.Commit(ctx, []*Wallet{&stale}, nil); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestPostgres_ConcurrentHolds(t *testing.T) {
	l, _ := setupPostgresLedger(t)
	ctx := context.Background()
	topUp(t, l, "c", "5000", "pg_t1")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = l.Apply(ctx, Posting{UserID: "c", Type: TxBookingHold, Amount: amt("1000"), Reference: fmt.Sprintf("hold_c%d", i)})
		}(i)
	}
	wg.Wait()

	w := mustWallet(t, l, "c")
	assertInvariant(t, w)

	derived, err := l.Recompute(ctx, "c")
	if err != nil {
		t.Fatal(err)
	}
	if !derived.Escrow.Equal(w.Escrow) {
		t.Errorf("derived escrow %s != cached %s", derived.Escrow, w.Escrow)
	}
}
