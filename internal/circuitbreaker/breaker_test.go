package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock lets tests move the breaker past openDuration without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, open time.Duration) (*Breaker, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New(threshold, open)
	b.now = clk.Now
	return b, clk
}

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	if !b.Allow("paystack") {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure("paystack")
	b.RecordFailure("paystack")
	if !b.Allow("paystack") {
		t.Fatal("should still allow before threshold")
	}

	b.RecordFailure("paystack")
	if b.Allow("paystack") {
		t.Fatal("should be open after 3 failures")
	}
	if b.State("paystack") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("paystack"))
	}
}

func TestBreaker_HalfOpenTrial(t *testing.T) {
	b, clk := newTestBreaker(2, time.Minute)

	b.RecordFailure("stripe")
	b.RecordFailure("stripe")
	if b.Allow("stripe") {
		t.Fatal("should be open")
	}

	clk.Advance(time.Minute)

	if !b.Allow("stripe") {
		t.Fatal("should allow a trial call in half-open")
	}
	if b.State("stripe") != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State("stripe"))
	}
	if b.Allow("stripe") {
		t.Fatal("second call during the trial should be rejected")
	}

	b.RecordSuccess("stripe")
	if b.State("stripe") != StateClosed {
		t.Fatalf("expected StateClosed after successful trial, got %v", b.State("stripe"))
	}
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	b, clk := newTestBreaker(1, time.Minute)

	b.RecordFailure("paystack")
	clk.Advance(time.Minute)
	if !b.Allow("paystack") {
		t.Fatal("expected a trial call")
	}

	b.RecordFailure("paystack")
	if b.State("paystack") != StateOpen {
		t.Fatalf("expected StateOpen after failed trial, got %v", b.State("paystack"))
	}
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	b.RecordFailure("paystack")
	if b.Allow("paystack") {
		t.Fatal("paystack should be open")
	}
	if !b.Allow("stripe") {
		t.Fatal("stripe should be unaffected")
	}
}

func TestBreaker_Execute(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	boom := errors.New("502 from upstream")
	declined := errors.New("account invalid")
	onlyUpstream := func(err error) bool { return errors.Is(err, boom) }

	// Business errors do not trip the circuit.
	for i := 0; i < 5; i++ {
		if err := b.Execute("paystack", onlyUpstream, func() error { return declined }); !errors.Is(err, declined) {
			t.Fatalf("expected declined, got %v", err)
		}
	}
	if b.State("paystack") != StateClosed {
		t.Fatal("business errors should not open the circuit")
	}

	_ = b.Execute("paystack", onlyUpstream, func() error { return boom })
	_ = b.Execute("paystack", onlyUpstream, func() error { return boom })

	called := false
	err := b.Execute("paystack", onlyUpstream, func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Fatal("fn should not run while open")
	}
}

func TestBreaker_OnTransitionCallback(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)

	got := make(chan [2]State, 1)
	b.OnTransition(func(key string, from, to State) {
		got <- [2]State{from, to}
	})

	b.RecordFailure("paystack")

	select {
	case tr := <-got:
		if tr[0] != StateClosed || tr[1] != StateOpen {
			t.Fatalf("unexpected transition %v -> %v", tr[0], tr[1])
		}
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	b := New(100, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Allow("paystack")
			b.RecordFailure("paystack")
			b.RecordSuccess("paystack")
			b.State("paystack")
		}()
	}
	wg.Wait()
}

func TestState_String(t *testing.T) {
	cases := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half_open",
		State(42):     "unknown",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}
