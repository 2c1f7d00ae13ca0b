package syncutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestKeyLock_BasicLockUnlock(t *testing.T) {
	l := NewKeyLock()
	unlock, err := l.LockContext(context.Background(), "bk_1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	unlock()

	// Re-acquirable after unlock.
	unlock, err = l.LockContext(context.Background(), "bk_1")
	if err != nil {
		t.Fatalf("expected no error on relock, got %v", err)
	}
	unlock()
}

func TestKeyLock_MutualExclusion(t *testing.T) {
	l := NewKeyLock()
	ctx := context.Background()

	var counter int
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := l.LockContext(ctx, "job_1")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != n {
		t.Fatalf("expected counter %d, got %d", n, counter)
	}
}

func TestKeyLock_ContextCancelledWhileWaiting(t *testing.T) {
	l := NewKeyLockN(1)
	unlock, err := l.LockContext(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// Single shard: every key collides.
	_, err = l.LockContext(ctx, "b")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestKeyLock_TryLock(t *testing.T) {
	l := NewKeyLockN(1)
	unlock, ok := l.TryLock("x")
	if !ok {
		t.Fatal("expected TryLock to succeed")
	}
	if _, ok := l.TryLock("x"); ok {
		t.Fatal("expected TryLock to fail while held")
	}
	unlock()
	if u, ok := l.TryLock("x"); !ok {
		t.Fatal("expected TryLock to succeed after unlock")
	} else {
		u()
	}
}

func TestNewKeyLockN_MinimumOneShard(t *testing.T) {
	l := NewKeyLockN(0)
	if len(l.shards) != 1 {
		t.Fatalf("expected 1 shard, got %d", len(l.shards))
	}
}

func TestKeyLock_LockAllSameShardOnce(t *testing.T) {
	// One shard: every key collides, LockAll must not self-deadlock.
	l := NewKeyLockN(1)
	unlock, err := l.LockAll(context.Background(), "a", "b", "a")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := l.TryLock("c"); ok {
		t.Fatal("expected shard to be held")
	}
	unlock()
	u, ok := l.TryLock("c")
	if !ok {
		t.Fatal("expected shard to be free after unlock")
	}
	u()
}

func TestKeyLock_LockAllOverlappingSets(t *testing.T) {
	l := NewKeyLockN(8)
	ctx := context.Background()
	var wg sync.WaitGroup
	var counter int
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			keys := []string{"payer", "payee"}
			if i%2 == 0 {
				keys = []string{"payee", "payer"}
			}
			unlock, err := l.LockAll(ctx, keys...)
			if err != nil {
				t.Errorf("LockAll: %v", err)
				return
			}
			counter++
			unlock()
		}(i)
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("expected 50, got %d", counter)
	}
}

func TestKeyLock_LockAllReleasesOnCancel(t *testing.T) {
	l := NewKeyLockN(16)
	blocker, err := l.LockContext(context.Background(), "b")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.LockAll(ctx, "a", "b"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	blocker()

	// Everything acquired before the cancel was given back.
	unlock, err := l.LockAll(context.Background(), "a", "b")
	if err != nil {
		t.Fatal(err)
	}
	unlock()
}
