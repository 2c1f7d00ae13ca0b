// Package syncutil provides keyed locking for per-entity critical sections
// such as one job's selection round or one booking's status transition.
package syncutil

import (
	"context"
	"hash/fnv"
	"sort"
)

// DefaultShards is the shard count used by NewKeyLock.
const DefaultShards = 256

// KeyLock is a fixed pool of channel-backed mutexes addressed by string key.
// Memory stays bounded however many keys are seen; two keys may share a
// shard, so a holder must never take a second key from the same KeyLock.
type KeyLock struct {
	shards []chan struct{}
}

// NewKeyLock returns a KeyLock with DefaultShards shards.
func NewKeyLock() *KeyLock {
	return NewKeyLockN(DefaultShards)
}

// NewKeyLockN returns a KeyLock with n shards (minimum 1).
func NewKeyLockN(n int) *KeyLock {
	if n < 1 {
		n = 1
	}
	l := &KeyLock{shards: make([]chan struct{}, n)}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
		l.shards[i] <- struct{}{}
	}
	return l
}

// LockContext acquires the lock for key or returns ctx.Err() if ctx ends
// first. The returned func releases the lock and must be called exactly once.
func (l *KeyLock) LockContext(ctx context.Context, key string) (func(), error) {
	shard := l.shards[l.shardIdx(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LockAll acquires the locks for every key. Shards are taken once each in
// ascending order, so concurrent LockAll calls over overlapping key sets
// cannot deadlock.
func (l *KeyLock) LockAll(ctx context.Context, keys ...string) (func(), error) {
	seen := make(map[int]bool, len(keys))
	idx := make([]int, 0, len(keys))
	for _, k := range keys {
		i := l.shardIdx(k)
		if !seen[i] {
			seen[i] = true
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)

	held := make([]chan struct{}, 0, len(idx))
	release := func() {
		for j := len(held) - 1; j >= 0; j-- {
			held[j] <- struct{}{}
		}
	}
	for _, i := range idx {
		shard := l.shards[i]
		select {
		case <-shard:
			held = append(held, shard)
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}

// TryLock acquires the lock for key without waiting.
func (l *KeyLock) TryLock(key string) (func(), bool) {
	shard := l.shards[l.shardIdx(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, true
	default:
		return nil, false
	}
}

func (l *KeyLock) shardIdx(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(l.shards)))
}
