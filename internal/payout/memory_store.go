package payout

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory withdrawal store for development and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	withdrawals map[string]*Withdrawal
}

// NewMemoryStore creates a new in-memory withdrawal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{withdrawals: make(map[string]*Withdrawal)}
}

func (m *MemoryStore) Create(ctx context.Context, w *Withdrawal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.withdrawals[w.ID]; ok {
		return ErrInvalidRequest
	}
	cp := *w
	m.withdrawals[w.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.withdrawals[id]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Withdrawal, error) {
	return m.list(func(w *Withdrawal) bool { return w.UserID == userID }, limit, true), nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Withdrawal, error) {
	return m.list(func(w *Withdrawal) bool { return w.Status == status }, limit, false), nil
}

func (m *MemoryStore) list(match func(*Withdrawal) bool, limit int, newestFirst bool) []*Withdrawal {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Withdrawal, 0)
	for _, w := range m.withdrawals {
		if match(w) {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) Update(ctx context.Context, w *Withdrawal, from Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.withdrawals[w.ID]
	if !ok {
		return ErrWithdrawalNotFound
	}
	if cur.Status != from {
		return ErrStatusConflict
	}
	cp := *w
	m.withdrawals[w.ID] = &cp
	return nil
}
