package autorelease

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory rule and log store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	rules map[string]*Rule
	logs  []*Log
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rules: make(map[string]*Rule)}
}

func (m *MemoryStore) EnsureRule(ctx context.Context, r *Rule) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.rules {
		if existing.Name == r.Name {
			return false, nil
		}
	}
	cp := *r
	m.rules[r.ID] = &cp
	return true, nil
}

func (m *MemoryStore) CreateRule(ctx context.Context, r *Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.rules {
		if existing.Name == r.Name {
			return ErrDuplicateRule
		}
	}
	cp := *r
	m.rules[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRule(ctx context.Context, id string) (*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rules[id]
	if !ok {
		return nil, ErrRuleNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListRules(ctx context.Context) ([]*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Rule, 0, len(m.rules))
	for _, r := range m.rules {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateRule(ctx context.Context, r *Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rules[r.ID]; !ok {
		return ErrRuleNotFound
	}
	cp := *r
	m.rules[r.ID] = &cp
	return nil
}

func (m *MemoryStore) AddLog(ctx context.Context, l *Log) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *l
	m.logs = append(m.logs, &cp)
	return nil
}

func (m *MemoryStore) ListLogs(ctx context.Context, bookingID string, limit int) ([]*Log, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Log, 0)
	for i := len(m.logs) - 1; i >= 0; i-- {
		l := m.logs[i]
		if bookingID != "" && l.BookingID != bookingID {
			continue
		}
		cp := *l
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
