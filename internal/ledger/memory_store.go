package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory ledger store for development and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	wallets     map[string]*Wallet
	txs         []*Transaction
	byReference map[string]*Transaction
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:     make(map[string]*Wallet),
		byReference: make(map[string]*Transaction),
	}
}

func (m *MemoryStore) GetWallet(_ context.Context, userID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return w.clone(), nil
}

func (m *MemoryStore) CreateWallet(_ context.Context, userID string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.wallets[userID]; ok {
		return w.clone(), nil
	}
	now := time.Now().UTC()
	w := &Wallet{UserID: userID, Version: 1, CreatedAt: now, UpdatedAt: now}
	m.wallets[userID] = w
	return w.clone(), nil
}

func (m *MemoryStore) ListWallets(_ context.Context) ([]*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Wallet, 0, len(m.wallets))
	for _, w := range m.wallets {
		out = append(out, w.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *MemoryStore) GetTransaction(_ context.Context, reference string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.byReference[reference]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, userID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	for i := len(m.txs) - 1; i >= 0; i-- {
		if m.txs[i].UserID != userID {
			continue
		}
		cp := *m.txs[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Commit(_ context.Context, wallets []*Wallet, txs []*Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range wallets {
		cur, ok := m.wallets[w.UserID]
		switch {
		case w.Version == 0 && ok:
			return ErrVersionConflict
		case w.Version != 0 && (!ok || cur.Version != w.Version):
			return ErrVersionConflict
		}
	}
	for _, tx := range txs {
		if _, dup := m.byReference[tx.Reference]; dup {
			return ErrDuplicateReference
		}
	}

	for _, w := range wallets {
		stored := w.clone()
		stored.Version = w.Version + 1
		m.wallets[w.UserID] = stored
	}
	for _, tx := range txs {
		cp := *tx
		m.txs = append(m.txs, &cp)
		m.byReference[tx.Reference] = &cp
	}
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
