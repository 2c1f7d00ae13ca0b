package booking

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory booking store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[string]*Booking
	reviews  map[string]*Review // booking id -> review
}

// NewMemoryStore creates a new in-memory booking store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings: make(map[string]*Booking),
		reviews:  make(map[string]*Review),
	}
}

func (m *MemoryStore) Create(ctx context.Context, b *Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.bookings[b.ID]; ok {
		return ErrInvalidRequest
	}
	cp := *b
	m.bookings[b.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) GetByApplication(ctx context.Context, applicationID string) (*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, b := range m.bookings {
		if applicationID != "" && b.ApplicationID == applicationID {
			cp := *b
			return &cp, nil
		}
	}
	return nil, ErrBookingNotFound
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Booking, error) {
	return m.filter(func(b *Booking) bool { return b.IsParty(userID) }, newestFirst, limit), nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Booking, error) {
	return m.filter(func(b *Booking) bool { return b.Status == status }, oldestFirst, limit), nil
}

func (m *MemoryStore) ListByPaymentStatus(ctx context.Context, ps PaymentStatus) ([]*Booking, error) {
	return m.filter(func(b *Booking) bool { return b.PaymentStatus == ps }, oldestFirst, 0), nil
}

func (m *MemoryStore) ListCompleted(ctx context.Context, after Cursor, limit int) ([]*Booking, error) {
	page := m.filter(func(b *Booking) bool {
		if b.Status != StatusCompleted || b.CompletedAt == nil {
			return false
		}
		if b.CompletedAt.Equal(after.CompletedAt) {
			return b.ID > after.ID
		}
		return b.CompletedAt.After(after.CompletedAt)
	}, func(a, b *Booking) bool {
		if a.CompletedAt.Equal(*b.CompletedAt) {
			return a.ID < b.ID
		}
		return a.CompletedAt.Before(*b.CompletedAt)
	}, limit)
	return page, nil
}

func (m *MemoryStore) Update(ctx context.Context, b *Booking, from Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.bookings[b.ID]
	if !ok {
		return ErrBookingNotFound
	}
	if cur.Status != from {
		return ErrStatusConflict
	}
	cp := *b
	m.bookings[b.ID] = &cp
	return nil
}

func (m *MemoryStore) AddReview(ctx context.Context, r *Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reviews[r.BookingID]; ok {
		return ErrDuplicateReview
	}
	cp := *r
	m.reviews[r.BookingID] = &cp
	return nil
}

func (m *MemoryStore) ListReviews(ctx context.Context, workerID string, limit int) ([]*Review, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Review, 0)
	for _, r := range m.reviews {
		if r.WorkerID == workerID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func newestFirst(a, b *Booking) bool { return a.CreatedAt.After(b.CreatedAt) }

func oldestFirst(a, b *Booking) bool {
	ta, tb := a.CreatedAt, b.CreatedAt
	if a.CompletedAt != nil && b.CompletedAt != nil {
		ta, tb = *a.CompletedAt, *b.CompletedAt
	}
	return ta.Before(tb)
}

func (m *MemoryStore) filter(keep func(*Booking) bool, less func(a, b *Booking) bool, limit int) []*Booking {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Booking, 0)
	for _, b := range m.bookings {
		if keep(b) {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
