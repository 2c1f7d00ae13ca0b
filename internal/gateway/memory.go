package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/mbd888/errandly/internal/idgen"
)

// MemoryGateway completes transfers in memory. Tests use Fail to script
// provider errors.
type MemoryGateway struct {
	mu        sync.Mutex
	transfers map[string]*TransferResult // by reference
	requests  []TransferRequest
	failures  []error
}

// NewMemoryGateway creates an in-memory gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{transfers: make(map[string]*TransferResult)}
}

func (m *MemoryGateway) Name() string { return ProviderMemory }

// Fail queues errors returned by the next Transfer calls, in order.
func (m *MemoryGateway) Fail(errs ...error) {
	m.mu.Lock()
	m.failures = append(m.failures, errs...)
	m.mu.Unlock()
}

func (m *MemoryGateway) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if err := validate(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransfer, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		if err != nil {
			return nil, err
		}
	}
	if r, ok := m.transfers[req.Reference]; ok {
		cp := *r
		return &cp, nil
	}
	r := &TransferResult{Provider: ProviderMemory, TransferCode: idgen.WithPrefix("trf_"), Status: "success"}
	m.transfers[req.Reference] = r
	cp := *r
	return &cp, nil
}

// Calls returns how many Transfer calls were made.
func (m *MemoryGateway) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Completed returns how many distinct references were paid out.
func (m *MemoryGateway) Completed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.transfers)
}

// ErrMemoryDeclined is a non-retryable provider decline for tests.
var ErrMemoryDeclined = &ProviderError{Provider: ProviderMemory, StatusCode: 400, Code: "declined", Message: "transfer declined"}
