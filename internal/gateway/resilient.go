package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/errandly/internal/circuitbreaker"
	"github.com/mbd888/errandly/internal/metrics"
	"github.com/mbd888/errandly/internal/retry"
	"github.com/mbd888/errandly/internal/traces"
)

// Resilient wraps a Gateway with a per-provider circuit breaker and retry
// with backoff. Every error it returns wraps ErrGatewayTransferFailed.
type Resilient struct {
	next    Gateway
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
	logger  *slog.Logger
}

// NewResilient wraps next. A nil breaker trips after 5 consecutive
// transient failures and stays open for 30 seconds.
func NewResilient(next Gateway, breaker *circuitbreaker.Breaker, logger *slog.Logger) *Resilient {
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return &Resilient{next: next, breaker: breaker, policy: retry.Gateway, logger: logger}
}

// WithPolicy overrides the retry policy.
func (r *Resilient) WithPolicy(p retry.Policy) *Resilient {
	r.policy = p
	return r
}

func (r *Resilient) Name() string { return r.next.Name() }

func (r *Resilient) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	ctx, span := traces.StartSpan(ctx, "gateway.Transfer", traces.Reference(req.Reference))
	provider := r.next.Name()

	var result *TransferResult
	attempts := 0
	err := r.policy.Do(ctx, func() error {
		attempts++
		err := r.breaker.Execute(provider, transient, func() error {
			res, err := r.next.Transfer(ctx, req)
			if err != nil {
				return err
			}
			result = res
			return nil
		})
		if err != nil && (errors.Is(err, circuitbreaker.ErrOpen) || !transient(err)) {
			return retry.Permanent(err)
		}
		return err
	})
	traces.End(span, err)

	if err != nil {
		metrics.GatewayCallsTotal.WithLabelValues(provider, "transfer", "failed").Inc()
		r.logger.Warn("gateway transfer failed",
			"provider", provider,
			"reference", req.Reference,
			"attempts", attempts,
			"error", err)
		return nil, fmt.Errorf("%w: %w", ErrGatewayTransferFailed, err)
	}
	metrics.GatewayCallsTotal.WithLabelValues(provider, "transfer", "success").Inc()
	return result, nil
}
