package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v81"

	"github.com/mbd888/errandly/internal/circuitbreaker"
	"github.com/mbd888/errandly/internal/logging"
	"github.com/mbd888/errandly/internal/money"
	"github.com/mbd888/errandly/internal/retry"
)

func transferReq() TransferRequest {
	return TransferRequest{
		Reference:     "wdr_0123456789abcdef",
		UserID:        "worker_1",
		BankAccountID: "RCP_abc123",
		Amount:        money.MustParse("1500"),
		Reason:        "Errandly withdrawal",
	}
}

func TestPaystack_Transfer(t *testing.T) {
	var got paystackTransferRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transfer" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk_test_x" {
			t.Errorf("missing bearer key, got %q", r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, `{"status":true,"message":"Transfer has been queued","data":{"transfer_code":"TRF_1","reference":"wdr_0123456789abcdef","status":"pending"}}`)
	}))
	defer srv.Close()

	p := NewPaystack("sk_test_x", srv.URL, time.Second)
	res, err := p.Transfer(context.Background(), transferReq())
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if res.TransferCode != "TRF_1" || res.Status != "pending" {
		t.Errorf("unexpected result %+v", res)
	}
	if got.Amount != 150000 {
		t.Errorf("expected 150000 kobo, got %d", got.Amount)
	}
	if got.Recipient != "RCP_abc123" || got.Reference != "wdr_0123456789abcdef" || got.Currency != "NGN" || got.Source != "balance" {
		t.Errorf("unexpected request body %+v", got)
	}
}

func TestPaystack_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
	}{
		{"bad recipient", http.StatusBadRequest, `{"status":false,"message":"Recipient specified is invalid"}`, false},
		{"server error", http.StatusBadGateway, `upstream down`, true},
		{"rate limited", http.StatusTooManyRequests, `{"status":false,"message":"slow down"}`, true},
		{"otp required", http.StatusOK, `{"status":true,"message":"Transfer requires OTP","data":{"status":"otp"}}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := NewPaystack("sk", srv.URL, time.Second).Transfer(context.Background(), transferReq())
			var pe *ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("expected ProviderError, got %v", err)
			}
			if pe.Retryable() != tt.retryable {
				t.Errorf("retryable = %v, want %v (%v)", pe.Retryable(), tt.retryable, pe)
			}
		})
	}
}

func TestPaystack_RejectsInvalidRequest(t *testing.T) {
	req := transferReq()
	req.BankAccountID = ""
	_, err := NewPaystack("sk", "http://127.0.0.1:0", time.Second).Transfer(context.Background(), req)
	if !errors.Is(err, ErrInvalidTransfer) {
		t.Fatalf("expected ErrInvalidTransfer, got %v", err)
	}
}

func TestStripe_Transfer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/transfers" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Idempotency-Key") != "wdr_0123456789abcdef" {
			t.Errorf("expected idempotency key, got %q", r.Header.Get("Idempotency-Key"))
		}
		_ = r.ParseForm()
		if r.Form.Get("amount") != "150000" || r.Form.Get("destination") != "acct_123" || r.Form.Get("currency") != "ngn" {
			t.Errorf("unexpected form %v", r.Form)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"tr_123","object":"transfer","amount":150000,"currency":"ngn"}`)
	}))
	defer srv.Close()

	s := NewStripe("sk_test_123", testBackends(srv.URL))
	req := transferReq()
	req.BankAccountID = "acct_123"
	res, err := s.Transfer(context.Background(), req)
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if res.TransferCode != "tr_123" {
		t.Errorf("expected tr_123, got %s", res.TransferCode)
	}
}

func TestStripe_Declined(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"type":"invalid_request_error","code":"balance_insufficient","message":"Insufficient platform balance"}}`)
	}))
	defer srv.Close()

	req := transferReq()
	req.BankAccountID = "acct_123"
	_, err := NewStripe("sk_test_123", testBackends(srv.URL)).Transfer(context.Background(), req)
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if pe.Code != "balance_insufficient" || pe.Retryable() {
		t.Errorf("unexpected provider error %+v", pe)
	}
}

func testBackends(url string) *stripe.Backends {
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(url),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	return &stripe.Backends{API: backend, Connect: backend, Uploads: backend}
}

var fastRetry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}

func TestResilient_RetriesTransientFailures(t *testing.T) {
	mem := NewMemoryGateway()
	mem.Fail(errors.New("connection reset"), &ProviderError{Provider: "memory", StatusCode: 503, Message: "unavailable"})
	r := NewResilient(mem, nil, logging.Discard()).WithPolicy(fastRetry)

	res, err := r.Transfer(context.Background(), transferReq())
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if res.Provider != ProviderMemory {
		t.Errorf("unexpected provider %s", res.Provider)
	}
	if mem.Calls() != 3 {
		t.Errorf("expected 3 calls, got %d", mem.Calls())
	}
}

func TestResilient_DeclineIsNotRetried(t *testing.T) {
	mem := NewMemoryGateway()
	mem.Fail(ErrMemoryDeclined)
	r := NewResilient(mem, nil, logging.Discard()).WithPolicy(fastRetry)

	_, err := r.Transfer(context.Background(), transferReq())
	if !errors.Is(err, ErrGatewayTransferFailed) {
		t.Fatalf("expected ErrGatewayTransferFailed, got %v", err)
	}
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Errorf("expected the provider error to be preserved, got %v", err)
	}
	if mem.Calls() != 1 {
		t.Errorf("expected 1 call, got %d", mem.Calls())
	}
}

func TestResilient_ExhaustedRetries(t *testing.T) {
	mem := NewMemoryGateway()
	timeout := errors.New("i/o timeout")
	mem.Fail(timeout, timeout, timeout)
	r := NewResilient(mem, nil, logging.Discard()).WithPolicy(fastRetry)

	if _, err := r.Transfer(context.Background(), transferReq()); !errors.Is(err, ErrGatewayTransferFailed) {
		t.Fatalf("expected ErrGatewayTransferFailed, got %v", err)
	}
	if mem.Completed() != 0 {
		t.Errorf("expected no completed transfers")
	}
}

func TestResilient_OpenCircuitShortCircuits(t *testing.T) {
	mem := NewMemoryGateway()
	down := errors.New("connection refused")
	mem.Fail(down, down)
	breaker := circuitbreaker.New(2, time.Minute)
	r := NewResilient(mem, breaker, logging.Discard()).WithPolicy(retry.Policy{MaxAttempts: 1})

	for i := 0; i < 2; i++ {
		_, _ = r.Transfer(context.Background(), transferReq())
	}
	_, err := r.Transfer(context.Background(), transferReq())
	if !errors.Is(err, circuitbreaker.ErrOpen) || !errors.Is(err, ErrGatewayTransferFailed) {
		t.Fatalf("expected open circuit, got %v", err)
	}
	if mem.Calls() != 2 {
		t.Errorf("open circuit must not reach the provider, got %d calls", mem.Calls())
	}
}

func TestMemoryGateway_IdempotentByReference(t *testing.T) {
	mem := NewMemoryGateway()
	a, _ := mem.Transfer(context.Background(), transferReq())
	b, _ := mem.Transfer(context.Background(), transferReq())
	if a.TransferCode != b.TransferCode || mem.Completed() != 1 {
		t.Errorf("expected one transfer for a repeated reference")
	}
}

func TestOpen(t *testing.T) {
	for _, p := range []string{"", ProviderMemory, ProviderPaystack, ProviderStripe} {
		if _, err := Open(Config{Provider: p, PaystackSecretKey: "sk", StripeSecretKey: "sk"}, logging.Discard()); err != nil {
			t.Errorf("Open(%q): %v", p, err)
		}
	}
	if _, err := Open(Config{Provider: "flutterwave"}, logging.Discard()); err == nil {
		t.Error("expected unknown provider error")
	}
}
