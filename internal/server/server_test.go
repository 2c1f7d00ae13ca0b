package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/errandly/internal/auth"
	"github.com/mbd888/errandly/internal/config"
	"github.com/mbd888/errandly/internal/gateway"
	"github.com/mbd888/errandly/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	testAdminSecret = "admin-secret"
	testSweepSecret = "sweep-secret"
)

// testConfig returns a minimal in-memory config with background loops off.
func testConfig() *config.Config {
	return &config.Config{
		Port:              "0",
		Env:               "development",
		LogLevel:          "error",
		LogFormat:         "text",
		AdminSecret:       testAdminSecret,
		SweepSecret:       testSweepSecret,
		SelectionWindow:   config.DefaultSelectionWindow,
		JobTTL:            config.DefaultJobTTL,
		DefaultGraceHours: config.DefaultGraceHours,
		MinWithdrawal:     config.DefaultMinWithdrawal,
		GatewayProvider:   "memory",
		IdempotencyTTL:    config.DefaultIdempotencyTTL,
	}
}

func newTestServer(t *testing.T, gw gateway.Gateway) *Server {
	t.Helper()
	opts := []Option{WithLogger(logging.Discard())}
	if gw != nil {
		opts = append(opts, WithGateway(gw))
	}
	s, err := New(testConfig(), opts...)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

type request struct {
	method, path, body string
	user, admin, sweep string
}

func (s *Server) do(r request) *httptest.ResponseRecorder {
	req := httptest.NewRequest(r.method, r.path, strings.NewReader(r.body))
	req.Header.Set("Content-Type", "application/json")
	if r.user != "" {
		req.Header.Set(auth.HeaderUserID, r.user)
	}
	if r.admin != "" {
		req.Header.Set(auth.HeaderAdminSecret, r.admin)
	}
	if r.sweep != "" {
		req.Header.Set(auth.HeaderSweepToken, r.sweep)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON %q: %v", w.Body.String(), err)
	}
	return out
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(request{method: http.MethodGet, path: "/health"})
	if w.Code != http.StatusOK {
		t.Fatalf("/health: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := decode(t, w)["status"]; got != "healthy" {
		t.Errorf("expected healthy, got %v", got)
	}

	if w := s.do(request{method: http.MethodGet, path: "/health/live"}); w.Code != http.StatusOK {
		t.Errorf("/health/live: expected 200, got %d", w.Code)
	}
	// Not ready until Run.
	if w := s.do(request{method: http.MethodGet, path: "/health/ready"}); w.Code != http.StatusServiceUnavailable {
		t.Errorf("/health/ready: expected 503 before Run, got %d", w.Code)
	}
}

func TestInfoAndMetrics(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(request{method: http.MethodGet, path: "/api"})
	if w.Code != http.StatusOK {
		t.Fatalf("/api: expected 200, got %d", w.Code)
	}
	info := decode(t, w)
	if info["currency"] != "NGN" || info["gateway"] != gateway.ProviderMemory {
		t.Errorf("unexpected info: %v", info)
	}

	if w := s.do(request{method: http.MethodGet, path: "/metrics"}); w.Code != http.StatusOK {
		t.Errorf("/metrics: expected 200, got %d", w.Code)
	}
}

func TestRouteGuards(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name string
		req  request
		want int
	}{
		{"wallet needs user", request{method: http.MethodGet, path: "/v1/wallet"}, http.StatusUnauthorized},
		{"admin needs secret", request{method: http.MethodGet, path: "/v1/admin/reconcile", user: "u1"}, http.StatusUnauthorized},
		{"admin wrong secret", request{method: http.MethodGet, path: "/v1/admin/reconcile", admin: "nope"}, http.StatusForbidden},
		{"sweep needs token", request{method: http.MethodPost, path: "/v1/autorelease/sweep"}, http.StatusUnauthorized},
		{"websocket needs user", request{method: http.MethodGet, path: "/ws"}, http.StatusUnauthorized},
		{"wallet with user", request{method: http.MethodGet, path: "/v1/wallet", user: "u1"}, http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if w := s.do(tc.req); w.Code != tc.want {
				t.Errorf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestTopUpAndWithdraw(t *testing.T) {
	gw := gateway.NewMemoryGateway()
	s := newTestServer(t, gw)

	w := s.do(request{
		method: http.MethodPost, path: "/v1/admin/topups", admin: testAdminSecret,
		body: `{"userId":"worker1","amount":"5000","reference":"manual_1"}`,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("top up: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = s.do(request{
		method: http.MethodPost, path: "/v1/withdrawals", user: "worker1",
		body: `{"userId":"worker1","bankAccountId":"RCP_1","amount":"2000"}`,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("withdraw: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	res := decode(t, w)
	if res["success"] != true || res["withdrawalId"] == "" {
		t.Errorf("unexpected withdrawal result: %v", res)
	}
	if gw.Completed() != 1 {
		t.Errorf("expected one gateway transfer, got %d", gw.Completed())
	}

	w = s.do(request{method: http.MethodGet, path: "/v1/wallet", user: "worker1"})
	wallet := decode(t, w)["wallet"].(map[string]any)
	if wallet["balance"] != "3000.00" {
		t.Errorf("expected balance 3000.00 after withdrawal, got %v", wallet["balance"])
	}

	w = s.do(request{method: http.MethodPost, path: "/v1/admin/reconcile", admin: testAdminSecret})
	if w.Code != http.StatusOK {
		t.Fatalf("reconcile: expected 200, got %d", w.Code)
	}
	report := decode(t, w)["report"].(map[string]any)
	if report["healthy"] != true {
		t.Errorf("expected a clean ledger, got %v", report)
	}
}

func TestSweepEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(request{method: http.MethodPost, path: "/v1/autorelease/sweep", sweep: testSweepSecret})
	if w.Code != http.StatusOK {
		t.Fatalf("sweep: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	res := decode(t, w)
	if res["success"] != true {
		t.Errorf("expected success, got %v", res)
	}
	if _, ok := res["stats"].(map[string]any); !ok {
		t.Errorf("expected stats object, got %v", res["stats"])
	}
}

func TestMaskDSN(t *testing.T) {
	got := maskDSN("postgres://errandly:s3cret@db:5432/errandly?sslmode=disable")
	if strings.Contains(got, "s3cret") {
		t.Errorf("password leaked: %s", got)
	}
}
