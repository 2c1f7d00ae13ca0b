package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/errandly/internal/escrow"
	"github.com/mbd888/errandly/internal/ledger"
	"github.com/mbd888/errandly/internal/logging"
	"github.com/mbd888/errandly/internal/money"
)

const (
	paystackSecret = "sk_test_paystack"
	stripeSecret   = "whsec_test"
)

func setupWebhooks(t *testing.T) (*gin.Engine, *ledger.Ledger) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	l := ledger.New(ledger.NewMemoryStore(), ledger.WithLogger(logging.Discard()))
	esc := escrow.NewService(l, logging.Discard())
	r := gin.New()
	NewWebhookHandler(esc, paystackSecret, stripeSecret, logging.Discard()).RegisterRoutes(r.Group("/v1"))
	return r, l
}

func sign(body []byte) string {
	mac := hmac.New(sha512.New, []byte(paystackSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func postRaw(r *gin.Engine, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func balance(t *testing.T, l *ledger.Ledger, user string) string {
	t.Helper()
	w, err := l.GetOrCreate(context.Background(), user)
	if err != nil {
		t.Fatal(err)
	}
	return w.Balance.String()
}

func TestPaystackWebhook_FundsWalletOnce(t *testing.T) {
	r, l := setupWebhooks(t)
	body := []byte(`{"event":"charge.success","data":{"reference":"T1234","amount":500000,"currency":"NGN","status":"success","metadata":{"user_id":"client_1"}}}`)

	for i := 0; i < 3; i++ {
		w := postRaw(r, "/v1/webhooks/paystack", body, map[string]string{"X-Paystack-Signature": sign(body)})
		if w.Code != http.StatusOK {
			t.Fatalf("delivery %d: expected 200, got %d: %s", i, w.Code, w.Body.String())
		}
	}
	if got := balance(t, l, "client_1"); got != "5000" {
		t.Errorf("expected balance 5000 after redeliveries, got %s", got)
	}
	if _, err := l.GetTransaction(context.Background(), "paystack_T1234"); err != nil {
		t.Errorf("expected top-up keyed by gateway reference: %v", err)
	}
}

func TestPaystackWebhook_Rejections(t *testing.T) {
	r, l := setupWebhooks(t)
	body := []byte(`{"event":"charge.success","data":{"reference":"T1","amount":1000,"currency":"NGN","status":"success","metadata":{"user_id":"u"}}}`)

	if w := postRaw(r, "/v1/webhooks/paystack", body, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("unsigned: expected 401, got %d", w.Code)
	}
	if w := postRaw(r, "/v1/webhooks/paystack", body, map[string]string{"X-Paystack-Signature": sign([]byte("other"))}); w.Code != http.StatusUnauthorized {
		t.Errorf("bad signature: expected 401, got %d", w.Code)
	}

	transfer := []byte(`{"event":"transfer.success","data":{"reference":"T2","amount":1000}}`)
	if w := postRaw(r, "/v1/webhooks/paystack", transfer, map[string]string{"X-Paystack-Signature": sign(transfer)}); w.Code != http.StatusOK {
		t.Errorf("other event: expected 200, got %d", w.Code)
	}

	noUser := []byte(`{"event":"charge.success","data":{"reference":"T3","amount":1000,"currency":"NGN","status":"success","metadata":""}}`)
	if w := postRaw(r, "/v1/webhooks/paystack", noUser, map[string]string{"X-Paystack-Signature": sign(noUser)}); w.Code != http.StatusOK {
		t.Errorf("no user: expected 200 acknowledgement, got %d", w.Code)
	}

	if got := balance(t, l, "u"); got != "0" {
		t.Errorf("expected no funding, got %s", got)
	}
}

func TestUserFromMetadata(t *testing.T) {
	tests := map[string]string{
		`{"user_id":"a"}`:       "a",
		`{"userId":"b"}`:        "b",
		`"{\"user_id\":\"c\"}"`: "c",
		`""`:                    "",
		`null`:                  "",
		`{"custom_fields":[]}`:  "",
	}
	for raw, want := range tests {
		if got := userFromMetadata(json.RawMessage(raw)); got != want {
			t.Errorf("userFromMetadata(%s) = %q, want %q", raw, got, want)
		}
	}
}

func stripeEvent(t *testing.T, typ string, pi map[string]any) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":          "evt_1",
		"object":      "event",
		"type":        typ,
		"api_version": "2020-08-27",
		"data":        map[string]any{"object": pi},
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func stripeHeader(body []byte) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    stripeSecret,
		Timestamp: time.Now(),
	})
	return signed.Header
}

func TestStripeWebhook_FundsWallet(t *testing.T) {
	r, l := setupWebhooks(t)
	body := stripeEvent(t, "payment_intent.succeeded", map[string]any{
		"id": "pi_123", "object": "payment_intent", "amount": 250000, "amount_received": 250000,
		"currency": "ngn", "metadata": map[string]string{"user_id": "client_2"},
	})

	for i := 0; i < 2; i++ {
		w := postRaw(r, "/v1/webhooks/stripe", body, map[string]string{"Stripe-Signature": stripeHeader(body)})
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
	}
	if got := balance(t, l, "client_2"); got != money.MustParse("2500").String() {
		t.Errorf("expected 2500, got %s", got)
	}
}

func TestStripeWebhook_Rejections(t *testing.T) {
	r, l := setupWebhooks(t)
	body := stripeEvent(t, "payment_intent.succeeded", map[string]any{
		"id": "pi_9", "object": "payment_intent", "amount_received": 1000, "currency": "ngn",
		"metadata": map[string]string{"user_id": "u"},
	})
	if w := postRaw(r, "/v1/webhooks/stripe", body, map[string]string{"Stripe-Signature": "t=1,v1=deadbeef"}); w.Code != http.StatusUnauthorized {
		t.Errorf("bad signature: expected 401, got %d", w.Code)
	}

	usd := stripeEvent(t, "payment_intent.succeeded", map[string]any{
		"id": "pi_10", "object": "payment_intent", "amount_received": 1000, "currency": "usd",
		"metadata": map[string]string{"user_id": "u"},
	})
	if w := postRaw(r, "/v1/webhooks/stripe", usd, map[string]string{"Stripe-Signature": stripeHeader(usd)}); w.Code != http.StatusOK {
		t.Errorf("foreign currency: expected 200 acknowledgement, got %d", w.Code)
	}

	failed := stripeEvent(t, "payment_intent.payment_failed", map[string]any{"id": "pi_11", "object": "payment_intent"})
	if w := postRaw(r, "/v1/webhooks/stripe", failed, map[string]string{"Stripe-Signature": stripeHeader(failed)}); w.Code != http.StatusOK {
		t.Errorf("other event: expected 200, got %d", w.Code)
	}

	if got := balance(t, l, "u"); got != "0" {
		t.Errorf("expected no funding, got %s", got)
	}
}
