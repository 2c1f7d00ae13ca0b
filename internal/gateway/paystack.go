package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/errandly/internal/money"
)

const (
	// DefaultHTTPTimeout bounds a single provider call.
	DefaultHTTPTimeout = 30 * time.Second

	maxResponseSize = 1 << 20
)

// Paystack sends NGN bank transfers through the Paystack Transfers API.
// BankAccountID must be a transfer recipient code (RCP_...).
type Paystack struct {
	baseURL   string
	secretKey string
	client    *http.Client
}

// NewPaystack creates a Paystack client. baseURL defaults to the live API.
func NewPaystack(secretKey, baseURL string, timeout time.Duration) *Paystack {
	if baseURL == "" {
		baseURL = "https://api.paystack.co/"
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	if timeout == 0 {
		timeout = DefaultHTTPTimeout
	}
	return &Paystack{
		baseURL:   baseURL,
		secretKey: secretKey,
		client:    &http.Client{Timeout: timeout},
	}
}

func (p *Paystack) Name() string { return ProviderPaystack }

type paystackTransferRequest struct {
	Source    string `json:"source"`
	Amount    int64  `json:"amount"`
	Recipient string `json:"recipient"`
	Reason    string `json:"reason,omitempty"`
	Reference string `json:"reference"`
	Currency  string `json:"currency"`
}

type paystackResponse[T any] struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

type paystackTransfer struct {
	TransferCode string `json:"transfer_code"`
	Reference    string `json:"reference"`
	Status       string `json:"status"`
}

func (p *Paystack) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if err := validate(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransfer, err)
	}
	currency := req.Currency
	if currency == "" {
		currency = money.Currency
	}

	var out paystackResponse[paystackTransfer]
	err := p.post(ctx, "transfer", paystackTransferRequest{
		Source:    "balance",
		Amount:    money.ToKobo(req.Amount),
		Recipient: req.BankAccountID,
		Reason:    req.Reason,
		Reference: req.Reference,
		Currency:  currency,
	}, &out)
	if err != nil {
		return nil, err
	}

	switch out.Data.Status {
	case "success", "pending", "processing", "received":
	default:
		// failed, reversed, abandoned, blocked, rejected and otp all need
		// a human; none succeed on retry.
		return nil, &ProviderError{Provider: ProviderPaystack, StatusCode: http.StatusOK, Code: out.Data.Status, Message: out.Message}
	}
	return &TransferResult{Provider: ProviderPaystack, TransferCode: out.Data.TransferCode, Status: out.Data.Status}, nil
}

func (p *Paystack) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.secretKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("paystack request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var failure paystackResponse[json.RawMessage]
		_ = json.Unmarshal(respBody, &failure)
		msg := failure.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &ProviderError{Provider: ProviderPaystack, StatusCode: resp.StatusCode, Message: msg}
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode paystack response: %w", err)
	}
	return nil
}

// VerifyPaystackSignature checks the x-paystack-signature header: the hex
// HMAC-SHA512 of the raw body keyed with the secret key.
func VerifyPaystackSignature(secretKey string, body []byte, signature string) bool {
	if secretKey == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha512.New, []byte(secretKey))
	mac.Write(body)
	expected := mac.Sum(nil)
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}
