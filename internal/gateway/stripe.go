package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/mbd888/errandly/internal/money"
)

// Stripe pays out with Connect transfers to the worker's connected account.
// BankAccountID must be a connected account ID (acct_...).
type Stripe struct {
	api *client.API
}

// NewStripe creates a Stripe adapter. backends may be nil for the live API.
func NewStripe(secretKey string, backends *stripe.Backends) *Stripe {
	api := &client.API{}
	api.Init(secretKey, backends)
	return &Stripe{api: api}
}

func (s *Stripe) Name() string { return ProviderStripe }

func (s *Stripe) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if err := validate(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransfer, err)
	}
	currency := req.Currency
	if currency == "" {
		currency = money.Currency
	}

	params := &stripe.TransferParams{
		Amount:        stripe.Int64(money.ToKobo(req.Amount)),
		Currency:      stripe.String(strings.ToLower(currency)),
		Destination:   stripe.String(req.BankAccountID),
		Description:   stripe.String(req.Reason),
		TransferGroup: stripe.String(req.Reference),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.Reference)
	params.AddMetadata("reference", req.Reference)
	params.AddMetadata("user_id", req.UserID)

	t, err := s.api.Transfers.New(params)
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) {
			return nil, &ProviderError{
				Provider:   ProviderStripe,
				StatusCode: serr.HTTPStatusCode,
				Code:       string(serr.Code),
				Message:    serr.Msg,
			}
		}
		return nil, fmt.Errorf("stripe transfer: %w", err)
	}
	return &TransferResult{Provider: ProviderStripe, TransferCode: t.ID, Status: "success"}, nil
}
