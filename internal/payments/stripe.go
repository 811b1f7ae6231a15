package payments

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v79"
	stripeclient "github.com/stripe/stripe-go/v79/client"
)

// StripeProvider implements the card rail on Stripe payment intents.
type StripeProvider struct {
	api *stripeclient.API
}

// NewStripeProvider builds a provider bound to the given secret key.
func NewStripeProvider(secretKey string) *StripeProvider {
	api := &stripeclient.API{}
	api.Init(secretKey, nil)
	return &StripeProvider{api: api}
}

// CreateIntent opens a payment intent on the provider. XOF is zero-decimal,
// so the amount goes over the wire in whole currency units.
func (p *StripeProvider) CreateIntent(ctx context.Context, amount decimal.Decimal, currency string, invoiceID uuid.UUID) (CardIntent, error) {
	params := &stripe.PaymentIntentParams{
		Params:   stripe.Params{Context: ctx},
		Amount:   stripe.Int64(amount.IntPart()),
		Currency: stripe.String(strings.ToLower(currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.AddMetadata("invoice_id", invoiceID.String())

	pi, err := p.api.PaymentIntents.New(params)
	if err != nil {
		return CardIntent{}, fmt.Errorf("stripe: create payment intent: %w", err)
	}
	return cardIntentFrom(pi), nil
}

// RetrieveIntent re-fetches a payment intent for server-side verification.
func (p *StripeProvider) RetrieveIntent(ctx context.Context, ref string) (CardIntent, error) {
	pi, err := p.api.PaymentIntents.Get(ref, &stripe.PaymentIntentParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return CardIntent{}, fmt.Errorf("stripe: get payment intent: %w", err)
	}
	return cardIntentFrom(pi), nil
}

func cardIntentFrom(pi *stripe.PaymentIntent) CardIntent {
	return CardIntent{
		Ref:          pi.ID,
		ClientSecret: pi.ClientSecret,
		Succeeded:    pi.Status == stripe.PaymentIntentStatusSucceeded,
		Amount:       decimal.NewFromInt(pi.Amount),
	}
}
