// Stripe integration for the card payment channel. A checkout session is an
// alternative to uploading a bank transfer proof; the webhook handler turns
// a completed session into an approved proof.
package payment

import (
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/checkout/session"
)

// CheckoutParams represents parameters for creating a Checkout Session for
// an order payment.
type CheckoutParams struct {
	OrderID     string
	OrderNumber string
	// Amount in minor currency units.
	Amount     int64
	Currency   string
	SuccessURL string
	CancelURL  string
}

// StripeGateway is an interface for Stripe operations to enable testing with mocks.
type StripeGateway interface {
	CreateCheckoutSession(params *CheckoutParams) (*stripe.CheckoutSession, error)
}

// StripeClient implements the StripeGateway interface using the real Stripe SDK.
type StripeClient struct{}

// NewStripeClient creates a new Stripe client with the given API key.
func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// CreateCheckoutSession creates a Stripe Checkout Session for one order
// payment. The order id travels in the session metadata so the webhook
// handler can correlate the completed session back to the order.
func (c *StripeClient) CreateCheckoutSession(params *CheckoutParams) (*stripe.CheckoutSession, error) {
	currency := params.Currency
	if currency == "" {
		currency = "usd"
	}

	sessionParams := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(currency),
					UnitAmount: stripe.Int64(params.Amount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String("Order " + params.OrderNumber),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(params.SuccessURL),
		CancelURL:  stripe.String(params.CancelURL),
		Metadata: map[string]string{
			"order_id": params.OrderID,
		},
	}

	return session.New(sessionParams)
}
