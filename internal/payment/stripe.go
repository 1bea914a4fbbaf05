package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"gallery-checkout/internal/models"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// StripeProvider talks to Stripe through the official client
type StripeProvider struct {
	api           *client.API
	webhookSecret string
}

// NewStripeProvider builds a provider; backends may be nil to use Stripe's defaults.
func NewStripeProvider(secretKey, webhookSecret string, backends *stripe.Backends) *StripeProvider {
	return &StripeProvider{
		api:           client.New(secretKey, backends),
		webhookSecret: webhookSecret,
	}
}

func (p *StripeProvider) Name() string {
	return models.ProviderStripe
}

// CreatePaymentIntent creates a PaymentIntent with automatic payment methods
func (p *StripeProvider) CreatePaymentIntent(ctx context.Context, amountMinor int64, currency string, metadata map[string]string, idempotencyKey string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountMinor),
		Currency: stripe.String(strings.ToLower(currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}

	pi, err := p.api.PaymentIntents.New(params)
	if err != nil {
		return nil, &models.ProviderError{Op: "create payment intent", Err: err}
	}
	return &Intent{ID: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

// CreateRefund refunds a PaymentIntent (pi_ prefix) or a Charge
func (p *StripeProvider) CreateRefund(ctx context.Context, paymentID string, amountMinor *int64, idempotencyKey string) (*Refund, error) {
	params := &stripe.RefundParams{}
	if strings.HasPrefix(paymentID, "pi_") {
		params.PaymentIntent = stripe.String(paymentID)
	} else {
		params.Charge = stripe.String(paymentID)
	}
	if amountMinor != nil {
		params.Amount = stripe.Int64(*amountMinor)
	}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}

	r, err := p.api.Refunds.New(params)
	if err != nil {
		return nil, &models.ProviderError{Op: "create refund", Err: err}
	}

	var raw models.JSONRaw
	if r.LastResponse != nil && len(r.LastResponse.RawJSON) > 0 {
		raw = models.JSONRaw(r.LastResponse.RawJSON)
	} else {
		b, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("failed to encode refund response: %w", err)
		}
		raw = models.JSONRaw(b)
	}
	return &Refund{ID: r.ID, Raw: raw}, nil
}

// VerifyWebhookEvent checks the Stripe-Signature header and reduces the event to what reconciliation reads
func (p *StripeProvider) VerifyWebhookEvent(payload []byte, signatureHeader string) (*models.ProviderEvent, error) {
	evt, err := webhook.ConstructEventWithOptions(payload, signatureHeader, p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := &models.ProviderEvent{
		Provider: models.ProviderStripe,
		ID:       evt.ID,
		Type:     string(evt.Type),
		Raw:      models.JSONRaw(payload),
	}
	if evt.Data != nil && len(evt.Data.Raw) > 0 {
		if err := json.Unmarshal(evt.Data.Raw, &out.Object); err != nil {
			return nil, fmt.Errorf("%w: malformed data.object: %v", ErrInvalidSignature, err)
		}
	}
	return out, nil
}
