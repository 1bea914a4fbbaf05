package payment

import (
	"context"
	"errors"

	"gallery-checkout/internal/models"

	"github.com/shopspring/decimal"
)

// ErrInvalidSignature means the webhook body could not be authenticated or parsed.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Intent is a created provider-side payment intent
type Intent struct {
	ID           string
	ClientSecret string
}

// Refund is a created provider-side refund with the provider's raw response
type Refund struct {
	ID  string
	Raw models.JSONRaw
}

// Provider is the external payment service.
type Provider interface {
	Name() string
	CreatePaymentIntent(ctx context.Context, amountMinor int64, currency string, metadata map[string]string, idempotencyKey string) (*Intent, error)
	// CreateRefund refunds paymentID; a nil amountMinor refunds in full.
	CreateRefund(ctx context.Context, paymentID string, amountMinor *int64, idempotencyKey string) (*Refund, error)
	VerifyWebhookEvent(payload []byte, signatureHeader string) (*models.ProviderEvent, error)
}

// ToMinorUnits converts a major-unit amount to cents, dropping any fraction below one cent.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).IntPart()
}
