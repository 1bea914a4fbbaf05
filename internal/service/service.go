package service

import (
	"context"

	"gallery-checkout/internal/models"
)

// EventPublisher publishes domain events after a transaction commits
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, order *models.Order, items []models.OrderItem) error
	PublishOrderProcessing(ctx context.Context, order *models.Order, providerPaymentID string) error
	PublishPaymentRefunded(ctx context.Context, payment *models.PaymentRecord, refundID string) error
}

// Notifier sends a customer confirmation. Callers treat it as fire-and-forget.
type Notifier interface {
	SendConfirmation(ctx context.Context, recipient, subject, body string) error
}

// EventLocker serializes handling of one provider event across instances
type EventLocker interface {
	LockEvent(ctx context.Context, provider, eventID string) (release func(), err error)
}

// Identity is the caller forwarded by the session layer; nil means anonymous.
type Identity struct {
	UserID int64
	Email  string
}

func (i *Identity) Authenticated() bool {
	return i != nil && i.UserID > 0
}
