package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gallery-checkout/internal/models"

	"github.com/jmoiron/sqlx"
)

const paymentColumns = `id, order_id, provider, provider_payment_id, amount, currency, status, raw_response,
	provider_refund_id, refunded_at, provider_client_secret, idempotency_key, created_at, updated_at`

// CreatePayment creates a new payment record.
// A repeated (order_id, idempotency_key) returns models.ErrDuplicate.
func (q *queries) CreatePayment(ctx context.Context, payment *models.PaymentRecord) error {
	query := `
		INSERT INTO payment_records (order_id, provider, provider_payment_id, amount, currency, status,
			raw_response, provider_client_secret, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`

	err := sqlx.GetContext(ctx, q.ext, payment, query,
		payment.OrderID, payment.Provider, payment.ProviderPaymentID, payment.Amount, payment.Currency,
		payment.Status, payment.RawResponse, payment.ProviderClientSecret, payment.IdempotencyKey)
	if isUniqueViolation(err) {
		return fmt.Errorf("payment for order %d: %w", payment.OrderID, models.ErrDuplicate)
	}
	return err
}

// GetPaymentByID retrieves a payment record
func (q *queries) GetPaymentByID(ctx context.Context, id int64) (*models.PaymentRecord, error) {
	var payment models.PaymentRecord
	err := sqlx.GetContext(ctx, q.ext, &payment,
		"SELECT "+paymentColumns+" FROM payment_records WHERE id = $1", id)
	if err != nil {
		return nil, notFound(err, "payment not found: %d", id)
	}
	return &payment, nil
}

// GetPaymentForUpdate retrieves a payment record and locks it
func (q *queries) GetPaymentForUpdate(ctx context.Context, id int64) (*models.PaymentRecord, error) {
	var payment models.PaymentRecord
	err := sqlx.GetContext(ctx, q.ext, &payment,
		"SELECT "+paymentColumns+" FROM payment_records WHERE id = $1 FOR UPDATE", id)
	if err != nil {
		return nil, notFound(err, "payment not found: %d", id)
	}
	return &payment, nil
}

// GetPaymentByIdempotencyKey returns nil, nil when no attempt used key.
func (q *queries) GetPaymentByIdempotencyKey(ctx context.Context, orderID int64, key string) (*models.PaymentRecord, error) {
	var payment models.PaymentRecord
	err := sqlx.GetContext(ctx, q.ext, &payment,
		"SELECT "+paymentColumns+" FROM payment_records WHERE order_id = $1 AND idempotency_key = $2",
		orderID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// GetPaymentsByOrderID retrieves every attempt for an order, oldest first
func (q *queries) GetPaymentsByOrderID(ctx context.Context, orderID int64) ([]models.PaymentRecord, error) {
	var payments []models.PaymentRecord
	err := sqlx.SelectContext(ctx, q.ext, &payments,
		"SELECT "+paymentColumns+" FROM payment_records WHERE order_id = $1 ORDER BY id", orderID)
	return payments, err
}

// SetPaymentIntent stores the provider intent id and client secret
func (q *queries) SetPaymentIntent(ctx context.Context, paymentID int64, providerPaymentID, clientSecret string) error {
	_, err := q.ext.ExecContext(ctx, `
		UPDATE payment_records SET provider_payment_id = $1, provider_client_secret = $2, updated_at = NOW()
		WHERE id = $3`,
		providerPaymentID, clientSecret, paymentID)
	return err
}

// UpdatePaymentStatus updates payment status
func (q *queries) UpdatePaymentStatus(ctx context.Context, paymentID int64, status string) error {
	_, err := q.ext.ExecContext(ctx,
		"UPDATE payment_records SET status = $1, updated_at = NOW() WHERE id = $2",
		status, paymentID)
	return err
}

// MarkPaymentsSucceeded marks the order's records for providerPaymentID as succeeded.
// Refunded records are left alone. It returns the number of rows changed.
func (q *queries) MarkPaymentsSucceeded(ctx context.Context, orderID int64, providerPaymentID string, raw models.JSONRaw) (int64, error) {
	res, err := q.ext.ExecContext(ctx, `
		UPDATE payment_records
		SET status = $1, raw_response = COALESCE($2::jsonb, raw_response), updated_at = NOW()
		WHERE order_id = $3 AND provider_payment_id = $4 AND status <> $5`,
		models.PaymentStatusSucceeded, raw, orderID, providerPaymentID, models.PaymentStatusRefunded)
	if err != nil {
		return 0, fmt.Errorf("failed to mark payments succeeded: %w", err)
	}
	return res.RowsAffected()
}

// MarkPaymentRefunded stores the refund id, the provider response and the refund time
func (q *queries) MarkPaymentRefunded(ctx context.Context, paymentID int64, refundID string, raw models.JSONRaw, at time.Time) error {
	_, err := q.ext.ExecContext(ctx, `
		UPDATE payment_records
		SET status = $1, provider_refund_id = $2, raw_response = $3, refunded_at = $4, updated_at = NOW()
		WHERE id = $5`,
		models.PaymentStatusRefunded, refundID, raw, at, paymentID)
	return err
}
