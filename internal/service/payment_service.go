package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gallery-checkout/config"
	"gallery-checkout/internal/models"
	"gallery-checkout/internal/payment"
	"gallery-checkout/internal/store"
	"gallery-checkout/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// FallbackClientSecret is returned when the provider is unreachable and fallback is enabled
const FallbackClientSecret = "test_client_secret"

// PaymentService handles payment intents and refunds
type PaymentService struct {
	store    store.Repository
	provider payment.Provider
	events   EventPublisher
	cfg      config.PaymentConfig
	logger   *zap.Logger
	now      func() time.Time
}

// NewPaymentService creates a new payment service
func NewPaymentService(repo store.Repository, provider payment.Provider, events EventPublisher, cfg config.PaymentConfig) *PaymentService {
	return &PaymentService{
		store:    repo,
		provider: provider,
		events:   events,
		cfg:      cfg,
		logger:   util.GetLogger(),
		now:      time.Now,
	}
}

// StartPaymentResult is what the checkout page needs to confirm a payment
type StartPaymentResult struct {
	PaymentID    int64  `json:"payment_id"`
	ClientSecret string `json:"client_secret"`
	Replayed     bool   `json:"-"`
	Fallback     bool   `json:"-"`
}

// RefundResult is the stored or fresh provider refund response
type RefundResult struct {
	PaymentID int64          `json:"payment_id"`
	RefundID  string         `json:"refund_id"`
	Response  models.JSONRaw `json:"response"`
	Replayed  bool           `json:"replayed"`
}

// StartPayment creates a payment attempt for an order.
// Repeating a call with the same idempotency key returns the first attempt.
func (ps *PaymentService) StartPayment(ctx context.Context, orderID int64, idempotencyKey string) (*StartPaymentResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.StartPayment", attribute.Int64("order_id", orderID))
	defer span.End()

	order, err := ps.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	key := strings.TrimSpace(idempotencyKey)
	if key != "" {
		existing, err := ps.store.GetPaymentByIdempotencyKey(ctx, orderID, key)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if existing != nil {
			return ps.replayAttempt(existing)
		}
	}

	record := &models.PaymentRecord{
		OrderID:  order.ID,
		Provider: ps.provider.Name(),
		Amount:   order.Total,
		Currency: order.Currency,
		Status:   models.PaymentStatusPending,
	}
	if key != "" {
		record.IdempotencyKey = &key
	}

	if err := ps.store.CreatePayment(ctx, record); err != nil {
		if errors.Is(err, models.ErrDuplicate) {
			existing, lookupErr := ps.store.GetPaymentByIdempotencyKey(ctx, orderID, key)
			if lookupErr != nil {
				return nil, fmt.Errorf("failed to load concurrent payment attempt: %w", lookupErr)
			}
			if existing != nil {
				return ps.replayAttempt(existing)
			}
		}
		return nil, fmt.Errorf("failed to create payment record: %w", err)
	}

	util.PaymentAttemptsTotal.Inc()

	providerKey := fmt.Sprintf("start-payment:%d:%s", order.ID, key)
	if key == "" {
		providerKey = fmt.Sprintf("start-payment:%d:record-%d", order.ID, record.ID)
	}
	metadata := map[string]string{
		"order_id":     strconv.FormatInt(order.ID, 10),
		"order_number": order.Number(),
	}

	callCtx, cancel := context.WithTimeout(ctx, ps.cfg.ProviderTimeout)
	defer cancel()

	start := time.Now()
	intent, err := ps.provider.CreatePaymentIntent(callCtx, payment.ToMinorUnits(order.Total),
		strings.ToLower(order.Currency), metadata, providerKey)
	util.PaymentProviderLatency.WithLabelValues("create_intent").Observe(time.Since(start).Seconds())

	if err != nil {
		util.PaymentFailedTotal.WithLabelValues("create_intent").Inc()
		if !errors.Is(err, models.ErrProvider) {
			err = &models.ProviderError{Op: "create payment intent", Err: err}
		}

		if ps.cfg.AllowFallbackSecret {
			ps.logger.Warn("Payment provider failed, returning fallback client secret",
				zap.Int64("order_id", order.ID),
				zap.Int64("payment_id", record.ID),
				zap.Error(err))
			if err := ps.store.SetPaymentIntent(ctx, record.ID, "", FallbackClientSecret); err != nil {
				return nil, fmt.Errorf("failed to store fallback secret: %w", err)
			}
			return &StartPaymentResult{PaymentID: record.ID, ClientSecret: FallbackClientSecret, Fallback: true}, nil
		}

		if updErr := ps.store.UpdatePaymentStatus(ctx, record.ID, models.PaymentStatusFailed); updErr != nil {
			ps.logger.Error("Failed to mark payment failed", zap.Int64("payment_id", record.ID), zap.Error(updErr))
		}
		ps.logger.Error("Payment intent creation failed",
			zap.Int64("order_id", order.ID),
			zap.Int64("payment_id", record.ID),
			zap.Error(err))
		return nil, err
	}

	if err := ps.store.SetPaymentIntent(ctx, record.ID, intent.ID, intent.ClientSecret); err != nil {
		return nil, fmt.Errorf("failed to store payment intent: %w", err)
	}

	ps.logger.Info("Payment intent created",
		zap.Int64("order_id", order.ID),
		zap.Int64("payment_id", record.ID),
		zap.String("provider_payment_id", intent.ID))

	return &StartPaymentResult{PaymentID: record.ID, ClientSecret: intent.ClientSecret}, nil
}

func (ps *PaymentService) replayAttempt(existing *models.PaymentRecord) (*StartPaymentResult, error) {
	secret := existing.ClientSecret()
	if secret == "" {
		if existing.Status == models.PaymentStatusFailed {
			return nil, fmt.Errorf("payment attempt %d failed, retry with a new idempotency key: %w", existing.ID, models.ErrConflict)
		}
		return nil, fmt.Errorf("payment attempt %d is still being created: %w", existing.ID, models.ErrConflict)
	}

	util.PaymentAttemptsReplayedTotal.Inc()
	ps.logger.Info("Duplicate payment request detected",
		zap.Int64("order_id", existing.OrderID),
		zap.Int64("payment_id", existing.ID))
	return &StartPaymentResult{PaymentID: existing.ID, ClientSecret: secret, Replayed: true}, nil
}

// IssueRefund refunds a payment at most once.
// The payment row stays locked for the provider call so concurrent requests
// for the same payment see the first one's stored refund.
func (ps *PaymentService) IssueRefund(ctx context.Context, paymentID int64, amount *decimal.Decimal, idempotencyKey string) (*RefundResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.IssueRefund", attribute.Int64("payment_id", paymentID))
	defer span.End()

	key := strings.TrimSpace(idempotencyKey)
	if key == "" {
		key = fmt.Sprintf("refund-payment-%d", paymentID)
	}

	var result *RefundResult
	var refunded models.PaymentRecord

	err := ps.store.RunInTx(ctx, func(q store.Querier) error {
		p, err := q.GetPaymentForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}

		if p.Refunded() {
			result = &RefundResult{PaymentID: p.ID, RefundID: *p.ProviderRefundID, Response: p.RawResponse, Replayed: true}
			return nil
		}

		if p.Provider != models.ProviderStripe || p.Provider != ps.provider.Name() {
			return fmt.Errorf("payment %d uses %q: %w", p.ID, p.Provider, models.ErrUnsupportedProvider)
		}
		if p.ProviderPaymentID == "" {
			return models.NewValidationError("payment", fmt.Sprintf("Payment %d has no provider_payment_id", p.ID))
		}

		var minor *int64
		if amount != nil {
			if !amount.IsPositive() || amount.GreaterThan(p.Amount) {
				return models.NewValidationError("amount", "Refund amount must be > 0 and not exceed the payment amount")
			}
			m := payment.ToMinorUnits(*amount)
			minor = &m
		}

		callCtx, cancel := context.WithTimeout(ctx, ps.cfg.ProviderTimeout)
		defer cancel()

		start := time.Now()
		refund, err := ps.provider.CreateRefund(callCtx, p.ProviderPaymentID, minor, key)
		util.PaymentProviderLatency.WithLabelValues("refund").Observe(time.Since(start).Seconds())
		if err != nil {
			util.PaymentFailedTotal.WithLabelValues("refund").Inc()
			if !errors.Is(err, models.ErrProvider) {
				err = &models.ProviderError{Op: "create refund", Err: err}
			}
			return fmt.Errorf("refund payment %d: %w", p.ID, err)
		}

		if err := q.MarkPaymentRefunded(ctx, p.ID, refund.ID, refund.Raw, ps.now().UTC()); err != nil {
			return fmt.Errorf("failed to store refund for payment %d: %w", p.ID, err)
		}

		refunded = *p
		result = &RefundResult{PaymentID: p.ID, RefundID: refund.ID, Response: refund.Raw}
		return nil
	})
	if err != nil {
		util.RefundsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	if result.Replayed {
		util.RefundsTotal.WithLabelValues("replayed").Inc()
		ps.logger.Info("Refund already issued", zap.Int64("payment_id", paymentID), zap.String("refund_id", result.RefundID))
		return result, nil
	}

	util.RefundsTotal.WithLabelValues("refunded").Inc()
	ps.logger.Info("Refund issued",
		zap.Int64("order_id", refunded.OrderID),
		zap.Int64("payment_id", paymentID),
		zap.String("refund_id", result.RefundID))

	if err := ps.events.PublishPaymentRefunded(ctx, &refunded, result.RefundID); err != nil {
		ps.logger.Error("Failed to publish PaymentRefunded event", zap.Error(err))
	}

	return result, nil
}

// RefundOrderResult reports a whole-order refund
type RefundOrderResult struct {
	OrderID  int64          `json:"order_id"`
	Refunded bool           `json:"refunded"`
	Refunds  []RefundResult `json:"refunds"`
}

// RefundOrder refunds every captured payment of an order and marks the
// order refunded when all of them succeed. Failed or never-confirmed
// attempts are skipped; an order without captured payments is a validation error.
func (ps *PaymentService) RefundOrder(ctx context.Context, orderID int64) (*RefundOrderResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.RefundOrder", attribute.Int64("order_id", orderID))
	defer span.End()

	if _, err := ps.store.GetOrderByID(ctx, orderID); err != nil {
		return nil, err
	}

	payments, err := ps.store.GetPaymentsByOrderID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get payments: %w", err)
	}

	var captured []models.PaymentRecord
	for _, p := range payments {
		if p.Status == models.PaymentStatusSucceeded || p.Status == models.PaymentStatusRefunded {
			captured = append(captured, p)
		}
	}
	if len(captured) == 0 {
		return nil, models.NewValidationError("payments", "Order has no captured payments to refund")
	}

	out := &RefundOrderResult{OrderID: orderID, Refunds: []RefundResult{}}
	var errs []error
	for _, p := range captured {
		res, err := ps.IssueRefund(ctx, p.ID, nil, fmt.Sprintf("refund-order:%d:%d", orderID, p.ID))
		if err != nil {
			errs = append(errs, fmt.Errorf("payment %d: %w", p.ID, err))
			continue
		}
		out.Refunds = append(out.Refunds, *res)
	}

	if len(errs) > 0 {
		ps.logger.Error("Order refund incomplete", zap.Int64("order_id", orderID), zap.Int("failed", len(errs)))
		return out, errors.Join(errs...)
	}

	if err := ps.store.UpdateOrderStatus(ctx, orderID, models.OrderStatusRefunded); err != nil {
		return out, fmt.Errorf("failed to mark order refunded: %w", err)
	}
	out.Refunded = true

	ps.logger.Info("Order refunded", zap.Int64("order_id", orderID), zap.Int("refunds", len(out.Refunds)))
	return out, nil
}
