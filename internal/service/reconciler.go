package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"gallery-checkout/internal/models"
	"gallery-checkout/internal/store"
	"gallery-checkout/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Outcome reports how a webhook event was handled
type Outcome struct {
	Skipped bool `json:"skipped,omitempty"`
}

// Reconciler applies verified provider events to orders, payments and inventory
type Reconciler struct {
	store    store.Repository
	locker   EventLocker
	notifier Notifier
	events   EventPublisher
	logger   *zap.Logger
}

// NewReconciler creates a new reconciler. locker may be nil.
func NewReconciler(repo store.Repository, locker EventLocker, notifier Notifier, events EventPublisher) *Reconciler {
	return &Reconciler{
		store:    repo,
		locker:   locker,
		notifier: notifier,
		events:   events,
		logger:   util.GetLogger(),
	}
}

// reconciled is what a committed payment_succeeded transaction hands to the
// post-commit steps
type reconciled struct {
	order    *models.Order
	shortage bool
}

// HandleEvent processes one provider event at most once.
// Duplicates return Outcome{Skipped: true}; event kinds without handling are
// acknowledged. An error means nothing was committed and the provider should retry.
func (r *Reconciler) HandleEvent(ctx context.Context, evt *models.ProviderEvent) (Outcome, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.HandleEvent",
		attribute.String("event.id", evt.ID),
		attribute.String("event.type", evt.Type))
	defer span.End()

	start := time.Now()
	defer func() {
		util.WebhookProcessingLatency.Observe(time.Since(start).Seconds())
	}()

	kind := evt.Kind()

	processed, err := r.store.IsEventProcessed(ctx, evt.Provider, evt.ID)
	if err != nil {
		util.WebhookEventsTotal.WithLabelValues(kind.String(), "error").Inc()
		return Outcome{}, fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		return r.skip(evt, kind), nil
	}

	if r.locker != nil {
		release, err := r.locker.LockEvent(ctx, evt.Provider, evt.ID)
		if err != nil {
			r.logger.Warn("Proceeding without event lock",
				zap.String("event_id", evt.ID),
				zap.Error(err))
		} else {
			defer release()

			processed, err := r.store.IsEventProcessed(ctx, evt.Provider, evt.ID)
			if err != nil {
				util.WebhookEventsTotal.WithLabelValues(kind.String(), "error").Inc()
				return Outcome{}, fmt.Errorf("failed to check event processed: %w", err)
			}
			if processed {
				return r.skip(evt, kind), nil
			}
		}
	}

	var (
		inserted bool
		result   *reconciled
	)
	err = r.store.RunInTx(ctx, func(q store.Querier) error {
		inserted, result = false, nil

		ok, err := q.MarkEventProcessed(ctx, evt.Provider, evt.ID, evt.Raw)
		if err != nil {
			return fmt.Errorf("failed to mark event processed: %w", err)
		}
		inserted = ok
		if !inserted {
			// a concurrent delivery of the same event committed first
			return nil
		}

		switch kind {
		case models.EventPaymentSucceeded:
			result, err = r.applyPaymentSucceeded(ctx, q, evt)
			return err
		case models.EventRefundUpdated:
			r.logger.Info("Refund event acknowledged", zap.String("event_id", evt.ID), zap.String("type", evt.Type))
			return nil
		default:
			r.logger.Debug("Ignoring unhandled event type", zap.String("event_id", evt.ID), zap.String("type", evt.Type))
			return nil
		}
	})
	if err != nil {
		util.WebhookEventsTotal.WithLabelValues(kind.String(), "error").Inc()
		r.logger.Error("Event reconciliation failed",
			zap.String("event_id", evt.ID),
			zap.String("type", evt.Type),
			zap.Error(err))
		return Outcome{}, err
	}

	if !inserted {
		r.logger.Info("Event recorded concurrently, skipping", zap.String("event_id", evt.ID))
		return r.skip(evt, kind), nil
	}

	util.WebhookEventsTotal.WithLabelValues(kind.String(), "processed").Inc()
	if result != nil {
		r.afterCommit(ctx, evt, result)
	}
	return Outcome{}, nil
}

func (r *Reconciler) skip(evt *models.ProviderEvent, kind models.EventKind) Outcome {
	util.WebhookEventsTotal.WithLabelValues(kind.String(), "skipped").Inc()
	r.logger.Info("Event already processed", zap.String("event_id", evt.ID))
	return Outcome{Skipped: true}
}

// applyPaymentSucceeded runs inside the reconciliation transaction.
// A nil result with nil error means the event carried nothing to apply.
func (r *Reconciler) applyPaymentSucceeded(ctx context.Context, q store.Querier, evt *models.ProviderEvent) (*reconciled, error) {
	orderID, ok := evt.OrderID()
	if !ok {
		r.logger.Warn("Payment event without order_id", zap.String("event_id", evt.ID))
		return nil, nil
	}

	order, err := q.GetOrderForUpdate(ctx, orderID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			r.logger.Warn("Payment event for unknown order",
				zap.String("event_id", evt.ID),
				zap.Int64("order_id", orderID))
			return nil, nil
		}
		return nil, err
	}

	matched, err := q.MarkPaymentsSucceeded(ctx, order.ID, evt.Object.ID, evt.Raw)
	if err != nil {
		return nil, fmt.Errorf("failed to mark payments succeeded: %w", err)
	}
	if matched == 0 {
		r.logger.Warn("No payment record matched provider payment",
			zap.Int64("order_id", order.ID),
			zap.String("provider_payment_id", evt.Object.ID))
	}

	// stock and status move only on the first success for an order
	if order.Status != models.OrderStatusPaid {
		r.logger.Warn("Order already reconciled, payment recorded only",
			zap.Int64("order_id", order.ID),
			zap.String("status", order.Status),
			zap.String("event_id", evt.ID))
		return nil, nil
	}

	items, err := q.GetOrderItemsByOrderID(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order items: %w", err)
	}
	wanted := skuQuantities(items)

	skus := make([]string, 0, len(wanted))
	for sku := range wanted {
		skus = append(skus, sku)
	}
	sort.Strings(skus)

	shortage := false
	if len(skus) > 0 {
		err = lockAndMutate(ctx, q, skus, func(inventory map[string]*models.InventoryItem) error {
			for _, sku := range skus {
				item, ok := inventory[sku]
				if !ok || !item.Fulfill(wanted[sku]) {
					r.logger.Warn("Stock shortage",
						zap.Int64("order_id", order.ID),
						zap.String("sku", sku),
						zap.Int("quantity", wanted[sku]))
					shortage = true
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	if err := q.MarkOrderReconciled(ctx, order.ID, models.OrderStatusProcessing, shortage); err != nil {
		return nil, fmt.Errorf("failed to update order: %w", err)
	}
	order.Status = models.OrderStatusProcessing
	order.StockShortage = order.StockShortage || shortage

	return &reconciled{order: order, shortage: shortage}, nil
}

// skuQuantities maps each SKU to its ordered quantity; items without a SKU are skipped
func skuQuantities(items []models.OrderItem) map[string]int {
	out := make(map[string]int, len(items))
	for _, it := range items {
		if it.ProductSKU == "" {
			continue
		}
		out[it.ProductSKU] += it.Quantity
	}
	return out
}

func (r *Reconciler) afterCommit(ctx context.Context, evt *models.ProviderEvent, res *reconciled) {
	order := res.order
	util.OrdersProcessingTotal.Inc()
	if res.shortage {
		util.StockShortageTotal.Inc()
	}

	r.logger.Info("Order reconciled",
		zap.Int64("order_id", order.ID),
		zap.String("order_number", order.Number()),
		zap.String("event_id", evt.ID),
		zap.Bool("stock_shortage", order.StockShortage))

	if err := r.events.PublishOrderProcessing(ctx, order, evt.Object.ID); err != nil {
		r.logger.Error("Failed to publish OrderProcessing event", zap.Error(err))
	}

	r.sendConfirmation(ctx, order)
}

// sendConfirmation never fails the caller; errors and panics are logged.
func (r *Reconciler) sendConfirmation(ctx context.Context, order *models.Order) {
	recipient := order.ContactEmail()
	if recipient == "" || r.notifier == nil {
		return
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Confirmation notifier panicked",
				zap.Int64("order_id", order.ID),
				zap.Any("panic", p))
		}
	}()

	subject, body := confirmationMessage(order)
	if err := r.notifier.SendConfirmation(ctx, recipient, subject, body); err != nil {
		r.logger.Error("Failed to send order confirmation",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
	}
}

func confirmationMessage(order *models.Order) (subject, body string) {
	number := order.Number()
	subject = fmt.Sprintf("Order %s confirmation", number)
	body = fmt.Sprintf("Thank you for your order %s. Status: %s. Total: %s %s",
		number, order.Status, order.Total.StringFixed(2), order.Currency)
	return subject, body
}
