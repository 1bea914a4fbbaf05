package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gallery-checkout/internal/models"
	"gallery-checkout/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventWriter is the publishing side of a Producer
type EventWriter interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

func orderKey(orderID int64) string {
	return fmt.Sprintf("order-%d", orderID)
}

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer EventWriter
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer EventWriter) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishOrderCreated publishes OrderCreated event
func (ep *EventPublisher) PublishOrderCreated(ctx context.Context, order *models.Order, items []models.OrderItem) error {
	data := make([]models.OrderItemData, 0, len(items))
	for _, item := range items {
		d := models.OrderItemData{
			SKU:       item.ProductSKU,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice.StringFixed(2),
		}
		if item.ProductStatus != nil {
			d.ProductStatus = *item.ProductStatus
		}
		data = append(data, d)
	}

	return ep.producer.PublishEvent(ctx, orderKey(order.ID), &models.OrderCreatedEvent{
		BaseEvent:   newBaseEvent(models.EventTypeOrderCreated),
		OrderID:     order.ID,
		OrderNumber: order.Number(),
		Total:       order.Total.StringFixed(2),
		Currency:    order.Currency,
		Items:       data,
	})
}

// PublishOrderProcessing publishes OrderProcessing event
func (ep *EventPublisher) PublishOrderProcessing(ctx context.Context, order *models.Order, providerPaymentID string) error {
	return ep.producer.PublishEvent(ctx, orderKey(order.ID), &models.OrderProcessingEvent{
		BaseEvent:     newBaseEvent(models.EventTypeOrderProcessing),
		OrderID:       order.ID,
		OrderNumber:   order.Number(),
		PaymentID:     providerPaymentID,
		StockShortage: order.StockShortage,
	})
}

// PublishPaymentRefunded publishes PaymentRefunded event
func (ep *EventPublisher) PublishPaymentRefunded(ctx context.Context, payment *models.PaymentRecord, refundID string) error {
	return ep.producer.PublishEvent(ctx, orderKey(payment.OrderID), &models.PaymentRefundedEvent{
		BaseEvent: newBaseEvent(models.EventTypePaymentRefunded),
		OrderID:   payment.OrderID,
		PaymentID: payment.ID,
		RefundID:  refundID,
	})
}

// NotificationPublisher queues customer notifications for the notification worker.
type NotificationPublisher struct {
	producer EventWriter
}

func NewNotificationPublisher(producer EventWriter) *NotificationPublisher {
	return &NotificationPublisher{producer: producer}
}

// SendConfirmation publishes a NotificationRequested event keyed by recipient
func (np *NotificationPublisher) SendConfirmation(ctx context.Context, recipient, subject, body string) error {
	return np.producer.PublishEvent(ctx, recipient, &models.NotificationRequestedEvent{
		BaseEvent: newBaseEvent(models.EventTypeNotificationRequested),
		Recipient: recipient,
		Subject:   subject,
		Body:      body,
	})
}

// EventHandler handles incoming events
type EventHandler struct {
	onNotificationRequested func(context.Context, *models.NotificationRequestedEvent) error
	logger                  *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnNotificationRequested registers a handler for NotificationRequested events
func (eh *EventHandler) OnNotificationRequested(handler func(context.Context, *models.NotificationRequestedEvent) error) {
	eh.onNotificationRequested = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeNotificationRequested:
		if eh.onNotificationRequested != nil {
			var event models.NotificationRequestedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal NotificationRequested event: %w", err)
			}
			return eh.onNotificationRequested(ctx, &event)
		}

	default:
		eh.logger.Debug("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
