package models

import (
	"strconv"
	"time"
)

// Event types published to Kafka
const (
	EventTypeOrderCreated          = "ORDER_CREATED"
	EventTypeOrderProcessing       = "ORDER_PROCESSING"
	EventTypePaymentRefunded       = "PAYMENT_REFUNDED"
	EventTypeNotificationRequested = "NOTIFICATION_REQUESTED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCreatedEvent published when an order is persisted
type OrderCreatedEvent struct {
	BaseEvent
	OrderID     int64           `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	Total       string          `json:"total"`
	Currency    string          `json:"currency"`
	Items       []OrderItemData `json:"items"`
}

// OrderProcessingEvent published after payment reconciliation commits
type OrderProcessingEvent struct {
	BaseEvent
	OrderID       int64  `json:"order_id"`
	OrderNumber   string `json:"order_number"`
	PaymentID     string `json:"payment_id"`
	StockShortage bool   `json:"stock_shortage"`
}

// PaymentRefundedEvent published when a refund is stored
type PaymentRefundedEvent struct {
	BaseEvent
	OrderID   int64  `json:"order_id"`
	PaymentID int64  `json:"payment_id"`
	RefundID  string `json:"refund_id"`
}

// NotificationRequestedEvent asks the notification worker to send a message
type NotificationRequestedEvent struct {
	BaseEvent
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	SKU           string `json:"sku,omitempty"`
	Quantity      int    `json:"quantity"`
	UnitPrice     string `json:"unit_price"`
	ProductStatus string `json:"product_status,omitempty"`
}

// EventKind is the provider webhook event variant the reconciler understands.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventPaymentSucceeded
	EventRefundUpdated
)

func (k EventKind) String() string {
	switch k {
	case EventPaymentSucceeded:
		return "payment_succeeded"
	case EventRefundUpdated:
		return "refund_updated"
	default:
		return "unknown"
	}
}

// ParseEventKind maps a provider event type string to a kind.
func ParseEventKind(providerType string) EventKind {
	switch providerType {
	case "payment_intent.succeeded":
		return EventPaymentSucceeded
	case "charge.refunded", "charge.refund.updated":
		return EventRefundUpdated
	default:
		return EventUnknown
	}
}

// ProviderEvent is a verified webhook event reduced to the fields the core reads:
// {id, type, data: {object: {id, metadata: {order_id}}}}.
type ProviderEvent struct {
	Provider string      `json:"provider"`
	ID       string      `json:"id"`
	Type     string      `json:"type"`
	Object   EventObject `json:"object"`
	Raw      JSONRaw     `json:"-"`
}

// EventObject is the data.object of a provider event
type EventObject struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata"`
}

func (e *ProviderEvent) Kind() EventKind {
	return ParseEventKind(e.Type)
}

// OrderID reads metadata.order_id; ok is false when absent or malformed.
func (e *ProviderEvent) OrderID() (int64, bool) {
	raw, found := e.Object.Metadata["order_id"]
	if !found || raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
