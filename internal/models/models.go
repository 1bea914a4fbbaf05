package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Inventory statuses (meaningful for unique items only)
const (
	InventoryStatusAvailable = "available"
	InventoryStatusReserved  = "reserved"
	InventoryStatusSold      = "sold"
	InventoryStatusArchived  = "archived"
)

// Order statuses
const (
	OrderStatusPaid       = "paid"
	OrderStatusProcessing = "processing"
	OrderStatusShipped    = "shipped"
	OrderStatusCancelled  = "cancelled"
	OrderStatusRefunded   = "refunded"
)

// Payment statuses
const (
	PaymentStatusPending   = "pending"
	PaymentStatusSucceeded = "succeeded"
	PaymentStatusFailed    = "failed"
	PaymentStatusRefunded  = "refunded"
)

// Address types
const (
	AddressTypeShipping = "shipping"
	AddressTypeBilling  = "billing"
)

// ProviderStripe is the only payment provider with an implementation.
const ProviderStripe = "stripe"

// Product is the catalog capability an order line is resolved from.
// It is read once when the order is created and snapshotted onto the OrderItem.
type Product interface {
	GetTitle() string
	GetPrice() decimal.Decimal
	GetStatus() string
	GetSKU() string
}

// InventoryItem tracks availability for a SKU.
// Counted items use Stock; unique items use Status and ignore Stock.
type InventoryItem struct {
	ID        int64           `db:"id" json:"id"`
	Title     string          `db:"title" json:"title"`
	SKU       *string         `db:"sku" json:"sku,omitempty"`
	Price     decimal.Decimal `db:"price" json:"price"`
	Stock     int             `db:"stock" json:"stock"`
	Status    string          `db:"status" json:"status"`
	IsUnique  bool            `db:"is_unique" json:"is_unique"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

func (i *InventoryItem) GetTitle() string          { return i.Title }
func (i *InventoryItem) GetPrice() decimal.Decimal { return i.Price }
func (i *InventoryItem) GetStatus() string         { return i.Status }

func (i *InventoryItem) GetSKU() string {
	if i.SKU == nil {
		return ""
	}
	return *i.SKU
}

// Reserve flips an available unique item to reserved.
// It reports whether the item changed; counted items are never reserved.
func (i *InventoryItem) Reserve(quantity int) bool {
	if !i.IsUnique || quantity != 1 || i.Status != InventoryStatusAvailable {
		return false
	}
	i.Status = InventoryStatusReserved
	return true
}

// Fulfill applies a paid quantity to the item.
// A false return means the quantity could not be covered and nothing changed.
func (i *InventoryItem) Fulfill(quantity int) bool {
	if quantity <= 0 {
		return false
	}
	if i.IsUnique {
		if quantity != 1 {
			return false
		}
		if i.Status != InventoryStatusAvailable && i.Status != InventoryStatusReserved {
			return false
		}
		i.Status = InventoryStatusSold
		return true
	}
	if i.Stock < quantity {
		return false
	}
	i.Stock -= quantity
	return true
}

// Order represents a customer order
type Order struct {
	ID            int64           `db:"id" json:"id"`
	OrderNumber   *string         `db:"order_number" json:"order_number"`
	UserID        *int64          `db:"user_id" json:"user_id,omitempty"`
	UserEmail     *string         `db:"user_email" json:"-"`
	GuestEmail    *string         `db:"guest_email" json:"guest_email,omitempty"`
	Status        string          `db:"status" json:"status"`
	Total         decimal.Decimal `db:"total" json:"total"`
	Currency      string          `db:"currency" json:"currency"`
	StockShortage bool            `db:"stock_shortage" json:"stock_shortage"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// FormatOrderNumber derives the public order number from the primary key.
func FormatOrderNumber(id int64) string {
	return fmt.Sprintf("ORD-%06d", id)
}

// Number returns the order number, or a placeholder before it is assigned.
func (o *Order) Number() string {
	if o.OrderNumber != nil && *o.OrderNumber != "" {
		return *o.OrderNumber
	}
	return fmt.Sprintf("Order %d", o.ID)
}

// ContactEmail returns the guest email, falling back to the account email.
func (o *Order) ContactEmail() string {
	if o.GuestEmail != nil && *o.GuestEmail != "" {
		return *o.GuestEmail
	}
	if o.UserEmail != nil {
		return *o.UserEmail
	}
	return ""
}

// OrderItem is an immutable snapshot of a purchased line
type OrderItem struct {
	ID            int64           `db:"id" json:"id"`
	OrderID       int64           `db:"order_id" json:"order_id"`
	ProductTitle  string          `db:"product_title" json:"product_title"`
	ProductSKU    string          `db:"product_sku" json:"product_sku"`
	ProductStatus *string         `db:"product_status" json:"product_status"`
	UnitPrice     decimal.Decimal `db:"unit_price" json:"unit_price"`
	Quantity      int             `db:"quantity" json:"quantity"`
}

// Snapshot copies the resolved product onto the line.
// The catalog title and price replace the submitted ones when the catalog has them.
func (i *OrderItem) Snapshot(p Product) {
	if title := p.GetTitle(); title != "" {
		i.ProductTitle = title
	}
	if price := p.GetPrice(); price.IsPositive() {
		i.UnitPrice = price
	}
	i.ProductSKU = p.GetSKU()
	status := p.GetStatus()
	i.ProductStatus = &status
}

// TotalPrice is unit price times quantity.
func (i OrderItem) TotalPrice() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Address is a shipping or billing address owned by an order
type Address struct {
	ID          int64     `db:"id" json:"id"`
	OrderID     int64     `db:"order_id" json:"order_id"`
	AddressType string    `db:"address_type" json:"address_type"`
	FullName    string    `db:"full_name" json:"full_name"`
	Line1       string    `db:"line1" json:"line1"`
	Line2       string    `db:"line2" json:"line2"`
	City        string    `db:"city" json:"city"`
	Region      string    `db:"region" json:"region"`
	PostalCode  string    `db:"postal_code" json:"postal_code"`
	Country     string    `db:"country" json:"country"`
	Phone       string    `db:"phone" json:"phone"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// PaymentRecord is one provider-side payment attempt for an order
type PaymentRecord struct {
	ID                   int64           `db:"id" json:"id"`
	OrderID              int64           `db:"order_id" json:"order_id"`
	Provider             string          `db:"provider" json:"provider"`
	ProviderPaymentID    string          `db:"provider_payment_id" json:"provider_payment_id"`
	Amount               decimal.Decimal `db:"amount" json:"amount"`
	Currency             string          `db:"currency" json:"currency"`
	Status               string          `db:"status" json:"status"`
	RawResponse          JSONRaw         `db:"raw_response" json:"raw_response,omitempty"`
	ProviderRefundID     *string         `db:"provider_refund_id" json:"provider_refund_id,omitempty"`
	RefundedAt           *time.Time      `db:"refunded_at" json:"refunded_at,omitempty"`
	ProviderClientSecret *string         `db:"provider_client_secret" json:"-"`
	IdempotencyKey       *string         `db:"idempotency_key" json:"idempotency_key,omitempty"`
	CreatedAt            time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time       `db:"updated_at" json:"updated_at"`
}

// Refunded reports whether a provider refund id has been stored.
func (p *PaymentRecord) Refunded() bool {
	return p.ProviderRefundID != nil && *p.ProviderRefundID != ""
}

// ClientSecret returns the stored provider client secret or "".
func (p *PaymentRecord) ClientSecret() string {
	if p.ProviderClientSecret == nil {
		return ""
	}
	return *p.ProviderClientSecret
}

// ProcessedEvent is a row of the webhook dedup ledger
type ProcessedEvent struct {
	ID        int64     `db:"id" json:"id"`
	Provider  string    `db:"provider" json:"provider"`
	EventID   string    `db:"event_id" json:"event_id"`
	Payload   JSONRaw   `db:"payload" json:"payload,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Reservation is advisory checkout metadata for registered users.
// It does not hold inventory; the reserved status on InventoryItem does.
type Reservation struct {
	ID           int64     `db:"id" json:"id"`
	UserID       int64     `db:"user_id" json:"user_id"`
	OrderID      *int64    `db:"order_id" json:"order_id,omitempty"`
	ProductTitle string    `db:"product_title" json:"product_title"`
	ProductSKU   string    `db:"product_sku" json:"product_sku"`
	Quantity     int       `db:"quantity" json:"quantity"`
	ExpiresAt    time.Time `db:"expires_at" json:"expires_at"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// NewReservation builds a reservation expiring hours after now.
func NewReservation(userID int64, title, sku string, quantity int, hours int, now time.Time) *Reservation {
	return &Reservation{
		UserID:       userID,
		ProductTitle: title,
		ProductSKU:   sku,
		Quantity:     quantity,
		ExpiresAt:    now.Add(time.Duration(hours) * time.Hour),
		CreatedAt:    now,
	}
}

func (r *Reservation) IsActive(now time.Time) bool {
	return now.Before(r.ExpiresAt)
}

// JSONRaw is a JSONB column value that scans from and writes to raw bytes.
type JSONRaw json.RawMessage

// MarshalJSON emits the raw document, or null when empty.
func (j JSONRaw) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

func (j *JSONRaw) UnmarshalJSON(data []byte) error {
	*j = append((*j)[0:0], data...)
	return nil
}

// Value writes the document as text so lib/pq does not send it as bytea.
func (j JSONRaw) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

func (j *JSONRaw) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append(JSONRaw(nil), v...)
	case string:
		*j = JSONRaw(v)
	default:
		return fmt.Errorf("unsupported jsonb source %T", src)
	}
	return nil
}
