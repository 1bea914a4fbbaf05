package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"gallery-checkout/config"
	"gallery-checkout/internal/models"
	"gallery-checkout/internal/store"
	"gallery-checkout/internal/util"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// money columns are NUMERIC(10,2)
const moneyPlaces = 2

var maxMoney = decimal.New(1, 8)

// OrderService handles order business logic
type OrderService struct {
	store    store.Repository
	events   EventPublisher
	validate *validator.Validate
	cfg      config.BusinessConfig
	logger   *zap.Logger
	now      func() time.Time
}

// NewOrderService creates a new order service
func NewOrderService(repo store.Repository, events EventPublisher, cfg config.BusinessConfig) *OrderService {
	return &OrderService{
		store:    repo,
		events:   events,
		validate: newValidator(),
		cfg:      cfg,
		logger:   util.GetLogger(),
		now:      time.Now,
	}
}

// CreateOrderRequest represents a request to create an order.
// Total is accepted for compatibility and ignored.
type CreateOrderRequest struct {
	Items           []OrderItemRequest `json:"items" validate:"dive"`
	GuestEmail      string             `json:"guest_email" validate:"omitempty,email,max=254"`
	ShippingAddress *AddressRequest    `json:"shipping_address"`
	BillingAddress  *AddressRequest    `json:"billing_address"`
	Total           *decimal.Decimal   `json:"total,omitempty"`
}

// OrderItemRequest represents an item in an order
type OrderItemRequest struct {
	ProductTitle string          `json:"product_title" validate:"required,max=255"`
	ProductSKU   string          `json:"product_sku" validate:"max=64"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	Quantity     int             `json:"quantity"`
}

// AddressRequest represents a shipping or billing address
type AddressRequest struct {
	FullName   string `json:"full_name" validate:"required,max=255"`
	Line1      string `json:"line1" validate:"required,max=255"`
	Line2      string `json:"line2" validate:"max=255"`
	City       string `json:"city" validate:"required,max=128"`
	Region     string `json:"region" validate:"max=128"`
	PostalCode string `json:"postal_code" validate:"required,max=32"`
	Country    string `json:"country" validate:"required,max=64"`
	Phone      string `json:"phone" validate:"max=32"`
}

// OrderDetail is an order with its children
type OrderDetail struct {
	*models.Order
	Items     []models.OrderItem     `json:"items"`
	Addresses []models.Address       `json:"addresses,omitempty"`
	Payments  []models.PaymentRecord `json:"payments,omitempty"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// CreateOrder validates the request, then persists the order, its items and
// addresses and reserves unique items in one transaction.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest, identity *Identity) (*OrderDetail, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder", attribute.Int("items", len(req.Items)))
	defer span.End()

	if err := s.validateCreate(req, identity); err != nil {
		util.OrdersRejectedTotal.WithLabelValues("validation").Inc()
		return nil, err
	}

	order := &models.Order{
		Status:   models.OrderStatusPaid,
		Total:    calculateTotal(req.Items),
		Currency: s.cfg.DefaultCurrency,
	}
	if identity.Authenticated() {
		userID := identity.UserID
		order.UserID = &userID
		if identity.Email != "" {
			email := identity.Email
			order.UserEmail = &email
		}
	}
	if guest := strings.TrimSpace(req.GuestEmail); guest != "" {
		order.GuestEmail = &guest
	}

	var items []models.OrderItem
	var addresses []models.Address
	reserved := 0

	err := s.store.RunInTx(ctx, func(q store.Querier) error {
		items, addresses, reserved = nil, nil, 0

		return lockAndMutate(ctx, q, collectSKUs(req.Items), func(inventory map[string]*models.InventoryItem) error {
			var reservedLines []int
			for i, it := range req.Items {
				item := models.OrderItem{
					ProductTitle: strings.TrimSpace(it.ProductTitle),
					ProductSKU:   strings.TrimSpace(it.ProductSKU),
					UnitPrice:    it.UnitPrice,
					Quantity:     it.Quantity,
				}
				if inv, ok := inventory[item.ProductSKU]; ok && item.ProductSKU != "" {
					if inv.Reserve(item.Quantity) {
						reservedLines = append(reservedLines, i)
					}
					item.Snapshot(inv)
				}
				items = append(items, item)
			}

			order.Total = itemsTotal(items)
			if order.Total.GreaterThanOrEqual(maxMoney) {
				return models.NewValidationError("items", "Order total exceeds the maximum amount")
			}

			if err := q.CreateOrder(ctx, order); err != nil {
				return fmt.Errorf("failed to create order: %w", err)
			}

			number, err := q.AssignOrderNumber(ctx, order.ID)
			if err != nil {
				return err
			}
			order.OrderNumber = &number

			for _, a := range []struct {
				kind string
				req  *AddressRequest
			}{
				{models.AddressTypeShipping, req.ShippingAddress},
				{models.AddressTypeBilling, req.BillingAddress},
			} {
				if a.req == nil {
					continue
				}
				addr := a.req.toModel(order.ID, a.kind)
				if err := q.CreateAddress(ctx, addr); err != nil {
					return fmt.Errorf("failed to create address: %w", err)
				}
				addresses = append(addresses, *addr)
			}

			for i := range items {
				items[i].OrderID = order.ID
				if err := q.CreateOrderItem(ctx, &items[i]); err != nil {
					return fmt.Errorf("failed to create order item: %w", err)
				}
			}

			reserved = len(reservedLines)
			if !identity.Authenticated() {
				return nil
			}
			now := s.now()
			for _, i := range reservedLines {
				line := items[i]
				r := models.NewReservation(identity.UserID, line.ProductTitle, line.ProductSKU,
					line.Quantity, s.cfg.ReservationHours, now)
				r.OrderID = &order.ID
				if err := q.CreateReservation(ctx, r); err != nil {
					return fmt.Errorf("failed to create reservation: %w", err)
				}
			}
			return nil
		})
	})
	if err != nil {
		reason := "db_error"
		if errors.Is(err, models.ErrValidation) {
			reason = "validation"
		}
		util.OrdersRejectedTotal.WithLabelValues(reason).Inc()
		return nil, err
	}

	util.OrdersCreatedTotal.Inc()
	util.UniqueItemsReservedTotal.Add(float64(reserved))
	s.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.String("order_number", order.Number()),
		zap.String("total", order.Total.StringFixed(2)),
		zap.Int("reserved_items", reserved))

	if err := s.events.PublishOrderCreated(ctx, order, items); err != nil {
		s.logger.Error("Failed to publish OrderCreated event", zap.Error(err))
	}

	return &OrderDetail{Order: order, Items: items, Addresses: addresses}, nil
}

func (s *OrderService) validateCreate(req *CreateOrderRequest, identity *Identity) error {
	verr := &models.ValidationError{}

	if len(req.Items) == 0 {
		verr.Add("items", "Order must contain at least one item")
	}
	for i, it := range req.Items {
		switch {
		case it.Quantity <= 0:
			verr.Add(fmt.Sprintf("items[%d].quantity", i), "Quantity must be > 0")
		case it.Quantity > math.MaxInt32:
			verr.Add(fmt.Sprintf("items[%d].quantity", i), "Quantity is too large")
		}
		switch {
		case !it.UnitPrice.IsPositive():
			verr.Add(fmt.Sprintf("items[%d].unit_price", i), "Unit price must be > 0")
		case !it.UnitPrice.Equal(it.UnitPrice.Truncate(moneyPlaces)):
			verr.Add(fmt.Sprintf("items[%d].unit_price", i), "Ensure that there are no more than 2 decimal places")
		case it.UnitPrice.GreaterThanOrEqual(maxMoney):
			verr.Add(fmt.Sprintf("items[%d].unit_price", i), "Ensure that there are no more than 10 digits in total")
		}
	}
	if verr.Empty() && calculateTotal(req.Items).GreaterThanOrEqual(maxMoney) {
		verr.Add("items", "Order total exceeds the maximum amount")
	}

	if err := s.validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("failed to validate order: %w", err)
		}
		for _, fe := range fieldErrs {
			verr.Add(fieldPath(fe), fieldMessage(fe))
		}
	}

	if !identity.Authenticated() && strings.TrimSpace(req.GuestEmail) == "" {
		verr.Add("guest_email", "Guest checkout requires guest_email")
	}

	if verr.Empty() {
		return nil
	}
	return verr
}

// fieldPath drops the root struct name from the validator namespace
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "This field is required"
	case "email":
		return "Enter a valid email address"
	case "max":
		return fmt.Sprintf("Ensure this field has no more than %s characters", fe.Param())
	default:
		return "Invalid value"
	}
}

// calculateTotal sums unit_price × quantity and rounds half-to-even to cents
func calculateTotal(items []OrderItemRequest) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	return total.RoundBank(2)
}

// itemsTotal sums the snapshotted lines the same way calculateTotal sums a request
func itemsTotal(items []models.OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.TotalPrice())
	}
	return total.RoundBank(2)
}

func collectSKUs(items []OrderItemRequest) []string {
	skus := make([]string, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		sku := strings.TrimSpace(it.ProductSKU)
		if sku == "" || seen[sku] {
			continue
		}
		seen[sku] = true
		skus = append(skus, sku)
	}
	return skus
}

func (a *AddressRequest) toModel(orderID int64, kind string) *models.Address {
	return &models.Address{
		OrderID:     orderID,
		AddressType: kind,
		FullName:    strings.TrimSpace(a.FullName),
		Line1:       strings.TrimSpace(a.Line1),
		Line2:       strings.TrimSpace(a.Line2),
		City:        strings.TrimSpace(a.City),
		Region:      strings.TrimSpace(a.Region),
		PostalCode:  strings.TrimSpace(a.PostalCode),
		Country:     strings.TrimSpace(a.Country),
		Phone:       strings.TrimSpace(a.Phone),
	}
}

// GetOrder retrieves an order with its items, addresses and payment attempts
func (s *OrderService) GetOrder(ctx context.Context, orderID int64) (*OrderDetail, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder", attribute.Int64("order_id", orderID))
	defer span.End()

	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	items, err := s.store.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order items: %w", err)
	}

	addresses, err := s.store.GetAddressesByOrderID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get addresses: %w", err)
	}

	payments, err := s.store.GetPaymentsByOrderID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get payments: %w", err)
	}

	return &OrderDetail{Order: order, Items: items, Addresses: addresses, Payments: payments}, nil
}

// MarkShipped sets status shipped on every listed order that exists.
// It returns how many orders were updated.
func (s *OrderService) MarkShipped(ctx context.Context, orderIDs []int64) (int, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.MarkShipped")
	defer span.End()

	updated := 0
	err := s.store.RunInTx(ctx, func(q store.Querier) error {
		updated = 0
		for _, id := range orderIDs {
			if err := q.UpdateOrderStatus(ctx, id, models.OrderStatusShipped); err != nil {
				if errors.Is(err, models.ErrNotFound) {
					continue
				}
				return fmt.Errorf("failed to mark order %d shipped: %w", id, err)
			}
			updated++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	util.OrdersShippedTotal.Add(float64(updated))
	s.logger.Info("Orders marked shipped", zap.Int("requested", len(orderIDs)), zap.Int("updated", updated))
	return updated, nil
}

// ActiveReservations lists the user's unexpired advisory reservations
func (s *OrderService) ActiveReservations(ctx context.Context, userID int64) ([]models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ActiveReservations")
	defer span.End()

	return s.store.GetActiveReservations(ctx, userID, s.now())
}
