package service

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"gallery-checkout/config"
	"gallery-checkout/internal/models"
	"gallery-checkout/internal/testutil"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	store      *testutil.MemStore
	provider   *testutil.FakeProvider
	events     *testutil.FakeEvents
	notifier   *testutil.FakeNotifier
	locker     *testutil.FakeLocker
	orders     *OrderService
	payments   *PaymentService
	reconciler *Reconciler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		store:    testutil.NewMemStore(),
		provider: testutil.NewFakeProvider(),
		events:   &testutil.FakeEvents{},
		notifier: &testutil.FakeNotifier{},
		locker:   &testutil.FakeLocker{},
	}
	env.orders = NewOrderService(env.store, env.events, config.BusinessConfig{
		DefaultCurrency:  "EUR",
		ReservationHours: 4,
	})
	env.payments = NewPaymentService(env.store, env.provider, env.events, config.PaymentConfig{
		ProviderTimeout: time.Second,
	})
	env.reconciler = NewReconciler(env.store, env.locker, env.notifier, env.events)
	return env
}

func (e *testEnv) seedCounted(t *testing.T, sku string, stock int) {
	t.Helper()
	s := sku
	require.NoError(t, e.store.CreateInventoryItem(context.Background(), &models.InventoryItem{
		Title: "Print " + sku,
		SKU:   &s,
		Price: decimal.RequireFromString("25.00"),
		Stock: stock,
	}))
}

func (e *testEnv) seedUnique(t *testing.T, sku string) {
	t.Helper()
	s := sku
	require.NoError(t, e.store.CreateInventoryItem(context.Background(), &models.InventoryItem{
		Title:    "Original " + sku,
		SKU:      &s,
		Price:    decimal.RequireFromString("900.00"),
		Stock:    1,
		Status:   models.InventoryStatusAvailable,
		IsUnique: true,
	}))
}

func item(title, sku, price string, qty int) OrderItemRequest {
	return OrderItemRequest{
		ProductTitle: title,
		ProductSKU:   sku,
		UnitPrice:    decimal.RequireFromString(price),
		Quantity:     qty,
	}
}

func guestOrder(items ...OrderItemRequest) *CreateOrderRequest {
	return &CreateOrderRequest{Items: items, GuestEmail: "guest@example.com"}
}

// paidOrder creates a guest order and a payment intent for it.
func (e *testEnv) paidOrder(t *testing.T, items ...OrderItemRequest) (*OrderDetail, string) {
	t.Helper()
	ctx := context.Background()

	order, err := e.orders.CreateOrder(ctx, guestOrder(items...), nil)
	require.NoError(t, err)

	res, err := e.payments.StartPayment(ctx, order.ID, "")
	require.NoError(t, err)

	p, err := e.store.GetPaymentByID(ctx, res.PaymentID)
	require.NoError(t, err)
	require.NotEmpty(t, p.ProviderPaymentID)
	return order, p.ProviderPaymentID
}

func succeededEvent(eventID string, orderID int64, providerPaymentID string) *models.ProviderEvent {
	metadata := map[string]string{"order_id": strconv.FormatInt(orderID, 10)}
	raw, _ := json.Marshal(map[string]any{
		"id":   eventID,
		"type": "payment_intent.succeeded",
		"data": map[string]any{"object": map[string]any{"id": providerPaymentID, "metadata": metadata}},
	})
	return &models.ProviderEvent{
		Provider: models.ProviderStripe,
		ID:       eventID,
		Type:     "payment_intent.succeeded",
		Object:   models.EventObject{ID: providerPaymentID, Metadata: metadata},
		Raw:      models.JSONRaw(raw),
	}
}
