package service

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"gallery-checkout/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateTotal(t *testing.T) {
	tests := []struct {
		name  string
		items []OrderItemRequest
		want  string
	}{
		{"single item", []OrderItemRequest{item("A", "", "10.00", 1)}, "10.00"},
		{"quantities multiply", []OrderItemRequest{item("A", "", "12.50", 2), item("B", "", "5.00", 1)}, "30.00"},
		{"rounds half to even down", []OrderItemRequest{item("A", "", "0.125", 1)}, "0.12"},
		{"rounds half to even up", []OrderItemRequest{item("A", "", "0.135", 1)}, "0.14"},
		{"sub-cent lines", []OrderItemRequest{item("A", "", "0.333", 3)}, "1.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := calculateTotal(tt.items)
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "got %s", got)
		})
	}
}

func TestCreateOrder_IgnoresClientTotal(t *testing.T) {
	env := newTestEnv(t)
	claimed := decimal.RequireFromString("0.01")

	req := guestOrder(item("Etching", "", "12.50", 2), item("Card", "", "3.25", 1))
	req.Total = &claimed

	order, err := env.orders.CreateOrder(context.Background(), req, nil)
	require.NoError(t, err)

	assert.Equal(t, "28.25", order.Total.StringFixed(2))
	assert.Equal(t, "EUR", order.Currency)
	assert.Equal(t, models.OrderStatusPaid, order.Status)
	assert.Equal(t, models.FormatOrderNumber(order.ID), order.Number())
	assert.Len(t, order.Items, 2)
	assert.Equal(t, []string{models.EventTypeOrderCreated}, env.events.Published())

	stored, err := env.store.GetOrderByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.Number(), stored.Number())
}

func TestCreateOrder_ValidationErrors(t *testing.T) {
	tests := []struct {
		name     string
		req      *CreateOrderRequest
		identity *Identity
		field    string
		message  string
	}{
		{
			name:    "empty items",
			req:     &CreateOrderRequest{GuestEmail: "guest@example.com"},
			field:   "items",
			message: "Order must contain at least one item",
		},
		{
			name:    "zero quantity",
			req:     guestOrder(item("Etching", "", "10.00", 0)),
			field:   "items[0].quantity",
			message: "Quantity must be > 0",
		},
		{
			name:    "negative price",
			req:     guestOrder(item("Etching", "", "10.00", 1), item("Card", "", "-1.00", 1)),
			field:   "items[1].unit_price",
			message: "Unit price must be > 0",
		},
		{
			name:    "zero price",
			req:     guestOrder(item("Etching", "", "0.00", 1)),
			field:   "items[0].unit_price",
			message: "Unit price must be > 0",
		},
		{
			name:    "price with three decimal places",
			req:     guestOrder(item("Etching", "", "10.005", 1)),
			field:   "items[0].unit_price",
			message: "Ensure that there are no more than 2 decimal places",
		},
		{
			name:    "price below one cent",
			req:     guestOrder(item("Etching", "", "0.004", 1)),
			field:   "items[0].unit_price",
			message: "Ensure that there are no more than 2 decimal places",
		},
		{
			name:    "price above column range",
			req:     guestOrder(item("Etching", "", "100000000.00", 1)),
			field:   "items[0].unit_price",
			message: "Ensure that there are no more than 10 digits in total",
		},
		{
			name:    "quantity above integer range",
			req:     guestOrder(item("Etching", "", "1.00", math.MaxInt32+1)),
			field:   "items[0].quantity",
			message: "Quantity is too large",
		},
		{
			name:    "total above column range",
			req:     guestOrder(item("Etching", "", "99999999.99", 2)),
			field:   "items",
			message: "Order total exceeds the maximum amount",
		},
		{
			name:    "missing title",
			req:     guestOrder(item("", "", "10.00", 1)),
			field:   "items[0].product_title",
			message: "This field is required",
		},
		{
			name:    "malformed guest email",
			req:     &CreateOrderRequest{Items: []OrderItemRequest{item("Etching", "", "10.00", 1)}, GuestEmail: "nope"},
			field:   "guest_email",
			message: "Enter a valid email address",
		},
		{
			name:    "anonymous without guest email",
			req:     &CreateOrderRequest{Items: []OrderItemRequest{item("Etching", "", "10.00", 1)}},
			field:   "guest_email",
			message: "Guest checkout requires guest_email",
		},
		{
			name:     "incomplete shipping address",
			req:      &CreateOrderRequest{Items: []OrderItemRequest{item("Etching", "", "10.00", 1)}, ShippingAddress: &AddressRequest{FullName: "A"}},
			identity: &Identity{UserID: 3},
			field:    "shipping_address.line1",
			message:  "This field is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)

			_, err := env.orders.CreateOrder(context.Background(), tt.req, tt.identity)
			require.Error(t, err)
			assert.True(t, errors.Is(err, models.ErrValidation))

			var verr *models.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.message, verr.Fields[tt.field])

			assert.Equal(t, 0, env.store.OrderCount())
			assert.Empty(t, env.events.Published())
		})
	}
}

func TestCreateOrder_AuthenticatedWithoutGuestEmail(t *testing.T) {
	env := newTestEnv(t)
	identity := &Identity{UserID: 7, Email: "collector@example.com"}

	order, err := env.orders.CreateOrder(context.Background(), &CreateOrderRequest{
		Items: []OrderItemRequest{item("Etching", "", "40.00", 1)},
		ShippingAddress: &AddressRequest{
			FullName: "Ada Collector", Line1: "1 Gallery Way", City: "Vienna", PostalCode: "1010", Country: "AT",
		},
	}, identity)
	require.NoError(t, err)

	require.NotNil(t, order.UserID)
	assert.Equal(t, int64(7), *order.UserID)
	assert.Equal(t, "collector@example.com", order.ContactEmail())
	require.Len(t, order.Addresses, 1)
	assert.Equal(t, models.AddressTypeShipping, order.Addresses[0].AddressType)
}

func TestCreateOrder_ReservesUniqueItem(t *testing.T) {
	env := newTestEnv(t)
	env.seedUnique(t, "ONE-1")
	env.seedCounted(t, "SKU-A", 5)
	identity := &Identity{UserID: 7, Email: "collector@example.com"}

	order, err := env.orders.CreateOrder(context.Background(), &CreateOrderRequest{
		Items: []OrderItemRequest{
			item("Original", "ONE-1", "900.00", 1),
			item("Print", "SKU-A", "25.00", 2),
			item("Gift wrap", "", "2.00", 1),
		},
	}, identity)
	require.NoError(t, err)

	inv, ok := env.store.Inventory("ONE-1")
	require.True(t, ok)
	assert.Equal(t, models.InventoryStatusReserved, inv.Status)

	counted, _ := env.store.Inventory("SKU-A")
	assert.Equal(t, 5, counted.Stock, "counted stock only moves at reconciliation")

	require.Len(t, order.Items, 3)
	require.NotNil(t, order.Items[0].ProductStatus)
	assert.Equal(t, models.InventoryStatusReserved, *order.Items[0].ProductStatus)
	require.NotNil(t, order.Items[1].ProductStatus)
	assert.Equal(t, models.InventoryStatusAvailable, *order.Items[1].ProductStatus)
	assert.Nil(t, order.Items[2].ProductStatus)

	reservations, err := env.orders.ActiveReservations(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, reservations, 1)
	assert.Equal(t, "ONE-1", reservations[0].ProductSKU)
	require.NotNil(t, reservations[0].OrderID)
	assert.Equal(t, order.ID, *reservations[0].OrderID)
}

func TestCreateOrder_SnapshotsCatalogTitleAndPrice(t *testing.T) {
	env := newTestEnv(t)
	env.seedCounted(t, "SKU-A", 5)

	order, err := env.orders.CreateOrder(context.Background(), guestOrder(
		item("print", "SKU-A", "1.00", 2),
		item("Gift wrap", "", "3.00", 1),
	), nil)
	require.NoError(t, err)

	require.Len(t, order.Items, 2)
	assert.Equal(t, "Print SKU-A", order.Items[0].ProductTitle)
	assert.Equal(t, "25.00", order.Items[0].UnitPrice.StringFixed(2))
	assert.Equal(t, "Gift wrap", order.Items[1].ProductTitle)
	assert.Equal(t, "53.00", order.Total.StringFixed(2))

	stored, err := env.store.GetOrderItemsByOrderID(context.Background(), order.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "25.00", stored[0].UnitPrice.StringFixed(2))
}

func TestCreateOrder_SecondBuyerSeesReservation(t *testing.T) {
	env := newTestEnv(t)
	env.seedUnique(t, "ONE-1")
	ctx := context.Background()

	_, err := env.orders.CreateOrder(ctx, guestOrder(item("Original", "ONE-1", "900.00", 1)), nil)
	require.NoError(t, err)

	second, err := env.orders.CreateOrder(ctx, guestOrder(item("Original", "ONE-1", "900.00", 1)), nil)
	require.NoError(t, err)

	require.NotNil(t, second.Items[0].ProductStatus)
	assert.Equal(t, models.InventoryStatusReserved, *second.Items[0].ProductStatus)

	reservations, err := env.orders.ActiveReservations(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, reservations, "guests get no advisory reservations")
}

func TestCreateOrder_ConcurrentOrderNumbersAreUnique(t *testing.T) {
	env := newTestEnv(t)

	const n = 20
	numbers := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			order, err := env.orders.CreateOrder(context.Background(), guestOrder(item("Print", "", "10.00", 1)), nil)
			if assert.NoError(t, err) {
				numbers <- order.Number()
			}
		}()
	}
	wg.Wait()
	close(numbers)

	seen := make(map[string]bool)
	for num := range numbers {
		assert.False(t, seen[num], "duplicate order number %s", num)
		seen[num] = true
	}
	assert.Len(t, seen, n)
}

func TestCreateOrder_RollsBackOnFailure(t *testing.T) {
	env := newTestEnv(t)
	env.seedUnique(t, "ONE-1")
	env.store.FailOn("CreateOrderItem", errors.New("disk full"))

	_, err := env.orders.CreateOrder(context.Background(), guestOrder(item("Original", "ONE-1", "900.00", 1)), nil)
	require.Error(t, err)

	assert.Equal(t, 0, env.store.OrderCount())
	inv, _ := env.store.Inventory("ONE-1")
	assert.Equal(t, models.InventoryStatusAvailable, inv.Status)
	assert.Empty(t, env.events.Published())
}

func TestCreateOrder_PublishFailureIsLogged(t *testing.T) {
	env := newTestEnv(t)
	env.events.Err = errors.New("kafka down")

	order, err := env.orders.CreateOrder(context.Background(), guestOrder(item("Print", "", "10.00", 1)), nil)
	require.NoError(t, err)
	assert.NotZero(t, order.ID)
}

func TestGetOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.orders.GetOrder(ctx, 999)
	assert.True(t, errors.Is(err, models.ErrNotFound))

	order, _ := env.paidOrder(t, item("Print", "", "10.00", 1))

	detail, err := env.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, detail.Items, 1)
	assert.Len(t, detail.Payments, 1)
	assert.Equal(t, models.PaymentStatusPending, detail.Payments[0].Status)
}

func TestMarkShipped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a, err := env.orders.CreateOrder(ctx, guestOrder(item("Print", "", "10.00", 1)), nil)
	require.NoError(t, err)
	b, err := env.orders.CreateOrder(ctx, guestOrder(item("Print", "", "10.00", 1)), nil)
	require.NoError(t, err)

	updated, err := env.orders.MarkShipped(ctx, []int64{a.ID, 424242, b.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, updated)

	for _, id := range []int64{a.ID, b.ID} {
		o, err := env.store.GetOrderByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusShipped, o.Status)
	}
}
