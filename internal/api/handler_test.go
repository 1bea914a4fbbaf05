package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gallery-checkout/config"
	"gallery-checkout/internal/models"
	"gallery-checkout/internal/service"
	"gallery-checkout/internal/testutil"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const staffToken = "staff-secret"

type testServer struct {
	router   *gin.Engine
	handler  *Handler
	store    *testutil.MemStore
	provider *testutil.FakeProvider
	notifier *testutil.FakeNotifier
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := testutil.NewMemStore()
	provider := testutil.NewFakeProvider()
	events := &testutil.FakeEvents{}
	notifier := &testutil.FakeNotifier{}

	orders := service.NewOrderService(st, events, config.BusinessConfig{DefaultCurrency: "EUR", ReservationHours: 4})
	payments := service.NewPaymentService(st, provider, events, config.PaymentConfig{ProviderTimeout: time.Second})
	reconciler := service.NewReconciler(st, &testutil.FakeLocker{}, notifier, events)
	inventory := service.NewInventoryService(st)

	h := NewHandler(orders, payments, reconciler, inventory, provider, Config{
		StaffToken:     staffToken,
		AllowedOrigins: []string{"http://localhost:3000"},
	}, zap.NewNop())

	router := gin.New()
	h.SetupRoutes(router)

	return &testServer{router: router, handler: h, store: st, provider: provider, notifier: notifier}
}

func (s *testServer) do(method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) postJSON(path string, v any, headers map[string]string) *httptest.ResponseRecorder {
	body, _ := json.Marshal(v)
	if headers == nil {
		headers = map[string]string{}
	}
	headers["Content-Type"] = "application/json"
	return s.do(http.MethodPost, path, body, headers)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func orderPayload(sku string, qty int) map[string]any {
	return map[string]any{
		"items": []map[string]any{
			{"product_title": "Print", "product_sku": sku, "unit_price": "25.00", "quantity": qty},
		},
		"guest_email": "guest@example.com",
		"total":       "1.00",
	}
}

func (s *testServer) createOrder(t *testing.T, sku string, qty int) int64 {
	t.Helper()
	w := s.postJSON("/api/v1/orders", orderPayload(sku, qty), nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return int64(decode(t, w)["id"].(float64))
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["status"])
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestReady(t *testing.T) {
	s := newTestServer(t)
	s.handler.AddReadinessCheck("postgres", pinger{})

	w := s.do(http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	s.handler.AddReadinessCheck("redis", pinger{err: errors.New("connection refused")})
	w = s.do(http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "redis")
}

func TestCreateOrder(t *testing.T) {
	s := newTestServer(t)

	w := s.postJSON("/api/v1/orders", orderPayload("", 2), nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	body := decode(t, w)
	assert.Equal(t, "50", body["total"])
	assert.Regexp(t, `^ORD-\d{6}$`, body["order_number"])
	assert.Equal(t, "paid", body["status"])
	assert.Len(t, body["items"], 1)
}

func TestCreateOrder_Rejections(t *testing.T) {
	s := newTestServer(t)

	t.Run("not json", func(t *testing.T) {
		w := s.do(http.MethodPost, "/api/v1/orders", []byte("items=1"), map[string]string{
			"Content-Type": "application/x-www-form-urlencoded",
		})
		assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
	})

	t.Run("malformed json", func(t *testing.T) {
		w := s.do(http.MethodPost, "/api/v1/orders", []byte("{"), map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("anonymous without guest email", func(t *testing.T) {
		payload := orderPayload("", 1)
		delete(payload, "guest_email")

		w := s.postJSON("/api/v1/orders", payload, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)

		fields := decode(t, w)["fields"].(map[string]any)
		assert.Equal(t, "Guest checkout requires guest_email", fields["guest_email"])
		assert.Equal(t, 0, s.store.OrderCount())
	})

	t.Run("authenticated without guest email", func(t *testing.T) {
		payload := orderPayload("", 1)
		delete(payload, "guest_email")

		w := s.postJSON("/api/v1/orders", payload, map[string]string{"X-User-ID": "7", "X-User-Email": "c@example.com"})
		assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	})
}

func TestGetOrder(t *testing.T) {
	s := newTestServer(t)
	id := s.createOrder(t, "", 1)

	w := s.do(http.MethodGet, fmt.Sprintf("/api/v1/orders/%d", id), nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodGet, "/api/v1/orders/999999", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodGet, "/api/v1/orders/abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartPayment(t *testing.T) {
	s := newTestServer(t)
	id := s.createOrder(t, "", 1)
	path := fmt.Sprintf("/api/v1/orders/%d/start-payment", id)
	headers := map[string]string{"Idempotency-Key": "checkout-1"}

	first := s.do(http.MethodPost, path, nil, headers)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	second := s.do(http.MethodPost, path, nil, headers)
	require.Equal(t, http.StatusOK, second.Code)

	a, b := decode(t, first), decode(t, second)
	assert.Equal(t, a["client_secret"], b["client_secret"])
	assert.Equal(t, a["payment_id"], b["payment_id"])

	w := s.do(http.MethodPost, "/api/v1/orders/999999/start-payment", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartPayment_ProviderError(t *testing.T) {
	s := newTestServer(t)
	id := s.createOrder(t, "", 1)
	s.provider.IntentErr = errors.New("api_connection_error")

	w := s.do(http.MethodPost, fmt.Sprintf("/api/v1/orders/%d/start-payment", id), nil, map[string]string{"Idempotency-Key": "k"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = s.do(http.MethodPost, fmt.Sprintf("/api/v1/orders/%d/start-payment", id), nil, map[string]string{"Idempotency-Key": "k"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func webhookBody(eventID, eventType string, orderID int64, pi string) []byte {
	body, _ := json.Marshal(map[string]any{
		"id":   eventID,
		"type": eventType,
		"data": map[string]any{"object": map[string]any{
			"id":       pi,
			"metadata": map[string]string{"order_id": fmt.Sprint(orderID)},
		}},
	})
	return body
}

func TestStripeWebhook(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	sku := "SKU-A"
	require.NoError(t, s.store.CreateInventoryItem(ctx, &models.InventoryItem{
		Title: "Print", SKU: &sku, Price: decimal.RequireFromString("25.00"), Stock: 5,
	}))

	id := s.createOrder(t, "SKU-A", 3)
	w := s.do(http.MethodPost, fmt.Sprintf("/api/v1/orders/%d/start-payment", id), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	pi := s.store.Payments(id)[0].ProviderPaymentID

	body := webhookBody("evt_1", "payment_intent.succeeded", id, pi)

	w = s.do(http.MethodPost, "/api/v1/webhooks/stripe", body, map[string]string{"Stripe-Signature": "forged"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, s.store.EventCount())

	w = s.do(http.MethodPost, "/api/v1/webhooks/stripe", body, map[string]string{"Stripe-Signature": "valid"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"received": true}`, w.Body.String())

	w = s.do(http.MethodPost, "/api/v1/webhooks/stripe", body, map[string]string{"Stripe-Signature": "valid"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"received": true, "skipped": true}`, w.Body.String())

	inv, _ := s.store.Inventory("SKU-A")
	assert.Equal(t, 2, inv.Stock)
	assert.Len(t, s.notifier.Messages(), 1)

	w = s.do(http.MethodPost, "/api/v1/webhooks/stripe", webhookBody("evt_2", "customer.created", id, pi), map[string]string{"Stripe-Signature": "valid"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"received": true}`, w.Body.String())
}

func TestStripeWebhook_CoreFailureIs500(t *testing.T) {
	s := newTestServer(t)
	id := s.createOrder(t, "", 1)
	s.store.FailOn("MarkOrderReconciled", errors.New("connection reset"))

	w := s.do(http.MethodPost, "/api/v1/webhooks/stripe",
		webhookBody("evt_1", "payment_intent.succeeded", id, "pi_x"),
		map[string]string{"Stripe-Signature": "valid"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestReservations(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodGet, "/api/v1/reservations", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodGet, "/api/v1/reservations", nil, map[string]string{"X-User-ID": "7"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"reservations": []}`, w.Body.String())
}

func TestInventoryLookup(t *testing.T) {
	s := newTestServer(t)
	sku := "ONE-1"
	require.NoError(t, s.store.CreateInventoryItem(context.Background(), &models.InventoryItem{
		Title: "Original", SKU: &sku, Price: decimal.RequireFromString("900.00"), IsUnique: true, Stock: 1,
	}))

	w := s.do(http.MethodGet, "/api/v1/inventory/ONE-1", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "available", decode(t, w)["status"])

	w = s.do(http.MethodGet, "/api/v1/inventory/NOPE", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func (s *testServer) capturedPayment(t *testing.T, provider string) int64 {
	t.Helper()
	id := s.createOrder(t, "", 1)
	p := &models.PaymentRecord{
		OrderID:           id,
		Provider:          provider,
		ProviderPaymentID: "pi_live_1",
		Amount:            decimal.RequireFromString("25.00"),
		Currency:          "EUR",
		Status:            models.PaymentStatusSucceeded,
	}
	require.NoError(t, s.store.CreatePayment(context.Background(), p))
	return p.ID
}

func TestRefundPayment(t *testing.T) {
	s := newTestServer(t)
	paymentID := s.capturedPayment(t, models.ProviderStripe)
	path := fmt.Sprintf("/api/v1/admin/payments/%d/refund", paymentID)

	w := s.do(http.MethodPost, path, nil, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	staff := map[string]string{"X-Staff-Token": staffToken, "Idempotency-Key": "refund-1"}

	w = s.do(http.MethodPost, path, nil, staff)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	first := decode(t, w)
	assert.Equal(t, true, first["refunded"])
	assert.Equal(t, false, first["replayed"])

	w = s.do(http.MethodPost, path, nil, staff)
	require.Equal(t, http.StatusOK, w.Code)
	second := decode(t, w)
	assert.Equal(t, true, second["replayed"])
	assert.Equal(t, first["refund_id"], second["refund_id"])
	assert.Equal(t, first["response"], second["response"])

	_, refunds := s.provider.Calls()
	assert.Equal(t, 1, refunds)
}

func TestRefundPayment_Errors(t *testing.T) {
	s := newTestServer(t)
	staff := map[string]string{"X-Staff-Token": staffToken}

	w := s.do(http.MethodPost, "/api/v1/admin/payments/424242/refund", nil, staff)
	assert.Equal(t, http.StatusNotFound, w.Code)

	other := s.capturedPayment(t, "paypal")
	w = s.do(http.MethodPost, fmt.Sprintf("/api/v1/admin/payments/%d/refund", other), nil, staff)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Provider not supported", decode(t, w)["error"])

	paymentID := s.capturedPayment(t, models.ProviderStripe)
	s.provider.RefundErr = errors.New("charge_disputed")
	w = s.do(http.MethodPost, fmt.Sprintf("/api/v1/admin/payments/%d/refund", paymentID), nil, staff)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	s.provider.RefundErr = nil
	staff["Content-Type"] = "application/json"
	w = s.do(http.MethodPost, fmt.Sprintf("/api/v1/admin/payments/%d/refund", paymentID), []byte(`{"amount":"5.00"}`), staff)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Len(t, s.provider.RefundAmounts, 2)
	assert.Equal(t, int64(500), *s.provider.RefundAmounts[1])
}

func TestAdminOrders(t *testing.T) {
	s := newTestServer(t)
	staff := map[string]string{"X-Staff-Token": staffToken}

	a := s.createOrder(t, "", 1)
	b := s.createOrder(t, "", 1)

	w := s.postJSON("/api/v1/admin/orders/ship", map[string]any{"order_ids": []int64{a, b, 999999}}, staff)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(2), decode(t, w)["updated"])

	w = s.postJSON("/api/v1/admin/orders/ship", map[string]any{"order_ids": []int64{}}, map[string]string{"X-Staff-Token": staffToken})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	paymentID := s.capturedPayment(t, models.ProviderStripe)
	p, err := s.store.GetPaymentByID(context.Background(), paymentID)
	require.NoError(t, err)

	w = s.do(http.MethodPost, fmt.Sprintf("/api/v1/admin/orders/%d/refund", p.OrderID), nil, map[string]string{"X-Staff-Token": staffToken})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["refunded"])

	order, err := s.store.GetOrderByID(context.Background(), p.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusRefunded, order.Status)
}

func TestStaffRoutesDisabledWithoutToken(t *testing.T) {
	s := newTestServer(t)
	s.handler.cfg.StaffToken = ""
	router := gin.New()
	s.handler.SetupRoutes(router)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/orders/ship", bytes.NewReader([]byte(`{"order_ids":[1]}`)))
	req.Header.Set("X-Staff-Token", "")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
