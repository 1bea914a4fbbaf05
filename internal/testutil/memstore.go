// Package testutil provides in-memory collaborators for service and handler tests.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gallery-checkout/internal/models"
	"gallery-checkout/internal/store"
)

// MemStore is an in-memory store.Repository.
// Transactions are fully serialized, which is at least as strong as the
// row locks the Postgres store takes; writes inside a failed transaction
// are undone.
type MemStore struct {
	*memQuerier

	txMu sync.Mutex
	mu   sync.Mutex

	nextID       int64
	inventory    map[int64]*models.InventoryItem
	skuIndex     map[string]int64
	orders       map[int64]*models.Order
	orderItems   map[int64][]models.OrderItem
	addresses    map[int64][]models.Address
	payments     map[int64]*models.PaymentRecord
	events       map[string]models.ProcessedEvent
	reservations []models.Reservation
	failures     map[string]error
}

var _ store.Repository = (*MemStore)(nil)

func NewMemStore() *MemStore {
	m := &MemStore{
		inventory:  make(map[int64]*models.InventoryItem),
		skuIndex:   make(map[string]int64),
		orders:     make(map[int64]*models.Order),
		orderItems: make(map[int64][]models.OrderItem),
		addresses:  make(map[int64][]models.Address),
		payments:   make(map[int64]*models.PaymentRecord),
		events:     make(map[string]models.ProcessedEvent),
		failures:   make(map[string]error),
	}
	m.memQuerier = &memQuerier{s: m}
	return m
}

// FailOn makes every later call of op return err; a nil err clears it.
func (m *MemStore) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// RunInTx runs fn with exclusive access, undoing its writes when it fails.
func (m *MemStore) RunInTx(ctx context.Context, fn func(q store.Querier) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memQuerier{s: m, inTx: true}
	if err := fn(tx); err != nil {
		m.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		m.mu.Unlock()
		return err
	}
	return nil
}

// Inventory returns a copy of the item stored under sku
func (m *MemStore) Inventory(sku string) (models.InventoryItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.skuIndex[sku]
	if !ok {
		return models.InventoryItem{}, false
	}
	return *m.inventory[id], true
}

// Payments returns copies of every payment record for an order
func (m *MemStore) Payments(orderID int64) []models.PaymentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PaymentRecord
	for _, p := range m.payments {
		if p.OrderID == orderID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OrderCount is the number of stored orders
func (m *MemStore) OrderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

// EventCount is the number of ledger rows
func (m *MemStore) EventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

type memQuerier struct {
	s    *MemStore
	inTx bool
	undo []func()
}

// begin locks the data and reports an injected failure for op.
// Callers must unlock s.mu.
func (q *memQuerier) begin(op string) error {
	q.s.mu.Lock()
	return q.s.failures[op]
}

func (q *memQuerier) onRollback(fn func()) {
	if q.inTx {
		q.undo = append(q.undo, fn)
	}
}

func (q *memQuerier) id() int64 {
	q.s.nextID++
	return q.s.nextID
}

func eventKey(provider, eventID string) string {
	return provider + "\x00" + eventID
}

func (q *memQuerier) CreateInventoryItem(_ context.Context, item *models.InventoryItem) error {
	defer q.s.mu.Unlock()
	if err := q.begin("CreateInventoryItem"); err != nil {
		return err
	}
	if item.Status == "" {
		item.Status = models.InventoryStatusAvailable
	}
	if sku := item.GetSKU(); sku != "" {
		if _, exists := q.s.skuIndex[sku]; exists {
			return fmt.Errorf("sku %s: %w", sku, models.ErrDuplicate)
		}
	}
	now := time.Now().UTC()
	item.ID = q.id()
	item.CreatedAt, item.UpdatedAt = now, now
	stored := *item
	q.s.inventory[item.ID] = &stored
	if sku := item.GetSKU(); sku != "" {
		q.s.skuIndex[sku] = item.ID
	}
	q.onRollback(func() {
		delete(q.s.inventory, stored.ID)
		delete(q.s.skuIndex, stored.GetSKU())
	})
	return nil
}

func (q *memQuerier) GetInventoryBySKU(_ context.Context, sku string) (*models.InventoryItem, error) {
	defer q.s.mu.Unlock()
	if err := q.begin("GetInventoryBySKU"); err != nil {
		return nil, err
	}
	id, ok := q.s.skuIndex[sku]
	if !ok {
		return nil, fmt.Errorf("inventory not found for sku %s: %w", sku, models.ErrNotFound)
	}
	item := *q.s.inventory[id]
	return &item, nil
}

func (q *memQuerier) LockInventoryBySKUs(_ context.Context, skus []string) ([]models.InventoryItem, error) {
	defer q.s.mu.Unlock()
	if err := q.begin("LockInventoryBySKUs"); err != nil {
		return nil, err
	}
	items := []models.InventoryItem{}
	seen := make(map[string]bool)
	for _, sku := range skus {
		if seen[sku] {
			continue
		}
		seen[sku] = true
		if id, ok := q.s.skuIndex[sku]; ok {
			items = append(items, *q.s.inventory[id])
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].GetSKU() < items[j].GetSKU() })
	return items, nil
}

func (q *memQuerier) UpdateInventoryItem(_ context.Context, item *models.InventoryItem) error {
	defer q.s.mu.Unlock()
	if err := q.begin("UpdateInventoryItem"); err != nil {
		return err
	}
	stored, ok := q.s.inventory[item.ID]
	if !ok {
		return nil
	}
	if item.Stock < 0 {
		return fmt.Errorf("inventory %d: stock would go negative", item.ID)
	}
	prev := *stored
	stored.Stock, stored.Status, stored.UpdatedAt = item.Stock, item.Status, time.Now().UTC()
	q.onRollback(func() { *stored = prev })
	return nil
}

func (q *memQuerier) CreateOrder(_ context.Context, order *models.Order) error {
	defer q.s.mu.Unlock()
	if err := q.begin("CreateOrder"); err != nil {
		return err
	}
	if order.UserID == nil && (order.GuestEmail == nil || *order.GuestEmail == "") {
		return fmt.Errorf("orders_contact_present violated")
	}
	now := time.Now().UTC()
	order.ID = q.id()
	order.CreatedAt, order.UpdatedAt = now, now
	stored := *order
	q.s.orders[order.ID] = &stored
	q.onRollback(func() {
		delete(q.s.orders, stored.ID)
		delete(q.s.orderItems, stored.ID)
		delete(q.s.addresses, stored.ID)
	})
	return nil
}

func (q *memQuerier) AssignOrderNumber(_ context.Context, orderID int64) (string, error) {
	defer q.s.mu.Unlock()
	if err := q.begin("AssignOrderNumber"); err != nil {
		return "", err
	}
	order, ok := q.s.orders[orderID]
	if !ok {
		return "", fmt.Errorf("order not found: %d: %w", orderID, models.ErrNotFound)
	}
	if order.OrderNumber != nil {
		return *order.OrderNumber, nil
	}
	number := models.FormatOrderNumber(orderID)
	order.OrderNumber = &number
	q.onRollback(func() { order.OrderNumber = nil })
	return number, nil
}

func (q *memQuerier) getOrder(op string, id int64) (*models.Order, error) {
	defer q.s.mu.Unlock()
	if err := q.begin(op); err != nil {
		return nil, err
	}
	order, ok := q.s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order not found: %d: %w", id, models.ErrNotFound)
	}
	out := *order
	return &out, nil
}

func (q *memQuerier) GetOrderByID(_ context.Context, id int64) (*models.Order, error) {
	return q.getOrder("GetOrderByID", id)
}

func (q *memQuerier) GetOrderForUpdate(_ context.Context, id int64) (*models.Order, error) {
	return q.getOrder("GetOrderForUpdate", id)
}

func (q *memQuerier) UpdateOrderStatus(_ context.Context, orderID int64, status string) error {
	defer q.s.mu.Unlock()
	if err := q.begin("UpdateOrderStatus"); err != nil {
		return err
	}
	order, ok := q.s.orders[orderID]
	if !ok {
		return fmt.Errorf("order not found: %d: %w", orderID, models.ErrNotFound)
	}
	prev := *order
	order.Status, order.UpdatedAt = status, time.Now().UTC()
	q.onRollback(func() { *order = prev })
	return nil
}

func (q *memQuerier) MarkOrderReconciled(_ context.Context, orderID int64, status string, shortage bool) error {
	defer q.s.mu.Unlock()
	if err := q.begin("MarkOrderReconciled"); err != nil {
		return err
	}
	order, ok := q.s.orders[orderID]
	if !ok {
		return nil
	}
	prev := *order
	order.Status = status
	order.StockShortage = order.StockShortage || shortage
	order.UpdatedAt = time.Now().UTC()
	q.onRollback(func() { *order = prev })
	return nil
}

func (q *memQuerier) CreateOrderItem(_ context.Context, item *models.OrderItem) error {
	defer q.s.mu.Unlock()
	if err := q.begin("CreateOrderItem"); err != nil {
		return err
	}
	item.ID = q.id()
	orderID := item.OrderID
	prev := q.s.orderItems[orderID]
	q.s.orderItems[orderID] = append(append([]models.OrderItem(nil), prev...), *item)
	q.onRollback(func() { q.s.orderItems[orderID] = prev })
	return nil
}

func (q *memQuerier) GetOrderItemsByOrderID(_ context.Context, orderID int64) ([]models.OrderItem, error) {
	defer q.s.mu.Unlock()
	if err := q.begin("GetOrderItemsByOrderID"); err != nil {
		return nil, err
	}
	return append([]models.OrderItem(nil), q.s.orderItems[orderID]...), nil
}

func (q *memQuerier) CreateAddress(_ context.Context, addr *models.Address) error {
	defer q.s.mu.Unlock()
	if err := q.begin("CreateAddress"); err != nil {
		return err
	}
	addr.ID = q.id()
	addr.CreatedAt = time.Now().UTC()
	orderID := addr.OrderID
	prev := q.s.addresses[orderID]
	q.s.addresses[orderID] = append(append([]models.Address(nil), prev...), *addr)
	q.onRollback(func() { q.s.addresses[orderID] = prev })
	return nil
}

func (q *memQuerier) GetAddressesByOrderID(_ context.Context, orderID int64) ([]models.Address, error) {
	defer q.s.mu.Unlock()
	if err := q.begin("GetAddressesByOrderID"); err != nil {
		return nil, err
	}
	return append([]models.Address(nil), q.s.addresses[orderID]...), nil
}

func (q *memQuerier) CreatePayment(_ context.Context, payment *models.PaymentRecord) error {
	defer q.s.mu.Unlock()
	if err := q.begin("CreatePayment"); err != nil {
		return err
	}
	if payment.IdempotencyKey != nil {
		for _, p := range q.s.payments {
			if p.OrderID == payment.OrderID && p.IdempotencyKey != nil && *p.IdempotencyKey == *payment.IdempotencyKey {
				return fmt.Errorf("payment for order %d: %w", payment.OrderID, models.ErrDuplicate)
			}
		}
	}
	now := time.Now().UTC()
	payment.ID = q.id()
	payment.CreatedAt, payment.UpdatedAt = now, now
	stored := *payment
	q.s.payments[payment.ID] = &stored
	q.onRollback(func() { delete(q.s.payments, stored.ID) })
	return nil
}

func (q *memQuerier) getPayment(op string, id int64) (*models.PaymentRecord, error) {
	defer q.s.mu.Unlock()
	if err := q.begin(op); err != nil {
		return nil, err
	}
	p, ok := q.s.payments[id]
	if !ok {
		return nil, fmt.Errorf("payment not found: %d: %w", id, models.ErrNotFound)
	}
	out := *p
	return &out, nil
}

func (q *memQuerier) GetPaymentByID(_ context.Context, id int64) (*models.PaymentRecord, error) {
	return q.getPayment("GetPaymentByID", id)
}

func (q *memQuerier) GetPaymentForUpdate(_ context.Context, id int64) (*models.PaymentRecord, error) {
	return q.getPayment("GetPaymentForUpdate", id)
}

func (q *memQuerier) GetPaymentByIdempotencyKey(_ context.Context, orderID int64, key string) (*models.PaymentRecord, error) {
	defer q.s.mu.Unlock()
	if err := q.begin("GetPaymentByIdempotencyKey"); err != nil {
		return nil, err
	}
	for _, p := range q.s.payments {
		if p.OrderID == orderID && p.IdempotencyKey != nil && *p.IdempotencyKey == key {
			out := *p
			return &out, nil
		}
	}
	return nil, nil
}

func (q *memQuerier) GetPaymentsByOrderID(_ context.Context, orderID int64) ([]models.PaymentRecord, error) {
	defer q.s.mu.Unlock()
	if err := q.begin("GetPaymentsByOrderID"); err != nil {
		return nil, err
	}
	var out []models.PaymentRecord
	for _, p := range q.s.payments {
		if p.OrderID == orderID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (q *memQuerier) updatePayment(op string, id int64, fn func(p *models.PaymentRecord)) error {
	defer q.s.mu.Unlock()
	if err := q.begin(op); err != nil {
		return err
	}
	p, ok := q.s.payments[id]
	if !ok {
		return nil
	}
	prev := *p
	fn(p)
	p.UpdatedAt = time.Now().UTC()
	q.onRollback(func() { *p = prev })
	return nil
}

func (q *memQuerier) SetPaymentIntent(_ context.Context, paymentID int64, providerPaymentID, clientSecret string) error {
	return q.updatePayment("SetPaymentIntent", paymentID, func(p *models.PaymentRecord) {
		p.ProviderPaymentID = providerPaymentID
		p.ProviderClientSecret = &clientSecret
	})
}

func (q *memQuerier) UpdatePaymentStatus(_ context.Context, paymentID int64, status string) error {
	return q.updatePayment("UpdatePaymentStatus", paymentID, func(p *models.PaymentRecord) {
		p.Status = status
	})
}

func (q *memQuerier) MarkPaymentsSucceeded(_ context.Context, orderID int64, providerPaymentID string, raw models.JSONRaw) (int64, error) {
	defer q.s.mu.Unlock()
	if err := q.begin("MarkPaymentsSucceeded"); err != nil {
		return 0, err
	}
	var n int64
	for _, p := range q.s.payments {
		if p.OrderID != orderID || p.ProviderPaymentID != providerPaymentID || p.Status == models.PaymentStatusRefunded {
			continue
		}
		p := p
		prev := *p
		p.Status = models.PaymentStatusSucceeded
		if len(raw) > 0 {
			p.RawResponse = append(models.JSONRaw(nil), raw...)
		}
		q.onRollback(func() { *p = prev })
		n++
	}
	return n, nil
}

func (q *memQuerier) MarkPaymentRefunded(_ context.Context, paymentID int64, refundID string, raw models.JSONRaw, at time.Time) error {
	return q.updatePayment("MarkPaymentRefunded", paymentID, func(p *models.PaymentRecord) {
		p.Status = models.PaymentStatusRefunded
		p.ProviderRefundID = &refundID
		p.RawResponse = append(models.JSONRaw(nil), raw...)
		p.RefundedAt = &at
	})
}

func (q *memQuerier) IsEventProcessed(_ context.Context, provider, eventID string) (bool, error) {
	defer q.s.mu.Unlock()
	if err := q.begin("IsEventProcessed"); err != nil {
		return false, err
	}
	_, ok := q.s.events[eventKey(provider, eventID)]
	return ok, nil
}

func (q *memQuerier) MarkEventProcessed(_ context.Context, provider, eventID string, payload models.JSONRaw) (bool, error) {
	defer q.s.mu.Unlock()
	if err := q.begin("MarkEventProcessed"); err != nil {
		return false, err
	}
	key := eventKey(provider, eventID)
	if _, ok := q.s.events[key]; ok {
		return false, nil
	}
	q.s.events[key] = models.ProcessedEvent{
		ID: q.id(), Provider: provider, EventID: eventID, Payload: payload, CreatedAt: time.Now().UTC(),
	}
	q.onRollback(func() { delete(q.s.events, key) })
	return true, nil
}

func (q *memQuerier) CreateReservation(_ context.Context, r *models.Reservation) error {
	defer q.s.mu.Unlock()
	if err := q.begin("CreateReservation"); err != nil {
		return err
	}
	r.ID = q.id()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	n := len(q.s.reservations)
	q.s.reservations = append(q.s.reservations, *r)
	q.onRollback(func() { q.s.reservations = q.s.reservations[:n] })
	return nil
}

func (q *memQuerier) GetActiveReservations(_ context.Context, userID int64, now time.Time) ([]models.Reservation, error) {
	defer q.s.mu.Unlock()
	if err := q.begin("GetActiveReservations"); err != nil {
		return nil, err
	}
	out := []models.Reservation{}
	for _, r := range q.s.reservations {
		if r.UserID == userID && r.IsActive(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}
