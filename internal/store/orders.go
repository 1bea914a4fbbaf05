package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"gallery-checkout/internal/models"

	"github.com/jmoiron/sqlx"
)

const orderColumns = `id, order_number, user_id, user_email, guest_email, status, total, currency,
	stock_shortage, created_at, updated_at`

// CreateOrder creates a new order
func (q *queries) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (user_id, user_email, guest_email, status, total, currency, stock_shortage)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`

	return sqlx.GetContext(ctx, q.ext, order, query,
		order.UserID, order.UserEmail, order.GuestEmail, order.Status,
		order.Total, order.Currency, order.StockShortage)
}

// AssignOrderNumber sets ORD-<id> once; later calls return the stored number.
func (q *queries) AssignOrderNumber(ctx context.Context, orderID int64) (string, error) {
	var number string
	err := sqlx.GetContext(ctx, q.ext, &number, `
		UPDATE orders SET order_number = $1, updated_at = NOW()
		WHERE id = $2 AND order_number IS NULL
		RETURNING order_number`,
		models.FormatOrderNumber(orderID), orderID)
	if err == nil {
		return number, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to assign order number: %w", err)
	}

	err = sqlx.GetContext(ctx, q.ext, &number,
		"SELECT order_number FROM orders WHERE id = $1", orderID)
	if err != nil {
		return "", notFound(err, "order not found: %d", orderID)
	}
	return number, nil
}

// GetOrderByID retrieves an order by ID
func (q *queries) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := sqlx.GetContext(ctx, q.ext, &order,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
	if err != nil {
		return nil, notFound(err, "order not found: %d", id)
	}
	return &order, nil
}

// GetOrderForUpdate retrieves an order and holds its row lock until the transaction ends
func (q *queries) GetOrderForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := sqlx.GetContext(ctx, q.ext, &order,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", id)
	if err != nil {
		return nil, notFound(err, "order not found: %d", id)
	}
	return &order, nil
}

// UpdateOrderStatus updates order status
func (q *queries) UpdateOrderStatus(ctx context.Context, orderID int64, status string) error {
	res, err := q.ext.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2",
		status, orderID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("order not found: %d: %w", orderID, models.ErrNotFound)
	}
	return nil
}

// MarkOrderReconciled sets the post-payment status; the shortage flag is never cleared.
func (q *queries) MarkOrderReconciled(ctx context.Context, orderID int64, status string, shortage bool) error {
	_, err := q.ext.ExecContext(ctx, `
		UPDATE orders SET status = $1, stock_shortage = stock_shortage OR $2, updated_at = NOW()
		WHERE id = $3`,
		status, shortage, orderID)
	return err
}

// CreateOrderItem creates a new order item
func (q *queries) CreateOrderItem(ctx context.Context, item *models.OrderItem) error {
	query := `
		INSERT INTO order_items (order_id, product_title, product_sku, product_status, unit_price, quantity)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	return sqlx.GetContext(ctx, q.ext, &item.ID, query,
		item.OrderID, item.ProductTitle, item.ProductSKU, item.ProductStatus, item.UnitPrice, item.Quantity)
}

// GetOrderItemsByOrderID retrieves all items for an order
func (q *queries) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := sqlx.SelectContext(ctx, q.ext, &items, `
		SELECT id, order_id, product_title, product_sku, product_status, unit_price, quantity
		FROM order_items WHERE order_id = $1 ORDER BY id`, orderID)
	return items, err
}

// CreateAddress stores a shipping or billing address
func (q *queries) CreateAddress(ctx context.Context, addr *models.Address) error {
	query := `
		INSERT INTO addresses (order_id, address_type, full_name, line1, line2, city, region, postal_code, country, phone)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at`

	return sqlx.GetContext(ctx, q.ext, addr, query,
		addr.OrderID, addr.AddressType, addr.FullName, addr.Line1, addr.Line2,
		addr.City, addr.Region, addr.PostalCode, addr.Country, addr.Phone)
}

// GetAddressesByOrderID retrieves the addresses of an order
func (q *queries) GetAddressesByOrderID(ctx context.Context, orderID int64) ([]models.Address, error) {
	var addrs []models.Address
	err := sqlx.SelectContext(ctx, q.ext, &addrs, `
		SELECT id, order_id, address_type, full_name, line1, line2, city, region, postal_code, country, phone, created_at
		FROM addresses WHERE order_id = $1 ORDER BY id`, orderID)
	return addrs, err
}
