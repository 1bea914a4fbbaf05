package store

import (
	"context"
	"fmt"

	"gallery-checkout/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const inventoryColumns = `id, title, sku, price, stock, status, is_unique, created_at, updated_at`

// CreateInventoryItem inserts a catalog entry
func (q *queries) CreateInventoryItem(ctx context.Context, item *models.InventoryItem) error {
	if item.Status == "" {
		item.Status = models.InventoryStatusAvailable
	}
	query := `
		INSERT INTO inventory_items (title, sku, price, stock, status, is_unique)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`

	return sqlx.GetContext(ctx, q.ext, item, query,
		item.Title, item.SKU, item.Price, item.Stock, item.Status, item.IsUnique)
}

// GetInventoryBySKU retrieves inventory for a SKU
func (q *queries) GetInventoryBySKU(ctx context.Context, sku string) (*models.InventoryItem, error) {
	var item models.InventoryItem
	err := sqlx.GetContext(ctx, q.ext, &item,
		"SELECT "+inventoryColumns+" FROM inventory_items WHERE sku = $1", sku)
	if err != nil {
		return nil, notFound(err, "inventory not found for sku %s", sku)
	}
	return &item, nil
}

// LockInventoryBySKUs locks the rows for skus (FOR UPDATE).
// Rows are locked in SKU order so concurrent callers cannot deadlock;
// SKUs without a row are simply absent from the result.
func (q *queries) LockInventoryBySKUs(ctx context.Context, skus []string) ([]models.InventoryItem, error) {
	if len(skus) == 0 {
		return []models.InventoryItem{}, nil
	}

	var items []models.InventoryItem
	err := sqlx.SelectContext(ctx, q.ext, &items,
		"SELECT "+inventoryColumns+" FROM inventory_items WHERE sku = ANY($1) ORDER BY sku FOR UPDATE",
		pq.Array(skus))
	if err != nil {
		return nil, fmt.Errorf("failed to lock inventory: %w", err)
	}
	return items, nil
}

// UpdateInventoryItem persists stock and status
func (q *queries) UpdateInventoryItem(ctx context.Context, item *models.InventoryItem) error {
	_, err := q.ext.ExecContext(ctx,
		"UPDATE inventory_items SET stock = $1, status = $2, updated_at = NOW() WHERE id = $3",
		item.Stock, item.Status, item.ID)
	return err
}
