package service

import (
	"context"
	"fmt"

	"gallery-checkout/internal/models"
	"gallery-checkout/internal/store"
	"gallery-checkout/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// InventoryService exposes the inventory ledger
type InventoryService struct {
	store  store.Repository
	logger *zap.Logger
}

// NewInventoryService creates a new inventory service
func NewInventoryService(repo store.Repository) *InventoryService {
	return &InventoryService{
		store:  repo,
		logger: util.GetLogger(),
	}
}

// LookupBySKU retrieves the current inventory row for sku
func (is *InventoryService) LookupBySKU(ctx context.Context, sku string) (*models.InventoryItem, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.LookupBySKU", attribute.String("sku", sku))
	defer span.End()

	return is.store.GetInventoryBySKU(ctx, sku)
}

// LockAndMutate runs fn over the locked rows for skus in its own transaction
func (is *InventoryService) LockAndMutate(ctx context.Context, skus []string, fn func(items map[string]*models.InventoryItem) error) error {
	ctx, span := util.StartSpan(ctx, "InventoryService.LockAndMutate")
	defer span.End()

	return is.store.RunInTx(ctx, func(q store.Querier) error {
		return lockAndMutate(ctx, q, skus, fn)
	})
}

// lockAndMutate locks the rows for skus inside the caller's transaction,
// hands them to fn keyed by SKU, and writes back every row fn changed.
// SKUs without a row are absent from the map.
func lockAndMutate(ctx context.Context, q store.Querier, skus []string, fn func(items map[string]*models.InventoryItem) error) error {
	locked, err := q.LockInventoryBySKUs(ctx, skus)
	if err != nil {
		return err
	}

	before := make(map[string]models.InventoryItem, len(locked))
	bySKU := make(map[string]*models.InventoryItem, len(locked))
	for i := range locked {
		sku := locked[i].GetSKU()
		before[sku] = locked[i]
		bySKU[sku] = &locked[i]
	}

	if err := fn(bySKU); err != nil {
		return err
	}

	for sku, item := range bySKU {
		prev := before[sku]
		if prev.Stock == item.Stock && prev.Status == item.Status {
			continue
		}
		if err := q.UpdateInventoryItem(ctx, item); err != nil {
			return fmt.Errorf("failed to update inventory %s: %w", sku, err)
		}
	}
	return nil
}
