package store

import (
	"context"
	"fmt"

	"gallery-checkout/internal/models"

	"github.com/jmoiron/sqlx"
)

// IsEventProcessed checks if an event has been processed
func (q *queries) IsEventProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	var exists bool
	err := sqlx.GetContext(ctx, q.ext, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE provider = $1 AND event_id = $2)",
		provider, eventID)
	return exists, err
}

// MarkEventProcessed records the event in the ledger.
// It reports false when the (provider, event_id) pair was already there.
func (q *queries) MarkEventProcessed(ctx context.Context, provider, eventID string, payload models.JSONRaw) (bool, error) {
	res, err := q.ext.ExecContext(ctx, `
		INSERT INTO processed_events (provider, event_id, payload) VALUES ($1, $2, $3)
		ON CONFLICT (provider, event_id) DO NOTHING`,
		provider, eventID, payload)
	if err != nil {
		return false, fmt.Errorf("failed to record event %s: %w", eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
