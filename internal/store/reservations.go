package store

import (
	"context"
	"time"

	"gallery-checkout/internal/models"

	"github.com/jmoiron/sqlx"
)

// CreateReservation stores an advisory reservation
func (q *queries) CreateReservation(ctx context.Context, r *models.Reservation) error {
	query := `
		INSERT INTO reservations (user_id, order_id, product_title, product_sku, quantity, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`

	return sqlx.GetContext(ctx, q.ext, r, query,
		r.UserID, r.OrderID, r.ProductTitle, r.ProductSKU, r.Quantity, r.ExpiresAt)
}

// GetActiveReservations lists the user's reservations that expire after now
func (q *queries) GetActiveReservations(ctx context.Context, userID int64, now time.Time) ([]models.Reservation, error) {
	var reservations []models.Reservation
	err := sqlx.SelectContext(ctx, q.ext, &reservations, `
		SELECT id, user_id, order_id, product_title, product_sku, quantity, expires_at, created_at
		FROM reservations WHERE user_id = $1 AND expires_at > $2
		ORDER BY expires_at`, userID, now)
	return reservations, err
}
