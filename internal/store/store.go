package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"gallery-checkout/internal/models"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const uniqueViolation = "23505"

// Querier is every read and write the services perform.
// The same implementation runs against the pool and inside a transaction.
type Querier interface {
	CreateInventoryItem(ctx context.Context, item *models.InventoryItem) error
	GetInventoryBySKU(ctx context.Context, sku string) (*models.InventoryItem, error)
	LockInventoryBySKUs(ctx context.Context, skus []string) ([]models.InventoryItem, error)
	UpdateInventoryItem(ctx context.Context, item *models.InventoryItem) error

	CreateOrder(ctx context.Context, order *models.Order) error
	AssignOrderNumber(ctx context.Context, orderID int64) (string, error)
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderForUpdate(ctx context.Context, id int64) (*models.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, status string) error
	MarkOrderReconciled(ctx context.Context, orderID int64, status string, shortage bool) error
	CreateOrderItem(ctx context.Context, item *models.OrderItem) error
	GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	CreateAddress(ctx context.Context, addr *models.Address) error
	GetAddressesByOrderID(ctx context.Context, orderID int64) ([]models.Address, error)

	CreatePayment(ctx context.Context, payment *models.PaymentRecord) error
	GetPaymentByID(ctx context.Context, id int64) (*models.PaymentRecord, error)
	GetPaymentForUpdate(ctx context.Context, id int64) (*models.PaymentRecord, error)
	GetPaymentByIdempotencyKey(ctx context.Context, orderID int64, key string) (*models.PaymentRecord, error)
	GetPaymentsByOrderID(ctx context.Context, orderID int64) ([]models.PaymentRecord, error)
	SetPaymentIntent(ctx context.Context, paymentID int64, providerPaymentID, clientSecret string) error
	UpdatePaymentStatus(ctx context.Context, paymentID int64, status string) error
	MarkPaymentsSucceeded(ctx context.Context, orderID int64, providerPaymentID string, raw models.JSONRaw) (int64, error)
	MarkPaymentRefunded(ctx context.Context, paymentID int64, refundID string, raw models.JSONRaw, at time.Time) error

	IsEventProcessed(ctx context.Context, provider, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, provider, eventID string, payload models.JSONRaw) (bool, error)

	CreateReservation(ctx context.Context, r *models.Reservation) error
	GetActiveReservations(ctx context.Context, userID int64, now time.Time) ([]models.Reservation, error)
}

// Repository is a Querier that can also open a transaction.
type Repository interface {
	Querier
	RunInTx(ctx context.Context, fn func(q Querier) error) error
}

// queries holds the SQL; ext is either the pool or a transaction.
type queries struct {
	ext sqlx.ExtContext
}

type Store struct {
	*queries
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{queries: &queries{ext: db}, db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// Ping is used by the readiness probe
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RunInTx runs fn in a transaction, committing only when fn returns nil.
func (s *Store) RunInTx(ctx context.Context, fn func(q Querier) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&queries{ext: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Migrate brings the schema up to the latest embedded version.
// Applied versions are tracked in schema_migrations.
func (s *Store) Migrate(ctx context.Context) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		src.Close()
		return fmt.Errorf("failed to get migration connection: %w", err)
	}
	driver, err := migratepg.WithConnection(ctx, conn, &migratepg.Config{})
	if err != nil {
		conn.Close()
		src.Close()
		return fmt.Errorf("failed to init migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		driver.Close()
		src.Close()
		return fmt.Errorf("failed to init migrations: %w", err)
	}
	// closes the source and the dedicated connection, not the pool
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), models.ErrNotFound)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
