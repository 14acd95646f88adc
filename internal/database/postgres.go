package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/drluca/shopstream/orderprocessing/config"
	"github.com/drluca/shopstream/orderprocessing/internal/contracts"
	"github.com/drluca/shopstream/orderprocessing/internal/models"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq" // also registers the "postgres" driver
	"github.com/rs/zerolog/log"
)

// ErrOrderNotFound is returned by GetOrder for an unknown key.
var ErrOrderNotFound = errors.New("order not found")

// DB represents the database connection pool.
type DB struct {
	SQL *sqlx.DB
}

// InsertResult describes the outcome of InsertOrder.
type InsertResult struct {
	Record models.OrderRecord
	// Inserted is false when an identical order was already stored under the same key.
	Inserted bool
}

// New creates a new database connection pool.
func New(cfg config.Config) (*DB, error) {
	log.Info().Str("host", cfg.DBHost).Str("db", cfg.DBName).Msg("Connecting to database...")
	db, err := sqlx.Connect("postgres", cfg.PostgresDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetConnMaxLifetime(time.Minute * 3)
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxOpenConns)

	log.Info().Msg("Database connection successful.")
	return &DB{SQL: db}, nil
}

// Close gracefully closes the database connection.
func (db *DB) Close() {
	log.Info().Msg("Closing database connection.")
	if err := db.SQL.Close(); err != nil {
		log.Warn().Err(err).Msg("Error closing database connection")
	}
}

// Ping checks that the store is reachable.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.SQL.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", contracts.ErrStoreUnavailable, err)
	}
	return nil
}

const insertOrderQuery = `
INSERT INTO customer_order (order_key, order_id, customer_id, product_id, quantity, total_payment, status)
VALUES ($1, $2, $3, $4::varchar, $5::int,
        COALESCE((SELECT price FROM product WHERE product_id = $4::varchar), 0) * $5::int, $6)
ON CONFLICT (order_key) DO NOTHING
RETURNING order_key, order_id, customer_id, product_id, quantity, total_payment, order_timestamp, status`

const selectOrderQuery = `
SELECT order_key, order_id, customer_id, product_id, quantity, total_payment, order_timestamp, status
FROM customer_order WHERE order_key = $1`

// InsertOrder stores an order under rec.OrderKey. Replaying an identical order
// succeeds without writing; a different order under an existing key is a
// constraint violation.
func (db *DB) InsertOrder(ctx context.Context, rec models.OrderRecord) (InsertResult, error) {
	if rec.Status == "" {
		rec.Status = models.StatusInProgress
	}

	var stored models.OrderRecord
	err := db.SQL.GetContext(ctx, &stored, insertOrderQuery,
		rec.OrderKey, rec.OrderID, rec.CustomerID, rec.ProductID, rec.Quantity, rec.Status)
	if err == nil {
		return InsertResult{Record: stored, Inserted: true}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return InsertResult{}, classifyError(fmt.Sprintf("insert order %s", rec.OrderKey), err)
	}

	existing, err := db.GetOrder(ctx, rec.OrderKey)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			// Conflicting row vanished between statements; let the broker retry.
			return InsertResult{}, fmt.Errorf("%w: order %s conflicted but is not readable", contracts.ErrStoreUnavailable, rec.OrderKey)
		}
		return InsertResult{}, err
	}
	if !existing.SameOrder(rec) {
		return InsertResult{}, fmt.Errorf("%w: order key %s already stored for customer %s product %s quantity %d",
			contracts.ErrConstraintViolation, rec.OrderKey, existing.CustomerID, existing.ProductID, existing.Quantity)
	}

	log.Debug().Str("orderKey", rec.OrderKey).Msg("Order already stored, treating insert as replay")
	return InsertResult{Record: existing, Inserted: false}, nil
}

// GetOrder fetches a stored order by its idempotency key.
func (db *DB) GetOrder(ctx context.Context, orderKey string) (models.OrderRecord, error) {
	var rec models.OrderRecord
	err := db.SQL.GetContext(ctx, &rec, selectOrderQuery, orderKey)
	if errors.Is(err, sql.ErrNoRows) {
		return models.OrderRecord{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderKey)
	}
	if err != nil {
		return models.OrderRecord{}, classifyError(fmt.Sprintf("get order %s", orderKey), err)
	}
	return rec, nil
}

// classifyError sorts driver errors into the relay's taxonomy. Integrity
// constraint violations (class 23) and data the columns cannot hold (class 22,
// datatype mismatch) are permanent; everything else, including timeouts, is
// worth retrying.
func classifyError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code.Class() == "23":
			return fmt.Errorf("%w: %s: %s (%s)", contracts.ErrConstraintViolation, op, pqErr.Message, pqErr.Code)
		case pqErr.Code.Class() == "22" || pqErr.Code == "42804":
			return fmt.Errorf("%w: %s: %s (%s)", contracts.ErrInvalidOrderData, op, pqErr.Message, pqErr.Code)
		}
	}
	return fmt.Errorf("%w: %s: %w", contracts.ErrStoreUnavailable, op, err)
}
