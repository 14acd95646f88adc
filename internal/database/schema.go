package database

import (
	"context"
	"fmt"

	"github.com/drluca/shopstream/orderprocessing/internal/models"
	"github.com/rs/zerolog/log"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS customer (
		customer_id     VARCHAR(64) PRIMARY KEY,
		name            VARCHAR(64) NOT NULL,
		email           TEXT NOT NULL,
		password_client TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS product (
		product_id          VARCHAR(64) PRIMARY KEY,
		product_name        TEXT,
		product_description TEXT,
		price               NUMERIC(12, 2) NOT NULL DEFAULT 0
	)`,
	// No foreign keys; orders may name customers or products the catalog lacks.
	`CREATE TABLE IF NOT EXISTS customer_order (
		order_key       TEXT PRIMARY KEY,
		order_id        TEXT NOT NULL DEFAULT '',
		customer_id     VARCHAR(64) NOT NULL DEFAULT '',
		product_id      VARCHAR(64) NOT NULL DEFAULT '',
		quantity        INTEGER NOT NULL DEFAULT 0,
		total_payment   NUMERIC NOT NULL DEFAULT 0,
		order_timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
		status          TEXT NOT NULL DEFAULT 'In Progress'
			CHECK (status IN ('In Progress', 'Shipped', 'Complete'))
	)`,
	`CREATE INDEX IF NOT EXISTS customer_order_customer_ts_idx ON customer_order (customer_id, order_timestamp)`,
	`CREATE TABLE IF NOT EXISTS storage (
		product_id   VARCHAR(64) PRIMARY KEY REFERENCES product (product_id) ON DELETE CASCADE ON UPDATE CASCADE,
		quantity     INTEGER NOT NULL DEFAULT 0,
		threshold    INTEGER NOT NULL DEFAULT 0,
		restock_time INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS restock_requests (
		product_id VARCHAR(64) REFERENCES product (product_id) ON DELETE CASCADE ON UPDATE CASCADE,
		date_time  TIMESTAMPTZ NOT NULL DEFAULT now(),
		status     TEXT NOT NULL DEFAULT 'In Progress'
			CHECK (status IN ('In Progress', 'Shipped', 'Complete', 'Cancelled')),
		quantity   INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (product_id, date_time)
	)`,
}

// EnsureSchema creates the tables the relay and its neighbours rely on.
func (db *DB) EnsureSchema(ctx context.Context) error {
	tx, err := db.SQL.BeginTxx(ctx, nil)
	if err != nil {
		return classifyError("begin schema transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema: %w", err)
	}

	log.Info().Int("statements", len(schemaStatements)).Msg("Database schema ensured.")
	return nil
}

const insertProductQuery = `
INSERT INTO product (product_id, product_name, product_description, price)
VALUES (:product_id, :product_name, :product_description, :price)`

// SeedCatalog loads the default product catalog when the product table is
// empty. It returns the number of products inserted.
func (db *DB) SeedCatalog(ctx context.Context) (int, error) {
	tx, err := db.SQL.BeginTxx(ctx, nil)
	if err != nil {
		return 0, classifyError("begin seed transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var count int
	if err := tx.GetContext(ctx, &count, `SELECT COUNT(*) FROM product`); err != nil {
		return 0, fmt.Errorf("failed to count products: %w", err)
	}
	if count > 0 {
		log.Info().Int("products", count).Msg("Product catalog already populated, skipping seed.")
		return 0, nil
	}

	if _, err := tx.NamedExecContext(ctx, insertProductQuery, DefaultCatalog); err != nil {
		return 0, fmt.Errorf("failed to insert products: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit catalog: %w", err)
	}

	log.Info().Int("products", len(DefaultCatalog)).Msg("Product catalog seeded.")
	return len(DefaultCatalog), nil
}

// DefaultCatalog is the launch catalog.
var DefaultCatalog = []models.Product{
	{ProductID: "P0001", Name: "Toyota Camry", Price: 1825000,
		Description: "The Toyota Camry, a renowned car model, is the perfect blend of style and performance. This car offers a comfortable and efficient driving experience for those seeking both luxury and reliability."},
	{ProductID: "P0002", Name: "Ford F-150", Price: 2555000,
		Description: "The Ford F-150, is built to handle tough tasks with ease. Its robust build and powerful performance make it the ideal choice for work and adventure enthusiasts who require a dependable and rugged vehicle."},
	{ProductID: "P0003", Name: "Honda Civic", Price: 1460000,
		Description: "The Honda Civic, a classic car model, is synonymous with reliability and efficiency. Known for its fuel economy and sleek design, this car is a top pick for those who value practicality and style on the road."},
	{ProductID: "P0004", Name: "Chevrolet Silverado", Price: 2190000,
		Description: "The Chevrolet Silverado, a versatile truck model, is designed to tackle heavy-duty jobs with finesse. With its strong performance and spacious interior, this truck is perfect for individuals who demand power and comfort."},
	{ProductID: "P0005", Name: "BMW S1000RR", Price: 1500000,
		Description: "The BMW S1000RR is a high-performance sportbike that combines cutting-edge technology with thrilling speed. With its aerodynamic design and powerful engine, its the ultimate choice for motorcycle enthusiasts."},
	{ProductID: "P0006", Name: "Tesla Model 3", Price: 4500000,
		Description: "The Tesla Model 3 is an electric car that redefines sustainability and style. With its sleek design and advanced autopilot features, it offers a futuristic driving experience for eco-conscious individuals."},
	{ProductID: "P0007", Name: "Yamaha YZF R6", Price: 900000,
		Description: "The Yamaha YZF R6 is a sporty and agile motorcycle designed for adrenaline junkies. Its compact size and powerful engine make it perfect for both city commuting and track racing."},
	{ProductID: "P0008", Name: "Honda Accord", Price: 2600000,
		Description: "The Honda Accord is a reliable and stylish sedan known for its fuel efficiency and comfortable ride. With advanced safety features and modern design, its a top choice for those seeking a dependable daily driver."},
	{ProductID: "P0009", Name: "Ducati Multistrada V4", Price: 2200000,
		Description: "The Ducati Multistrada V4 is an adventure motorcycle built for versatility and performance. With its powerful engine and rugged design, its the perfect option for riders who enjoy both on and off-road journeys."},
	{ProductID: "P0010", Name: "Toyota Prius", Price: 2500000,
		Description: "The Toyota Prius is a hybrid car that sets the standard for fuel efficiency. With its eco-friendly features and practical design, its a great choice for environmentally conscious drivers."},
}
