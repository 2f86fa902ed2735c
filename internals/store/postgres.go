package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"
	log "github.com/sirupsen/logrus"
)

const productsSchema = `CREATE TABLE IF NOT EXISTS products (
	seq      BIGSERIAL,
	id       TEXT PRIMARY KEY,
	name     TEXT NOT NULL,
	price    TEXT NOT NULL,
	quantity TEXT NOT NULL
)`

// PostgresStore keeps products in a "products" table. seq preserves insertion
// order so listings come out the same way the CSV store lists them.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgresStore connects to dsn and creates the products table if needed.
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, productsSchema); err != nil {
		return fmt.Errorf("migrate products table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Add(ctx context.Context, p Product) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO products (id, name, price, quantity)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, price = EXCLUDED.price, quantity = EXCLUDED.quantity`,
		p.ID, p.Name, p.Price, p.Quantity)
	if err != nil {
		return fmt.Errorf("upsert product %q: %w", p.ID, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM products WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete product %q: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	log.WithFields(log.Fields{"name": name, "removed": tag.RowsAffected()}).Debug("products deleted")
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Product, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, price, quantity FROM products ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var products []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Quantity); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
