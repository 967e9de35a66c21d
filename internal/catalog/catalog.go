// Package catalog is the product catalog the cart validates against. It owns
// the authoritative stock, minimum and maximum order quantities.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fjod/go_cart/cart-engine/internal/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "modernc.org/sqlite"
)

var ErrProductNotFound = errors.New("product not found")

type SQLiteCatalog struct {
	db *sql.DB
}

func NewSQLiteCatalog(dbPath string) (*SQLiteCatalog, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// sqlite allows one writer, and ":memory:" is per connection
	db.SetMaxOpenConns(1)
	return &SQLiteCatalog{db: db}, nil
}

func (c *SQLiteCatalog) RunMigrations(migrationsPath string) error {
	driver, err := sqlite.WithInstance(c.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", migrationsPath),
		"sqlite",
		driver,
	)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", err)
	}

	return nil
}

func (c *SQLiteCatalog) GetProductStock(ctx context.Context, productID string) (domain.ProductSnapshot, error) {
	query := `
		SELECT id, name, price, stock, min_order, max_order, available
		FROM products
		WHERE id = ?
	`

	p, err := scanProduct(c.db.QueryRowContext(ctx, query, productID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ProductSnapshot{}, ErrProductNotFound
	}
	if err != nil {
		return domain.ProductSnapshot{}, fmt.Errorf("failed to query product: %w", err)
	}
	return p, nil
}

func (c *SQLiteCatalog) ListProducts(ctx context.Context) ([]domain.ProductSnapshot, error) {
	query := `
		SELECT id, name, price, stock, min_order, max_order, available
		FROM products
		ORDER BY id
	`

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var products []domain.ProductSnapshot
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return products, nil
}

// SetStock overwrites the stock level; a product with no stock left is still
// listed but no longer passes validation.
func (c *SQLiteCatalog) SetStock(ctx context.Context, productID string, stock int) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE products SET stock = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, stock, productID)
	if err != nil {
		return fmt.Errorf("failed to update stock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update stock: %w", err)
	}
	if n == 0 {
		return ErrProductNotFound
	}
	return nil
}

func (c *SQLiteCatalog) UpsertProduct(ctx context.Context, p domain.ProductSnapshot) error {
	query := `
		INSERT INTO products (id, name, price, stock, min_order, max_order, available)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			price = excluded.price,
			stock = excluded.stock,
			min_order = excluded.min_order,
			max_order = excluded.max_order,
			available = excluded.available,
			updated_at = CURRENT_TIMESTAMP
	`
	_, err := c.db.ExecContext(ctx, query,
		p.ProductID, p.Name, p.Price.String(), p.Stock, p.MinOrder, p.MaxOrder, p.Available)
	if err != nil {
		return fmt.Errorf("failed to upsert product: %w", err)
	}
	return nil
}

func (c *SQLiteCatalog) Close() error {
	return c.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(s rowScanner) (domain.ProductSnapshot, error) {
	var p domain.ProductSnapshot
	err := s.Scan(
		&p.ProductID,
		&p.Name,
		&p.Price,
		&p.Stock,
		&p.MinOrder,
		&p.MaxOrder,
		&p.Available,
	)
	return p, err
}
