package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/cart-engine/internal/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/lib/pq"
)

const (
	pqForeignKeyViolation = "23503"
)

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(ctx context.Context, cred *Credentials) (*PostgresRepository, error) {
	db, err := openPostgres(ctx, cred)
	if err != nil {
		return nil, err
	}
	return &PostgresRepository{db: db}, nil
}

func (r *PostgresRepository) RunMigrations(cred *Credentials) error {
	driver, err := postgres.WithInstance(r.db, &postgres.Config{
		MigrationsTable: "cart_schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", cred.MigrationsDirPath),
		"postgres",
		driver,
	)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if e2 := m.Up(); e2 != nil && !errors.Is(e2, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", e2)
	}

	return nil
}

func (r *PostgresRepository) CreateSession(ctx context.Context, ttl time.Duration) (domain.Session, error) {
	session := newSession(ttl)

	query := `INSERT INTO cart_sessions (id, created_at, expires_at) VALUES ($1, $2, $3)`
	if _, err := r.db.ExecContext(ctx, query, session.ID, session.CreatedAt, session.ExpiresAt); err != nil {
		return domain.Session{}, fmt.Errorf("insert session: %w", err)
	}
	return session, nil
}

func (r *PostgresRepository) GetSession(ctx context.Context, id string) (domain.Session, error) {
	query := `SELECT id, created_at, expires_at FROM cart_sessions WHERE id = $1`

	var session domain.Session
	err := r.db.QueryRowContext(ctx, query, id).Scan(&session.ID, &session.CreatedAt, &session.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("query session: %w", err)
	}
	return session, nil
}

func (r *PostgresRepository) ListItems(ctx context.Context, sessionID string) ([]domain.ItemRow, error) {
	query := `SELECT session_id, product_id, quantity, unit_price, snapshot, version, deleted, updated_at
	          FROM cart_items WHERE session_id = $1 AND NOT deleted ORDER BY added_at, product_id`

	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var items []domain.ItemRow
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item row: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return items, nil
}

// UpsertItem writes the row and its outbox event in one transaction. A
// previously deleted row comes back as an INSERT with a higher version.
func (r *PostgresRepository) UpsertItem(ctx context.Context, row domain.ItemRow) (domain.ItemRow, error) {
	snapshotJSON, err := json.Marshal(row.Snapshot)
	if err != nil {
		return domain.ItemRow{}, fmt.Errorf("marshal snapshot: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ItemRow{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var live bool
	err = tx.QueryRowContext(ctx,
		`SELECT NOT deleted FROM cart_items WHERE session_id = $1 AND product_id = $2 FOR UPDATE`,
		row.SessionID, row.ProductID).Scan(&live)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return domain.ItemRow{}, fmt.Errorf("lock item: %w", err)
	}
	eventType := domain.EventInsert
	if live {
		eventType = domain.EventUpdate
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	query := `INSERT INTO cart_items (session_id, product_id, quantity, unit_price, snapshot, version, deleted, added_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, 1, FALSE, $6, $6)
	          ON CONFLICT (session_id, product_id) DO UPDATE SET
	              quantity = EXCLUDED.quantity,
	              unit_price = EXCLUDED.unit_price,
	              snapshot = EXCLUDED.snapshot,
	              version = cart_items.version + 1,
	              added_at = CASE WHEN cart_items.deleted THEN EXCLUDED.added_at ELSE cart_items.added_at END,
	              deleted = FALSE,
	              updated_at = EXCLUDED.updated_at
	          RETURNING version`

	var version int64
	err = tx.QueryRowContext(ctx, query,
		row.SessionID,
		row.ProductID,
		row.Quantity,
		row.UnitPrice,
		snapshotJSON,
		now).Scan(&version)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqForeignKeyViolation {
			return domain.ItemRow{}, ErrSessionNotFound
		}
		return domain.ItemRow{}, fmt.Errorf("upsert item: %w", err)
	}

	stored := row
	stored.Version = version
	stored.Deleted = false
	stored.UpdatedAt = now

	if err := insertOutbox(ctx, tx, eventType, stored, now); err != nil {
		return domain.ItemRow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ItemRow{}, fmt.Errorf("commit upsert: %w", err)
	}
	return stored, nil
}

// DeleteItem turns the row into a tombstone so its version keeps growing if
// the product is added again.
func (r *PostgresRepository) DeleteItem(ctx context.Context, sessionID, productID string) (domain.ItemRow, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ItemRow{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Truncate(time.Microsecond)
	query := `UPDATE cart_items SET deleted = TRUE, quantity = 0, version = version + 1, updated_at = $3
	          WHERE session_id = $1 AND product_id = $2 AND NOT deleted
	          RETURNING session_id, product_id, quantity, unit_price, snapshot, version, deleted, updated_at`

	stored, err := scanItem(tx.QueryRowContext(ctx, query, sessionID, productID, now))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ItemRow{}, ErrItemNotFound
	}
	if err != nil {
		return domain.ItemRow{}, fmt.Errorf("delete item: %w", err)
	}

	if err := insertOutbox(ctx, tx, domain.EventDelete, stored, now); err != nil {
		return domain.ItemRow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ItemRow{}, fmt.Errorf("commit delete: %w", err)
	}
	return stored, nil
}

// PurgeExpiredSessions removes sessions that expired before the given
// instant, their items go with them.
func (r *PostgresRepository) PurgeExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM cart_sessions WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return res.RowsAffected()
}

func (r *PostgresRepository) GetUnprocessedEvents(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	query := `SELECT id, aggregate_id, event_type, payload, created_at
	          FROM cart_outbox WHERE processed_at IS NULL ORDER BY seq LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var events []*OutboxEvent
	for rows.Next() {
		var ev OutboxEvent
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.AggregateId, &ev.EventType, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		ev.Payload = payload
		events = append(events, &ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return events, nil
}

func (r *PostgresRepository) MarkEventAsProcessed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE cart_outbox SET processed_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark outbox event: %w", err)
	}
	return nil
}

func (r *PostgresRepository) PurgeProcessedEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM cart_outbox WHERE processed_at IS NOT NULL AND processed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge outbox: %w", err)
	}
	return res.RowsAffected()
}

func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

func insertOutbox(ctx context.Context, tx *sql.Tx, eventType domain.EventType, row domain.ItemRow, now time.Time) error {
	ev, err := newOutboxEvent(eventType, row, now)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO cart_outbox (id, aggregate_id, event_type, payload, created_at) VALUES ($1, $2, $3, $4, $5)`,
		ev.ID, ev.AggregateId, ev.EventType, []byte(ev.Payload), ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(s rowScanner) (domain.ItemRow, error) {
	var item domain.ItemRow
	var snapshotJSON []byte
	if err := s.Scan(
		&item.SessionID,
		&item.ProductID,
		&item.Quantity,
		&item.UnitPrice,
		&snapshotJSON,
		&item.Version,
		&item.Deleted,
		&item.UpdatedAt,
	); err != nil {
		return domain.ItemRow{}, err
	}
	if err := json.Unmarshal(snapshotJSON, &item.Snapshot); err != nil {
		return domain.ItemRow{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return item, nil
}
