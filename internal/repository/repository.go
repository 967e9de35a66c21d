package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/cart-engine/internal/domain"
	"github.com/google/uuid"
)

var (
	ErrSessionNotFound = errors.New("cart session not found")
	ErrItemNotFound    = errors.New("item not found in cart")
)

// CartRepository is the hosted store behind a cart: sessions plus one row per
// (session, product). Every item write bumps the row version, deletes leave a
// tombstone, and the matching change event is recorded in the outbox.
// Consumers define this interface, not the database implementations
type CartRepository interface {
	CreateSession(ctx context.Context, ttl time.Duration) (domain.Session, error)
	GetSession(ctx context.Context, id string) (domain.Session, error)
	// ListItems returns live rows in the order they were added.
	ListItems(ctx context.Context, sessionID string) ([]domain.ItemRow, error)
	UpsertItem(ctx context.Context, row domain.ItemRow) (domain.ItemRow, error)
	DeleteItem(ctx context.Context, sessionID, productID string) (domain.ItemRow, error)
	PurgeExpiredSessions(ctx context.Context, before time.Time) (int64, error)
}

// OutboxRepository exposes change events not yet published to the feed.
type OutboxRepository interface {
	GetUnprocessedEvents(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkEventAsProcessed(ctx context.Context, id string) error
	PurgeProcessedEvents(ctx context.Context, before time.Time) (int64, error)
}

// Store is a complete backend, Postgres or MongoDB.
type Store interface {
	CartRepository
	OutboxRepository
	Close() error
}

type OutboxEvent struct {
	ID          string
	AggregateId string // session id, the feed partition key
	EventType   string
	Payload     json.RawMessage
	CreatedAt   time.Time
}

// newOutboxEvent wraps a stored row into the event other subscribers receive.
func newOutboxEvent(eventType domain.EventType, row domain.ItemRow, now time.Time) (*OutboxEvent, error) {
	// v7 ids sort in creation order, the Mongo outbox relies on it
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate event id: %w", err)
	}
	ev := domain.ChangeEvent{
		ID:         id.String(),
		Type:       eventType,
		SessionID:  row.SessionID,
		Row:        row,
		OccurredAt: now,
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal change event: %w", err)
	}
	return &OutboxEvent{
		ID:          ev.ID,
		AggregateId: row.SessionID,
		EventType:   string(eventType),
		Payload:     payload,
		CreatedAt:   now,
	}, nil
}

func newSession(ttl time.Duration) domain.Session {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return domain.Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}
