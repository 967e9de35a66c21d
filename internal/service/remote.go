package service

import (
	"context"
	"time"

	"github.com/fjod/go_cart/cart-engine/internal/domain"
)

// SessionRemote is the part of the remote collaborator the SessionStore needs.
type SessionRemote interface {
	CreateSession(ctx context.Context, ttl time.Duration) (domain.Session, error)
	// GetSession returns ErrSessionNotFound when the session row is gone.
	GetSession(ctx context.Context, id string) (domain.Session, error)
}

// Remote is the storage/feed collaborator consumed by CartService.
// Consumers define this interface, implementations live in internal/remote.
type Remote interface {
	SessionRemote
	ListItems(ctx context.Context, sessionID string) ([]domain.ItemRow, error)
	// UpsertItem writes row.Quantity/UnitPrice/Snapshot for (row.SessionID,
	// row.ProductID) and returns the stored row with its new version.
	UpsertItem(ctx context.Context, row domain.ItemRow) (domain.ItemRow, error)
	// DeleteItem returns the tombstone row carrying the delete's version,
	// or ErrItemNotFound when there was nothing to delete.
	DeleteItem(ctx context.Context, sessionID, productID string) (domain.ItemRow, error)
	Subscribe(ctx context.Context, sessionID string, onEvent func(domain.ChangeEvent)) (Subscription, error)
	GetProductStock(ctx context.Context, productID string) (domain.ProductSnapshot, error)
}

type Subscription interface {
	Unsubscribe()
}
