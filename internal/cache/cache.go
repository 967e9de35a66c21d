package cache

import (
	"context"
	"errors"

	"github.com/fjod/go_cart/cart-engine/internal/domain"
)

// SessionCache persists the active session pointer {id, created, expires}
// for a client context, the server-side stand-in for browser local storage.
type SessionCache interface {
	Get(ctx context.Context, clientID string) (*domain.Session, error)
	Set(ctx context.Context, clientID string, session *domain.Session) error
	Delete(ctx context.Context, clientID string) error
}

var ErrCacheMiss = errors.New("cache miss")
