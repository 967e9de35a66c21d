package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/cart-engine/internal/catalog"
	"github.com/fjod/go_cart/cart-engine/internal/domain"
	"github.com/fjod/go_cart/cart-engine/internal/feed"
	r "github.com/fjod/go_cart/cart-engine/internal/repository"
	"github.com/fjod/go_cart/cart-engine/internal/service"
	"github.com/fjod/go_cart/cart-engine/pkg/circuitbreaker"
)

// Catalog is the stock source for validation.
type Catalog interface {
	GetProductStock(ctx context.Context, productID string) (domain.ProductSnapshot, error)
}

// Feed delivers change events of one session.
type Feed interface {
	Subscribe(ctx context.Context, sessionID string, onEvent func(domain.ChangeEvent)) (service.Subscription, error)
}

type hubFeed struct {
	hub *feed.Hub
}

// FromHub adapts a feed hub to Feed.
func FromHub(hub *feed.Hub) Feed {
	return hubFeed{hub: hub}
}

func (f hubFeed) Subscribe(ctx context.Context, sessionID string, onEvent func(domain.ChangeEvent)) (service.Subscription, error) {
	sub, err := f.hub.Subscribe(ctx, sessionID, onEvent)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Client is the remote collaborator of the cart engine: the cart store, the
// product catalog and the change feed, each store and catalog call guarded by
// a circuit breaker.
type Client struct {
	repo    r.CartRepository
	catalog Catalog
	feed    Feed

	storeBreaker   *circuitbreaker.Breaker
	catalogBreaker *circuitbreaker.Breaker
}

type BreakerConfig struct {
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

func NewClient(repo r.CartRepository, cat Catalog, f Feed, cfg BreakerConfig) *Client {
	storeCfg := circuitbreaker.DefaultConfig("cart-store")
	catalogCfg := circuitbreaker.DefaultConfig("catalog")
	if cfg.FailureThreshold > 0 {
		storeCfg.FailureThreshold = cfg.FailureThreshold
		catalogCfg.FailureThreshold = cfg.FailureThreshold
	}
	if cfg.OpenTimeout > 0 {
		storeCfg.Timeout = cfg.OpenTimeout
		catalogCfg.Timeout = cfg.OpenTimeout
	}
	return &Client{
		repo:           repo,
		catalog:        cat,
		feed:           f,
		storeBreaker:   circuitbreaker.New(storeCfg, service.ErrSessionNotFound, service.ErrItemNotFound),
		catalogBreaker: circuitbreaker.New(catalogCfg, service.ErrProductUnavailable),
	}
}

var _ service.Remote = (*Client)(nil)

func (c *Client) CreateSession(ctx context.Context, ttl time.Duration) (domain.Session, error) {
	return store(c, func() (domain.Session, error) {
		return c.repo.CreateSession(ctx, ttl)
	})
}

func (c *Client) GetSession(ctx context.Context, id string) (domain.Session, error) {
	return store(c, func() (domain.Session, error) {
		return c.repo.GetSession(ctx, id)
	})
}

func (c *Client) ListItems(ctx context.Context, sessionID string) ([]domain.ItemRow, error) {
	return store(c, func() ([]domain.ItemRow, error) {
		return c.repo.ListItems(ctx, sessionID)
	})
}

func (c *Client) UpsertItem(ctx context.Context, row domain.ItemRow) (domain.ItemRow, error) {
	return store(c, func() (domain.ItemRow, error) {
		return c.repo.UpsertItem(ctx, row)
	})
}

func (c *Client) DeleteItem(ctx context.Context, sessionID, productID string) (domain.ItemRow, error) {
	return store(c, func() (domain.ItemRow, error) {
		return c.repo.DeleteItem(ctx, sessionID, productID)
	})
}

func (c *Client) Subscribe(ctx context.Context, sessionID string, onEvent func(domain.ChangeEvent)) (service.Subscription, error) {
	return c.feed.Subscribe(ctx, sessionID, onEvent)
}

func (c *Client) GetProductStock(ctx context.Context, productID string) (domain.ProductSnapshot, error) {
	snap, err := circuitbreaker.Do(c.catalogBreaker, func() (domain.ProductSnapshot, error) {
		s, err := c.catalog.GetProductStock(ctx, productID)
		if errors.Is(err, catalog.ErrProductNotFound) {
			return s, fmt.Errorf("%w: %s", service.ErrProductUnavailable, productID)
		}
		return s, err
	})
	return snap, breakerError(err)
}

func store[T any](c *Client, fn func() (T, error)) (T, error) {
	v, err := circuitbreaker.Do(c.storeBreaker, func() (T, error) {
		v, err := fn()
		return v, mapStoreError(err)
	})
	return v, breakerError(err)
}

func mapStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, r.ErrSessionNotFound):
		return service.ErrSessionNotFound
	case errors.Is(err, r.ErrItemNotFound):
		return service.ErrItemNotFound
	default:
		return err
	}
}

func breakerError(err error) error {
	if circuitbreaker.IsOpen(err) {
		return fmt.Errorf("%w: %w", service.ErrRemoteUnavailable, err)
	}
	return err
}
