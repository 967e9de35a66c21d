package service

import (
	"context"
	"sync"
	"time"

	"github.com/fjod/go_cart/cart-engine/internal/cache"
	"github.com/fjod/go_cart/cart-engine/internal/domain"
	"github.com/fjod/go_cart/cart-engine/internal/metrics"
	"github.com/fjod/go_cart/cart-engine/pkg/logger"
)

const (
	DefaultEventBuffer = 64
	DefaultIdleTimeout = 30 * time.Minute
)

type RegistryConfig struct {
	SessionTTL  time.Duration
	CallTimeout time.Duration
	EventBuffer int
	IdleTimeout time.Duration // unused carts are evicted after this long
	Now         func() time.Time
}

// Registry holds one CartService per client id and glues each one to the
// change feed: feed callbacks enqueue into a bounded channel and a pump
// goroutine feeds ApplyRemoteEvent in arrival order.
type Registry struct {
	ctx    context.Context
	remote Remote
	cache  cache.SessionCache
	cfg    RegistryConfig

	mu    sync.Mutex
	carts map[string]*cartEntry
}

type cartEntry struct {
	clientID string
	svc      *CartService
	ready    chan struct{}
	lastUsed time.Time // guarded by Registry.mu
	events   chan domain.ChangeEvent
	done     chan struct{}
	stopOnce sync.Once

	subMu sync.Mutex
	sub   Subscription
}

// NewRegistry creates a registry whose pumps and subscriptions live until ctx
// is cancelled or Close is called.
func NewRegistry(ctx context.Context, remote Remote, c cache.SessionCache, cfg RegistryConfig) *Registry {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		ctx:    ctx,
		remote: remote,
		cache:  c,
		cfg:    cfg,
		carts:  make(map[string]*cartEntry),
	}
}

// Get returns the cart of clientID, restoring its persisted session and
// remote items on first use.
func (r *Registry) Get(ctx context.Context, clientID string) (*CartService, error) {
	r.mu.Lock()
	entry, ok := r.carts[clientID]
	if ok {
		entry.lastUsed = r.cfg.Now()
		r.mu.Unlock()
		select {
		case <-entry.ready:
			return entry.svc, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	entry = r.newEntry(clientID)
	entry.lastUsed = r.cfg.Now()
	r.carts[clientID] = entry
	metrics.ActiveCarts.Set(float64(len(r.carts)))
	r.mu.Unlock()

	r.start(ctx, entry)
	return entry.svc, nil
}

func (r *Registry) newEntry(clientID string) *cartEntry {
	store := NewSessionStore(clientID, r.remote, r.cache, SessionOptions{
		TTL:         r.cfg.SessionTTL,
		CallTimeout: r.cfg.CallTimeout,
		Now:         r.cfg.Now,
	})
	svc := NewCartService(store, r.remote, Options{
		CallTimeout: r.cfg.CallTimeout,
		Now:         r.cfg.Now,
	})
	return &cartEntry{
		clientID: clientID,
		svc:      svc,
		ready:    make(chan struct{}),
		events:   make(chan domain.ChangeEvent, r.cfg.EventBuffer),
		done:     make(chan struct{}),
	}
}

func (r *Registry) start(ctx context.Context, entry *cartEntry) {
	defer close(entry.ready)

	go r.pump(entry)
	entry.svc.Sessions().OnChange(func(change SessionChange) {
		r.resubscribe(entry, change.Current)
	})

	// a cart that cannot be restored starts empty, the next mutation creates a session
	if err := entry.svc.Sessions().Restore(ctx); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("client_id", entry.clientID).Msg("restore cart session failed")
		return
	}
	if err := entry.svc.Resume(ctx); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("client_id", entry.clientID).Msg("resume cart items failed")
	}
}

func (r *Registry) pump(entry *cartEntry) {
	for {
		select {
		case ev := <-entry.events:
			entry.svc.ApplyRemoteEvent(ev)
		case <-entry.done:
			return
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Registry) resubscribe(entry *cartEntry, session *domain.Session) {
	entry.subMu.Lock()
	defer entry.subMu.Unlock()

	if entry.sub != nil {
		entry.sub.Unsubscribe()
		entry.sub = nil
	}
	if session == nil {
		return
	}
	select {
	case <-entry.done:
		return
	default:
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.callTimeout())
	defer cancel()
	sub, err := r.remote.Subscribe(ctx, session.ID, func(ev domain.ChangeEvent) {
		select {
		case entry.events <- ev:
		case <-entry.done:
		case <-r.ctx.Done():
		}
	})
	if err != nil {
		logger.Warn().Err(err).Str("session_id", session.ID).Msg("subscribe to cart changes failed")
		return
	}
	entry.sub = sub
}

func (r *Registry) callTimeout() time.Duration {
	if r.cfg.CallTimeout > 0 {
		return r.cfg.CallTimeout
	}
	return DefaultCallTimeout
}

// Evict stops the pump and subscription of clientID. The persisted session
// pointer is kept, so a later Get restores the same cart.
func (r *Registry) Evict(clientID string) {
	r.mu.Lock()
	entry, ok := r.carts[clientID]
	if ok {
		delete(r.carts, clientID)
		metrics.ActiveCarts.Set(float64(len(r.carts)))
	}
	r.mu.Unlock()

	if ok {
		r.stop(entry)
	}
}

// EvictIdle evicts carts unused for longer than IdleTimeout and carts whose
// session has expired. Carts with a mutation in flight are kept. It returns
// the number of evicted carts.
func (r *Registry) EvictIdle() int {
	now := r.cfg.Now()

	r.mu.Lock()
	var victims []*cartEntry
	for clientID, entry := range r.carts {
		select {
		case <-entry.ready:
		default:
			continue // still restoring
		}
		if !r.evictable(entry, now) || entry.svc.busy() {
			continue
		}
		delete(r.carts, clientID)
		victims = append(victims, entry)
	}
	metrics.ActiveCarts.Set(float64(len(r.carts)))
	r.mu.Unlock()

	for _, entry := range victims {
		r.stop(entry)
	}
	if len(victims) > 0 {
		metrics.CartsEvicted.Add(float64(len(victims)))
	}
	return len(victims)
}

func (r *Registry) evictable(entry *cartEntry, now time.Time) bool {
	if now.Sub(entry.lastUsed) >= r.cfg.IdleTimeout {
		return true
	}
	cur, ok := entry.svc.Sessions().Current()
	return ok && cur.IsExpiredAt(now)
}

// RunJanitor calls EvictIdle every interval until ctx is done.
func (r *Registry) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := r.EvictIdle(); n > 0 {
				logger.Debug().Int("evicted", n).Int("active", r.Len()).Msg("idle carts evicted")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.carts)
}

func (r *Registry) Close() {
	r.mu.Lock()
	entries := make([]*cartEntry, 0, len(r.carts))
	for _, entry := range r.carts {
		entries = append(entries, entry)
	}
	r.carts = make(map[string]*cartEntry)
	metrics.ActiveCarts.Set(0)
	r.mu.Unlock()

	for _, entry := range entries {
		r.stop(entry)
	}
}

func (r *Registry) stop(entry *cartEntry) {
	entry.stopOnce.Do(func() {
		<-entry.ready
		entry.subMu.Lock()
		if entry.sub != nil {
			entry.sub.Unsubscribe()
			entry.sub = nil
		}
		entry.subMu.Unlock()
		close(entry.done)
	})
}
