package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fjod/go_cart/cart-engine/internal/cache"
	"github.com/fjod/go_cart/cart-engine/internal/domain"
	"github.com/fjod/go_cart/cart-engine/internal/metrics"
	"github.com/fjod/go_cart/cart-engine/pkg/logger"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultSessionTTL  = 5 * time.Hour
	DefaultCallTimeout = 5 * time.Second
)

type Reason string

const (
	ReasonCreated  Reason = "created"
	ReasonRestored Reason = "restored"
	ReasonExpired  Reason = "expired"
	ReasonCleared  Reason = "cleared"
	ReasonLogout   Reason = "logout"
	ReasonNotFound Reason = "not_found"
)

// SessionChange is delivered to observers whenever the active session of a
// client context changes. Previous is nil for a first session, Current is nil
// when the session was dropped without a replacement.
type SessionChange struct {
	Previous *domain.Session
	Current  *domain.Session
	Reason   Reason
}

type SessionOptions struct {
	TTL         time.Duration
	CallTimeout time.Duration
	Now         func() time.Time
}

// SessionStore owns the single active session of one client context and its
// persisted pointer in the SessionCache.
type SessionStore struct {
	clientID string
	remote   SessionRemote
	cache    cache.SessionCache
	ttl      time.Duration
	timeout  time.Duration
	now      func() time.Time
	sfg      singleflight.Group // one creation for concurrent callers

	mu        sync.Mutex
	current   *domain.Session
	observers []func(SessionChange)
}

func NewSessionStore(clientID string, remote SessionRemote, c cache.SessionCache, opts SessionOptions) *SessionStore {
	if opts.TTL <= 0 {
		opts.TTL = DefaultSessionTTL
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &SessionStore{
		clientID: clientID,
		remote:   remote,
		cache:    c,
		ttl:      opts.TTL,
		timeout:  opts.CallTimeout,
		now:      opts.Now,
	}
}

// OnChange registers fn to be called after every session change. Observers
// run on the goroutine that caused the change, outside the store's lock.
func (s *SessionStore) OnChange(fn func(SessionChange)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

func (s *SessionStore) IsExpired(session domain.Session) bool {
	return session.IsExpiredAt(s.now())
}

// Current returns the active session, which may already be expired.
func (s *SessionStore) Current() (domain.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return domain.Session{}, false
	}
	return *s.current, true
}

func (s *SessionStore) TTL() time.Duration {
	return s.ttl
}

// EnsureSession returns a live session, creating one when none exists or the
// current one has expired.
func (s *SessionStore) EnsureSession(ctx context.Context) (domain.Session, error) {
	if cur, ok := s.Current(); ok && !s.IsExpired(cur) {
		return cur, nil
	}

	v, err, _ := s.sfg.Do(s.clientID, func() (interface{}, error) {
		return s.create(ctx)
	})
	if err != nil {
		return domain.Session{}, err
	}
	return v.(domain.Session), nil
}

func (s *SessionStore) create(ctx context.Context) (domain.Session, error) {
	s.mu.Lock()
	prev := s.current
	s.mu.Unlock()
	if prev != nil && !s.IsExpired(*prev) {
		return *prev, nil
	}

	reason := ReasonCreated
	if prev != nil {
		reason = ReasonExpired
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	session, err := s.remote.CreateSession(callCtx, s.ttl)
	cancel()
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("client_id", s.clientID).Msg("create cart session failed")
		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
		s.dropCache(ctx)
		if prev != nil {
			s.notify(SessionChange{Previous: prev, Reason: reason})
		}
		return domain.Session{}, fmt.Errorf("%w: %w", ErrSessionCreationFailed, err)
	}

	if errSet := s.cache.Set(ctx, s.clientID, &session); errSet != nil {
		logger.Ctx(ctx).Warn().Err(errSet).Str("session_id", session.ID).Msg("persist cart session failed")
	}

	s.mu.Lock()
	s.current = &session
	s.mu.Unlock()

	metrics.SessionsCreated.Inc()
	if prev != nil {
		metrics.SessionsReset.WithLabelValues(string(reason)).Inc()
	}
	logger.Ctx(ctx).Info().
		Str("client_id", s.clientID).
		Str("session_id", session.ID).
		Time("expires_at", session.ExpiresAt).
		Str("reason", string(reason)).
		Msg("cart session started")

	s.notify(SessionChange{Previous: prev, Current: &session, Reason: reason})
	return session, nil
}

// Reset drops the active session and its persisted pointer. The next
// EnsureSession creates a fresh one.
func (s *SessionStore) Reset(ctx context.Context, reason Reason) {
	s.mu.Lock()
	prev := s.current
	s.current = nil
	s.mu.Unlock()

	s.dropCache(ctx)
	if prev == nil {
		return
	}

	metrics.SessionsReset.WithLabelValues(string(reason)).Inc()
	logger.Ctx(ctx).Info().Str("session_id", prev.ID).Str("reason", string(reason)).Msg("cart session reset")
	s.notify(SessionChange{Previous: prev, Reason: reason})
}

// Restore loads the persisted session pointer and verifies it with the
// remote store. A missing, expired or unknown session leaves the store empty.
func (s *SessionStore) Restore(ctx context.Context) error {
	cached, err := s.cache.Get(ctx, s.clientID)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load cart session: %w", err)
	}

	if s.IsExpired(*cached) {
		logger.Ctx(ctx).Debug().Str("session_id", cached.ID).Msg("cached cart session expired")
		s.dropCache(ctx)
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	session, err := s.remote.GetSession(callCtx, cached.ID)
	cancel()
	if errors.Is(err, ErrSessionNotFound) {
		logger.Ctx(ctx).Info().Str("session_id", cached.ID).Str("reason", string(ReasonNotFound)).Msg("cached cart session dropped")
		s.dropCache(ctx)
		return nil
	}
	if err != nil {
		return fmt.Errorf("verify cart session: %w", err)
	}
	if s.IsExpired(session) {
		s.dropCache(ctx)
		return nil
	}

	s.mu.Lock()
	s.current = &session
	s.mu.Unlock()
	s.notify(SessionChange{Current: &session, Reason: ReasonRestored})
	return nil
}

func (s *SessionStore) dropCache(ctx context.Context) {
	if err := s.cache.Delete(ctx, s.clientID); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("client_id", s.clientID).Msg("drop cart session pointer failed")
	}
}

func (s *SessionStore) notify(change SessionChange) {
	s.mu.Lock()
	observers := make([]func(SessionChange), len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()

	for _, fn := range observers {
		fn(change)
	}
}
