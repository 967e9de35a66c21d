package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fjod/go_cart/cart-engine/internal/cache"
	"github.com/fjod/go_cart/cart-engine/internal/domain"
	"github.com/shopspring/decimal"
)

type mockRemote struct {
	m        sync.RWMutex
	now      func() time.Time
	seq      int
	sessions map[string]domain.Session
	rows     map[string]domain.ItemRow
	stock    map[string]domain.ProductSnapshot
	subs     map[string]func(domain.ChangeEvent)

	createErr error
	upsertErr error
	deleteErr error
	listErr   error
	stockErr  error
	// writeHook runs before every item write, outside the lock.
	writeHook func(ctx context.Context) error
	stockHook func(ctx context.Context) error

	createCalls int
	upsertCalls int
	deleteCalls int
	stockCalls  int
}

func newMockRemote(now func() time.Time) *mockRemote {
	return &mockRemote{
		now:      now,
		sessions: make(map[string]domain.Session),
		rows:     make(map[string]domain.ItemRow),
		stock:    make(map[string]domain.ProductSnapshot),
		subs:     make(map[string]func(domain.ChangeEvent)),
	}
}

func rowKey(sessionID, productID string) string {
	return sessionID + "/" + productID
}

func (m *mockRemote) CreateSession(_ context.Context, ttl time.Duration) (domain.Session, error) {
	m.m.Lock()
	defer m.m.Unlock()
	m.createCalls++
	if m.createErr != nil {
		return domain.Session{}, m.createErr
	}
	m.seq++
	now := m.now()
	s := domain.Session{ID: fmt.Sprintf("session-%d", m.seq), CreatedAt: now, ExpiresAt: now.Add(ttl)}
	m.sessions[s.ID] = s
	return s, nil
}

func (m *mockRemote) GetSession(_ context.Context, id string) (domain.Session, error) {
	m.m.RLock()
	defer m.m.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return domain.Session{}, ErrSessionNotFound
	}
	return s, nil
}

func (m *mockRemote) ListItems(_ context.Context, sessionID string) ([]domain.ItemRow, error) {
	m.m.RLock()
	defer m.m.RUnlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []domain.ItemRow
	for _, row := range m.rows {
		if row.SessionID == sessionID && !row.Deleted {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *mockRemote) UpsertItem(ctx context.Context, row domain.ItemRow) (domain.ItemRow, error) {
	if hook := m.hook(); hook != nil {
		if err := hook(ctx); err != nil {
			return domain.ItemRow{}, err
		}
	}
	m.m.Lock()
	defer m.m.Unlock()
	m.upsertCalls++
	if m.upsertErr != nil {
		return domain.ItemRow{}, m.upsertErr
	}
	key := rowKey(row.SessionID, row.ProductID)
	row.Version = m.rows[key].Version + 1
	row.Deleted = false
	m.rows[key] = row
	return row, nil
}

func (m *mockRemote) DeleteItem(ctx context.Context, sessionID, productID string) (domain.ItemRow, error) {
	if hook := m.hook(); hook != nil {
		if err := hook(ctx); err != nil {
			return domain.ItemRow{}, err
		}
	}
	m.m.Lock()
	defer m.m.Unlock()
	m.deleteCalls++
	if m.deleteErr != nil {
		return domain.ItemRow{}, m.deleteErr
	}
	key := rowKey(sessionID, productID)
	row, ok := m.rows[key]
	if !ok || row.Deleted {
		return domain.ItemRow{}, ErrItemNotFound
	}
	row.Version++
	row.Deleted = true
	row.Quantity = 0
	m.rows[key] = row
	return row, nil
}

func (m *mockRemote) Subscribe(_ context.Context, sessionID string, onEvent func(domain.ChangeEvent)) (Subscription, error) {
	m.m.Lock()
	defer m.m.Unlock()
	m.subs[sessionID] = onEvent
	return &mockSubscription{remote: m, sessionID: sessionID}, nil
}

func (m *mockRemote) GetProductStock(ctx context.Context, productID string) (domain.ProductSnapshot, error) {
	m.m.RLock()
	hook := m.stockHook
	m.m.RUnlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			return domain.ProductSnapshot{}, err
		}
	}
	m.m.Lock()
	defer m.m.Unlock()
	m.stockCalls++
	if m.stockErr != nil {
		return domain.ProductSnapshot{}, m.stockErr
	}
	snap, ok := m.stock[productID]
	if !ok {
		return domain.ProductSnapshot{}, ErrProductUnavailable
	}
	return snap, nil
}

func (m *mockRemote) hook() func(ctx context.Context) error {
	m.m.RLock()
	defer m.m.RUnlock()
	return m.writeHook
}

func (m *mockRemote) setHook(fn func(ctx context.Context) error) {
	m.m.Lock()
	defer m.m.Unlock()
	m.writeHook = fn
}

func (m *mockRemote) setStockHook(fn func(ctx context.Context) error) {
	m.m.Lock()
	defer m.m.Unlock()
	m.stockHook = fn
}

func (m *mockRemote) setUpsertErr(err error) {
	m.m.Lock()
	defer m.m.Unlock()
	m.upsertErr = err
}

func (m *mockRemote) setCreateErr(err error) {
	m.m.Lock()
	defer m.m.Unlock()
	m.createErr = err
}

func (m *mockRemote) emit(sessionID string, ev domain.ChangeEvent) bool {
	m.m.RLock()
	fn, ok := m.subs[sessionID]
	m.m.RUnlock()
	if ok {
		fn(ev)
	}
	return ok
}

func (m *mockRemote) subscribed(sessionID string) bool {
	m.m.RLock()
	defer m.m.RUnlock()
	_, ok := m.subs[sessionID]
	return ok
}

func (m *mockRemote) row(sessionID, productID string) (domain.ItemRow, bool) {
	m.m.RLock()
	defer m.m.RUnlock()
	row, ok := m.rows[rowKey(sessionID, productID)]
	return row, ok
}

func (m *mockRemote) counts() (upserts, deletes int) {
	m.m.RLock()
	defer m.m.RUnlock()
	return m.upsertCalls, m.deleteCalls
}

type mockSubscription struct {
	remote    *mockRemote
	sessionID string
}

func (s *mockSubscription) Unsubscribe() {
	s.remote.m.Lock()
	defer s.remote.m.Unlock()
	delete(s.remote.subs, s.sessionID)
}

type mockCache struct {
	m        sync.RWMutex
	sessions map[string]domain.Session
	err      error
}

func newMockCache() *mockCache {
	return &mockCache{sessions: make(map[string]domain.Session)}
}

func (m *mockCache) Get(_ context.Context, clientID string) (*domain.Session, error) {
	m.m.RLock()
	defer m.m.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	s, ok := m.sessions[clientID]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return &s, nil
}

func (m *mockCache) Set(_ context.Context, clientID string, session *domain.Session) error {
	m.m.Lock()
	defer m.m.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sessions[clientID] = *session
	return nil
}

func (m *mockCache) Delete(_ context.Context, clientID string) error {
	m.m.Lock()
	defer m.m.Unlock()
	delete(m.sessions, clientID)
	return m.err
}

// testClock is a settable clock shared by the store, the service and the mock remote.
type testClock struct {
	m   sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.m.Lock()
	defer c.m.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.m.Lock()
	defer c.m.Unlock()
	c.now = c.now.Add(d)
}

func snapshot(productID string, price string, stock int) domain.ProductSnapshot {
	return domain.ProductSnapshot{
		ProductID: productID,
		Name:      productID,
		Price:     decimal.RequireFromString(price),
		Stock:     stock,
		MinOrder:  1,
		Available: true,
	}
}

type fixture struct {
	clock  *testClock
	remote *mockRemote
	cache  *mockCache
	store  *SessionStore
	svc    *CartService
}

func newFixture(timeout time.Duration) *fixture {
	clock := newTestClock()
	remote := newMockRemote(clock.Now)
	c := newMockCache()
	store := NewSessionStore("client-1", remote, c, SessionOptions{
		TTL:         5 * time.Hour,
		CallTimeout: timeout,
		Now:         clock.Now,
	})
	svc := NewCartService(store, remote, Options{CallTimeout: timeout, Now: clock.Now})
	return &fixture{clock: clock, remote: remote, cache: c, store: store, svc: svc}
}
