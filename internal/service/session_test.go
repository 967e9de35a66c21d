package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fjod/go_cart/cart-engine/internal/cache"
	"github.com/fjod/go_cart/cart-engine/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*SessionStore, *mockRemote, *mockCache, *testClock) {
	t.Helper()
	clock := newTestClock()
	remote := newMockRemote(clock.Now)
	c := newMockCache()
	store := NewSessionStore("client-1", remote, c, SessionOptions{TTL: time.Hour, Now: clock.Now})
	return store, remote, c, clock
}

func TestEnsureSession_CreatesOnceAndPersists(t *testing.T) {
	store, remote, c, clock := newStore(t)
	ctx := context.Background()

	s1, err := store.EnsureSession(ctx)
	require.NoError(t, err)
	s2, err := store.EnsureSession(ctx)
	require.NoError(t, err)

	assert.Equal(t, s1, s2)
	assert.Equal(t, clock.Now().Add(time.Hour), s1.ExpiresAt)
	assert.Equal(t, 1, remote.createCalls)

	cached, err := c.Get(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, s1.ID, cached.ID)
}

func TestEnsureSession_ConcurrentCallersShareCreation(t *testing.T) {
	store, remote, _, _ := newStore(t)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := store.EnsureSession(context.Background())
			if err == nil {
				ids[i] = s.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	remote.m.RLock()
	defer remote.m.RUnlock()
	assert.Equal(t, 1, remote.createCalls)
}

func TestIsExpired(t *testing.T) {
	store, _, _, clock := newStore(t)
	s := domain.Session{ID: "s", ExpiresAt: clock.Now().Add(time.Minute)}

	assert.False(t, store.IsExpired(s))
	clock.Advance(time.Minute)
	assert.False(t, store.IsExpired(s), "expiry instant itself is still valid")
	clock.Advance(time.Nanosecond)
	assert.True(t, store.IsExpired(s))
}

func TestEnsureSession_ExpiredNotifiesObservers(t *testing.T) {
	store, _, _, clock := newStore(t)
	ctx := context.Background()

	var changes []SessionChange
	store.OnChange(func(c SessionChange) { changes = append(changes, c) })

	first, err := store.EnsureSession(ctx)
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)
	second, err := store.EnsureSession(ctx)
	require.NoError(t, err)

	require.Len(t, changes, 2)
	assert.Equal(t, ReasonCreated, changes[0].Reason)
	assert.Nil(t, changes[0].Previous)
	assert.Equal(t, ReasonExpired, changes[1].Reason)
	assert.Equal(t, first.ID, changes[1].Previous.ID)
	assert.Equal(t, second.ID, changes[1].Current.ID)
}

func TestEnsureSession_FailureWrapsCause(t *testing.T) {
	store, remote, c, _ := newStore(t)
	ctx := context.Background()
	cause := errors.New("dial tcp: connection refused")
	remote.setCreateErr(cause)
	c.sessions["client-1"] = domain.Session{ID: "stale"}

	_, err := store.EnsureSession(ctx)
	assert.ErrorIs(t, err, ErrSessionCreationFailed)
	assert.ErrorIs(t, err, cause)

	_, err = c.Get(ctx, "client-1")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)
}

func TestEnsureSession_CacheWriteFailureIsNotFatal(t *testing.T) {
	store, _, c, _ := newStore(t)
	c.err = errors.New("redis down")

	s, err := store.EnsureSession(context.Background())
	require.NoError(t, err)
	cur, ok := store.Current()
	require.True(t, ok)
	assert.Equal(t, s.ID, cur.ID)
}

func TestReset_DropsPointerAndNotifies(t *testing.T) {
	store, _, c, _ := newStore(t)
	ctx := context.Background()
	_, err := store.EnsureSession(ctx)
	require.NoError(t, err)

	var got SessionChange
	store.OnChange(func(ch SessionChange) { got = ch })
	store.Reset(ctx, ReasonLogout)

	assert.Equal(t, ReasonLogout, got.Reason)
	assert.NotNil(t, got.Previous)
	assert.Nil(t, got.Current)
	_, ok := store.Current()
	assert.False(t, ok)
	_, err = c.Get(ctx, "client-1")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)
}

func TestRestore(t *testing.T) {
	ctx := context.Background()

	t.Run("cache miss", func(t *testing.T) {
		store, _, _, _ := newStore(t)
		require.NoError(t, store.Restore(ctx))
		_, ok := store.Current()
		assert.False(t, ok)
	})

	t.Run("valid session", func(t *testing.T) {
		store, remote, c, clock := newStore(t)
		s, err := remote.CreateSession(ctx, time.Hour)
		require.NoError(t, err)
		c.sessions["client-1"] = s

		var got SessionChange
		store.OnChange(func(ch SessionChange) { got = ch })
		require.NoError(t, store.Restore(ctx))

		cur, ok := store.Current()
		require.True(t, ok)
		assert.Equal(t, s.ID, cur.ID)
		assert.Equal(t, ReasonRestored, got.Reason)
		assert.False(t, store.IsExpired(cur), clock.Now())
	})

	t.Run("expired session", func(t *testing.T) {
		store, remote, c, clock := newStore(t)
		s, err := remote.CreateSession(ctx, time.Hour)
		require.NoError(t, err)
		c.sessions["client-1"] = s
		clock.Advance(2 * time.Hour)

		require.NoError(t, store.Restore(ctx))
		_, ok := store.Current()
		assert.False(t, ok)
		_, err = c.Get(ctx, "client-1")
		assert.ErrorIs(t, err, cache.ErrCacheMiss)
	})

	t.Run("unknown to remote", func(t *testing.T) {
		store, _, c, clock := newStore(t)
		c.sessions["client-1"] = domain.Session{ID: "gone", ExpiresAt: clock.Now().Add(time.Hour)}

		require.NoError(t, store.Restore(ctx))
		_, ok := store.Current()
		assert.False(t, ok)
		_, err := c.Get(ctx, "client-1")
		assert.ErrorIs(t, err, cache.ErrCacheMiss)
	})
}
