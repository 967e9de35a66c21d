package cache

import (
	"context"
	"sync"

	"github.com/fjod/go_cart/cart-engine/internal/domain"
)

// MemorySessionCache is a process-local SessionCache for embedded use and tests.
type MemorySessionCache struct {
	mu       sync.RWMutex
	sessions map[string]domain.Session
}

func NewMemorySessionCache() *MemorySessionCache {
	return &MemorySessionCache{sessions: make(map[string]domain.Session)}
}

func (m *MemorySessionCache) Get(_ context.Context, clientID string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[clientID]
	if !ok {
		return nil, ErrCacheMiss
	}
	return &s, nil
}

func (m *MemorySessionCache) Set(_ context.Context, clientID string, session *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[clientID] = *session
	return nil
}

func (m *MemorySessionCache) Delete(_ context.Context, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, clientID)
	return nil
}
