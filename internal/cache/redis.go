package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/cart-engine/internal/domain"
	"github.com/redis/go-redis/v9"
)

func NewRedisSessionCache(client *redis.Client) *RedisSessionCache {
	return &RedisSessionCache{
		client: client,
		now:    time.Now,
	}
}

// RedisSessionCache keeps the session pointer until the session's own expiry.
type RedisSessionCache struct {
	client *redis.Client
	now    func() time.Time
}

func (r RedisSessionCache) Get(ctx context.Context, clientID string) (*domain.Session, error) {
	key := cacheKey(clientID)

	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var session domain.Session
	if err2 := json.Unmarshal(data, &session); err2 != nil {
		return nil, fmt.Errorf("unmarshal session failed: %w", err2)
	}

	return &session, nil
}

func (r RedisSessionCache) Set(ctx context.Context, clientID string, session *domain.Session) error {
	key := cacheKey(clientID)
	jsonSession, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session failed: %w", err)
	}

	// an already expired session is still written briefly so the caller can
	// observe and reset it
	ttl := session.ExpiresAt.Sub(r.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	if err := r.client.Set(ctx, key, jsonSession, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r RedisSessionCache) Delete(ctx context.Context, clientID string) error {
	key := cacheKey(clientID)
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}

	return nil
}

func cacheKey(clientID string) string {
	return fmt.Sprintf("cart_session:%s", clientID)
}
