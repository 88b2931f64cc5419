package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is a TTL-bounded claim store. Besides request deduplication it serves
// as a cheap mutual-exclusion lock (claim a well-known key before a sweep).
type Store interface {
	// Reserve claims the key for ttl. Returns false if someone else holds it.
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// IsProcessed reports whether the key is currently claimed.
	IsProcessed(ctx context.Context, key string) (bool, error)
	// Release drops the claim.
	Release(ctx context.Context, key string) error
}

// RedisStore implements Store on Redis SETNX.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a RedisStore with a service-level key prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisStore) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	fullKey := s.getFullKey(key)
	result, err := s.client.SetNX(ctx, fullKey, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	return result, nil
}

func (s *RedisStore) IsProcessed(ctx context.Context, key string) (bool, error) {
	fullKey := s.getFullKey(key)
	exists, err := s.client.Exists(ctx, fullKey).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	return exists > 0, nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	fullKey := s.getFullKey(key)
	_, err := s.client.Del(ctx, fullKey).Result()
	if err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

func (s *RedisStore) getFullKey(key string) string {
	return fmt.Sprintf("%s:%s", s.prefix, key)
}
