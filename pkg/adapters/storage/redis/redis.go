package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Store implements ports.KeyValueStore using Redis. Keys are scoped by a
// namespace so several logical stores can share one database.
type Store struct {
	client    *redis.Client
	logger    *zap.Logger
	namespace string
	ttl       time.Duration
}

// NewStore creates a new Redis store. A zero ttl keeps keys forever.
func NewStore(client *redis.Client, namespace string, ttl time.Duration, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		client:    client,
		logger:    logger,
		namespace: namespace,
		ttl:       ttl,
	}
}

// Get returns the value stored under key
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, s.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, true, nil
}

// Set stores value under key and refreshes its TTL
func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, s.key(key), value, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}

	s.logger.Debug("value stored",
		zap.String("namespace", s.namespace),
		zap.String("key", key))

	return nil
}

// Delete removes key
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// SetTTL changes the expiry of an existing key
func (s *Store) SetTTL(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, s.key(key), ttl).Err(); err != nil {
		return fmt.Errorf("failed to set TTL: %w", err)
	}
	return nil
}

// List returns every key in the namespace
func (s *Store) List(ctx context.Context) ([]string, error) {
	prefix := s.key("")
	pattern := prefix + "*"

	var cursor uint64
	var keys []string

	for {
		var batch []string
		var err error

		batch, cursor, err = s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}

		for _, k := range batch {
			if len(k) > len(prefix) {
				keys = append(keys, k[len(prefix):])
			}
		}

		if cursor == 0 {
			break
		}
	}

	return keys, nil
}

// key returns the Redis key for a store key
func (s *Store) key(key string) string {
	return fmt.Sprintf("comfyrt:%s:%s", s.namespace, key)
}
