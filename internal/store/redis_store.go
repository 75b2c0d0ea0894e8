package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore implements StateStore on Redis. Flush commits staged writes in one MULTI/EXEC.
type RedisStore struct {
	staging
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisStore creates a new Redis state store
func NewRedisStore(host string, port int, password string, db int, prefix string, logger *zap.Logger) (*RedisStore, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newRedisStoreWithClient(client, prefix, logger), nil
}

func newRedisStoreWithClient(client *redis.Client, prefix string, logger *zap.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

// Get retrieves a value
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	if value, deleted, ok := s.lookup(key); ok {
		if deleted {
			return nil, ErrNotFound
		}
		return value, nil
	}

	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return data, nil
}

// Set stages a value
func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	s.set(key, value)
	return nil
}

// Delete stages a removal
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	s.delete(key)
	return nil
}

// Flush commits staged writes atomically
func (s *RedisStore) Flush(ctx context.Context) error {
	n, err := s.flush(func(writes map[string]pendingWrite) error {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for k, w := range writes {
				if w.deleted {
					pipe.Del(ctx, s.key(k))
					continue
				}
				pipe.Set(ctx, s.key(k), w.value, 0)
			}
			return nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to flush %d keys: %w", n, err)
	}

	if n > 0 {
		s.logger.Debug("Flushed state to Redis", zap.Int("keys", n))
	}
	return nil
}

// Ping checks the Redis connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
