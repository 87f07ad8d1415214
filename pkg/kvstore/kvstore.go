// Package kvstore provides the Redis-backed facade for volatile state:
// login codes, refresh tokens, user preferences, cached session summaries,
// tool-result caching and rate-limit counters. Every value stored here
// carries a TTL; nothing in this package is the source of truth.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parley-ai/parley/pkg/config"
)

// ErrNotFound is returned when a key does not exist or has expired.
// Callers distinguish it from transport failures with errors.Is.
var ErrNotFound = errors.New("kvstore: key not found")

// Store wraps a Redis client with the application's key layout.
type Store struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewStore connects to Redis and verifies the connection with a ping.
func NewStore(ctx context.Context, cfg config.RedisConfig) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	logger := slog.Default().With("component", "kvstore")
	logger.Info("Redis connection established", "addr", cfg.Addr, "db", cfg.DB)

	return &Store{rdb: rdb, logger: logger}, nil
}

// NewStoreFromClient wraps an existing Redis client without pinging it.
// Used by tests that manage the client lifecycle themselves.
func NewStoreFromClient(rdb *redis.Client) *Store {
	return &Store{
		rdb:    rdb,
		logger: slog.Default().With("component", "kvstore"),
	}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// get reads a string value, mapping redis.Nil onto ErrNotFound so callers
// never import the redis package for error checks.
func (s *Store) get(ctx context.Context, key string) (string, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %q: %w", key, err)
	}
	return val, nil
}

// set writes a string value with a TTL.
func (s *Store) set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write %q: %w", key, err)
	}
	return nil
}

// del removes a key. Deleting a missing key is not an error.
func (s *Store) del(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}
