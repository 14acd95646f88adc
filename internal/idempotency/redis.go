package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store remembers which orders already had their stock check published.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int, ttl time.Duration) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return NewStore(rdb, ttl), nil
}

func (s *Store) Key(orderKey string) string {
	return fmt.Sprintf("stockcheck:published:%s", orderKey)
}

func (s *Store) Published(ctx context.Context, orderKey string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.Key(orderKey)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) MarkPublished(ctx context.Context, orderKey string) error {
	return s.rdb.Set(ctx, s.Key(orderKey), "1", s.ttl).Err()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// Nop is used when no Redis is configured. Every order looks unpublished, so
// replays always republish.
type Nop struct{}

func (Nop) Published(context.Context, string) (bool, error) { return false, nil }
func (Nop) MarkPublished(context.Context, string) error       { return nil }
