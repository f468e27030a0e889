package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store remembers which messages a consumer has already handled. It is a
// fast-path filter only: the bus redelivers at least once, and the durable
// settlement marker in the database is what actually guarantees a single
// stock decrement per order.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

// Key builds a dedup key from the event topic and the order it concerns.
func (s *Store) Key(topic, orderID string) string {
	return fmt.Sprintf("idem:%s:%s", topic, orderID)
}

// Seen reports whether the key was already marked handled. Read-only:
// checking must never record anything, or a crash between the check and
// the durable work would make the redelivery skip that work.
func (s *Store) Seen(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Mark records the key as handled. Callers mark only after the durable
// work has committed.
func (s *Store) Mark(ctx context.Context, key string) error {
	return s.rdb.Set(ctx, key, "1", s.ttl).Err()
}
