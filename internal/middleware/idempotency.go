package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyStore is the fast duplicate-drop layer ahead of dispatch; the
// durable unique-constraint layer lives in internal/checkpoint and
// internal/decision. Check and Record are separate calls: a key is recorded
// only after the corresponding dispatch succeeds, so a failed handler leaves
// the key unset and the next redelivery is processed rather than dropped.
type IdempotencyStore interface {
	// Check reports whether key has already been recorded, without
	// recording it.
	Check(ctx context.Context, key string) (bool, error)
	// Record marks key as seen for ttl. Callers record only after the
	// corresponding dispatch has succeeded.
	Record(ctx context.Context, key string, ttl time.Duration) error
}

// InMemoryIdempotencyStore is the test double: a mutex-guarded map with
// lazy expiry.
type InMemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]time.Time // key -> expiresAt
	now     func() time.Time
}

// NewInMemoryIdempotencyStore builds an empty store. now defaults to
// time.Now if nil, overridable for deterministic tests.
func NewInMemoryIdempotencyStore(now func() time.Time) *InMemoryIdempotencyStore {
	if now == nil {
		now = time.Now
	}
	return &InMemoryIdempotencyStore{entries: map[string]time.Time{}, now: now}
}

func (s *InMemoryIdempotencyStore) Check(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exp, ok := s.entries[key]; ok && s.now().Before(exp) {
		return true, nil
	}
	return false, nil
}

func (s *InMemoryIdempotencyStore) Record(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	s.entries[key] = s.now().Add(ttl)
	return nil
}

// RedisIdempotencyStore is the production layer: a plain GET for Check and
// SET key EX for Record, split instead of SetNX so the record half can be
// deferred until after dispatch succeeds.
type RedisIdempotencyStore struct {
	client *redis.Client
	prefix string
}

// NewRedisIdempotencyStore wraps an existing client; prefix namespaces keys
// (e.g. "cmo:idem:") so the store doesn't collide with other Redis keyspace
// use (stream keys, registry leases).
func NewRedisIdempotencyStore(client *redis.Client, prefix string) *RedisIdempotencyStore {
	if prefix == "" {
		prefix = "cmo:idem:"
	}
	return &RedisIdempotencyStore{client: client, prefix: prefix}
}

func (s *RedisIdempotencyStore) Check(ctx context.Context, key string) (bool, error) {
	err := s.client.Get(ctx, s.prefix+key).Err()
	if err == nil {
		return true, nil
	}
	if err == redis.Nil {
		return false, nil
	}
	return false, fmt.Errorf("middleware: idempotency get: %w", err)
}

func (s *RedisIdempotencyStore) Record(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if err := s.client.Set(ctx, s.prefix+key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("middleware: idempotency set: %w", err)
	}
	return nil
}
