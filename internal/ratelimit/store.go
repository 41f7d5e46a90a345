package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/johnfmorton/upload-drive-in-sub011/internal/core"
)

// WindowStore persists rolling-window attempt counters. Increment must be
// atomic: concurrent callers for the same key must never lose updates.
type WindowStore interface {
	// Increment bumps the counter for key, creating the window lazily.
	// Returns the counter value after the increment and when the window resets.
	Increment(ctx context.Context, key string, window time.Duration) (int64, time.Time, error)

	// Peek returns the current counter without modifying it. A missing or
	// expired window reads as zero.
	Peek(ctx context.Context, key string) (int64, time.Time, error)
}

type memoryWindow struct {
	count   int64
	resetAt time.Time
}

// MemoryWindowStore is an in-process WindowStore. Windows are reset lazily
// on first access after expiry and pruned opportunistically.
type MemoryWindowStore struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
	clock   core.Clock
}

// NewMemoryWindowStore creates an in-memory window store.
func NewMemoryWindowStore(clock core.Clock) *MemoryWindowStore {
	return &MemoryWindowStore{
		windows: make(map[string]*memoryWindow),
		clock:   clock,
	}
}

// Increment bumps the counter for key under the store lock.
func (s *MemoryWindowStore) Increment(
	ctx context.Context,
	key string,
	window time.Duration,
) (int64, time.Time, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &memoryWindow{resetAt: now.Add(window)}
		s.windows[key] = w
	}
	w.count++
	return w.count, w.resetAt, nil
}

// Peek returns the current counter for key.
func (s *MemoryWindowStore) Peek(
	ctx context.Context,
	key string,
) (int64, time.Time, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || !now.Before(w.resetAt) {
		delete(s.windows, key)
		return 0, now, nil
	}
	return w.count, w.resetAt, nil
}

// RedisWindowStore is a WindowStore backed by go-redis, for deployments
// with multiple workers sharing rate-limit budgets. INCR + EXPIRE NX keeps
// the increment atomic and the window fixed from first attempt.
type RedisWindowStore struct {
	client *redis.Client
	clock  core.Clock
}

// NewRedisWindowStore creates a Redis-backed window store.
func NewRedisWindowStore(client *redis.Client, clock core.Clock) *RedisWindowStore {
	return &RedisWindowStore{client: client, clock: clock}
}

// Increment bumps the counter for key in Redis.
func (s *RedisWindowStore) Increment(
	ctx context.Context,
	key string,
	window time.Duration,
) (int64, time.Time, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, err
	}
	return incr.Val(), s.clock.Now().Add(ttl.Val()), nil
}

// Peek returns the current counter for key from Redis.
func (s *RedisWindowStore) Peek(
	ctx context.Context,
	key string,
) (int64, time.Time, error) {
	now := s.clock.Now()

	count, err := s.client.Get(ctx, key).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, now, nil
		}
		return 0, time.Time{}, err
	}

	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return count, now, err
	}
	return count, now.Add(ttl), nil
}
