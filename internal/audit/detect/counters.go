package detect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counters is the per-key state shared by threshold rules. Implementations
// must be atomic per key.
type Counters interface {
	// Incr increments key and returns the new value. ttl is applied only
	// when the increment created the key, so the window starts at the first
	// hit and resets on expiry.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Suppress claims key for ttl. It returns false when the key is already
	// claimed.
	Suppress(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// pruneEvery is how many MemoryCounters operations pass between sweeps of
// expired keys.
const pruneEvery = 256

type counter struct {
	value     int64
	expiresAt time.Time
}

// MemoryCounters is a mutex-guarded Counters for tests and single-node runs.
type MemoryCounters struct {
	mu       sync.Mutex
	now      func() time.Time
	counters map[string]counter
	claims   map[string]time.Time
	ops      int
}

func NewMemoryCounters(now func() time.Time) *MemoryCounters {
	if now == nil {
		now = time.Now
	}
	return &MemoryCounters{
		now:      now,
		counters: make(map[string]counter),
		claims:   make(map[string]time.Time),
	}
}

func (m *MemoryCounters) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.maybePrune(now)
	c, ok := m.counters[key]
	if !ok || !now.Before(c.expiresAt) {
		c = counter{expiresAt: now.Add(ttl)}
	}
	c.value++
	m.counters[key] = c
	return c.value, nil
}

func (m *MemoryCounters) Suppress(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.maybePrune(now)
	if until, ok := m.claims[key]; ok && now.Before(until) {
		return false, nil
	}
	m.claims[key] = now.Add(ttl)
	return true, nil
}

// maybePrune drops expired keys every pruneEvery calls. Must be called while
// holding m.mu.
func (m *MemoryCounters) maybePrune(now time.Time) {
	m.ops++
	if m.ops%pruneEvery != 0 {
		return
	}
	for k, c := range m.counters {
		if !now.Before(c.expiresAt) {
			delete(m.counters, k)
		}
	}
	for k, until := range m.claims {
		if !now.Before(until) {
			delete(m.claims, k)
		}
	}
}

// RedisCounters keeps counters and suppression keys in Redis so every
// instance shares detector state.
type RedisCounters struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisCounters(client redis.UniversalClient, prefix string) *RedisCounters {
	if prefix == "" {
		prefix = "audit:detect"
	}
	return &RedisCounters{client: client, prefix: prefix}
}

func (r *RedisCounters) key(k string) string {
	return r.prefix + ":" + k
}

// Incr runs INCR and EXPIRE NX in one transaction.
func (r *RedisCounters) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	k := r.key(key)
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.ExpireNX(ctx, k, ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("incr detector counter %s: %w", key, err)
	}
	return incr.Val(), nil
}

func (r *RedisCounters) Suppress(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key("suppress:"+key), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim suppression key %s: %w", key, err)
	}
	return ok, nil
}
