package pending

import (
	"context"
	"fmt"
	"sync"
	"time"

	backend "github.com/redis/go-redis/v9"
)

// Deduper records which idempotency keys have already been dispatched.
type Deduper interface {
	// Claim returns true if key was not claimed before.
	Claim(ctx context.Context, key string) (bool, error)
	// Release forgets a claim so the dispatch can be retried.
	Release(ctx context.Context, key string) error
}

// RedisDeduper claims keys with SET NX and a TTL.
type RedisDeduper struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper storing keys under prefix.
func NewRedisDeduper(client *backend.Client, prefix string, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, prefix: prefix, ttl: ttl}
}

// Claim implements Deduper.
func (d *RedisDeduper) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+key, time.Now().UTC().Format(time.RFC3339), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis error claiming key: %w", err)
	}
	return ok, nil
}

// Release implements Deduper.
func (d *RedisDeduper) Release(ctx context.Context, key string) error {
	return d.client.Del(ctx, d.prefix+key).Err()
}

// Ping checks the redis connection.
func (d *RedisDeduper) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

// MemoryDeduper is a process-local Deduper for single-instance deployments
// and tests.
type MemoryDeduper struct {
	mu      sync.Mutex
	ttl     time.Duration
	claimed map[string]time.Time
	now     func() time.Time
}

// NewMemoryDeduper creates an in-memory deduper. A zero ttl never expires.
func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	return &MemoryDeduper{
		ttl:     ttl,
		claimed: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Claim implements Deduper.
func (d *MemoryDeduper) Claim(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.claimed[key]; ok && (d.ttl == 0 || now.Sub(at) < d.ttl) {
		return false, nil
	}
	d.claimed[key] = now
	return true, nil
}

// Release implements Deduper.
func (d *MemoryDeduper) Release(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.claimed, key)
	return nil
}
