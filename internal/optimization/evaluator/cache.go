package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/copyleftdev/devopt/internal/optimization"
)

// Cache stores metric vectors by exact parameter key for the lifetime of one
// run. Lookups must not fail a run: callers treat errors as misses.
type Cache interface {
	Get(ctx context.Context, key string) (optimization.MetricVector, bool, error)
	Put(ctx context.Context, key string, mv optimization.MetricVector) error
}

// MemoryCache is an in-process cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]optimization.MetricVector
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]optimization.MetricVector)}
}

// Get returns a copy of the cached vector.
func (c *MemoryCache) Get(_ context.Context, key string) (optimization.MetricVector, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	mv, ok := c.entries[key]
	return mv.Clone(), ok, nil
}

// Put stores a copy of mv.
func (c *MemoryCache) Put(_ context.Context, key string, mv optimization.MetricVector) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = mv.Clone()
	return nil
}

// Len returns the number of cached vectors.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// RedisCache keeps evaluations in Redis so they survive a service restart.
// Keys are "<prefix><run id>:<parameter key>" which keeps runs isolated.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects to redisURL. ttl of zero keeps entries forever.
func NewRedisCache(redisURL, prefix string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisCache{client: redis.NewClient(opts), prefix: prefix, ttl: ttl}, nil
}

// NewRedisCacheWithClient wraps an existing client.
func NewRedisCacheWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

// ForRun returns a view of the cache scoped to one run.
func (c *RedisCache) ForRun(runID string) *RedisCache {
	return &RedisCache{client: c.client, prefix: c.prefix + runID + ":", ttl: c.ttl}
}

// Ping checks connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Key returns the full Redis key for a parameter key.
func (c *RedisCache) Key(key string) string { return c.prefix + key }

// Get looks up key.
func (c *RedisCache) Get(ctx context.Context, key string) (optimization.MetricVector, bool, error) {
	data, err := c.client.Get(ctx, c.Key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var mv optimization.MetricVector
	if err := json.Unmarshal(data, &mv); err != nil {
		return nil, false, fmt.Errorf("decode cached metrics: %w", err)
	}
	return mv, true, nil
}

// Put stores mv under key.
func (c *RedisCache) Put(ctx context.Context, key string, mv optimization.MetricVector) error {
	data, err := json.Marshal(mv)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.Key(key), data, c.ttl).Err()
}
