// Package cache provides a fail-open key-value result cache.
//
// Every operation degrades to a miss or a no-op when the backend is
// unreachable, so a broken or disabled cache only costs latency.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// DefaultTTL applies when a caller passes no TTL.
const DefaultTTL = time.Hour

// ErrMiss is returned by backends when a key does not exist.
var ErrMiss = errors.New("cache: miss")

// Backend is a raw byte store with TTLs.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// DeletePattern removes keys matching a glob pattern (* and ?).
	DeletePattern(ctx context.Context, pattern string) (int, error)
	// GetMany returns one entry per key; misses are nil.
	GetMany(ctx context.Context, keys []string) ([][]byte, error)
	SetMany(ctx context.Context, entries map[string][]byte, ttl time.Duration) error
	// IncrBy adds amount to an integer counter. New counters expire after ttl.
	IncrBy(ctx context.Context, key string, amount int64, ttl time.Duration) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Metrics receives cache outcomes: op is the operation, outcome one of hit, miss, error.
type Metrics interface {
	CacheEvent(op, outcome string)
}

type nopMetrics struct{}

func (nopMetrics) CacheEvent(string, string) {}

// Options configures a Cache.
type Options struct {
	// DefaultTTL applies to writes without an explicit TTL. Default: DefaultTTL.
	DefaultTTL time.Duration

	// OpTimeout bounds every backend round-trip. Default: 500ms.
	OpTimeout time.Duration

	Logger  *slog.Logger
	Metrics Metrics
}

// Cache is a fail-open cache over a Backend.
type Cache struct {
	backend Backend
	ttl     time.Duration
	timeout time.Duration
	enabled bool
	logger  *slog.Logger
	metrics Metrics
}

// New creates a Cache over backend.
func New(backend Backend, opts Options) *Cache {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	_, noop := backend.(NoopBackend)
	return &Cache{
		backend: backend,
		ttl:     opts.DefaultTTL,
		timeout: opts.OpTimeout,
		enabled: !noop,
		logger:  opts.Logger.With("component", "cache"),
		metrics: opts.Metrics,
	}
}

// Disabled returns a Cache that never stores anything.
func Disabled() *Cache {
	return New(NoopBackend{}, Options{})
}

// Enabled reports whether the cache is backed by a real store.
func (c *Cache) Enabled() bool {
	return c.enabled
}

// DefaultTTL returns the TTL used when callers pass none.
func (c *Cache) DefaultTTL() time.Duration {
	return c.ttl
}

// Get decodes the value under key into dst.
func (c *Cache) Get(ctx context.Context, key string, dst any) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	data, err := c.backend.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrMiss) {
			c.metrics.CacheEvent("get", "miss")
		} else {
			c.fail("get", key, err)
		}
		return false
	}
	if err := Decode(data, dst); err != nil {
		c.fail("decode", key, err)
		return false
	}
	c.metrics.CacheEvent("get", "hit")
	return true
}

// Set stores value under key. ttl <= 0 uses the default TTL.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	data, err := Encode(value)
	if err != nil {
		c.fail("encode", key, err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.backend.Set(ctx, key, data, c.ttlOrDefault(ttl)); err != nil {
		c.fail("set", key, err)
	}
}

// Delete removes keys.
func (c *Cache) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.backend.Delete(ctx, keys...); err != nil {
		c.fail("delete", keys[0], err)
	}
}

// DeletePattern removes every key matching pattern and returns how many were removed.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) int {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	n, err := c.backend.DeletePattern(ctx, pattern)
	if err != nil {
		c.fail("delete_pattern", pattern, err)
		return n
	}
	return n
}

// SetMany stores several values with one backend round-trip.
func (c *Cache) SetMany(ctx context.Context, values map[string]any, ttl time.Duration) {
	if len(values) == 0 {
		return
	}
	entries := make(map[string][]byte, len(values))
	for k, v := range values {
		data, err := Encode(v)
		if err != nil {
			c.fail("encode", k, err)
			continue
		}
		entries[k] = data
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.backend.SetMany(ctx, entries, c.ttlOrDefault(ttl)); err != nil {
		c.fail("set_many", "", err)
	}
}

// Increment adds amount to the counter under key and returns the new value.
// It returns 0 when the backend is unavailable.
func (c *Cache) Increment(ctx context.Context, key string, amount int64) int64 {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	n, err := c.backend.IncrBy(ctx, key, amount, c.ttl)
	if err != nil {
		c.fail("increment", key, err)
		return 0
	}
	return n
}

// Ping checks backend connectivity. It is the only method that reports errors.
func (c *Cache) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.backend.Ping(ctx)
}

// Close releases the backend.
func (c *Cache) Close() error {
	return c.backend.Close()
}

func (c *Cache) ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return c.ttl
	}
	return ttl
}

func (c *Cache) fail(op, key string, err error) {
	c.metrics.CacheEvent(op, "error")
	c.logger.Warn("cache operation failed", "op", op, "key", key, "error", err)
}

// GetMany decodes every present key into a T. Missing or undecodable entries are omitted.
func GetMany[T any](ctx context.Context, c *Cache, keys []string) map[string]T {
	out := make(map[string]T, len(keys))
	if len(keys) == 0 {
		return out
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	values, err := c.backend.GetMany(ctx, keys)
	if err != nil {
		c.fail("get_many", keys[0], err)
		return out
	}
	for i, data := range values {
		if data == nil || i >= len(keys) {
			c.metrics.CacheEvent("get_many", "miss")
			continue
		}
		var v T
		if err := Decode(data, &v); err != nil {
			c.fail("decode", keys[i], err)
			continue
		}
		c.metrics.CacheEvent("get_many", "hit")
		out[keys[i]] = v
	}
	return out
}
