package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/tidwall/match"
)

// MemoryBackend is an in-process Backend on ristretto.
// ristretto cannot enumerate keys, so live keys are tracked in a registry
// to support DeletePattern.
type MemoryBackend struct {
	cache *ristretto.Cache

	mu   sync.Mutex
	keys map[string]time.Time // key -> expiry
}

// NewMemoryBackend creates a MemoryBackend holding up to maxBytes of values.
func NewMemoryBackend(maxBytes int64) (*MemoryBackend, error) {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        max(maxBytes/100, 1000),
		MaxCost:            maxBytes,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &MemoryBackend{
		cache: c,
		keys:  make(map[string]time.Time),
	}, nil
}

func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := b.cache.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	data, ok := v.([]byte)
	if !ok {
		return nil, ErrMiss
	}
	return data, nil
}

func (b *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.set(key, value, ttl)
	b.cache.Wait()
	return nil
}

// set requires b.mu.
func (b *MemoryBackend) set(key string, value []byte, ttl time.Duration) {
	if b.cache.SetWithTTL(key, value, int64(len(value)), ttl) {
		b.keys[key] = time.Now().Add(ttl)
	}
}

func (b *MemoryBackend) Delete(_ context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range keys {
		b.cache.Del(k)
		delete(b.keys, k)
	}
	return nil
}

func (b *MemoryBackend) DeletePattern(_ context.Context, pattern string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	n := 0
	for k, exp := range b.keys {
		if now.After(exp) {
			delete(b.keys, k)
			continue
		}
		if match.Match(k, pattern) {
			b.cache.Del(k)
			delete(b.keys, k)
			n++
		}
	}
	return n, nil
}

func (b *MemoryBackend) GetMany(ctx context.Context, keys []string) ([][]byte, error) {
	out := make([][]byte, len(keys))
	for i, k := range keys {
		if data, err := b.Get(ctx, k); err == nil {
			out[i] = data
		}
	}
	return out, nil
}

func (b *MemoryBackend) SetMany(_ context.Context, entries map[string][]byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, v := range entries {
		b.set(k, v, ttl)
	}
	b.cache.Wait()
	return nil
}

func (b *MemoryBackend) IncrBy(_ context.Context, key string, amount int64, ttl time.Duration) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var cur int64
	if v, ok := b.cache.Get(key); ok {
		if data, ok := v.([]byte); ok {
			cur, _ = strconv.ParseInt(string(data), 10, 64)
		}
	}
	if exp, ok := b.keys[key]; ok {
		if remaining := time.Until(exp); remaining > 0 {
			ttl = remaining
		}
	}
	cur += amount
	b.set(key, []byte(strconv.FormatInt(cur, 10)), ttl)
	b.cache.Wait()
	return cur, nil
}

func (b *MemoryBackend) Ping(context.Context) error {
	return nil
}

func (b *MemoryBackend) Close() error {
	b.cache.Close()
	return nil
}

// NoopBackend stores nothing. Every read is a miss.
type NoopBackend struct{}

func (NoopBackend) Get(context.Context, string) ([]byte, error) { return nil, ErrMiss }
func (NoopBackend) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (NoopBackend) Delete(context.Context, ...string) error { return nil }
func (NoopBackend) DeletePattern(context.Context, string) (int, error) { return 0, nil }
func (NoopBackend) GetMany(_ context.Context, keys []string) ([][]byte, error) {
	return make([][]byte, len(keys)), nil
}
func (NoopBackend) SetMany(context.Context, map[string][]byte, time.Duration) error { return nil }
func (NoopBackend) IncrBy(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, nil
}
func (NoopBackend) Ping(context.Context) error { return nil }
func (NoopBackend) Close() error { return nil }
