package cache_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/becomeliminal/nim-knowledge/cache"
)

type entry struct {
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

func newMemoryCache(t *testing.T) *cache.Cache {
	t.Helper()
	backend, err := cache.NewMemoryBackend(1 << 20)
	if err != nil {
		t.Fatalf("Failed to create memory backend: %v", err)
	}
	c := cache.New(backend, cache.Options{DefaultTTL: time.Minute})
	t.Cleanup(func() { c.Close() })
	return c
}

func newRedisCache(t *testing.T) (*cache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	backend, err := cache.DialRedis("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("Failed to dial redis: %v", err)
	}
	c := cache.New(backend, cache.Options{DefaultTTL: time.Minute})
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func backends(t *testing.T) map[string]*cache.Cache {
	rc, _ := newRedisCache(t)
	return map[string]*cache.Cache{
		"memory": newMemoryCache(t),
		"redis":  rc,
	}
}

func TestCache_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			want := []entry{{Content: "a", Score: 0.75}, {Content: "b", Score: 0.5}}
			c.Set(ctx, "k1", want, 0)

			var got []entry
			if !c.Get(ctx, "k1", &got) {
				t.Fatal("Expected hit after Set")
			}
			if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
				t.Errorf("Got %+v, want %+v", got, want)
			}

			c.Delete(ctx, "k1")
			if c.Get(ctx, "k1", &got) {
				t.Error("Expected miss after Delete")
			}
		})
	}
}

func TestCache_DeletePattern(t *testing.T) {
	ctx := context.Background()
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			op := "kn:retrieve"
			k1 := cache.TaggedKey(op, map[string]string{"context_id": "1"}, []any{"fox"}, nil)
			k2 := cache.TaggedKey(op, map[string]string{"context_id": "2", "tag": "x"}, []any{"fox"}, nil)
			k3 := cache.TaggedKey(op, nil, []any{"fox"}, nil)
			other := cache.Key("kn:item", []any{"id1"}, nil)
			for _, k := range []string{k1, k2, k3, other} {
				c.Set(ctx, k, "v", 0)
			}

			if n := c.DeletePattern(ctx, cache.TagPattern(op, "context_id", "1")); n != 1 {
				t.Errorf("Expected 1 key deleted for context_id=1, got %d", n)
			}
			if n := c.DeletePattern(ctx, cache.UntaggedPattern(op)); n != 1 {
				t.Errorf("Expected 1 untagged key deleted, got %d", n)
			}

			var v string
			if !c.Get(ctx, k2, &v) {
				t.Error("Key with other tags should survive")
			}
			if n := c.DeletePattern(ctx, cache.OpPattern(op)); n != 1 {
				t.Errorf("Expected remaining retrieve key deleted, got %d", n)
			}
			if !c.Get(ctx, other, &v) {
				t.Error("Keys of other operations should survive")
			}
		})
	}
}

func TestCache_ManyAndIncrement(t *testing.T) {
	ctx := context.Background()
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c.SetMany(ctx, map[string]any{"a": 1, "b": 2}, time.Minute)
			got := cache.GetMany[int](ctx, c, []string{"a", "b", "missing"})
			if len(got) != 2 || got["a"] != 1 || got["b"] != 2 {
				t.Errorf("GetMany = %v", got)
			}

			if n := c.Increment(ctx, "counter", 2); n != 2 {
				t.Errorf("First increment = %d, want 2", n)
			}
			if n := c.Increment(ctx, "counter", 3); n != 5 {
				t.Errorf("Second increment = %d, want 5", n)
			}
		})
	}
}

func TestCache_TTLExpires(t *testing.T) {
	ctx := context.Background()
	c, mr := newRedisCache(t)

	c.Set(ctx, "short", "v", time.Second)
	mr.FastForward(2 * time.Second)

	var v string
	if c.Get(ctx, "short", &v) {
		t.Error("Entry should expire after its TTL")
	}

	c.Set(ctx, "default", "v", 0)
	if ttl := mr.TTL("default"); ttl <= 0 || ttl > time.Minute {
		t.Errorf("Default TTL should be finite and at most a minute, got %v", ttl)
	}
}

func TestCache_FailOpen(t *testing.T) {
	ctx := context.Background()
	c, mr := newRedisCache(t)
	mr.Close()

	c.Set(ctx, "k", "v", 0)
	var v string
	if c.Get(ctx, "k", &v) {
		t.Error("Unreachable backend must behave as a miss")
	}
	c.Delete(ctx, "k")
	if n := c.DeletePattern(ctx, "*"); n != 0 {
		t.Errorf("DeletePattern on unreachable backend = %d, want 0", n)
	}
	if n := c.Increment(ctx, "c", 1); n != 0 {
		t.Errorf("Increment on unreachable backend = %d, want 0", n)
	}
	if err := c.Ping(ctx); err == nil {
		t.Error("Ping should report the outage")
	}
}

type brokenBackend struct{ cache.NoopBackend }

func (brokenBackend) Get(context.Context, string) ([]byte, error) {
	return []byte("garbage"), nil
}

func TestCache_UndecodableIsMiss(t *testing.T) {
	c := cache.New(brokenBackend{}, cache.Options{})
	var v string
	if c.Get(context.Background(), "k", &v) {
		t.Error("Undecodable value should be a miss")
	}
}

func TestDisabled(t *testing.T) {
	ctx := context.Background()
	c := cache.Disabled()
	if c.Enabled() {
		t.Fatal("Disabled cache reports enabled")
	}
	c.Set(ctx, "k", "v", 0)
	var v string
	if c.Get(ctx, "k", &v) {
		t.Error("Disabled cache returned a hit")
	}
}

func TestCodec_FallsBackToCBOR(t *testing.T) {
	in := map[string]float64{"nan": math.NaN(), "one": 1}
	data, err := cache.Encode(in)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if data[0] != 'c' {
		t.Errorf("Expected CBOR format tag, got %q", data[0])
	}
	var out map[string]float64
	if err := cache.Decode(data, &out); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !math.IsNaN(out["nan"]) || out["one"] != 1 {
		t.Errorf("Round trip mismatch: %v", out)
	}

	data, err = cache.Encode(entry{Content: "x", Score: 1})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if data[0] != 'j' {
		t.Errorf("Expected JSON format tag, got %q", data[0])
	}
	if err := cache.Decode([]byte("?x"), &out); err == nil {
		t.Error("Unknown format tag should fail")
	}
	var e struct{}
	if err := cache.Decode(nil, &e); err == nil {
		t.Error("Empty data should fail")
	}
}

func TestKey_Deterministic(t *testing.T) {
	a := cache.Key("retrieve", []any{"q", 5}, map[string]any{"b": 2, "a": 1})
	b := cache.Key("retrieve", []any{"q", 5}, map[string]any{"a": 1, "b": 2})
	if a != b {
		t.Errorf("Keyword order changed the key: %s vs %s", a, b)
	}
	if a == cache.Key("find", []any{"q", 5}, map[string]any{"a": 1, "b": 2}) {
		t.Error("Different operations must not collide")
	}
	if a == cache.Key("retrieve", []any{"q", 6}, map[string]any{"a": 1, "b": 2}) {
		t.Error("Different arguments must not collide")
	}

	t1 := cache.TaggedKey("op", map[string]string{"x": "1", "y": "a|b"}, nil, nil)
	t2 := cache.TaggedKey("op", map[string]string{"y": "a|b", "x": "1"}, nil, nil)
	if t1 != t2 {
		t.Errorf("Tag order changed the key: %s vs %s", t1, t2)
	}
}
