package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend is a Backend on Redis.
type RedisBackend struct {
	client    redis.UniversalClient
	scanCount int64
}

// NewRedisBackend wraps an existing client.
func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client, scanCount: 500}
}

// DialRedis connects to a redis:// URL. It does not fail when the server is
// down; the first operations report errors that the Cache swallows.
func DialRedis(url string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisBackend(redis.NewClient(opts)), nil
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := b.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	return data, err
}

func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.client.Set(ctx, key, value, ttl).Err()
}

func (b *RedisBackend) Delete(ctx context.Context, keys ...string) error {
	return b.client.Del(ctx, keys...).Err()
}

// DeletePattern walks the keyspace with SCAN MATCH and deletes in batches.
func (b *RedisBackend) DeletePattern(ctx context.Context, pattern string) (int, error) {
	iter := b.client.Scan(ctx, 0, pattern, b.scanCount).Iterator()
	var (
		batch   []string
		deleted int
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := b.client.Del(ctx, batch...).Result()
		deleted += int(n)
		batch = batch[:0]
		return err
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if int64(len(batch)) >= b.scanCount {
			if err := flush(); err != nil {
				return deleted, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, err
	}
	return deleted, flush()
}

func (b *RedisBackend) GetMany(ctx context.Context, keys []string) ([][]byte, error) {
	values, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(keys))
	for i, v := range values {
		if s, ok := v.(string); ok {
			out[i] = []byte(s)
		}
	}
	return out, nil
}

func (b *RedisBackend) SetMany(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	_, err := b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range entries {
			pipe.Set(ctx, k, v, ttl)
		}
		return nil
	})
	return err
}

func (b *RedisBackend) IncrBy(ctx context.Context, key string, amount int64, ttl time.Duration) (int64, error) {
	n, err := b.client.IncrBy(ctx, key, amount).Result()
	if err != nil {
		return 0, err
	}
	if n == amount {
		// first write created the counter
		if err := b.client.Expire(ctx, key, ttl).Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}
