package ratelimit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/perpsync/internal/metrics"
)

// RedisCache is the redis-backed ResponseCache. TTL enforcement is delegated
// to redis; hit/miss counters are process-local.
type RedisCache struct {
	client *redis.Client
	prefix string
	hits   atomic.Int64
	misses atomic.Int64
}

// NewRedisCache connects to addr and namespaces keys under prefix.
func NewRedisCache(addr, password, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "perpsync:resp:"
	}
	return &RedisCache{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		prefix: prefix,
	}
}

// NewRedisCacheFromURL accepts a redis:// connection URL.
func NewRedisCacheFromURL(rawURL, prefix string) (*RedisCache, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = "perpsync:resp:"
	}
	return &RedisCache{client: redis.NewClient(opts), prefix: prefix}, nil
}

// Ping verifies connectivity; callers fall back to the memory cache on error.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Str("key", key).Msg("Redis cache get failed")
		}
		c.misses.Add(1)
		metrics.CacheMisses.Inc()
		return nil, false
	}
	c.hits.Add(1)
	metrics.CacheHits.Inc()
	return data, true
}

func (c *RedisCache) Set(ctx context.Context, key string, data []byte, ttl time.Duration) {
	if err := c.client.Set(ctx, c.prefix+key, data, ttl).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Redis cache set failed")
	}
}

func (c *RedisCache) Invalidate(ctx context.Context, pattern string) int {
	match := c.prefix + "*" + pattern + "*"
	removed := 0
	iter := c.client.Scan(ctx, 0, match, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err == nil {
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		log.Warn().Err(err).Str("pattern", pattern).Msg("Redis cache scan failed")
	}
	return removed
}

func (c *RedisCache) Stats() CacheStats {
	return CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// Close releases the redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
