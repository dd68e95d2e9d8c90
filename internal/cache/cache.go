package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/leaderboard-sync/internal/config"
	"github.com/leaderboard-sync/internal/domain"
	"github.com/leaderboard-sync/internal/metrics"
)

// Cache is a Redis-backed read-through cache for derived query results.
// Every failure degrades to computing directly; a nil *Cache is valid and
// behaves as a disabled cache.
type Cache struct {
	client     redis.UniversalClient
	prefix     string
	defaultTTL time.Duration
	enabled    bool
	logger     *slog.Logger
}

// New creates a cache from the Redis connection settings. An unreachable
// server is logged and tolerated.
func New(redisCfg *config.RedisConfig, cacheCfg *config.CacheConfig, logger *slog.Logger) *Cache {
	client := redis.NewClient(&redis.Options{
		Addr:         redisCfg.Addr,
		Password:     redisCfg.Password,
		DB:           redisCfg.DB,
		PoolSize:     redisCfg.PoolSize,
		MinIdleConns: redisCfg.MinIdleConns,
		DialTimeout:  redisCfg.DialTimeout,
		ReadTimeout:  redisCfg.ReadTimeout,
		WriteTimeout: redisCfg.WriteTimeout,
	})

	c := NewWithClient(client, cacheCfg, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if c.enabled {
		if err := c.Ping(ctx); err != nil {
			logger.Warn("cache unavailable at startup, reads will bypass it", "addr", redisCfg.Addr, "error", err)
		}
	}
	return c
}

// NewWithClient wraps an existing client
func NewWithClient(client redis.UniversalClient, cfg *config.CacheConfig, logger *slog.Logger) *Cache {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "lbsync"
	}
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		client:     client,
		prefix:     strings.ToLower(prefix),
		defaultTTL: ttl,
		enabled:    cfg.Enabled,
		logger:     logger,
	}
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}

// Enabled reports whether lookups go through Redis
func (c *Cache) Enabled() bool {
	return c != nil && c.enabled
}

// Ping checks Redis connectivity
func (c *Cache) Ping(ctx context.Context) error {
	if c == nil {
		return domain.ErrCacheUnavailable
	}
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrCacheUnavailable, err)
	}
	return nil
}

func (c *Cache) fullKey(k Key) string {
	return c.prefix + ":" + k.String()
}

// GetOrCompute returns the cached value for key, or runs compute and stores
// its result for ttl. Only successful computations are stored. A ttl of
// zero uses the cache default.
func GetOrCompute[T any](ctx context.Context, c *Cache, key Key, ttl time.Duration, compute func(ctx context.Context) (T, error)) (T, error) {
	if !c.Enabled() {
		return compute(ctx)
	}

	full := c.fullKey(key)
	data, err := c.client.Get(ctx, full).Bytes()
	switch {
	case err == nil:
		var value T
		if err := json.Unmarshal(data, &value); err == nil {
			metrics.CacheHits.WithLabelValues(key.Namespace()).Inc()
			return value, nil
		}
		c.logger.Warn("discarding undecodable cache entry", "key", full)
	case errors.Is(err, redis.Nil):
	default:
		metrics.CacheErrors.WithLabelValues("get").Inc()
		c.logger.Warn("cache get failed", "key", full, "error", err)
	}

	metrics.CacheMisses.WithLabelValues(key.Namespace()).Inc()
	value, err := compute(ctx)
	if err != nil {
		return value, err
	}

	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("encoding cache entry", "key", full, "error", err)
		return value, nil
	}
	if err := c.client.Set(ctx, full, encoded, ttl).Err(); err != nil {
		metrics.CacheErrors.WithLabelValues("set").Inc()
		c.logger.Warn("cache set failed", "key", full, "error", err)
	}
	return value, nil
}

// Invalidate removes the entry for key and every entry scoped beneath it.
// Passing a bare namespace key clears the whole namespace.
func (c *Cache) Invalidate(ctx context.Context, key Key) error {
	if !c.Enabled() {
		return nil
	}

	full := c.fullKey(key)
	keys := []string{full}

	iter := c.client.Scan(ctx, 0, escapeGlob(full)+":*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		metrics.CacheErrors.WithLabelValues("scan").Inc()
		return fmt.Errorf("%w: scanning %s: %v", domain.ErrCacheUnavailable, full, err)
	}

	for start := 0; start < len(keys); start += 500 {
		end := min(start+500, len(keys))
		if err := c.client.Del(ctx, keys[start:end]...).Err(); err != nil {
			metrics.CacheErrors.WithLabelValues("del").Inc()
			return fmt.Errorf("%w: deleting %s: %v", domain.ErrCacheUnavailable, full, err)
		}
	}
	return nil
}

// InvalidateAll removes each key, logging failures instead of returning them
func (c *Cache) InvalidateAll(ctx context.Context, keys ...Key) {
	for _, k := range keys {
		if err := c.Invalidate(ctx, k); err != nil {
			c.logger.Warn("cache invalidation failed", "key", k.String(), "error", err)
		}
	}
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globReplacer.Replace(s)
}
