package payment

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCacheTTL bounds how long terms for a path are reused.
const DefaultCacheTTL = time.Hour

// CachedParams are the last accepted payment terms for an upstream path.
type CachedParams struct {
	X402Version  int          `json:"x402_version"`
	Requirements Requirements `json:"requirements"`
	CachedAt     time.Time    `json:"cached_at"`
}

// Cache stores payment terms per upstream path. It is an optimization only:
// a miss or a stale entry costs one extra round trip, never correctness.
type Cache interface {
	Get(ctx context.Context, path string) (CachedParams, bool)
	Set(ctx context.Context, path string, p CachedParams)
	Invalidate(ctx context.Context, path string)
	Clear(ctx context.Context)
}

// MemoryCache is a process-local Cache with a fixed TTL.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]CachedParams
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &MemoryCache{
		entries: make(map[string]CachedParams),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, path string) (CachedParams, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.entries[path]
	if !ok {
		return CachedParams{}, false
	}
	if c.now().Sub(p.CachedAt) > c.ttl {
		delete(c.entries, path)
		return CachedParams{}, false
	}
	return p, true
}

func (c *MemoryCache) Set(_ context.Context, path string, p CachedParams) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.CachedAt.IsZero() {
		p.CachedAt = c.now()
	}
	c.entries[path] = p
}

func (c *MemoryCache) Invalidate(_ context.Context, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, path)
}

func (c *MemoryCache) Clear(_ context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

// Len returns the number of stored entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// RedisCache shares terms between proxy instances. Redis failures are
// treated as misses.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisCache creates a Redis-backed cache. If rdb is nil every lookup misses.
func NewRedisCache(rdb *redis.Client, prefix string, ttl time.Duration, logger *slog.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCache{rdb: rdb, prefix: prefix, ttl: ttl, logger: logger}
}

func (c *RedisCache) key(path string) string {
	return c.prefix + path
}

func (c *RedisCache) Get(ctx context.Context, path string) (CachedParams, bool) {
	if c.rdb == nil {
		return CachedParams{}, false
	}
	data, err := c.rdb.Get(ctx, c.key(path)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("payment cache read failed", "path", path, "error", err)
		}
		return CachedParams{}, false
	}
	var p CachedParams
	if err := json.Unmarshal(data, &p); err != nil {
		return CachedParams{}, false
	}
	return p, true
}

func (c *RedisCache) Set(ctx context.Context, path string, p CachedParams) {
	if c.rdb == nil {
		return
	}
	if p.CachedAt.IsZero() {
		p.CachedAt = time.Now()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, c.key(path), data, c.ttl).Err(); err != nil {
		c.logger.Warn("payment cache write failed", "path", path, "error", err)
	}
}

func (c *RedisCache) Invalidate(ctx context.Context, path string) {
	if c.rdb == nil {
		return
	}
	if err := c.rdb.Del(ctx, c.key(path)).Err(); err != nil {
		c.logger.Warn("payment cache invalidate failed", "path", path, "error", err)
	}
}

func (c *RedisCache) Clear(ctx context.Context) {
	if c.rdb == nil {
		return
	}
	iter := c.rdb.Scan(ctx, 0, c.prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.logger.Warn("payment cache scan failed", "error", err)
		return
	}
	if len(keys) > 0 {
		c.rdb.Del(ctx, keys...)
	}
}

// LayeredCache reads through a local cache to a shared one.
type LayeredCache struct {
	Local  Cache
	Shared Cache
}

func (c LayeredCache) Get(ctx context.Context, path string) (CachedParams, bool) {
	if p, ok := c.Local.Get(ctx, path); ok {
		return p, true
	}
	p, ok := c.Shared.Get(ctx, path)
	if ok {
		c.Local.Set(ctx, path, p)
	}
	return p, ok
}

func (c LayeredCache) Set(ctx context.Context, path string, p CachedParams) {
	c.Local.Set(ctx, path, p)
	c.Shared.Set(ctx, path, p)
}

func (c LayeredCache) Invalidate(ctx context.Context, path string) {
	c.Local.Invalidate(ctx, path)
	c.Shared.Invalidate(ctx, path)
}

func (c LayeredCache) Clear(ctx context.Context) {
	c.Local.Clear(ctx)
	c.Shared.Clear(ctx)
}
