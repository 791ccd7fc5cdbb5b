// Package ratelimit caps how often a local client may hit the proxy, so a
// runaway agent loop cannot drain the wallet.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// LimitResult is the outcome of a rate limit check.
type LimitResult struct {
	Allowed    bool
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter is a sliding-window limiter. With Redis the window is shared by
// every proxy using the same server; otherwise it is kept in process.
type Limiter struct {
	rdb    *redis.Client
	prefix string
	logger *slog.Logger

	mu    sync.Mutex
	local map[string][]time.Time
	now   func() time.Time
}

// NewLimiter creates a limiter. rdb may be nil.
func NewLimiter(rdb *redis.Client, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		rdb:    rdb,
		prefix: "clawrouter:rl:",
		logger: logger,
		local:  make(map[string][]time.Time),
		now:    time.Now,
	}
}

// slidingWindowScript drops expired entries, then admits the request if the
// window has room.
// KEYS[1] = sorted set key
// ARGV[1] = window start (unix micro)
// ARGV[2] = now (unix micro)
// ARGV[3] = limit
// ARGV[4] = key TTL in seconds
// Returns {count, allowed} and the oldest score still in the window.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local window_start = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
    redis.call('ZADD', key, now, now .. ':' .. math.random(1000000))
    count = count + 1
    allowed = 1
end
redis.call('EXPIRE', key, ttl)

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local first = now
if oldest[2] then
    first = tonumber(oldest[2])
end
return {count, allowed, first}
`)

// Check records one request against key and reports whether it fits in
// limit requests per window. Redis failures fall back to the local window.
func (l *Limiter) Check(ctx context.Context, key string, limit int64, window time.Duration) LimitResult {
	now := l.now()
	if l.rdb != nil {
		res, err := l.checkRedis(ctx, key, limit, window, now)
		if err == nil {
			return res
		}
		l.logger.Warn("rate limit redis check failed, using local window", "error", err)
	}
	return l.checkLocal(key, limit, window, now)
}

func (l *Limiter) checkRedis(ctx context.Context, key string, limit int64, window time.Duration, now time.Time) (LimitResult, error) {
	ttl := int64(window.Seconds()) + 1
	vals, err := slidingWindowScript.Run(ctx, l.rdb, []string{l.prefix + key},
		now.Add(-window).UnixMicro(), now.UnixMicro(), limit, ttl,
	).Int64Slice()
	if err != nil {
		return LimitResult{}, err
	}
	oldest := time.UnixMicro(vals[2])
	return result(vals[0], vals[1] == 1, limit, oldest.Add(window), now), nil
}

func (l *Limiter) checkLocal(key string, limit int64, window time.Duration, now time.Time) LimitResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-window)
	hits := l.local[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]

	allowed := int64(len(hits)) < limit
	if allowed {
		hits = append(hits, now)
	}
	if len(hits) == 0 {
		delete(l.local, key)
	} else {
		l.local[key] = hits
	}

	resetAt := now.Add(window)
	if len(hits) > 0 {
		resetAt = hits[0].Add(window)
	}
	return result(int64(len(hits)), allowed, limit, resetAt, now)
}

func result(count int64, allowed bool, limit int64, resetAt, now time.Time) LimitResult {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	r := LimitResult{Allowed: allowed, Remaining: remaining, ResetAt: resetAt}
	if !allowed {
		r.RetryAfter = resetAt.Sub(now)
		if r.RetryAfter < time.Second {
			r.RetryAfter = time.Second
		}
	}
	return r
}
