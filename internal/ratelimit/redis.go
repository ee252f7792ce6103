package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script implementing a sliding window
// over a sorted set, keyed per client. It returns the post-decision count so
// the caller can compute Result without a second round trip.
//
// KEYS[1] = per-client Redis key
// ARGV[1] = current unix timestamp (nanoseconds)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit
// Returns: {allowed (0/1), count_after}
var slidingWindowScript = redis.NewScript(`
	local key    = KEYS[1]
	local now    = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local limit  = tonumber(ARGV[3])

	redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

	local count = redis.call('ZCARD', key)
	if count >= limit then
		return {0, count}
	end

	local member = tostring(now) .. tostring(math.random(1, 1000000))
	redis.call('ZADD', key, now, member)
	redis.call('PEXPIRE', key, math.ceil(window / 1000000))
	return {1, count + 1}
`)

// RedisLimiter is the multi-replica alternative to MemoryLimiter, sharing
// one sliding window per client key across every Hermes process pointed at
// the same Redis instance.
type RedisLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
}

// NewRedisLimiter builds a RedisLimiter.
func NewRedisLimiter(rdb *redis.Client, limit int, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = 60 * time.Second
	}
	return &RedisLimiter{rdb: rdb, limit: limit, window: window}
}

// Allow runs the sliding-window script for key. If Redis is unreachable the
// request is allowed rather than rejected — admission control degrades, it
// never takes the gateway down with it.
func (r *RedisLimiter) Allow(ctx context.Context, key string) (Result, error) {
	limit := r.limit
	if limit <= 0 {
		limit = 60
	}

	now := time.Now().UnixNano()
	windowNanos := r.window.Nanoseconds()

	vals, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{fmt.Sprintf("ratelimit:%s", key)},
		now, windowNanos, limit,
	).Slice()
	if err != nil {
		return Result{Allowed: true, Limit: limit, Remaining: limit, ResetSeconds: int(r.window.Seconds())}, nil
	}

	allowed, _ := vals[0].(int64)
	count, _ := vals[1].(int64)

	remaining := int64(limit) - count
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:      allowed == 1,
		Limit:        limit,
		Remaining:    int(remaining),
		ResetSeconds: int(r.window.Seconds()),
	}, nil
}

// SetLimit updates the per-key request ceiling at runtime.
func (r *RedisLimiter) SetLimit(limit int) {
	r.limit = limit
}
