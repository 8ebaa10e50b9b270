package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// RateLimiter counts executions per scope inside hourly windows.
// The scope is typically an agent name.
type RateLimiter struct {
	redis *redis.Client
	limit int64
}

func NewRateLimiter(rdb *redis.Client, limit int64) *RateLimiter {
	return &RateLimiter{redis: rdb, limit: limit}
}

func (r *RateLimiter) Allow(ctx context.Context, scope string, now time.Time) (allowed bool, used int64, resetAt time.Time, err error) {
	windowStart := now.UTC().Truncate(time.Hour)
	windowEnd := windowStart.Add(time.Hour)
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	key := fmt.Sprintf("agentmux:ratelimit:%s:%s", scope, windowStart.Format("2006010215"))
	res, err := incrWithTTLScript.Run(ctx, r.redis, []string{key}, ttl).Int64()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit script: %w", err)
	}
	return res <= r.limit, res, windowEnd, nil
}

// RequestDeduplicator suppresses duplicate execution triggers, keyed by a
// caller-supplied idempotency token.
type RequestDeduplicator struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewRequestDeduplicator(rdb *redis.Client, ttl time.Duration) *RequestDeduplicator {
	return &RequestDeduplicator{redis: rdb, ttl: ttl}
}

// MarkFirst reports whether this token has not been seen inside the TTL
// window. Only the first caller gets true.
func (d *RequestDeduplicator) MarkFirst(ctx context.Context, token string) (bool, error) {
	key := fmt.Sprintf("agentmux:idempotency:%s", token)
	ok, err := d.redis.SetNX(ctx, key, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe setnx: %w", err)
	}
	return ok, nil
}
