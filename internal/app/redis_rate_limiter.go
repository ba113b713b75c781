/**
 * @description
 * Fixed-window submission limiter backed by Redis. One counter per sender
 * and window; the counter is created with its expiry in a single Lua script
 * so two racing submissions cannot leave an immortal key behind. The limiter
 * is advisory: the orchestrator treats a Redis outage as "allow".
 */

package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// submitWindowScript bumps the window counter, arming the expiry on first
// use, and returns the count together with the window's remaining TTL so the
// caller can compute a Retry-After without a second round trip.
var submitWindowScript = redis.NewScript(`
local hits = redis.call("INCR", KEYS[1])
if hits == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local remaining = redis.call("PTTL", KEYS[1])
if remaining < 0 then
  remaining = tonumber(ARGV[1])
end
return {hits, remaining}
`)

// RedisTransferRateLimiter bounds transfer submissions per sender across all
// service instances sharing the Redis.
type RedisTransferRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisTransferRateLimiter(client redis.UniversalClient, prefix string) *RedisTransferRateLimiter {
	return &RedisTransferRateLimiter{
		client: client,
		prefix: normalizeLimiterPrefix(prefix),
	}
}

func normalizeLimiterPrefix(prefix string) string {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		return "ledger:rate_limit"
	}
	return trimmed
}

// limiterWindowMillis floors the window at one second; Redis PEXPIRE with a
// sub-second window would let the counter vanish between INCR and readback.
func limiterWindowMillis(window time.Duration) int64 {
	ms := window.Milliseconds()
	if ms < 1000 {
		return 1000
	}
	return ms
}

func retryAfterSeconds(ttlMillis, windowMillis int64) int {
	if ttlMillis < 0 {
		ttlMillis = windowMillis
	}
	seconds := int((ttlMillis + 999) / 1000)
	if seconds < 1 {
		return 1
	}
	return seconds
}

// ConsumeRateLimit counts this submission against the sender's current
// window. A zero count means the limiter is disabled or the inputs were
// unusable; the caller compares count against its own limit.
func (r *RedisTransferRateLimiter) ConsumeRateLimit(
	ctx context.Context,
	scope string,
	subject string,
	limit int,
	window time.Duration,
) (count int, retryAfter int, err error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}
	scope = strings.TrimSpace(scope)
	subject = strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return 0, 0, nil
	}

	windowMs := limiterWindowMillis(window)
	key := fmt.Sprintf("%s:%s:%s", r.prefix, scope, subject)

	reply, err := submitWindowScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return 0, 0, err
	}
	hits, ttlMs, err := parseLimiterReply(reply)
	if err != nil {
		return 0, 0, err
	}

	return int(hits), retryAfterSeconds(ttlMs, windowMs), nil
}

func parseLimiterReply(reply interface{}) (hits int64, ttlMillis int64, err error) {
	values, ok := reply.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected limiter reply shape: %T", reply)
	}
	hits, ok = values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected limiter count type: %T", values[0])
	}
	ttlMillis, ok = values[1].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected limiter ttl type: %T", values[1])
	}
	return hits, ttlMillis, nil
}
