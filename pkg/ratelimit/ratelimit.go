// Package ratelimit implements a Redis token bucket shared by every worker
// consuming the same broker.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucket refills rate tokens per second up to burst and takes one.
// KEYS[1]: bucket key
// ARGV[1]: rate (tokens/sec)
// ARGV[2]: burst (capacity)
// ARGV[3]: current timestamp (ms)
// ARGV[4]: tokens to consume
var tokenBucket = redis.NewScript(`
	local key = KEYS[1]
	local rate = tonumber(ARGV[1])
	local burst = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local requested = tonumber(ARGV[4])

	local tokens = tonumber(redis.call('HGET', key, 'tokens'))
	local last_refill = tonumber(redis.call('HGET', key, 'last_refill'))

	if not tokens then
		tokens = burst
		last_refill = now
	end

	local delta = math.max(0, now - last_refill) / 1000
	local new_tokens = math.min(burst, tokens + (delta * rate))

	local allowed = 0
	if new_tokens >= requested then
		new_tokens = new_tokens - requested
		allowed = 1
	end

	redis.call('HSET', key, 'tokens', new_tokens, 'last_refill', now)
	redis.call('PEXPIRE', key, math.ceil(burst / rate * 1000) + 1000)
	return allowed
`)

// Limiter checks token buckets stored under namespace:ratelimit:{key}.
type Limiter struct {
	rdb *redis.Client
	ns  string
	now func() time.Time
}

// New creates a limiter on an existing Redis client.
func New(rdb *redis.Client, namespace string) *Limiter {
	return &Limiter{rdb: rdb, ns: namespace, now: time.Now}
}

// Allow takes one token from the bucket for key, reporting whether it was
// available. limit is the refill rate per second and burst the capacity.
func (l *Limiter) Allow(ctx context.Context, key string, limit, burst int) (bool, error) {
	if limit < 1 || burst < 1 {
		return false, fmt.Errorf("invalid rate limit %d/s burst %d", limit, burst)
	}

	result, err := tokenBucket.Run(ctx, l.rdb,
		[]string{fmt.Sprintf("%s:ratelimit:%s", l.ns, key)},
		limit,
		burst,
		l.now().UnixMilli(),
		1,
	).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", key, err)
	}
	return result == 1, nil
}
