// Package ratelimit throttles scan creation per caller. A scan request fans
// out into potentially thousands of provider API calls and clone operations,
// so the control plane keeps a distributed token bucket in Redis rather than
// trusting a single process's view.
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter is a Redis-backed token bucket.
type Limiter struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// New constructs a limiter with the provided capacity and refill rate.
func New(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *Limiter {
	return &Limiter{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// Allow consumes one token for the caller key if available. Returns the
// allowed flag and the remaining token count.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, float64, error) {
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, l.client, []string{"rl:" + key},
		l.capacity, l.refill, now, l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, nil
	}
	allowed, _ := arr[0].(int64)
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case string:
		// Lua numbers with a fractional part come back as strings.
		tokens, _ = strconv.ParseFloat(v, 64)
	case float64:
		tokens = v
	}
	return allowed == 1, tokens, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
