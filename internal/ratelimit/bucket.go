package ratelimit

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// bucketScript is a token bucket refilled from the Redis clock. It returns
// {allowed, tokens_left}.
const bucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local t = redis.call("TIME")
local now = (t[1] * 1000) + math.floor(t[2] / 1000)

local data = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])
if tokens == nil then
  tokens = burst
else
  local elapsed = math.max(0, now - ts)
  tokens = math.min(burst, tokens + (elapsed / 1000) * rate)
end

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl)
return {allowed, tostring(tokens)}
`

var ErrBucketNotConfigured = errors.New("token_bucket_not_configured")

// TokenBucket shares a rate budget between processes through Redis.
type TokenBucket struct {
	client redis.UniversalClient
	script *redis.Script
}

func NewTokenBucket(client redis.UniversalClient) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{client: client, script: redis.NewScript(bucketScript)}
}

// Take consumes one token. When none is left it returns how long until the
// next one is due.
func (b *TokenBucket) Take(ctx context.Context, key string, rate float64, burst int) (bool, time.Duration, error) {
	if b == nil || b.client == nil {
		return false, 0, ErrBucketNotConfigured
	}
	ttl := bucketTTL(rate, burst)
	res, err := b.script.Run(ctx, b.client, []string{key}, rate, burst, ttl.Milliseconds()).Slice()
	if err != nil {
		return false, 0, err
	}
	if len(res) < 2 {
		return false, 0, errors.New("invalid token bucket response")
	}

	allowed, _ := res[0].(int64)
	if allowed == 1 {
		return true, 0, nil
	}
	left := 0.0
	if s, ok := res[1].(string); ok {
		left, _ = strconv.ParseFloat(s, 64)
	}
	wait := time.Duration((1 - left) / rate * float64(time.Second))
	return false, wait, nil
}

func bucketTTL(rate float64, burst int) time.Duration {
	if rate <= 0 || burst <= 0 {
		return time.Second
	}
	seconds := math.Max(1, math.Ceil(float64(burst)/rate*2))
	return time.Duration(seconds) * time.Second
}
