package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// rateLimitHandlePrefix is the Redis key prefix for per-caller limits.
	rateLimitHandlePrefix = "ratelimit:handle:"
	// rateLimitHandleTTL is the TTL for per-caller limit keys.
	rateLimitHandleTTL = 120 * time.Second
)

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// tokenBucketScript is a Lua script implementing the token bucket algorithm.
// It's atomic and handles token refill and consumption in a single operation.
var tokenBucketScript = redis.NewScript(`
	local key = KEYS[1]
	local rate = tonumber(ARGV[1])      -- tokens per second
	local burst = tonumber(ARGV[2])     -- max tokens (bucket capacity)
	local now = tonumber(ARGV[3])       -- current time in seconds
	local ttl = tonumber(ARGV[4])       -- TTL in seconds

	-- Get current state
	local data = redis.call('HMGET', key, 'tokens', 'last_update')
	local tokens = tonumber(data[1]) or burst
	local last_update = tonumber(data[2]) or now

	-- Refill tokens based on elapsed time
	local elapsed = now - last_update
	tokens = math.min(burst, tokens + (elapsed * rate))

	-- Check if request is allowed
	local allowed = 0
	local retry_after = 0

	if tokens >= 1 then
		tokens = tokens - 1
		allowed = 1
	else
		-- Calculate when 1 token will be available
		retry_after = math.ceil((1 - tokens) / rate)
	end

	-- Update state
	redis.call('HMSET', key, 'tokens', tokens, 'last_update', now)
	redis.call('EXPIRE', key, ttl)

	return {allowed, retry_after, math.floor(tokens)}
`)

// HandleLimiter rate-limits privileged commands per caller handle.
type HandleLimiter struct {
	cache     *Cache
	perMinute int
	burst     int
}

// NewHandleLimiter creates a per-caller limiter backed by the cache.
func NewHandleLimiter(cache *Cache, perMinute, burst int) *HandleLimiter {
	return &HandleLimiter{cache: cache, perMinute: perMinute, burst: burst}
}

// Allow checks and updates the rate limit for a caller handle.
// Returns whether the command may proceed and how long to wait if not.
func (l *HandleLimiter) Allow(ctx context.Context, handle string) (bool, time.Duration, error) {
	// Unlimited
	if l.perMinute == 0 {
		return true, 0, nil
	}

	// Handles are hashed so raw chat identities never land in Redis.
	key := rateLimitHandlePrefix + hashHandle(handle)
	ratePerSecond := float64(l.perMinute) / 60.0

	result, err := l.check(ctx, key, ratePerSecond, l.burst, int(rateLimitHandleTTL.Seconds()))
	if err != nil {
		return false, 0, err
	}
	return result.Allowed, result.RetryAfter, nil
}

// check runs the token bucket script.
func (l *HandleLimiter) check(ctx context.Context, key string, rate float64, burst, ttl int) (*RateLimitResult, error) {
	now := time.Now().Unix()

	result, err := tokenBucketScript.Run(ctx, l.cache.client,
		[]string{key},
		rate, burst, now, ttl,
	).Slice()
	if err != nil {
		return nil, err
	}

	allowed, _ := result[0].(int64)
	retryAfter, _ := result[1].(int64)
	remaining, _ := result[2].(int64)

	return &RateLimitResult{
		Allowed:    allowed == 1,
		Remaining:  remaining,
		RetryAfter: time.Duration(retryAfter) * time.Second,
	}, nil
}

// hashHandle hashes a caller handle for use as a Redis key.
func hashHandle(handle string) string {
	sum := sha256.Sum256([]byte(handle))
	return hex.EncodeToString(sum[:])
}
