package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Limit  int           // Maximum requests allowed
	Window time.Duration // Time window for the limit
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// slidingWindow trims the window, then admits ARGV[4] requests only if they
// all fit. Check and insert run in one script so concurrent gateways cannot
// both squeeze past the limit.
//
// KEYS[1] window zset
// ARGV: now (ns), window start (ns), limit, n, ttl (ms), member prefix
var slidingWindow = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local count = redis.call('ZCARD', KEYS[1])
local limit = tonumber(ARGV[3])
local n = tonumber(ARGV[4])
if count + n > limit then
	return {0, count}
end
for i = 1, n do
	redis.call('ZADD', KEYS[1], ARGV[1], ARGV[6] .. '-' .. i)
end
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return {1, count}
`)

// RateLimiter implements a sliding window rate limit over a Redis sorted set.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
	}
}

// Allow checks if a request is allowed under the rate limit.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN checks if n requests are allowed under the rate limit.
func (r *RateLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	now := time.Now()
	windowStart := now.Add(-r.config.Window)
	resetAt := now.Add(r.config.Window)
	redisKey := fmt.Sprintf("chime:ratelimit:%s", key)

	res, err := slidingWindow.Run(ctx, r.client.rdb, []string{redisKey},
		now.UnixNano(),
		windowStart.UnixNano(),
		r.config.Limit,
		n,
		(r.config.Window + time.Second).Milliseconds(),
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("redis rate limit script failed: %w", err)
	}

	allowed := res[0] == 1
	current := int(res[1])

	if !allowed {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("current", current),
			zap.Int("limit", r.config.Limit),
		)
		return &RateLimitResult{
			Allowed:   false,
			Remaining: max(0, r.config.Limit-current),
			ResetAt:   resetAt,
		}, nil
	}

	return &RateLimitResult{
		Allowed:   true,
		Remaining: r.config.Limit - current - n,
		ResetAt:   resetAt,
	}, nil
}
