package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"device-auth-service/internal/client"
	"device-auth-service/internal/util"
)

const rateLimitPrefix = "rate_limit:"

type RateLimitCache struct {
	client *client.RedisClient
}

func NewRateLimitCache(c *client.RedisClient) *RateLimitCache {
	return &RateLimitCache{client: c}
}

// Allow counts a hit in the fixed window that starts with the first hit.
// It returns whether the hit is within limit and how many hits the window holds.
func (c *RateLimitCache) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	count, err := c.client.IncrWithExpire(ctx, rateLimitPrefix+key, window)
	if err != nil {
		util.Error("Failed to increment rate limit counter", zap.String("key", key), zap.Error(err))
		return false, 0, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}
	return int(count) <= limit, int(count), nil
}

// RetryAfter is the time left in key's current window.
func (c *RateLimitCache) RetryAfter(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ttl, err := c.client.TTL(ctx, rateLimitPrefix+key)
	if err != nil {
		return 0, err
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

var slidingWindow = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_start = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
local current = redis.call('ZCARD', key)
if current < limit then
	redis.call('ZADD', key, now, ARGV[5])
	redis.call('PEXPIRE', key, ARGV[4])
	return {1, current + 1}
end
return {0, current}
`)

// SlidingWindow allows at most limit hits in any window ending now.
func (c *RateLimitCache) SlidingWindow(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := time.Now().UnixMilli()
	res, err := slidingWindow.Run(ctx, c.client.Client,
		[]string{rateLimitPrefix + "sw:" + key},
		now, now-window.Milliseconds(), limit, window.Milliseconds(), uuid.NewString(),
	).Int64Slice()
	if err != nil {
		util.Error("Failed to execute sliding window rate limit",
			zap.String("key", key),
			zap.Int("limit", limit),
			zap.Duration("window", window),
			zap.Error(err))
		return false, 0, fmt.Errorf("failed to execute sliding window rate limit: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("unexpected result from sliding window script")
	}
	return res[0] == 1, int(res[1]), nil
}
