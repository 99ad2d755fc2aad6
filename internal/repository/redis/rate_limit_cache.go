package redis

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"phone-auth-service/internal/client"
	"phone-auth-service/internal/model"
	"phone-auth-service/internal/util"
)

const ipRateLimitPrefix = "ip_rate_limit:otp:"

// ipWindowScript runs one fixed-window check atomically.
// KEYS[1] window hash; ARGV: now_ms, window_ms, max_requests.
// Returns {allowed(0|1), retry_after_ms}.
var ipWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local data = redis.call('HMGET', KEYS[1], 'count', 'first', 'blocked')
local count = tonumber(data[1])
local first = tonumber(data[2])

if (not count) or (not first) or (now - first) > window then
  redis.call('HSET', KEYS[1], 'count', 1, 'first', now, 'blocked', 0)
  redis.call('PEXPIRE', KEYS[1], window + 1000)
  return {1, 0}
end

local retry = first + window - now
if retry < 0 then
  retry = 0
end

if data[3] == '1' then
  return {0, retry}
end

count = count + 1
if count > max then
  redis.call('HSET', KEYS[1], 'count', count, 'blocked', 1)
  return {0, retry}
end

redis.call('HSET', KEYS[1], 'count', count)
return {1, 0}
`)

// RateLimitCache is the Redis-backed IP window shared by all instances.
// Expired windows disappear through key TTL, no sweeper needed.
type RateLimitCache struct {
	client      *client.RedisClient
	window      time.Duration
	maxRequests int
	now         func() time.Time
}

func NewRateLimitCache(client *client.RedisClient, window time.Duration, maxRequests int) *RateLimitCache {
	return &RateLimitCache{
		client:      client,
		window:      window,
		maxRequests: maxRequests,
		now:         time.Now,
	}
}

func (c *RateLimitCache) Check(ctx context.Context, ip string) (model.IPDecision, error) {
	ctx, cancel := c.client.WithContext(ctx, operationTimeout)
	defer cancel()

	res, err := c.client.RunScript(ctx, ipWindowScript,
		[]string{ipRateLimitPrefix + ip},
		c.now().UnixMilli(), c.window.Milliseconds(), c.maxRequests,
	).Int64Slice()
	if err != nil {
		util.Error("IP rate limit check failed", zap.String("ip", ip), zap.Error(err))
		return model.IPDecision{}, fmt.Errorf("ip rate limit check failed: %w", err)
	}

	decision, err := decodeDecision(res)
	if err != nil {
		return model.IPDecision{}, err
	}
	if !decision.Allowed {
		util.Warn("IP rate limited", zap.String("ip", ip), zap.Duration("retry_after", decision.RetryAfter))
	}
	return decision, nil
}

func decodeDecision(res []int64) (model.IPDecision, error) {
	if len(res) != 2 {
		return model.IPDecision{}, fmt.Errorf("unexpected rate limit script reply: %v", res)
	}
	return model.IPDecision{
		Allowed:    res[0] == 1,
		RetryAfter: time.Duration(res[1]) * time.Millisecond,
	}, nil
}
