package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"phone-auth-service/internal/client"
	"phone-auth-service/internal/model"
	"phone-auth-service/internal/util"
)

const (
	otpCodePrefix      = "otp:code:"
	operationTimeout   = 5 * time.Second
	minimumEntryTTL    = time.Second
	defaultExpiryGrace = time.Minute
)

// consumeScript deletes the entry only while it still carries the digest
// the caller verified, so one code can satisfy at most one request.
var consumeScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 0
end
local entry = cjson.decode(raw)
if entry['hash'] == ARGV[1] and entry['salt'] == ARGV[2] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// OTPCache stores active codes in Redis so every instance sees the same
// code. Keys outlive the code by a grace period to report expiry.
type OTPCache struct {
	client *client.RedisClient
	grace  time.Duration
	now    func() time.Time
}

func NewOTPCache(client *client.RedisClient, grace time.Duration) *OTPCache {
	if grace <= 0 {
		grace = defaultExpiryGrace
	}
	return &OTPCache{client: client, grace: grace, now: time.Now}
}

func (c *OTPCache) Put(ctx context.Context, phone string, code *model.ActiveCode) error {
	ctx, cancel := c.client.WithContext(ctx, operationTimeout)
	defer cancel()

	payload, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("failed to encode OTP entry: %w", err)
	}

	ttl := entryTTL(code, c.now(), c.grace)
	if err := c.client.Set(ctx, otpCodePrefix+phone, payload, ttl); err != nil {
		util.Error("Failed to cache OTP", zap.String("phone", util.MaskPhone(phone)), zap.Error(err))
		return fmt.Errorf("failed to cache OTP: %w", err)
	}

	util.Debug("OTP cached", zap.String("phone", util.MaskPhone(phone)), zap.Duration("ttl", ttl))
	return nil
}

func (c *OTPCache) Get(ctx context.Context, phone string) (*model.ActiveCode, error) {
	ctx, cancel := c.client.WithContext(ctx, operationTimeout)
	defer cancel()

	raw, err := c.client.Get(ctx, otpCodePrefix+phone)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, model.ErrNotFound
		}
		util.Error("Failed to read OTP", zap.String("phone", util.MaskPhone(phone)), zap.Error(err))
		return nil, fmt.Errorf("failed to read OTP: %w", err)
	}

	var code model.ActiveCode
	if err := json.Unmarshal([]byte(raw), &code); err != nil {
		return nil, fmt.Errorf("corrupt OTP entry: %w", err)
	}
	return &code, nil
}

func (c *OTPCache) Delete(ctx context.Context, phone string) error {
	ctx, cancel := c.client.WithContext(ctx, operationTimeout)
	defer cancel()

	if err := c.client.Del(ctx, otpCodePrefix+phone); err != nil {
		util.Error("Failed to delete OTP", zap.String("phone", util.MaskPhone(phone)), zap.Error(err))
		return fmt.Errorf("failed to delete OTP: %w", err)
	}
	return nil
}

func (c *OTPCache) DeleteIfUnchanged(ctx context.Context, phone string, code *model.ActiveCode) (bool, error) {
	ctx, cancel := c.client.WithContext(ctx, operationTimeout)
	defer cancel()

	deleted, err := c.client.RunScript(ctx, consumeScript, []string{otpCodePrefix + phone}, code.Hash, code.Salt).Int64()
	if err != nil {
		util.Error("Failed to consume OTP", zap.String("phone", util.MaskPhone(phone)), zap.Error(err))
		return false, fmt.Errorf("failed to consume OTP: %w", err)
	}
	return deleted == 1, nil
}

func entryTTL(code *model.ActiveCode, now time.Time, grace time.Duration) time.Duration {
	ttl := code.ExpiresAt.Sub(now) + grace
	if ttl < minimumEntryTTL {
		return minimumEntryTTL
	}
	return ttl
}
