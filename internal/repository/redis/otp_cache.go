package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"device-auth-service/internal/client"
	"device-auth-service/internal/models"
	"device-auth-service/internal/repository"
	"device-auth-service/internal/util"
)

const otpPrefix = "otp:"

// OTPCache keeps one OTP record per user. Records outlive their expiry by the
// retention window so that verify can still tell Expired from NotFound.
type OTPCache struct {
	client    *client.RedisClient
	retention time.Duration
}

func NewOTPCache(c *client.RedisClient, retention time.Duration) *OTPCache {
	return &OTPCache{client: c, retention: retention}
}

func (c *OTPCache) ttl(rec *models.OTPRecord) time.Duration {
	return time.Until(rec.ExpiresAt) + c.retention
}

func (c *OTPCache) PutOTP(ctx context.Context, rec *models.OTPRecord) error {
	if err := setJSON(ctx, c.client, otpPrefix+rec.UserID, rec, c.ttl(rec)); err != nil {
		util.Error("Failed to set OTP in cache", util.UserID(rec.UserID), zap.Error(err))
		return fmt.Errorf("failed to set OTP in cache: %w", err)
	}
	util.Debug("OTP cached", util.UserID(rec.UserID), util.Time("expires_at", rec.ExpiresAt))
	return nil
}

func (c *OTPCache) GetOTP(ctx context.Context, userID string) (*models.OTPRecord, error) {
	var rec models.OTPRecord
	if err := getJSON(ctx, c.client, otpPrefix+userID, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// SwapOTP replaces the record under WATCH. A concurrent write to the key, or a
// stored record that is no longer expect, yields repository.ErrConflict.
func (c *OTPCache) SwapOTP(ctx context.Context, next, expect *models.OTPRecord) error {
	key := otpPrefix + next.UserID
	raw, err := json.Marshal(next)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	err = c.client.Watch(ctx, func(tx *goredis.Tx) error {
		curRaw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			return repository.ErrNotFound
		}
		if err != nil {
			return err
		}
		var cur models.OTPRecord
		if err := json.Unmarshal(curRaw, &cur); err != nil {
			return fmt.Errorf("corrupt value at %s: %w", key, err)
		}
		if !cur.SameVersion(expect) {
			return repository.ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.SetArgs(ctx, key, raw, goredis.SetArgs{KeepTTL: true})
			return nil
		})
		return err
	}, key)

	if errors.Is(err, goredis.TxFailedErr) {
		return repository.ErrConflict
	}
	return err
}

func (c *OTPCache) DeleteOTP(ctx context.Context, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.client.Del(ctx, otpPrefix+userID); err != nil {
		util.Error("Failed to delete OTP from cache", util.UserID(userID), zap.Error(err))
		return fmt.Errorf("failed to delete OTP from cache: %w", err)
	}
	util.Debug("OTP deleted from cache", util.UserID(userID))
	return nil
}
