package redis

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"device-auth-service/internal/client"
	"device-auth-service/internal/models"
	"device-auth-service/internal/repository"
	"device-auth-service/internal/util"
)

const (
	pinRecordPrefix  = "pin_record:"
	wrappedKeyPrefix = "data_key:"
)

// PinCache stores encrypted PIN records and the wrapped data keys that seal them.
type PinCache struct {
	client *client.RedisClient
}

func NewPinCache(c *client.RedisClient) *PinCache {
	return &PinCache{client: c}
}

func (c *PinCache) LoadPin(ctx context.Context, deviceID string) (*models.PinRecord, error) {
	var rec models.PinRecord
	if err := getJSON(ctx, c.client, pinRecordPrefix+deviceID, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *PinCache) SavePin(ctx context.Context, deviceID string, rec *models.PinRecord) error {
	if err := setJSON(ctx, c.client, pinRecordPrefix+deviceID, rec, 0); err != nil {
		util.Error("Failed to save PIN record", util.DeviceID(deviceID), zap.Error(err))
		return fmt.Errorf("failed to save PIN record: %w", err)
	}
	util.Debug("PIN record saved", util.DeviceID(deviceID), zap.Int("failed_attempts", rec.FailedAttempts))
	return nil
}

func (c *PinCache) DeletePin(ctx context.Context, deviceID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.client.Del(ctx, pinRecordPrefix+deviceID); err != nil {
		util.Error("Failed to delete PIN record", util.DeviceID(deviceID), zap.Error(err))
		return fmt.Errorf("failed to delete PIN record: %w", err)
	}
	return nil
}

func (c *PinCache) LoadWrappedKey(ctx context.Context, keyID string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := c.client.Get(ctx, wrappedKeyPrefix+keyID)
	if errors.Is(err, client.ErrKeyNotFound) {
		return nil, repository.ErrNotFound
	}
	return raw, err
}

// StoreWrappedKeyIfAbsent writes with SET NX and returns the value that won.
func (c *PinCache) StoreWrappedKeyIfAbsent(ctx context.Context, keyID string, wrapped []byte) ([]byte, error) {
	setCtx, cancel := context.WithTimeout(ctx, opTimeout)
	ok, err := c.client.SetNX(setCtx, wrappedKeyPrefix+keyID, wrapped, 0)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to store wrapped key: %w", err)
	}
	if ok {
		util.Info("Data key stored", zap.String("key_id", keyID))
		return wrapped, nil
	}
	return c.LoadWrappedKey(ctx, keyID)
}
