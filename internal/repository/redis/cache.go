// Package redis keeps device and OTP records in Redis as JSON values.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"device-auth-service/internal/client"
	"device-auth-service/internal/repository"
)

const opTimeout = 5 * time.Second

func getJSON(ctx context.Context, c *client.RedisClient, key string, v interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := c.Get(ctx, key)
	if errors.Is(err, client.ErrKeyNotFound) {
		return repository.ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("corrupt value at %s: %w", key, err)
	}
	return nil
}

func setJSON(ctx context.Context, c *client.RedisClient, key string, v interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return c.Set(ctx, key, raw, ttl)
}

// DeviceStore serves every per-device record from one Redis connection.
type DeviceStore struct {
	*SessionCache
	*PinCache
}

func NewDeviceStore(c *client.RedisClient) *DeviceStore {
	return &DeviceStore{
		SessionCache: NewSessionCache(c),
		PinCache:     NewPinCache(c),
	}
}
