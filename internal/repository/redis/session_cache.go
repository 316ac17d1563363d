package redis

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"device-auth-service/internal/client"
	"device-auth-service/internal/models"
	"device-auth-service/internal/util"
)

const (
	sessionStatePrefix = "session_state:"
	authMethodPrefix   = "auth_method:"
)

// SessionCache stores session state and the step-up preference. Neither expires.
type SessionCache struct {
	client *client.RedisClient
}

func NewSessionCache(c *client.RedisClient) *SessionCache {
	return &SessionCache{client: c}
}

func (c *SessionCache) LoadSession(ctx context.Context, deviceID string) (*models.SessionState, error) {
	var st models.SessionState
	if err := getJSON(ctx, c.client, sessionStatePrefix+deviceID, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *SessionCache) SaveSession(ctx context.Context, deviceID string, state *models.SessionState) error {
	if err := setJSON(ctx, c.client, sessionStatePrefix+deviceID, state, 0); err != nil {
		util.Error("Failed to save session state", util.DeviceID(deviceID), zap.Error(err))
		return fmt.Errorf("failed to save session state: %w", err)
	}
	util.Debug("Session state saved",
		util.DeviceID(deviceID),
		zap.Bool("locked", state.Locked),
		zap.Bool("timeout_enabled", state.TimeoutEnabled))
	return nil
}

func (c *SessionCache) LoadAuthMethod(ctx context.Context, deviceID string) (models.AuthMethod, error) {
	var pref models.AuthPreference
	if err := getJSON(ctx, c.client, authMethodPrefix+deviceID, &pref); err != nil {
		return "", err
	}
	return pref.Method, nil
}

func (c *SessionCache) SaveAuthMethod(ctx context.Context, deviceID string, method models.AuthMethod) error {
	if err := setJSON(ctx, c.client, authMethodPrefix+deviceID, models.AuthPreference{Method: method}, 0); err != nil {
		util.Error("Failed to save auth method", util.DeviceID(deviceID), zap.Error(err))
		return fmt.Errorf("failed to save auth method: %w", err)
	}
	return nil
}
