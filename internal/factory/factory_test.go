package factory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"device-auth-service/internal/config"
)

func localConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{Environment: config.EnvDevelopment}
	cfg.Hashing = config.HashingConfig{Argon2MemoryCost: 1024, Argon2TimeCost: 1, Argon2Parallelism: 1, Pepper: "test-pepper", PepperVersion: 1}
	cfg.Bucketing = config.BucketingConfig{UserBuckets: 16, EventBuckets: 4}
	cfg.Session = config.SessionConfig{TimeoutEnabled: true, DefaultTimeout: time.Minute, Backend: "bolt", MaxDevices: 100}
	cfg.PIN = config.PINConfig{MaxAttempts: 5, LockoutDuration: 30 * time.Second}
	cfg.OTP = config.OTPConfig{TTL: 5 * time.Minute, MaxAttempts: 3, ResendCooldown: time.Minute, RecordRetention: time.Hour, Backend: "memory"}
	cfg.Email = config.EmailConfig{Mode: "http"}
	cfg.Audit = config.AuditConfig{Enabled: true, Timeout: time.Second}
	cfg.LocalStore = config.LocalStoreConfig{
		Path:         filepath.Join(t.TempDir(), "device-auth.db"),
		MasterKeyHex: strings.Repeat("ab", 32),
	}
	cfg.RateLimit = config.RateLimitConfig{Enabled: true, OTPRequests: 10, OTPWindow: time.Minute}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestLocalFactoryServesDeviceAPI(t *testing.T) {
	f, err := New(localConfig(t), clockwork.NewFakeClock())
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	assert.True(t, f.IsHealthy(context.Background()))
	health := f.HealthCheck(context.Background())
	assert.Contains(t, health, "local_store")
	assert.NotContains(t, health, "redis")

	router := f.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/devices/phone-1/session", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"timeout_seconds":60`)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/v1/devices/phone-1/pin",
		strings.NewReader(`{"pin":"1357","confirm":"1357"}`)))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/devices/phone-1/pin/verify",
		strings.NewReader(`{"pin":"1357"}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRedisSessionBackendNeedsRedis(t *testing.T) {
	cfg := localConfig(t)
	cfg.Session.Backend = "redis"

	_, err := New(cfg, clockwork.NewFakeClock())
	assert.ErrorContains(t, err, "Redis is not available")
}

func TestProductionRefusesUnconfiguredEmail(t *testing.T) {
	cfg := localConfig(t)
	cfg.Environment = config.EnvProduction

	_, err := New(cfg, clockwork.NewFakeClock())
	assert.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	f, err := New(localConfig(t), clockwork.NewFakeClock())
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
	f.WaitForClose()
}
