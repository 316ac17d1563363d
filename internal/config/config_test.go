package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", " Development ")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, ":8080", cfg.GetServerAddress())
	assert.True(t, cfg.Session.TimeoutEnabled)
	assert.Equal(t, 5*time.Minute, cfg.Session.DefaultTimeout)
	assert.Equal(t, 5, cfg.PIN.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.PIN.LockoutDuration)
	assert.Equal(t, 5*time.Minute, cfg.OTP.TTL)
	assert.Equal(t, 3, cfg.OTP.MaxAttempts)
	assert.Equal(t, 60*time.Second, cfg.OTP.ResendCooldown)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	t.Setenv("SESSION_DEFAULT_TIMEOUT", "15m")
	t.Setenv("SESSION_BACKEND", "bolt")
	t.Setenv("OTP_BACKEND", "memory")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, cfg.Session.DefaultTimeout)
	assert.Equal(t, "bolt", cfg.Session.Backend)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func validConfig() *Config {
	return &Config{
		Environment: EnvDevelopment,
		Hashing:     HashingConfig{Pepper: defaultPepper},
		Bucketing:   BucketingConfig{UserBuckets: 8, EventBuckets: 8},
		Session:     SessionConfig{DefaultTimeout: 5 * time.Minute, Backend: "redis", MaxDevices: 100},
		PIN:         PINConfig{MaxAttempts: 5},
		OTP:         OTPConfig{TTL: 5 * time.Minute, MaxAttempts: 3, RecordRetention: time.Hour, Backend: "redis"},
		Email:       EmailConfig{Mode: "http"},
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown environment", func(c *Config) { c.Environment = "staging" }, "APP_ENV"},
		{"timeout outside allowed set", func(c *Config) { c.Session.DefaultTimeout = 2 * time.Minute }, "SESSION_DEFAULT_TIMEOUT"},
		{"zero pin attempts", func(c *Config) { c.PIN.MaxAttempts = 0 }, "PIN_MAX_ATTEMPTS"},
		{"retention shorter than ttl", func(c *Config) { c.OTP.RecordRetention = time.Minute }, "OTP_RECORD_RETENTION"},
		{"scylla otp without scylla", func(c *Config) { c.OTP.Backend = "scylla" }, "SCYLLA_ENABLED"},
		{"unknown session backend", func(c *Config) { c.Session.Backend = "sqlite" }, "SESSION_BACKEND"},
		{"no resident devices", func(c *Config) { c.Session.MaxDevices = 0 }, "SESSION_MAX_DEVICES"},
		{"kafka email without kafka", func(c *Config) { c.Email.Mode = "kafka" }, "KAFKA_ENABLED"},
		{"kms without key", func(c *Config) { c.KMS.Enabled = true }, "KMS_KEY_ID"},
		{"production default pepper", func(c *Config) { c.Environment = EnvProduction }, "HASH_PEPPER"},
		{"production without key wrapping", func(c *Config) {
			c.Environment = EnvProduction
			c.Hashing.Pepper = strings.Repeat("p", 32)
		}, "LOCAL_STORE_MASTER_KEY"},
		{"production memory otp", func(c *Config) {
			c.Environment = EnvProduction
			c.Hashing.Pepper = strings.Repeat("p", 32)
			c.LocalStore.MasterKeyHex = strings.Repeat("a", 64)
			c.OTP.Backend = "memory"
		}, "OTP_BACKEND=memory"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			assert.ErrorContains(t, c.Validate(), tt.want)
		})
	}
}
