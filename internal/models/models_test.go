package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStateExpiredAt(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, timeout := range AllowedSessionTimeouts {
		s := NewSessionState()
		s.TimeoutDuration = timeout
		s.LastActivityAt = start

		assert.False(t, s.ExpiredAt(start), timeout)
		assert.False(t, s.ExpiredAt(start.Add(timeout-time.Nanosecond)), timeout)
		assert.True(t, s.ExpiredAt(start.Add(timeout)), timeout)
		assert.True(t, s.ExpiredAt(start.Add(timeout+time.Hour)), timeout)
	}
}

func TestSessionStateNeverActiveIsExpired(t *testing.T) {
	s := NewSessionState()
	assert.True(t, s.ExpiredAt(time.Now()))

	s.TimeoutEnabled = false
	assert.False(t, s.ExpiredAt(time.Now()))
}

func TestSessionStateRemainingAt(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewSessionState()
	s.LastActivityAt = start

	assert.Equal(t, 5*time.Minute, s.RemainingAt(start))
	assert.Equal(t, 2*time.Minute, s.RemainingAt(start.Add(3*time.Minute)))
	assert.Zero(t, s.RemainingAt(start.Add(10*time.Minute)))
}

func TestValidSessionTimeout(t *testing.T) {
	assert.True(t, ValidSessionTimeout(15*time.Minute))
	assert.False(t, ValidSessionTimeout(2*time.Minute))
	assert.False(t, ValidSessionTimeout(0))
}

func TestOTPRecordGates(t *testing.T) {
	now := time.Now()
	r := &OTPRecord{ExpiresAt: now, MaxAttempts: 3}

	assert.False(t, r.IsExpired(now))
	assert.True(t, r.IsExpired(now.Add(time.Nanosecond)))
	assert.Equal(t, 3, r.Remaining())

	r.Attempts = 3
	assert.True(t, r.IsLocked())
	assert.Zero(t, r.Remaining())
}

func TestParseAuthMethod(t *testing.T) {
	m, err := ParseAuthMethod("biometric")
	require.NoError(t, err)
	assert.Equal(t, AuthMethodBiometric, m)

	_, err = ParseAuthMethod("face")
	assert.Error(t, err)
}
