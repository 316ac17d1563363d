package models

import "time"

const DefaultSessionTimeout = 5 * time.Minute

// AllowedSessionTimeouts is the closed set of idle timeouts a device may choose.
var AllowedSessionTimeouts = []time.Duration{
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
	time.Hour,
}

type SessionState struct {
	LastActivityAt  time.Time     `json:"last_activity_at,omitempty"`
	TimeoutEnabled  bool          `json:"timeout_enabled"`
	TimeoutDuration time.Duration `json:"timeout_duration"`
	Locked          bool          `json:"locked"`
}

// NewSessionState returns the state a device starts with on first launch.
func NewSessionState() *SessionState {
	return &SessionState{
		TimeoutEnabled:  true,
		TimeoutDuration: DefaultSessionTimeout,
	}
}

// ExpiredAt reports whether the idle timeout has elapsed at now.
// A state with no recorded activity counts as expired.
func (s *SessionState) ExpiredAt(now time.Time) bool {
	if !s.TimeoutEnabled {
		return false
	}
	if s.LastActivityAt.IsZero() {
		return true
	}
	return now.Sub(s.LastActivityAt) >= s.TimeoutDuration
}

// RemainingAt is the idle time left before expiry, zero once expired.
func (s *SessionState) RemainingAt(now time.Time) time.Duration {
	if s.LastActivityAt.IsZero() {
		return 0
	}
	left := s.TimeoutDuration - now.Sub(s.LastActivityAt)
	if left < 0 {
		return 0
	}
	return left
}

func ValidSessionTimeout(d time.Duration) bool {
	for _, allowed := range AllowedSessionTimeouts {
		if d == allowed {
			return true
		}
	}
	return false
}
