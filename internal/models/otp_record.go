package models

import "time"

// OTPRecord is the single live one-time code of a user.
// OTP holds the encoded argon2id hash of the code, never the code itself.
type OTPRecord struct {
	UserID        string    `json:"userId" db:"user_id"`
	OTP           string    `json:"otp" db:"otp"`
	Email         string    `json:"email" db:"email"`
	CreatedAt     time.Time `json:"createdAt" db:"created_at"`
	ExpiresAt     time.Time `json:"expiresAt" db:"expires_at"`
	Verified      bool      `json:"verified" db:"verified"`
	Attempts      int       `json:"attempts" db:"attempts"`
	MaxAttempts   int       `json:"maxAttempts" db:"max_attempts"`
	LastAttemptAt time.Time `json:"lastAttemptAt,omitempty" db:"last_attempt_at"`
}

func (r *OTPRecord) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

func (r *OTPRecord) IsLocked() bool {
	return r.Attempts >= r.MaxAttempts
}

func (r *OTPRecord) Remaining() int {
	if n := r.MaxAttempts - r.Attempts; n > 0 {
		return n
	}
	return 0
}

// SameVersion reports whether other is the same unverified record at the same attempt count.
func (r *OTPRecord) SameVersion(other *OTPRecord) bool {
	return other != nil &&
		r.UserID == other.UserID &&
		r.CreatedAt.Equal(other.CreatedAt) &&
		r.Attempts == other.Attempts &&
		r.Verified == other.Verified
}
