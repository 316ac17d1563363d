package models

import "time"

// PinRecord is the encrypted PIN of one device plus its attempt gate.
type PinRecord struct {
	Ciphertext     []byte    `json:"ciphertext,omitempty"`
	IV             []byte    `json:"iv,omitempty"`
	FailedAttempts int       `json:"failed_attempts"`
	LockoutUntil   time.Time `json:"lockout_until,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (p *PinRecord) HasPin() bool {
	return p != nil && len(p.Ciphertext) > 0 && len(p.IV) > 0
}

func (p *PinRecord) LockedAt(now time.Time) bool {
	return !p.LockoutUntil.IsZero() && now.Before(p.LockoutUntil)
}
