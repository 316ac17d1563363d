package models

import "time"

type EventType string

const (
	EventSessionLocked     EventType = "session_locked"
	EventSessionExpired    EventType = "session_expired"
	EventSessionUnlocked   EventType = "session_unlocked"
	EventSessionCleared    EventType = "session_cleared"
	EventPinSet            EventType = "pin_set"
	EventPinCleared        EventType = "pin_cleared"
	EventPinVerified       EventType = "pin_verified"
	EventPinWrong          EventType = "pin_wrong"
	EventPinLockedOut      EventType = "pin_locked_out"
	EventStepUpSucceeded   EventType = "stepup_succeeded"
	EventStepUpFailed      EventType = "stepup_failed"
	EventOTPSent           EventType = "otp_sent"
	EventOTPDeliveryFailed EventType = "otp_delivery_failed"
	EventOTPVerified       EventType = "otp_verified"
	EventOTPWrong          EventType = "otp_wrong"
	EventOTPLocked         EventType = "otp_locked"
	EventOTPExpired        EventType = "otp_expired"
	EventOTPInvalidated    EventType = "otp_invalidated"
)

type SecurityEvent struct {
	EventID     string            `json:"event_id" db:"event_id"`
	EventBucket int               `json:"event_bucket" db:"event_bucket"`
	EventType   EventType         `json:"event_type" db:"event_type"`
	Subject     string            `json:"subject" db:"subject"`
	DeviceID    string            `json:"device_id,omitempty" db:"device_id"`
	Details     map[string]string `json:"details,omitempty" db:"details"`
	OccurredAt  time.Time         `json:"occurred_at" db:"occurred_at"`
}
