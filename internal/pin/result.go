package pin

import (
	"errors"
	"fmt"
	"time"
)

// VerifyResult is one of Success, WrongPin, LockedOut, NoPinSet or Failure.
type VerifyResult interface {
	Message() string
	isVerifyResult()
}

type Success struct{}

type WrongPin struct {
	Remaining int
}

type LockedOut struct {
	Remaining time.Duration
}

type NoPinSet struct{}

type Failure struct {
	Err error
}

func (Success) isVerifyResult()   {}
func (WrongPin) isVerifyResult()  {}
func (LockedOut) isVerifyResult() {}
func (NoPinSet) isVerifyResult()  {}
func (Failure) isVerifyResult()   {}

func (Success) Message() string { return "PIN verified." }

func (r WrongPin) Message() string {
	if r.Remaining == 1 {
		return "Incorrect PIN. 1 attempt remaining."
	}
	return fmt.Sprintf("Incorrect PIN. %d attempts remaining.", r.Remaining)
}

func (r LockedOut) Message() string {
	secs := int((r.Remaining + time.Second - 1) / time.Second)
	return fmt.Sprintf("Too many incorrect attempts. Try again in %d seconds.", secs)
}

func (NoPinSet) Message() string { return "No PIN has been set on this device." }

func (r Failure) Message() string {
	if errors.Is(r.Err, ErrInvalidPin) {
		return "PIN must be exactly 4 digits."
	}
	return "PIN could not be checked. Please try again."
}
