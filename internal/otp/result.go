package otp

import (
	"errors"
	"fmt"
)

// VerifyResult is one of Success, NotFound, Expired, AlreadyUsed, Locked, WrongCode or Failure.
type VerifyResult interface {
	Message() string
	isVerifyResult()
}

type Success struct{}

type NotFound struct{}

type Expired struct{}

type AlreadyUsed struct{}

type Locked struct{}

type WrongCode struct {
	Remaining int
}

type Failure struct {
	Err error
}

func (Success) isVerifyResult()     {}
func (NotFound) isVerifyResult()    {}
func (Expired) isVerifyResult()     {}
func (AlreadyUsed) isVerifyResult() {}
func (Locked) isVerifyResult()      {}
func (WrongCode) isVerifyResult()   {}
func (Failure) isVerifyResult()     {}

func (Success) Message() string { return "Verification successful." }

func (NotFound) Message() string {
	return "No verification code found. Please request a new code."
}

func (Expired) Message() string {
	return "This code has expired. Please request a new one."
}

func (AlreadyUsed) Message() string {
	return "This code has already been used. Please request a new one."
}

func (Locked) Message() string {
	return "Too many incorrect attempts. Please request a new code."
}

func (r WrongCode) Message() string {
	if r.Remaining == 1 {
		return "Incorrect code. 1 attempt remaining."
	}
	return fmt.Sprintf("Incorrect code. %d attempts remaining.", r.Remaining)
}

func (r Failure) Message() string {
	switch {
	case errors.Is(r.Err, ErrEmptyCode):
		return "Please enter the verification code."
	case errors.Is(r.Err, ErrMalformedCode):
		return "The verification code must be 6 digits."
	}
	return "Verification failed. Please try again."
}
