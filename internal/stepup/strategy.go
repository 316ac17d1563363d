// Package stepup re-authenticates a device with biometrics, the device credential or the app PIN.
package stepup

import (
	"context"
	"errors"

	"device-auth-service/internal/models"
	"device-auth-service/internal/pin"
)

var (
	ErrCanceled            = errors.New("authentication canceled by user")
	ErrHardwareUnavailable = errors.New("authenticator hardware unavailable")
	ErrPlatformLockout     = errors.New("too many platform authentication attempts")
	ErrNotRecognized       = errors.New("authentication not recognized")
)

type Factor string

const (
	FactorBiometricStrong  Factor = "biometric_strong"
	FactorDeviceCredential Factor = "device_credential"
)

type PromptConfig struct {
	Title          string   `json:"title"`
	Subtitle       string   `json:"subtitle"`
	AllowedFactors []Factor `json:"allowed_factors"`
}

// Prompter shows a platform authentication prompt and returns once the user is done.
// A nil error means the platform accepted the user.
type Prompter interface {
	Prompt(ctx context.Context, cfg PromptConfig) error
}

// Attempt carries what the user entered for strategies that need input.
type Attempt struct {
	PIN string
}

type Outcome struct {
	State State
	Err   error
	// PinResult is set by the PIN strategy.
	PinResult pin.VerifyResult
}

type Strategy interface {
	Method() models.AuthMethod
	Authenticate(ctx context.Context, attempt Attempt) Outcome
}

type PromptStrategy struct {
	method   models.AuthMethod
	prompter Prompter
	config   PromptConfig
}

func NewBiometricStrategy(p Prompter) *PromptStrategy {
	return &PromptStrategy{
		method:   models.AuthMethodBiometric,
		prompter: p,
		config: PromptConfig{
			Title:          "Unlock",
			Subtitle:       "Confirm it's you with your fingerprint or face",
			AllowedFactors: []Factor{FactorBiometricStrong},
		},
	}
}

func NewDeviceCredentialStrategy(p Prompter) *PromptStrategy {
	return &PromptStrategy{
		method:   models.AuthMethodDeviceCredential,
		prompter: p,
		config: PromptConfig{
			Title:          "Unlock",
			Subtitle:       "Enter your device PIN, pattern or password",
			AllowedFactors: []Factor{FactorDeviceCredential},
		},
	}
}

func (s *PromptStrategy) Method() models.AuthMethod { return s.method }

func (s *PromptStrategy) Authenticate(ctx context.Context, _ Attempt) Outcome {
	err := s.prompter.Prompt(ctx, s.config)
	switch {
	case err == nil:
		return Outcome{State: StateSucceeded}
	case errors.Is(err, ErrCanceled), errors.Is(err, context.Canceled):
		return Outcome{State: StateCanceled, Err: err}
	default:
		return Outcome{State: StateFailed, Err: err}
	}
}

type PINStrategy struct {
	vault *pin.Vault
}

func NewPINStrategy(v *pin.Vault) *PINStrategy {
	return &PINStrategy{vault: v}
}

func (s *PINStrategy) Method() models.AuthMethod { return models.AuthMethodAppPIN }

func (s *PINStrategy) Authenticate(ctx context.Context, attempt Attempt) Outcome {
	res := s.vault.VerifyPin(ctx, attempt.PIN)
	switch r := res.(type) {
	case pin.Success:
		return Outcome{State: StateSucceeded, PinResult: res}
	case pin.Failure:
		return Outcome{State: StateFailed, Err: r.Err, PinResult: res}
	default:
		return Outcome{State: StateFailed, PinResult: res}
	}
}

// Strategies holds one implementation per method.
type Strategies struct {
	Biometric        Strategy
	DeviceCredential Strategy
	PIN              Strategy
}

// SelectStrategy picks the strategy for method. There is no fallback between methods:
// an unknown method or a missing implementation yields nil.
func SelectStrategy(method models.AuthMethod, s Strategies) Strategy {
	switch method {
	case models.AuthMethodBiometric:
		return s.Biometric
	case models.AuthMethodDeviceCredential:
		return s.DeviceCredential
	case models.AuthMethodAppPIN:
		return s.PIN
	}
	return nil
}
