package stepup

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"device-auth-service/internal/audit"
	"device-auth-service/internal/models"
	"device-auth-service/internal/pin"
	"device-auth-service/internal/repository"
)

var ErrNoStrategy = errors.New("no authenticator available for the selected method")

// PreferenceStore keeps the step-up method chosen for each device.
type PreferenceStore interface {
	LoadAuthMethod(ctx context.Context, deviceID string) (models.AuthMethod, error)
	SaveAuthMethod(ctx context.Context, deviceID string, method models.AuthMethod) error
}

// Authenticator builds challenges for one device from its stored preference.
type Authenticator struct {
	deviceID string
	prefs    PreferenceStore
	vault    *pin.Vault
	unlocker Unlocker
	auditor  audit.Auditor
	logger   *zap.Logger
}

func NewAuthenticator(deviceID string, prefs PreferenceStore, vault *pin.Vault, unlocker Unlocker, auditor audit.Auditor, logger *zap.Logger) *Authenticator {
	return &Authenticator{
		deviceID: deviceID,
		prefs:    prefs,
		vault:    vault,
		unlocker: unlocker,
		auditor:  auditor,
		logger:   logger,
	}
}

// Method returns the stored preference, app_pin when none was saved.
func (a *Authenticator) Method(ctx context.Context) (models.AuthMethod, error) {
	m, err := a.prefs.LoadAuthMethod(ctx, a.deviceID)
	if errors.Is(err, repository.ErrNotFound) {
		return models.DefaultAuthMethod, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load auth method: %w", err)
	}
	return m, nil
}

func (a *Authenticator) SetMethod(ctx context.Context, method models.AuthMethod) error {
	if _, err := models.ParseAuthMethod(string(method)); err != nil {
		return err
	}
	if err := a.prefs.SaveAuthMethod(ctx, a.deviceID, method); err != nil {
		return fmt.Errorf("failed to save auth method: %w", err)
	}
	return nil
}

// NewChallenge starts a challenge for the preferred method. prompter serves the
// biometric and device-credential methods and may be nil for app_pin.
func (a *Authenticator) NewChallenge(ctx context.Context, prompter Prompter) (*Challenge, error) {
	method, err := a.Method(ctx)
	if err != nil {
		return nil, err
	}

	strategies := Strategies{PIN: NewPINStrategy(a.vault)}
	if prompter != nil {
		strategies.Biometric = NewBiometricStrategy(prompter)
		strategies.DeviceCredential = NewDeviceCredentialStrategy(prompter)
	}

	strategy := SelectStrategy(method, strategies)
	if strategy == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoStrategy, method)
	}
	return NewChallenge(a.deviceID, strategy, a.unlocker, a.auditor, a.logger), nil
}
