// Package pin stores and verifies the 4-digit app PIN of a device.
package pin

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"device-auth-service/internal/audit"
	"device-auth-service/internal/models"
	"device-auth-service/internal/repository"
	"device-auth-service/internal/util"
)

const (
	PinLength          = 4
	DefaultMaxAttempts = 5
	DefaultLockout     = 30 * time.Second
)

var (
	ErrInvalidPin = errors.New("pin must be exactly 4 digits")
	ErrCrypto     = errors.New("pin encryption unavailable")
)

// RecordStore persists one PinRecord per device.
// LoadPin returns repository.ErrNotFound when the device has no record.
type RecordStore interface {
	LoadPin(ctx context.Context, deviceID string) (*models.PinRecord, error)
	SavePin(ctx context.Context, deviceID string, rec *models.PinRecord) error
	DeletePin(ctx context.Context, deviceID string) error
}

// Sealer encrypts PINs. Implementations bind aad into the ciphertext.
type Sealer interface {
	Seal(ctx context.Context, plaintext, aad []byte) (ciphertext, iv []byte, err error)
	Open(ctx context.Context, ciphertext, iv, aad []byte) ([]byte, error)
}

type Policy struct {
	MaxAttempts int
	Lockout     time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, Lockout: DefaultLockout}
}

// Vault guards the PIN of one device. Calls on one Vault are serialized.
type Vault struct {
	mu       sync.Mutex
	deviceID string
	store    RecordStore
	sealer   Sealer
	policy   Policy
	clock    clockwork.Clock
	auditor  audit.Auditor
	logger   *zap.Logger
}

func NewVault(deviceID string, store RecordStore, sealer Sealer, policy Policy, clock clockwork.Clock, auditor audit.Auditor, logger *zap.Logger) *Vault {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultMaxAttempts
	}
	if policy.Lockout <= 0 {
		policy.Lockout = DefaultLockout
	}
	if auditor == nil {
		auditor = audit.Nop{}
	}
	return &Vault{
		deviceID: deviceID,
		store:    store,
		sealer:   sealer,
		policy:   policy,
		clock:    clock,
		auditor:  auditor,
		logger:   logger.With(zap.String("device_id", deviceID)),
	}
}

func ValidPin(pin string) bool {
	return len(pin) == PinLength && util.IsDigits(pin)
}

func (v *Vault) aad() []byte {
	return []byte("pin:" + v.deviceID)
}

// SetPin encrypts and stores pin, resetting the attempt counter.
// Nothing is written when encryption fails.
func (v *Vault) SetPin(ctx context.Context, pin string) error {
	if !ValidPin(pin) {
		return ErrInvalidPin
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	ciphertext, iv, err := v.sealer.Seal(ctx, []byte(pin), v.aad())
	if err != nil {
		v.logger.Error("failed to seal pin", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrCrypto, err)
	}

	rec := &models.PinRecord{
		Ciphertext: ciphertext,
		IV:         iv,
		UpdatedAt:  v.clock.Now(),
	}
	if err := v.store.SavePin(ctx, v.deviceID, rec); err != nil {
		return fmt.Errorf("failed to save pin: %w", err)
	}

	v.auditor.Record(ctx, audit.Event(models.EventPinSet, v.deviceID, v.deviceID, nil))
	return nil
}

func (v *Vault) HasPin(ctx context.Context) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	rec, err := v.load(ctx)
	if err != nil {
		return false, err
	}
	return rec.HasPin(), nil
}

func (v *Vault) load(ctx context.Context) (*models.PinRecord, error) {
	rec, err := v.store.LoadPin(ctx, v.deviceID)
	if errors.Is(err, repository.ErrNotFound) {
		return &models.PinRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pin: %w", err)
	}
	return rec, nil
}

// VerifyPin checks pin against the stored one.
// Malformed input is rejected without consuming an attempt.
func (v *Vault) VerifyPin(ctx context.Context, pin string) VerifyResult {
	if !ValidPin(pin) {
		return Failure{Err: ErrInvalidPin}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	rec, err := v.load(ctx)
	if err != nil {
		return Failure{Err: err}
	}

	now := v.clock.Now()
	if rec.LockedAt(now) {
		return LockedOut{Remaining: rec.LockoutUntil.Sub(now)}
	}
	if !rec.HasPin() {
		return NoPinSet{}
	}
	if !rec.LockoutUntil.IsZero() {
		// lockout elapsed: the next window starts from zero
		rec.LockoutUntil = time.Time{}
		rec.FailedAttempts = 0
	}

	stored, err := v.sealer.Open(ctx, rec.Ciphertext, rec.IV, v.aad())
	if err != nil {
		v.logger.Error("failed to open pin", zap.Error(err))
		return Failure{Err: fmt.Errorf("%w: %v", ErrCrypto, err)}
	}
	match := subtle.ConstantTimeCompare(stored, []byte(pin)) == 1
	for i := range stored {
		stored[i] = 0
	}

	rec.UpdatedAt = now
	if match {
		rec.FailedAttempts = 0
		if err := v.store.SavePin(ctx, v.deviceID, rec); err != nil {
			return Failure{Err: fmt.Errorf("failed to save pin: %w", err)}
		}
		v.auditor.Record(ctx, audit.Event(models.EventPinVerified, v.deviceID, v.deviceID, nil))
		return Success{}
	}

	rec.FailedAttempts++
	if rec.FailedAttempts >= v.policy.MaxAttempts {
		rec.LockoutUntil = now.Add(v.policy.Lockout)
		if err := v.store.SavePin(ctx, v.deviceID, rec); err != nil {
			return Failure{Err: fmt.Errorf("failed to save pin: %w", err)}
		}
		v.logger.Warn("pin locked out", zap.Duration("lockout", v.policy.Lockout))
		v.auditor.Record(ctx, audit.Event(models.EventPinLockedOut, v.deviceID, v.deviceID, map[string]string{
			"lockout_until": rec.LockoutUntil.UTC().Format(time.RFC3339),
		}))
		return LockedOut{Remaining: v.policy.Lockout}
	}

	if err := v.store.SavePin(ctx, v.deviceID, rec); err != nil {
		return Failure{Err: fmt.Errorf("failed to save pin: %w", err)}
	}
	remaining := v.policy.MaxAttempts - rec.FailedAttempts
	v.auditor.Record(ctx, audit.Event(models.EventPinWrong, v.deviceID, v.deviceID, map[string]string{
		"remaining": strconv.Itoa(remaining),
	}))
	return WrongPin{Remaining: remaining}
}

// ClearPin erases the PIN and its attempt state.
func (v *Vault) ClearPin(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.store.DeletePin(ctx, v.deviceID); err != nil {
		return fmt.Errorf("failed to delete pin: %w", err)
	}
	v.auditor.Record(ctx, audit.Event(models.EventPinCleared, v.deviceID, v.deviceID, nil))
	return nil
}
