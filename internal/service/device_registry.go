package service

import (
	"errors"
	"regexp"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"device-auth-service/internal/audit"
	"device-auth-service/internal/models"
	"device-auth-service/internal/pin"
	"device-auth-service/internal/session"
	"device-auth-service/internal/stepup"
	"device-auth-service/internal/util"
)

var ErrInvalidDeviceID = errors.New("device id must be 1-128 characters of letters, digits, '.', '_', ':' or '-'")

var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// DefaultMaxDevices bounds how many devices stay resident. The least recently
// used device is evicted past it; its stored state is kept.
const DefaultMaxDevices = 10000

// DeviceStore is every per-device record the registry needs.
type DeviceStore interface {
	session.StateStore
	pin.RecordStore
	stepup.PreferenceStore
}

// Device bundles the session, PIN and step-up components of one device.
type Device struct {
	ID      string
	Session *session.Manager
	Vault   *pin.Vault
	Auth    *stepup.Authenticator
	Setup   *pin.Setup
}

// DeviceRegistry lazily builds one Device per id and keeps the most recently
// used ones resident so that session timers and PIN serialization are per device.
type DeviceRegistry struct {
	store   DeviceStore
	sealer  pin.Sealer
	policy  pin.Policy
	clock   clockwork.Clock
	auditor audit.Auditor
	logger  *zap.Logger

	timeoutEnabled bool
	timeout        time.Duration

	mu      sync.Mutex
	devices *lru.Cache[string, *Device]
}

func NewDeviceRegistry(store DeviceStore, sealer pin.Sealer, policy pin.Policy, clock clockwork.Clock, auditor audit.Auditor, logger *zap.Logger) *DeviceRegistry {
	if auditor == nil {
		auditor = audit.Nop{}
	}
	// only fails for a non-positive size
	devices, _ := lru.NewWithEvict[string, *Device](DefaultMaxDevices, func(_ string, d *Device) {
		d.Session.StopSessionTimer()
	})
	return &DeviceRegistry{
		store:   store,
		sealer:  sealer,
		policy:  policy,
		clock:   clock,
		auditor: auditor,
		logger:  logger,
		devices: devices,

		timeoutEnabled: true,
		timeout:        models.DefaultSessionTimeout,
	}
}

var ErrInvalidCapacity = errors.New("device capacity must be positive")

// SetMaxDevices resizes the resident set, evicting the least recently used devices.
func (r *DeviceRegistry) SetMaxDevices(n int) error {
	if n <= 0 {
		return ErrInvalidCapacity
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices.Resize(n)
	return nil
}

// SetSessionDefaults applies to devices created after the call.
func (r *DeviceRegistry) SetSessionDefaults(timeoutEnabled bool, timeout time.Duration) error {
	if !models.ValidSessionTimeout(timeout) {
		return session.ErrInvalidTimeout
	}
	r.mu.Lock()
	r.timeoutEnabled = timeoutEnabled
	r.timeout = timeout
	r.mu.Unlock()
	return nil
}

func ValidDeviceID(id string) bool {
	return deviceIDPattern.MatchString(id)
}

// Device returns the components for id, creating them on first use.
func (r *DeviceRegistry) Device(id string) (*Device, error) {
	if !ValidDeviceID(id) {
		return nil, ErrInvalidDeviceID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.devices.Get(id); ok {
		return d, nil
	}

	logger := r.logger.With(util.DeviceID(id))
	manager := session.NewManager(id, r.store, r.clock, r.auditor, r.logger)
	if err := manager.SetDefaults(r.timeoutEnabled, r.timeout); err != nil {
		return nil, err
	}
	vault := pin.NewVault(id, r.store, r.sealer, r.policy, r.clock, r.auditor, logger)
	d := &Device{
		ID:      id,
		Session: manager,
		Vault:   vault,
		Auth:    stepup.NewAuthenticator(id, r.store, vault, manager, r.auditor, logger),
		Setup:   pin.NewSetup(vault),
	}
	manager.SetExpiryListener(func(deviceID string) {
		d.Setup.Reset()
		logger.Info("session expired, re-authentication required")
	})

	r.devices.Add(id, d)
	return d, nil
}

// Forget stops the device's timer and drops it from memory. Stored state is kept.
func (r *DeviceRegistry) Forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices.Remove(id)
}

func (r *DeviceRegistry) Len() int {
	return r.devices.Len()
}

// Close stops every session timer.
func (r *DeviceRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices.Purge()
}
