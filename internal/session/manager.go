// Package session tracks device idle time and the persisted session lock.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"device-auth-service/internal/audit"
	"device-auth-service/internal/models"
	"device-auth-service/internal/repository"
)

var ErrInvalidTimeout = errors.New("session timeout must be one of 1m, 5m, 15m, 30m, 1h")

const expiryWriteTimeout = 5 * time.Second

// StateStore persists one SessionState per device.
// LoadSession returns repository.ErrNotFound for a device that has no state yet.
type StateStore interface {
	LoadSession(ctx context.Context, deviceID string) (*models.SessionState, error)
	SaveSession(ctx context.Context, deviceID string, state *models.SessionState) error
}

// ExpiryListener is called once per expiry event after the session has been locked.
type ExpiryListener func(deviceID string)

// Manager is the single owner of one device's session state.
type Manager struct {
	deviceID string
	store    StateStore
	clock    clockwork.Clock
	auditor  audit.Auditor
	logger   *zap.Logger

	mu       sync.Mutex
	timer    clockwork.Timer
	gen      uint64
	listener ExpiryListener
	defaults models.SessionState
}

func NewManager(deviceID string, store StateStore, clock clockwork.Clock, auditor audit.Auditor, logger *zap.Logger) *Manager {
	if auditor == nil {
		auditor = audit.Nop{}
	}
	return &Manager{
		deviceID: deviceID,
		store:    store,
		clock:    clock,
		auditor:  auditor,
		logger:   logger.With(zap.String("device_id", deviceID)),
		defaults: *models.NewSessionState(),
	}
}

// SetDefaults changes the state a device without stored state starts from.
func (m *Manager) SetDefaults(timeoutEnabled bool, timeout time.Duration) error {
	if !models.ValidSessionTimeout(timeout) {
		return ErrInvalidTimeout
	}
	m.mu.Lock()
	m.defaults = models.SessionState{TimeoutEnabled: timeoutEnabled, TimeoutDuration: timeout}
	m.mu.Unlock()
	return nil
}

func (m *Manager) DeviceID() string {
	return m.deviceID
}

func (m *Manager) SetExpiryListener(fn ExpiryListener) {
	m.mu.Lock()
	m.listener = fn
	m.mu.Unlock()
}

// load returns the stored state, or first-launch defaults when none exists.
func (m *Manager) load(ctx context.Context) (*models.SessionState, error) {
	state, err := m.store.LoadSession(ctx, m.deviceID)
	if errors.Is(err, repository.ErrNotFound) {
		fresh := m.defaults
		return &fresh, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session state: %w", err)
	}
	return state, nil
}

func (m *Manager) save(ctx context.Context, state *models.SessionState) error {
	if err := m.store.SaveSession(ctx, m.deviceID, state); err != nil {
		return fmt.Errorf("failed to save session state: %w", err)
	}
	return nil
}

func (m *Manager) State(ctx context.Context) (*models.SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(ctx)
}

func (m *Manager) IsLocked(ctx context.Context) (bool, error) {
	state, err := m.State(ctx)
	if err != nil {
		return false, err
	}
	return state.Locked, nil
}

// UpdateLastActivityTime records activity now and reschedules the expiry timer.
func (m *Manager) UpdateLastActivityTime(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.touchLocked(ctx)
}

func (m *Manager) touchLocked(ctx context.Context) error {
	state, err := m.load(ctx)
	if err != nil {
		return err
	}
	state.LastActivityAt = m.clock.Now()
	if err := m.save(ctx, state); err != nil {
		return err
	}
	if state.TimeoutEnabled {
		m.scheduleLocked(state.TimeoutDuration)
	} else {
		m.stopLocked()
	}
	return nil
}

// IsSessionExpired reports whether the idle timeout has elapsed. Always false when disabled.
func (m *Manager) IsSessionExpired(ctx context.Context) (bool, error) {
	state, err := m.State(ctx)
	if err != nil {
		return false, err
	}
	return state.ExpiredAt(m.clock.Now()), nil
}

// StartSessionTimer schedules expiry for the idle time that remains.
// If none remains the session is locked immediately.
func (m *Manager) StartSessionTimer(ctx context.Context) error {
	m.mu.Lock()
	state, err := m.load(ctx)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if !state.TimeoutEnabled {
		m.stopLocked()
		m.mu.Unlock()
		return nil
	}

	remaining := state.RemainingAt(m.clock.Now())
	if remaining > 0 {
		m.scheduleLocked(remaining)
		m.mu.Unlock()
		return nil
	}

	m.stopLocked()
	listener, err := m.expireLocked(ctx, state)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.notify(ctx, listener)
	return nil
}

func (m *Manager) StopSessionTimer() {
	m.mu.Lock()
	m.stopLocked()
	m.mu.Unlock()
}

// OnAppForeground returns true when the caller must show re-authentication.
// A session that is still live counts the foreground as activity.
func (m *Manager) OnAppForeground(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.load(ctx)
	if err != nil {
		return false, err
	}
	if !state.TimeoutEnabled {
		return false, nil
	}

	if state.Locked || state.ExpiredAt(m.clock.Now()) {
		m.stopLocked()
		if !state.Locked {
			state.Locked = true
			if err := m.save(ctx, state); err != nil {
				return false, err
			}
			m.auditor.Record(ctx, audit.Event(models.EventSessionExpired, m.deviceID, m.deviceID, map[string]string{
				"trigger": "foreground",
			}))
		}
		return true, nil
	}

	if err := m.touchLocked(ctx); err != nil {
		return false, err
	}
	return false, nil
}

// OnAppBackground stops the timer. Expiry is recomputed from wall-clock time on the next foreground.
func (m *Manager) OnAppBackground() {
	m.StopSessionTimer()
}

func (m *Manager) LockSession(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.load(ctx)
	if err != nil {
		return err
	}
	m.stopLocked()
	if state.Locked {
		return nil
	}
	state.Locked = true
	if err := m.save(ctx, state); err != nil {
		return err
	}
	m.auditor.Record(ctx, audit.Event(models.EventSessionLocked, m.deviceID, m.deviceID, nil))
	return nil
}

// UnlockSession clears the lock and grants a fresh idle window starting now.
func (m *Manager) UnlockSession(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.load(ctx)
	if err != nil {
		return err
	}
	state.Locked = false
	state.LastActivityAt = m.clock.Now()
	if err := m.save(ctx, state); err != nil {
		return err
	}
	if state.TimeoutEnabled {
		m.scheduleLocked(state.TimeoutDuration)
	}
	m.auditor.Record(ctx, audit.Event(models.EventSessionUnlocked, m.deviceID, m.deviceID, nil))
	return nil
}

// ClearSession forgets activity and unlocks on logout. Timeout preferences are kept.
func (m *Manager) ClearSession(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.load(ctx)
	if err != nil {
		return err
	}
	m.stopLocked()
	state.LastActivityAt = time.Time{}
	state.Locked = false
	if err := m.save(ctx, state); err != nil {
		return err
	}
	m.auditor.Record(ctx, audit.Event(models.EventSessionCleared, m.deviceID, m.deviceID, nil))
	return nil
}

func (m *Manager) SetTimeoutEnabled(ctx context.Context, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.load(ctx)
	if err != nil {
		return err
	}
	state.TimeoutEnabled = enabled
	if err := m.save(ctx, state); err != nil {
		return err
	}
	if !enabled {
		m.stopLocked()
	}
	return nil
}

func (m *Manager) SetTimeoutDuration(ctx context.Context, d time.Duration) error {
	if !models.ValidSessionTimeout(d) {
		return ErrInvalidTimeout
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.load(ctx)
	if err != nil {
		return err
	}
	state.TimeoutDuration = d
	if err := m.save(ctx, state); err != nil {
		return err
	}
	if m.timer != nil && state.TimeoutEnabled {
		if remaining := state.RemainingAt(m.clock.Now()); remaining > 0 {
			m.scheduleLocked(remaining)
		}
	}
	return nil
}

// scheduleLocked replaces any pending timer. Callers hold m.mu.
func (m *Manager) scheduleLocked(d time.Duration) {
	m.stopLocked()
	gen := m.gen
	m.timer = m.clock.AfterFunc(d, func() {
		m.fire(gen)
	})
}

// stopLocked cancels the pending timer and invalidates any callback already in flight.
func (m *Manager) stopLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.gen++
}

func (m *Manager) fire(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), expiryWriteTimeout)
	defer cancel()

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.gen++

	state, err := m.load(ctx)
	if err != nil {
		m.mu.Unlock()
		m.logger.Error("session expiry: load failed", zap.Error(err))
		return
	}
	if !state.TimeoutEnabled {
		m.mu.Unlock()
		return
	}
	listener, err := m.expireLocked(ctx, state)
	m.mu.Unlock()
	if err != nil {
		m.logger.Error("session expiry: lock failed", zap.Error(err))
		return
	}
	m.notify(ctx, listener)
}

func (m *Manager) expireLocked(ctx context.Context, state *models.SessionState) (ExpiryListener, error) {
	if !state.Locked {
		state.Locked = true
		if err := m.save(ctx, state); err != nil {
			return nil, err
		}
	}
	return m.listener, nil
}

func (m *Manager) notify(ctx context.Context, listener ExpiryListener) {
	m.logger.Info("session expired")
	m.auditor.Record(ctx, audit.Event(models.EventSessionExpired, m.deviceID, m.deviceID, map[string]string{
		"trigger": "timer",
	}))
	if listener != nil {
		listener(m.deviceID)
	}
}
