package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"device-auth-service/internal/audit"
	"device-auth-service/internal/models"
	"device-auth-service/internal/repository/memory"
)

var t0 = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T) (*Manager, *memory.Store, *audit.MemorySink, interface {
	clockwork.Clock
	Advance(time.Duration)
}) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	store := memory.NewStore()
	sink := &audit.MemorySink{}
	rec := audit.NewRecorder([]audit.Sink{sink}, nil, clock, time.Second, zap.NewNop())
	m := NewManager("device-1", store, clock, rec, zap.NewNop())
	t.Cleanup(m.StopSessionTimer)
	return m, store, sink, clock
}

func TestFirstLoadUsesDefaults(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	state, err := m.State(context.Background())
	require.NoError(t, err)
	assert.True(t, state.TimeoutEnabled)
	assert.Equal(t, 5*time.Minute, state.TimeoutDuration)
	assert.False(t, state.Locked)
	assert.True(t, state.LastActivityAt.IsZero())
}

func TestExpiryIsMonotonic(t *testing.T) {
	ctx := context.Background()
	m, _, _, clock := newTestManager(t)
	require.NoError(t, m.SetTimeoutDuration(ctx, time.Minute))
	require.NoError(t, m.UpdateLastActivityTime(ctx))
	m.StopSessionTimer()

	for _, step := range []time.Duration{0, 10 * time.Second, 49 * time.Second, time.Second - time.Nanosecond} {
		clock.Advance(step)
		expired, err := m.IsSessionExpired(ctx)
		require.NoError(t, err)
		assert.False(t, expired, "expired too early at %s", clock.Now().Sub(t0))
	}

	clock.Advance(time.Nanosecond)
	expired, err := m.IsSessionExpired(ctx)
	require.NoError(t, err)
	assert.True(t, expired)

	clock.Advance(time.Hour)
	expired, err = m.IsSessionExpired(ctx)
	require.NoError(t, err)
	assert.True(t, expired)
}

func TestIsSessionExpiredFalseWhenDisabled(t *testing.T) {
	ctx := context.Background()
	m, _, _, clock := newTestManager(t)
	require.NoError(t, m.SetTimeoutEnabled(ctx, false))

	clock.Advance(24 * time.Hour)
	expired, err := m.IsSessionExpired(ctx)
	require.NoError(t, err)
	assert.False(t, expired)
}

func TestLockUnlockIdempotence(t *testing.T) {
	ctx := context.Background()
	m, _, sink, clock := newTestManager(t)

	require.NoError(t, m.LockSession(ctx))
	require.NoError(t, m.LockSession(ctx))
	locked, err := m.IsLocked(ctx)
	require.NoError(t, err)
	assert.True(t, locked)

	clock.Advance(42 * time.Second)
	require.NoError(t, m.UnlockSession(ctx))

	state, err := m.State(ctx)
	require.NoError(t, err)
	assert.False(t, state.Locked)
	assert.Equal(t, clock.Now(), state.LastActivityAt)
	assert.Equal(t, []models.EventType{models.EventSessionLocked, models.EventSessionUnlocked}, sink.Types())
}

func TestTimerLocksAndNotifiesOnce(t *testing.T) {
	ctx := context.Background()
	m, _, _, clock := newTestManager(t)

	var fired int32
	m.SetExpiryListener(func(deviceID string) {
		assert.Equal(t, "device-1", deviceID)
		atomic.AddInt32(&fired, 1)
	})

	require.NoError(t, m.UpdateLastActivityTime(ctx))
	clock.Advance(5 * time.Minute)

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, 5*time.Millisecond)

	locked, err := m.IsLocked(ctx)
	require.NoError(t, err)
	assert.True(t, locked)

	clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

func TestActivityReschedulesTimer(t *testing.T) {
	ctx := context.Background()
	m, _, _, clock := newTestManager(t)

	var fired int32
	m.SetExpiryListener(func(string) { atomic.AddInt32(&fired, 1) })

	require.NoError(t, m.UpdateLastActivityTime(ctx))
	clock.Advance(4 * time.Minute)
	require.NoError(t, m.UpdateLastActivityTime(ctx))
	clock.Advance(4 * time.Minute)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&fired))
	locked, err := m.IsLocked(ctx)
	require.NoError(t, err)
	assert.False(t, locked)

	clock.Advance(time.Minute)
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, 5*time.Millisecond)
}

func TestBackgroundStopsTimer(t *testing.T) {
	ctx := context.Background()
	m, _, _, clock := newTestManager(t)

	var fired int32
	m.SetExpiryListener(func(string) { atomic.AddInt32(&fired, 1) })

	require.NoError(t, m.UpdateLastActivityTime(ctx))
	m.OnAppBackground()
	clock.Advance(10 * time.Minute)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&fired))

	locked, err := m.OnAppForeground(ctx)
	require.NoError(t, err)
	assert.True(t, locked)
	assert.Zero(t, atomic.LoadInt32(&fired))
}

func TestForegroundWithinTimeoutRestartsTimer(t *testing.T) {
	ctx := context.Background()
	m, _, _, clock := newTestManager(t)

	require.NoError(t, m.UpdateLastActivityTime(ctx))
	m.OnAppBackground()
	clock.Advance(2 * time.Minute)

	locked, err := m.OnAppForeground(ctx)
	require.NoError(t, err)
	assert.False(t, locked)

	state, err := m.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), state.LastActivityAt)
}

func TestForegroundWhenAlreadyLocked(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newTestManager(t)

	require.NoError(t, m.UpdateLastActivityTime(ctx))
	require.NoError(t, m.LockSession(ctx))

	locked, err := m.OnAppForeground(ctx)
	require.NoError(t, err)
	assert.True(t, locked)
}

func TestForegroundDisabledNeverLocks(t *testing.T) {
	ctx := context.Background()
	m, _, _, clock := newTestManager(t)
	require.NoError(t, m.SetTimeoutEnabled(ctx, false))
	require.NoError(t, m.LockSession(ctx))

	clock.Advance(2 * time.Hour)
	locked, err := m.OnAppForeground(ctx)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestFreshDeviceForegroundFailsClosed(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	locked, err := m.OnAppForeground(context.Background())
	require.NoError(t, err)
	assert.True(t, locked)
}

func TestStartSessionTimerWithNoTimeLeftLocksNow(t *testing.T) {
	ctx := context.Background()
	m, _, _, clock := newTestManager(t)

	var fired int32
	m.SetExpiryListener(func(string) { atomic.AddInt32(&fired, 1) })

	require.NoError(t, m.UpdateLastActivityTime(ctx))
	m.StopSessionTimer()
	clock.Advance(6 * time.Minute)

	require.NoError(t, m.StartSessionTimer(ctx))
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
	locked, err := m.IsLocked(ctx)
	require.NoError(t, err)
	assert.True(t, locked)
}

func TestStartSessionTimerUsesRemainingTime(t *testing.T) {
	ctx := context.Background()
	m, _, _, clock := newTestManager(t)

	var fired int32
	m.SetExpiryListener(func(string) { atomic.AddInt32(&fired, 1) })

	require.NoError(t, m.UpdateLastActivityTime(ctx))
	m.StopSessionTimer()
	clock.Advance(3 * time.Minute)
	require.NoError(t, m.StartSessionTimer(ctx))

	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&fired))

	clock.Advance(time.Minute)
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, 5*time.Millisecond)
}

func TestClearSessionKeepsPreferences(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newTestManager(t)

	require.NoError(t, m.SetTimeoutDuration(ctx, 30*time.Minute))
	require.NoError(t, m.SetTimeoutEnabled(ctx, false))
	require.NoError(t, m.UpdateLastActivityTime(ctx))
	require.NoError(t, m.LockSession(ctx))

	require.NoError(t, m.ClearSession(ctx))

	state, err := m.State(ctx)
	require.NoError(t, err)
	assert.True(t, state.LastActivityAt.IsZero())
	assert.False(t, state.Locked)
	assert.False(t, state.TimeoutEnabled)
	assert.Equal(t, 30*time.Minute, state.TimeoutDuration)
}

func TestSetTimeoutDurationValidates(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	assert.ErrorIs(t, m.SetTimeoutDuration(context.Background(), 2*time.Minute), ErrInvalidTimeout)
}

func TestStateSurvivesManagerRestart(t *testing.T) {
	ctx := context.Background()
	m, store, _, clock := newTestManager(t)
	require.NoError(t, m.UpdateLastActivityTime(ctx))
	m.StopSessionTimer()

	clock.Advance(6 * time.Minute)
	restarted := NewManager("device-1", store, clock, nil, zap.NewNop())
	locked, err := restarted.OnAppForeground(ctx)
	require.NoError(t, err)
	assert.True(t, locked)
}

func TestConcurrentActivityIsSafe(t *testing.T) {
	ctx := context.Background()
	m, _, _, clock := newTestManager(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.UpdateLastActivityTime(ctx))
		}()
	}
	wg.Wait()

	state, err := m.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), state.LastActivityAt)
}

type brokenStore struct{}

func (brokenStore) LoadSession(context.Context, string) (*models.SessionState, error) {
	return nil, errors.New("disk gone")
}

func (brokenStore) SaveSession(context.Context, string, *models.SessionState) error {
	return errors.New("disk gone")
}

func TestStoreErrorsPropagate(t *testing.T) {
	m := NewManager("d", brokenStore{}, clockwork.NewFakeClockAt(t0), nil, zap.NewNop())

	_, err := m.OnAppForeground(context.Background())
	assert.ErrorContains(t, err, "disk gone")
	assert.Error(t, m.UpdateLastActivityTime(context.Background()))
}
