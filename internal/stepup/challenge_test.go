package stepup

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"device-auth-service/internal/audit"
	"device-auth-service/internal/encryption"
	"device-auth-service/internal/models"
	"device-auth-service/internal/pin"
	"device-auth-service/internal/repository/memory"
	"device-auth-service/internal/session"
)

type scriptedPrompter struct {
	errs  []error
	calls int
	last  PromptConfig
}

func (p *scriptedPrompter) Prompt(_ context.Context, cfg PromptConfig) error {
	p.last = cfg
	err := p.errs[p.calls]
	p.calls++
	return err
}

type countingUnlocker struct {
	n   int32
	err error
}

func (u *countingUnlocker) UnlockSession(context.Context) error {
	atomic.AddInt32(&u.n, 1)
	return u.err
}

func TestSelectStrategyIsPure(t *testing.T) {
	bio := NewBiometricStrategy(&scriptedPrompter{})
	cred := NewDeviceCredentialStrategy(&scriptedPrompter{})
	s := Strategies{Biometric: bio, DeviceCredential: cred}

	assert.Same(t, bio, SelectStrategy(models.AuthMethodBiometric, s))
	assert.Same(t, cred, SelectStrategy(models.AuthMethodDeviceCredential, s))
	assert.Nil(t, SelectStrategy(models.AuthMethodAppPIN, s), "no fallback when PIN is missing")
	assert.Nil(t, SelectStrategy("retina", s))
}

func TestChallengeFailedThenRetrySucceeds(t *testing.T) {
	ctx := context.Background()
	p := &scriptedPrompter{errs: []error{ErrNotRecognized, nil}}
	u := &countingUnlocker{}
	sink := &audit.MemorySink{}
	rec := audit.NewRecorder([]audit.Sink{sink}, nil, clockwork.NewFakeClock(), time.Second, zap.NewNop())
	c := NewChallenge("device-1", NewBiometricStrategy(p), u, rec, zap.NewNop())

	assert.Equal(t, StateNotStarted, c.State())

	out, err := c.Run(ctx, Attempt{})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, out.State)
	assert.ErrorIs(t, out.Err, ErrNotRecognized)
	assert.Equal(t, StateNotStarted, c.State())
	assert.Zero(t, atomic.LoadInt32(&u.n))

	out, err = c.Run(ctx, Attempt{})
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, out.State)
	assert.Equal(t, StateSucceeded, c.State())
	assert.Equal(t, int32(1), atomic.LoadInt32(&u.n))
	assert.Equal(t, []Factor{FactorBiometricStrong}, p.last.AllowedFactors)

	_, err = c.Run(ctx, Attempt{})
	assert.ErrorIs(t, err, ErrChallengeComplete)
	assert.Equal(t, 2, p.calls)

	assert.Equal(t, []models.EventType{models.EventStepUpFailed, models.EventStepUpSucceeded}, sink.Types())
}

func TestChallengeCancel(t *testing.T) {
	p := &scriptedPrompter{errs: []error{ErrCanceled}}
	c := NewChallenge("device-1", NewDeviceCredentialStrategy(p), &countingUnlocker{}, nil, zap.NewNop())

	out, err := c.Run(context.Background(), Attempt{})
	require.NoError(t, err)
	assert.Equal(t, StateCanceled, out.State)
	assert.Equal(t, StateNotStarted, c.State())
	assert.Equal(t, []Factor{FactorDeviceCredential}, p.last.AllowedFactors)
}

func TestProviderErrorsAreFailures(t *testing.T) {
	for _, e := range []error{ErrHardwareUnavailable, ErrPlatformLockout, errors.New("sensor dirty")} {
		p := &scriptedPrompter{errs: []error{e}}
		c := NewChallenge("device-1", NewBiometricStrategy(p), &countingUnlocker{}, nil, zap.NewNop())
		out, err := c.Run(context.Background(), Attempt{})
		require.NoError(t, err)
		assert.Equal(t, StateFailed, out.State, e.Error())
	}
}

func TestUnlockFailureAllowsRetry(t *testing.T) {
	p := &scriptedPrompter{errs: []error{nil}}
	u := &countingUnlocker{err: errors.New("store down")}
	c := NewChallenge("device-1", NewBiometricStrategy(p), u, nil, zap.NewNop())

	_, err := c.Run(context.Background(), Attempt{})
	assert.ErrorContains(t, err, "store down")
	assert.Equal(t, StateNotStarted, c.State())
}

func TestReportedPrompter(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, ReportedPrompter{Outcome: ReportedSuccess}.Prompt(ctx, PromptConfig{}))
	assert.ErrorIs(t, ReportedPrompter{Outcome: ReportedCanceled}.Prompt(ctx, PromptConfig{}), ErrCanceled)
	assert.ErrorIs(t, ReportedPrompter{Outcome: ReportedLockout}.Prompt(ctx, PromptConfig{}), ErrPlatformLockout)
	assert.ErrorIs(t, ReportedPrompter{Outcome: "weird"}.Prompt(ctx, PromptConfig{}), ErrNotRecognized)

	_, err := ParseReportedOutcome("nope")
	assert.Error(t, err)
}

type deviceFixture struct {
	clock   interface{ Advance(time.Duration) }
	manager *session.Manager
	vault   *pin.Vault
	auth    *Authenticator
}

func newDevice(t *testing.T) *deviceFixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	store := memory.NewStore()
	em := encryption.NewEncryptionManager(store, encryption.NewEphemeralLocalWrapper(), zap.NewNop())

	m := session.NewManager("device-1", store, clock, nil, zap.NewNop())
	t.Cleanup(m.StopSessionTimer)
	v := pin.NewVault("device-1", store, em.ForKey("pin"), pin.DefaultPolicy(), clock, nil, zap.NewNop())
	a := NewAuthenticator("device-1", store, v, m, nil, zap.NewNop())
	return &deviceFixture{clock: clock, manager: m, vault: v, auth: a}
}

func TestAuthenticatorDefaultsToPIN(t *testing.T) {
	d := newDevice(t)
	ctx := context.Background()

	m, err := d.auth.Method(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.AuthMethodAppPIN, m)

	require.NoError(t, d.auth.SetMethod(ctx, models.AuthMethodBiometric))
	m, err = d.auth.Method(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.AuthMethodBiometric, m)

	assert.Error(t, d.auth.SetMethod(ctx, "iris"))

	_, err = d.auth.NewChallenge(ctx, nil)
	assert.ErrorIs(t, err, ErrNoStrategy)
}

// Set a PIN, stay away longer than the timeout, fail once and then unlock with the PIN.
func TestLockedSessionUnlocksWithPIN(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t)

	require.NoError(t, d.vault.SetPin(ctx, "1357"))
	require.NoError(t, d.manager.UpdateLastActivityTime(ctx))
	d.manager.OnAppBackground()

	d.clock.Advance(5*time.Minute + time.Second)

	locked, err := d.manager.OnAppForeground(ctx)
	require.NoError(t, err)
	require.True(t, locked)
	isLocked, err := d.manager.IsLocked(ctx)
	require.NoError(t, err)
	assert.True(t, isLocked)

	c, err := d.auth.NewChallenge(ctx, nil)
	require.NoError(t, err)

	out, err := c.Run(ctx, Attempt{PIN: "0000"})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, pin.WrongPin{Remaining: 4}, out.PinResult)

	d.clock.Advance(3 * time.Second)
	out, err = c.Run(ctx, Attempt{PIN: "1357"})
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, out.State)
	assert.Equal(t, pin.Success{}, out.PinResult)

	state, err := d.manager.State(ctx)
	require.NoError(t, err)
	assert.False(t, state.Locked)
	assert.Equal(t, time.Date(2024, 6, 1, 9, 5, 4, 0, time.UTC), state.LastActivityAt)
}
