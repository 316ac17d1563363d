package bolt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"device-auth-service/internal/models"
	"device-auth-service/internal/repository"
)

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "device.db")
	s, err := Open(path)
	require.NoError(t, err)
	return s, path
}

func TestSessionSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	s, path := openStore(t)

	_, err := s.LoadSession(ctx, "device-1")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	at := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	want := &models.SessionState{LastActivityAt: at, TimeoutEnabled: true, TimeoutDuration: 15 * time.Minute, Locked: true}
	require.NoError(t, s.SaveSession(ctx, "device-1", want))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.LoadSession(ctx, "device-1")
	require.NoError(t, err)
	assert.True(t, got.LastActivityAt.Equal(at))
	assert.Equal(t, 15*time.Minute, got.TimeoutDuration)
	assert.True(t, got.Locked)
}

func TestPinRecordLifecycle(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)
	defer s.Close()

	rec := &models.PinRecord{Ciphertext: []byte{1, 2, 3}, IV: []byte{4, 5}, FailedAttempts: 2}
	require.NoError(t, s.SavePin(ctx, "device-1", rec))

	got, err := s.LoadPin(ctx, "device-1")
	require.NoError(t, err)
	assert.Equal(t, rec.Ciphertext, got.Ciphertext)
	assert.Equal(t, 2, got.FailedAttempts)

	require.NoError(t, s.DeletePin(ctx, "device-1"))
	_, err = s.LoadPin(ctx, "device-1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestAuthMethod(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)
	defer s.Close()

	_, err := s.LoadAuthMethod(ctx, "device-1")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	require.NoError(t, s.SaveAuthMethod(ctx, "device-1", models.AuthMethodBiometric))
	m, err := s.LoadAuthMethod(ctx, "device-1")
	require.NoError(t, err)
	assert.Equal(t, models.AuthMethodBiometric, m)
}

func TestWrappedKeyFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)
	defer s.Close()

	got, err := s.StoreWrappedKeyIfAbsent(ctx, "pin", []byte("first"))
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)

	got, err = s.StoreWrappedKeyIfAbsent(ctx, "pin", []byte("second"))
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)

	loaded, err := s.LoadWrappedKey(ctx, "pin")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), loaded)
}
