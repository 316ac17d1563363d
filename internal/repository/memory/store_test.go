package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"device-auth-service/internal/models"
	"device-auth-service/internal/repository"
)

func TestPinRecordIsCopied(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	rec := &models.PinRecord{Ciphertext: []byte{1, 2, 3}, IV: []byte{9}}
	require.NoError(t, s.SavePin(ctx, "d1", rec))
	rec.Ciphertext[0] = 42

	got, err := s.LoadPin(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got.Ciphertext)

	require.NoError(t, s.DeletePin(ctx, "d1"))
	_, err = s.LoadPin(ctx, "d1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestStoreWrappedKeyIfAbsentKeepsFirst(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	var wg sync.WaitGroup
	results := make([][]byte, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k, err := s.StoreWrappedKeyIfAbsent(ctx, "pin", []byte{byte(i)})
			assert.NoError(t, err)
			results[i] = k
		}(i)
	}
	wg.Wait()

	stored, err := s.LoadWrappedKey(ctx, "pin")
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, stored, r)
	}
}

func TestSwapOTP(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	created := time.Now()

	rec := &models.OTPRecord{UserID: "u1", CreatedAt: created, MaxAttempts: 3}
	require.NoError(t, s.PutOTP(ctx, rec))

	next := *rec
	next.Attempts = 1
	require.NoError(t, s.SwapOTP(ctx, &next, rec))

	// rec is now stale
	stale := *rec
	stale.Attempts = 1
	assert.ErrorIs(t, s.SwapOTP(ctx, &stale, rec), repository.ErrConflict)

	require.NoError(t, s.DeleteOTP(ctx, "u1"))
	assert.ErrorIs(t, s.SwapOTP(ctx, &next, &next), repository.ErrNotFound)
}
