package redis

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"device-auth-service/internal/client"
	"device-auth-service/internal/models"
	"device-auth-service/internal/repository"
)

// newTestClient connects to REDIS_TEST_URL, or localhost, and skips when nothing answers.
func newTestClient(t *testing.T) *client.RedisClient {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		url = "redis://localhost:6379/15"
	}
	opts, err := goredis.ParseURL(url)
	require.NoError(t, err)
	rdb := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		t.Skipf("redis not available at %s: %v", url, err)
	}
	t.Cleanup(func() { rdb.Close() })
	return client.WrapRedisClient(rdb)
}

func uniqueID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

func TestDeviceStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewDeviceStore(newTestClient(t))
	device := uniqueID("device")

	_, err := s.LoadSession(ctx, device)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	at := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveSession(ctx, device, &models.SessionState{LastActivityAt: at, TimeoutEnabled: true, TimeoutDuration: time.Minute}))
	st, err := s.LoadSession(ctx, device)
	require.NoError(t, err)
	assert.True(t, st.LastActivityAt.Equal(at))
	assert.Equal(t, time.Minute, st.TimeoutDuration)

	require.NoError(t, s.SaveAuthMethod(ctx, device, models.AuthMethodDeviceCredential))
	m, err := s.LoadAuthMethod(ctx, device)
	require.NoError(t, err)
	assert.Equal(t, models.AuthMethodDeviceCredential, m)

	require.NoError(t, s.SavePin(ctx, device, &models.PinRecord{Ciphertext: []byte{9}, IV: []byte{8}}))
	rec, err := s.LoadPin(ctx, device)
	require.NoError(t, err)
	assert.True(t, rec.HasPin())
	require.NoError(t, s.DeletePin(ctx, device))
	_, err = s.LoadPin(ctx, device)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestWrappedKeyFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	s := NewPinCache(newTestClient(t))
	keyID := uniqueID("key")

	got, err := s.StoreWrappedKeyIfAbsent(ctx, keyID, []byte("first"))
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)

	got, err = s.StoreWrappedKeyIfAbsent(ctx, keyID, []byte("second"))
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)
}

func TestOTPSwapDetectsConflict(t *testing.T) {
	ctx := context.Background()
	c := NewOTPCache(newTestClient(t), time.Minute)
	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := &models.OTPRecord{UserID: uniqueID("user"), OTP: "hash", Email: "a@example.com", CreatedAt: now, ExpiresAt: now.Add(5 * time.Minute), MaxAttempts: 3}
	require.NoError(t, c.PutOTP(ctx, rec))

	stale, err := c.GetOTP(ctx, rec.UserID)
	require.NoError(t, err)

	next := *stale
	next.Attempts = 1
	require.NoError(t, c.SwapOTP(ctx, &next, stale))

	again := *stale
	again.Attempts = 1
	assert.ErrorIs(t, c.SwapOTP(ctx, &again, stale), repository.ErrConflict)

	require.NoError(t, c.DeleteOTP(ctx, rec.UserID))
	assert.ErrorIs(t, c.SwapOTP(ctx, &next, &next), repository.ErrNotFound)
}

func TestOTPSwapUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	c := NewOTPCache(newTestClient(t), time.Minute)
	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := &models.OTPRecord{UserID: uniqueID("user"), OTP: "hash", CreatedAt: now, ExpiresAt: now.Add(time.Minute), MaxAttempts: 3}
	require.NoError(t, c.PutOTP(ctx, rec))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := *rec
			next.Verified = true
			if c.SwapOTP(ctx, &next, rec) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestFixedWindowRateLimit(t *testing.T) {
	ctx := context.Background()
	r := NewRateLimitCache(newTestClient(t))
	key := uniqueID("otp")

	for i := 1; i <= 3; i++ {
		ok, n, err := r.Allow(ctx, key, 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, i, n)
	}
	ok, _, err := r.Allow(ctx, key, 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	wait, err := r.RetryAfter(ctx, key)
	require.NoError(t, err)
	assert.Greater(t, wait, time.Duration(0))
}

func TestSlidingWindowRateLimit(t *testing.T) {
	ctx := context.Background()
	r := NewRateLimitCache(newTestClient(t))
	key := uniqueID("ip")

	for i := 0; i < 2; i++ {
		ok, _, err := r.SlidingWindow(ctx, key, 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, n, err := r.SlidingWindow(ctx, key, 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, n)
}
