package handler

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// RateLimiter counts hits per key in fixed windows.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error)
	RetryAfter(ctx context.Context, key string) (time.Duration, error)
}

type window struct {
	count int
	ends  time.Time
}

// MemoryRateLimiter is a single-process RateLimiter for deployments without Redis.
type MemoryRateLimiter struct {
	clock   clockwork.Clock
	mu      sync.Mutex
	windows map[string]*window
}

func NewMemoryRateLimiter(clock clockwork.Clock) *MemoryRateLimiter {
	return &MemoryRateLimiter{clock: clock, windows: make(map[string]*window)}
}

func (m *MemoryRateLimiter) Allow(_ context.Context, key string, limit int, d time.Duration) (bool, int, error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok || !now.Before(w.ends) {
		if len(m.windows) > 10000 {
			m.sweepLocked(now)
		}
		w = &window{ends: now.Add(d)}
		m.windows[key] = w
	}
	w.count++
	return w.count <= limit, w.count, nil
}

func (m *MemoryRateLimiter) RetryAfter(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[key]
	if !ok {
		return 0, nil
	}
	if left := w.ends.Sub(m.clock.Now()); left > 0 {
		return left, nil
	}
	return 0, nil
}

func (m *MemoryRateLimiter) sweepLocked(now time.Time) {
	for k, w := range m.windows {
		if !now.Before(w.ends) {
			delete(m.windows, k)
		}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimit rejects requests over limit per client IP with 429. Limiter errors let the request through.
func RateLimit(limiter RateLimiter, scope string, limit int, d time.Duration, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := scope + ":" + clientIP(r)
			allowed, _, err := limiter.Allow(r.Context(), key, limit, d)
			if err != nil {
				logger.Warn("rate limiter unavailable", zap.String("scope", scope), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				wait, _ := limiter.RetryAfter(r.Context(), key)
				secs := int(math.Ceil(wait.Seconds()))
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				writeJSON(w, http.StatusTooManyRequests, errorResponse("rate_limited",
					"Too many requests. Please slow down.",
					map[string]int{"retry_after_seconds": secs}))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
