// Package middleware holds HTTP middleware shared by the API surface.
package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// RateLimiter enforces a per-agent request budget on the evaluation
// API. It uses a fixed one-minute window per key; expired windows are
// garbage-collected in the background.
//
// This is a transport-level guard against misbehaving callers. Risk
// velocity anomalies are scored separately by the drift detector.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int
	burst   int
	done    chan struct{}
}

type window struct {
	count int
	start time.Time
}

// NewRateLimiter allows limit requests per key per minute, with bursts
// tolerated up to burst. A burst of 0 defaults to twice the limit.
func NewRateLimiter(limit, burst int) *RateLimiter {
	if limit <= 0 {
		limit = 120
	}
	if burst <= 0 {
		burst = limit * 2
	}
	rl := &RateLimiter{
		windows: make(map[string]*window),
		limit:   limit,
		burst:   burst,
		done:    make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether a request under key fits the current window.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) > time.Minute {
		rl.windows[key] = &window{count: 1, start: now}
		return true
	}

	w.count++
	if w.count > rl.burst {
		slog.Warn("[RateLimit] burst limit exceeded", "key", key, "count", w.count, "burst", rl.burst)
		return false
	}
	return w.count <= rl.limit
}

// Middleware rejects over-limit requests with 429. The key is the
// X-Agent-ID header; callers without one share a single budget.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Agent-ID")
		if key == "" {
			key = "anonymous"
		}

		if !rl.Allow(key) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded","retry_after_seconds":60}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Close stops the background cleanup goroutine.
func (rl *RateLimiter) Close() {
	close(rl.done)
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, w := range rl.windows {
				if now.Sub(w.start) > 2*time.Minute {
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}
