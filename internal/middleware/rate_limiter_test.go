package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowWithinLimit(t *testing.T) {
	rl := NewRateLimiter(5, 10)
	defer rl.Close()

	for i := 0; i < 5; i++ {
		assert.True(t, rl.Allow("agent-1"))
	}
	assert.False(t, rl.Allow("agent-1"))
}

func TestKeysHaveIndependentBudgets(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	defer rl.Close()

	assert.True(t, rl.Allow("agent-1"))
	assert.False(t, rl.Allow("agent-1"))
	assert.True(t, rl.Allow("agent-2"))
}

func TestMiddlewareRejectsWith429(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	defer rl.Close()

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/intents/analyze", nil)
	req.Header.Set("X-Agent-ID", "agent-1")

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, req)
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, req)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "60", second.Header().Get("Retry-After"))
}
