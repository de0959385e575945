package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketLimiter(t *testing.T) {
	t.Run("allows requests within burst", func(t *testing.T) {
		limiter := NewTokenBucketLimiter(10, 5)

		// Should allow 5 requests immediately (burst size)
		for i := 0; i < 5; i++ {
			assert.True(t, limiter.Allow(), "request should be allowed")
		}
	})

	t.Run("blocks requests after burst exhausted", func(t *testing.T) {
		limiter := NewTokenBucketLimiter(10, 3)

		// Exhaust burst
		for i := 0; i < 3; i++ {
			require.True(t, limiter.Allow())
		}

		// Next request should be blocked
		assert.False(t, limiter.Allow(), "request should be blocked after burst exhausted")
	})

	t.Run("refills tokens over time", func(t *testing.T) {
		limiter := NewTokenBucketLimiter(10, 2)

		// Exhaust tokens
		require.True(t, limiter.Allow())
		require.True(t, limiter.Allow())
		require.False(t, limiter.Allow())

		// Wait for token refill (100ms should give ~1 token at 10 rps)
		time.Sleep(150 * time.Millisecond)

		// Should have token again
		assert.True(t, limiter.Allow(), "should have token after refill")
	})
}

func TestRateLimiter(t *testing.T) {
	t.Run("disabled allows all requests", func(t *testing.T) {
		config := DefaultRateLimitConfig()
		config.Enabled = false

		rl := NewRateLimiter(config)
		defer rl.Close()

		for i := 0; i < 100; i++ {
			assert.True(t, rl.Allow("192.168.1.1"))
		}
	})

	t.Run("per-IP limiting creates separate limiters", func(t *testing.T) {
		config := DefaultRateLimitConfig()
		config.Enabled = true
		config.BurstSize = 2
		config.PerIP = true

		rl := NewRateLimiter(config)
		defer rl.Close()

		// IP1 can use its own burst
		assert.True(t, rl.Allow("192.168.1.1"))
		assert.True(t, rl.Allow("192.168.1.1"))

		// IP2 has its own separate burst
		assert.True(t, rl.Allow("192.168.1.2"))
		assert.True(t, rl.Allow("192.168.1.2"))
	})

	t.Run("global limiting shares limiter", func(t *testing.T) {
		config := DefaultRateLimitConfig()
		config.Enabled = true
		config.BurstSize = 3
		config.PerIP = false

		rl := NewRateLimiter(config)
		defer rl.Close()

		// All IPs share the same burst
		assert.True(t, rl.Allow("192.168.1.1"))
		assert.True(t, rl.Allow("192.168.1.2"))
		assert.True(t, rl.Allow("192.168.1.3"))
		assert.False(t, rl.Allow("192.168.1.4"))
	})

	t.Run("excluded paths are not rate limited", func(t *testing.T) {
		config := DefaultRateLimitConfig()
		config.Enabled = true

		rl := NewRateLimiter(config)
		defer rl.Close()

		assert.True(t, rl.isExcludedPath("/health"))
		assert.True(t, rl.isExcludedPath("/metrics"))
		assert.False(t, rl.isExcludedPath("/api/v1/qps"))
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	t.Run("allows requests when disabled", func(t *testing.T) {
		config := DefaultRateLimitConfig()
		config.Enabled = false

		rl := NewRateLimiter(config)
		defer rl.Close()

		handler := RateLimit(rl)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/api/v1/qps", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("returns 429 when rate limited", func(t *testing.T) {
		config := DefaultRateLimitConfig()
		config.Enabled = true
		config.BurstSize = 1
		config.PerIP = true

		rl := NewRateLimiter(config)
		defer rl.Close()

		handler := RateLimit(rl)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		// First request succeeds
		req1 := httptest.NewRequest(http.MethodGet, "/api/v1/qps", nil)
		req1.RemoteAddr = "192.168.1.1:12345"
		rec1 := httptest.NewRecorder()
		handler.ServeHTTP(rec1, req1)
		assert.Equal(t, http.StatusOK, rec1.Code)

		// Second request from the same IP is rate limited
		req2 := httptest.NewRequest(http.MethodGet, "/api/v1/qps", nil)
		req2.RemoteAddr = "192.168.1.1:12346"
		rec2 := httptest.NewRecorder()
		handler.ServeHTTP(rec2, req2)
		assert.Equal(t, http.StatusTooManyRequests, rec2.Code)
		assert.NotEmpty(t, rec2.Header().Get("Retry-After"))
	})

	t.Run("skips excluded paths", func(t *testing.T) {
		config := DefaultRateLimitConfig()
		config.Enabled = true
		config.BurstSize = 0 // Would block all requests

		rl := NewRateLimiter(config)
		defer rl.Close()

		handler := RateLimit(rl)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		expected   string
	}{
		{"IPv4 with port", "192.168.1.1:12345", "192.168.1.1"},
		{"IPv6 with port", "[2001:db8::1]:12345", "2001:db8::1"},
		{"IPv4 without port", "192.168.1.1", "192.168.1.1"},
		{"localhost with port", "127.0.0.1:8080", "127.0.0.1"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remoteAddr
			assert.Equal(t, tc.expected, clientIP(req))
		})
	}

	t.Run("proxy headers are ignored", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "127.0.0.1:9999"
		req.Header.Set("X-Forwarded-For", "203.0.113.1")
		req.Header.Set("X-Real-IP", "203.0.113.5")
		assert.Equal(t, "127.0.0.1", clientIP(req))
	})
}
