package middleware

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/softrdma/internal/metrics"
)

// Default rate limiting configuration values.
const (
	defaultRequestsPerSecond = 100
	defaultBurstSize         = 50
	defaultStaleTimeoutMins  = 5
	// maxElapsedNanos caps the elapsed time to prevent integer overflow in token calculation.
	// One hour in nanoseconds is safe for multiplication with reasonable refill rates.
	maxElapsedNanos = int64(time.Hour)
)

// RateLimitConfig configures the rate limiting middleware.
type RateLimitConfig struct {
	// ExcludedPaths are paths that should not be rate limited (e.g., health checks).
	ExcludedPaths []string

	// CleanupInterval is how often to clean up stale rate limiters.
	CleanupInterval time.Duration

	// StaleTimeout is how long a rate limiter can be unused before cleanup.
	StaleTimeout time.Duration

	// RequestsPerSecond is the default requests per second limit.
	RequestsPerSecond int

	// BurstSize is the maximum burst size.
	BurstSize int

	// Enabled enables rate limiting.
	Enabled bool

	// PerIP enables per-IP rate limiting.
	PerIP bool
}

// DefaultRateLimitConfig returns sensible defaults for rate limiting.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:           false,
		RequestsPerSecond: defaultRequestsPerSecond,
		BurstSize:         defaultBurstSize,
		PerIP:             true,
		CleanupInterval:   time.Minute,
		StaleTimeout:      defaultStaleTimeoutMins * time.Minute,
		ExcludedPaths:     []string{"/health", "/health/live", "/health/ready", "/metrics"},
	}
}

// TokenBucketLimiter implements a token bucket rate limiter.
type TokenBucketLimiter struct {
	tokens     atomic.Int64
	lastRefill atomic.Int64
	lastUsed   atomic.Int64
	maxTokens  int64
	refillRate int64 // tokens per second
}

// NewTokenBucketLimiter creates a new token bucket rate limiter.
func NewTokenBucketLimiter(rps, burst int) *TokenBucketLimiter {
	l := &TokenBucketLimiter{
		maxTokens:  int64(burst),
		refillRate: int64(rps),
	}
	l.tokens.Store(int64(burst))
	l.lastRefill.Store(time.Now().UnixNano())
	l.lastUsed.Store(time.Now().UnixNano())

	return l
}

// Allow checks if a request is allowed under the rate limit.
func (l *TokenBucketLimiter) Allow() bool {
	now := time.Now().UnixNano()
	l.lastUsed.Store(now)

	lastRefill := l.lastRefill.Load()
	elapsed := l.calculateElapsed(now, lastRefill)
	tokensToAdd := l.calculateTokensToAdd(elapsed)

	if tokensToAdd <= 0 {
		return l.tryConsumeToken()
	}

	if !l.lastRefill.CompareAndSwap(lastRefill, now) {
		return l.tryConsumeToken()
	}

	l.refillTokens(tokensToAdd)
	return l.tryConsumeToken()
}

// calculateElapsed calculates elapsed time with overflow protection.
func (l *TokenBucketLimiter) calculateElapsed(now, lastRefill int64) int64 {
	elapsed := now - lastRefill
	if elapsed > maxElapsedNanos {
		elapsed = maxElapsedNanos
	}
	return elapsed
}

// calculateTokensToAdd calculates how many tokens to add based on elapsed time.
func (l *TokenBucketLimiter) calculateTokensToAdd(elapsed int64) int64 {
	return (elapsed * l.refillRate) / int64(time.Second)
}

// tryConsumeToken attempts to consume a token using CAS loop.
func (l *TokenBucketLimiter) tryConsumeToken() bool {
	for {
		current := l.tokens.Load()
		if current <= 0 {
			return false
		}

		if l.tokens.CompareAndSwap(current, current-1) {
			return true
		}
	}
}

// refillTokens adds tokens to the bucket using CAS loop.
func (l *TokenBucketLimiter) refillTokens(tokensToAdd int64) {
	for {
		current := l.tokens.Load()

		newTokens := min(current+tokensToAdd, l.maxTokens)

		if l.tokens.CompareAndSwap(current, newTokens) {
			break
		}
	}
}

// RateLimiter manages per-IP rate limiters for the admin API.
type RateLimiter struct {
	stopCh   chan struct{}
	config   RateLimitConfig
	limiters sync.Map // map[string]*TokenBucketLimiter
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		config: config,
		stopCh: make(chan struct{}),
	}

	if config.Enabled && config.PerIP {
		go rl.cleanupLoop()
	}

	return rl
}

// cleanupLoop periodically removes stale rate limiters.
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup removes stale rate limiters.
func (rl *RateLimiter) cleanup() {
	now := time.Now().UnixNano()
	staleTimeout := rl.config.StaleTimeout.Nanoseconds()

	rl.limiters.Range(func(key, value interface{}) bool {
		limiter := value.(*TokenBucketLimiter)

		lastUsed := limiter.lastUsed.Load()
		if now-lastUsed > staleTimeout {
			rl.limiters.Delete(key)
			metrics.DecrementRateLimitActiveIPs()
		}

		return true
	})
}

// Close stops the cleanup goroutine.
func (rl *RateLimiter) Close() {
	close(rl.stopCh)
}

// Allow checks if a request from the given IP is allowed.
func (rl *RateLimiter) Allow(ip string) bool {
	if !rl.config.Enabled {
		return true
	}

	if !rl.config.PerIP {
		// Global rate limiting - use empty key
		ip = ""
	}

	limiterI, loaded := rl.limiters.LoadOrStore(ip, NewTokenBucketLimiter(
		rl.config.RequestsPerSecond,
		rl.config.BurstSize,
	))
	limiter := limiterI.(*TokenBucketLimiter)

	if !loaded {
		log.Debug().Str("ip", ip).Msg("Created new rate limiter")
		metrics.IncrementRateLimitActiveIPs()
	}

	return limiter.Allow()
}

// isExcludedPath checks if a path should be excluded from rate limiting.
func (rl *RateLimiter) isExcludedPath(path string) bool {
	for _, excluded := range rl.config.ExcludedPaths {
		if path == excluded {
			return true
		}
	}

	return false
}

// clientIP extracts the client address from the connection. Forwarded
// headers are not consulted; the limiter keys on the socket peer.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimit returns a middleware that applies rate limiting.
func RateLimit(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.config.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			// Skip rate limiting for excluded paths
			if rl.isExcludedPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			ip := clientIP(r)
			if !rl.Allow(ip) {
				log.Warn().
					Str("ip", ip).
					Str("path", r.URL.Path).
					Str("method", r.Method).
					Msg("Rate limit exceeded")
				metrics.RecordRateLimitRejection()

				w.Header().Set("Retry-After", "1")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
