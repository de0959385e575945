// Package health provides health check endpoints for softrdma.
//
// The package implements Kubernetes-compatible health checks:
//
//   - /health/live: Liveness probe (is the process running?)
//   - /health/ready: Readiness probe (is the transport bound and serving?)
//
// Each check returns JSON status with component health details:
//
//	{
//	  "status": "healthy",
//	  "checks": {
//	    "transport": "healthy",
//	    "queue_pairs": "healthy",
//	    "completions": "healthy"
//	  }
//	}
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/piwi3910/softrdma/internal/device"
)

// Status represents the overall health status.
type Status string

const (
	// StatusHealthy indicates all checks passed.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates some checks failed but core functionality works.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates critical failures.
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a single health check result.
type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthStatus represents the complete health status of the node.
type HealthStatus struct {
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Status    Status           `json:"status"`
}

// Checker performs health checks against a device.
type Checker struct {
	cacheExpiry  time.Time
	dev          *device.Device
	cachedStatus *HealthStatus
	cacheTTL     time.Duration
	mu           sync.RWMutex
}

// NewChecker creates a new health checker.
func NewChecker(dev *device.Device) *Checker {
	return &Checker{
		dev:      dev,
		cacheTTL: 5 * time.Second, // Cache health checks for 5 seconds
	}
}

// Check performs all health checks and returns the overall status.
func (c *Checker) Check(ctx context.Context) *HealthStatus {
	// Check cache first
	c.mu.RLock()

	if c.cachedStatus != nil && time.Now().Before(c.cacheExpiry) {
		status := c.cachedStatus
		c.mu.RUnlock()

		return status
	}

	c.mu.RUnlock()

	checks := make(map[string]Check)
	checks["transport"] = c.CheckTransport(ctx)
	checks["queue_pairs"] = c.CheckQueuePairs(ctx)
	checks["completions"] = c.CheckCompletions(ctx)

	healthStatus := &HealthStatus{
		Status:    determineOverallStatus(checks),
		Checks:    checks,
		Timestamp: time.Now(),
	}

	// Cache the result
	c.mu.Lock()
	c.cachedStatus = healthStatus
	c.cacheExpiry = time.Now().Add(c.cacheTTL)
	c.mu.Unlock()

	return healthStatus
}

// CheckTransport checks that the UDP transport is bound and serving.
func (c *Checker) CheckTransport(_ context.Context) Check {
	if c.dev == nil {
		return Check{
			Status:  StatusUnhealthy,
			Message: "device not initialized",
		}
	}

	if c.dev.Closed() {
		return Check{
			Status:  StatusUnhealthy,
			Message: "device closed",
		}
	}

	addr := c.dev.Addr()
	if addr == "" {
		return Check{
			Status:  StatusUnhealthy,
			Message: "transport not bound",
		}
	}

	return Check{
		Status:  StatusHealthy,
		Message: "listening on " + addr,
	}
}

// CheckQueuePairs checks how many queue pairs have dropped into the
// error state.
func (c *Checker) CheckQueuePairs(_ context.Context) Check {
	if c.dev == nil {
		return Check{
			Status:  StatusUnhealthy,
			Message: "device not initialized",
		}
	}

	snap := c.dev.Snapshot()
	total := len(snap.QPs)
	if total == 0 {
		return Check{
			Status:  StatusHealthy,
			Message: "no queue pairs registered",
		}
	}

	errored := 0
	for _, qp := range snap.QPs {
		if qp.State == "ERROR" {
			errored++
		}
	}

	switch {
	case errored == total:
		return Check{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("all %d queue pairs errored", total),
		}
	case errored > 0:
		return Check{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("%d of %d queue pairs errored", errored, total),
		}
	default:
		return Check{
			Status:  StatusHealthy,
			Message: fmt.Sprintf("%d queue pairs registered", total),
		}
	}
}

// CheckCompletions checks for completions held back by full completion
// queues. Held completions mean the application has stopped polling.
func (c *Checker) CheckCompletions(_ context.Context) Check {
	if c.dev == nil {
		return Check{
			Status:  StatusUnhealthy,
			Message: "device not initialized",
		}
	}

	held := 0
	for _, qp := range c.dev.Snapshot().QPs {
		held += qp.HeldCompletions
	}

	if held > 0 {
		return Check{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("%d completions held by full completion queues", held),
		}
	}

	return Check{
		Status:  StatusHealthy,
		Message: "completion queues draining",
	}
}

// IsReady checks if the node is ready to move packets.
func (c *Checker) IsReady(_ context.Context) bool {
	return c.dev != nil && !c.dev.Closed() && c.dev.Addr() != ""
}

// IsLive checks if the service is alive.
func (c *Checker) IsLive(_ context.Context) bool {
	// Basic liveness check - if we can execute this, we're alive
	return true
}

// determineOverallStatus determines the overall health status based on individual checks.
func determineOverallStatus(checks map[string]Check) Status {
	hasUnhealthy := false
	hasDegraded := false

	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			hasUnhealthy = true
		case StatusDegraded:
			hasDegraded = true
		}
	}

	if hasUnhealthy {
		return StatusUnhealthy
	}

	if hasDegraded {
		return StatusDegraded
	}

	return StatusHealthy
}

// Handler creates HTTP handlers for health endpoints.
type Handler struct {
	checker *Checker
}

// NewHandler creates a new health handler.
func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

// HealthHandler handles basic health check requests (for load balancers).
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := h.checker.Check(ctx)

	w.Header().Set("Content-Type", "application/json")

	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(map[string]string{
		"status": string(status.Status),
	})
}

// LivenessHandler handles Kubernetes liveness probe requests.
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.checker.IsLive(ctx) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ok"}`))
	}
}

// ReadinessHandler handles Kubernetes readiness probe requests.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.checker.IsReady(ctx) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ready"}`))
	}
}

// DetailedHandler handles detailed health check requests.
func (h *Handler) DetailedHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := h.checker.Check(ctx)

	w.Header().Set("Content-Type", "application/json")

	switch status.Status {
	case StatusUnhealthy:
		w.WriteHeader(http.StatusServiceUnavailable)
	default:
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(status)
}
