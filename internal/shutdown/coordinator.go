// Package shutdown provides graceful shutdown coordination for the
// softrdma daemon.
//
// The shutdown coordinator manages the orderly teardown of the daemon,
// letting in-flight RDMA work finish before the transport disappears
// underneath it. It implements a phased shutdown sequence:
//
//  1. Draining - Quiesce the device and wait for outstanding sends
//  2. HTTP Servers - Shutdown the admin HTTP server
//  3. Device - Close the device: contexts, scheduler, UDP socket
//
// The coordinator tracks shutdown progress with metrics and respects
// configurable timeouts to prevent hanging during shutdown.
package shutdown

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Phase represents a shutdown phase.
type Phase string

// Shutdown phases in order of execution.
const (
	PhaseNone           Phase = "none"
	PhaseDraining       Phase = "draining"
	PhaseHTTPServers    Phase = "http_servers"
	PhaseDevice         Phase = "device"
	PhaseComplete       Phase = "complete"
	PhaseForcedShutdown Phase = "forced_shutdown"
)

// Config holds shutdown configuration.
type Config struct {
	// TotalTimeout is the maximum time allowed for the entire shutdown sequence.
	// Default: 10 seconds
	TotalTimeout time.Duration

	// DrainTimeout is the time to wait for outstanding sends to complete.
	// Default: 2 seconds
	DrainTimeout time.Duration

	// HTTPTimeout is the time to wait for HTTP servers to shutdown.
	// Default: 5 seconds
	HTTPTimeout time.Duration

	// DeviceTimeout is the time to wait for the device to close.
	// Default: 5 seconds
	DeviceTimeout time.Duration

	// ForceTimeout is the time after which shutdown is forced.
	// Default: 5 seconds after TotalTimeout
	ForceTimeout time.Duration
}

// DefaultConfig returns the default shutdown configuration.
func DefaultConfig() Config {
	return Config{
		TotalTimeout:  10 * time.Second,
		DrainTimeout:  2 * time.Second,
		HTTPTimeout:   5 * time.Second,
		DeviceTimeout: 5 * time.Second,
		ForceTimeout:  5 * time.Second,
	}
}

// Drainer quiesces a component and reports work still in flight.
type Drainer interface {
	// Quiesce stops the component accepting new work.
	Quiesce()
	// InFlightCount returns the number of incomplete work requests.
	InFlightCount() int64
	// WaitForDrain waits for all in-flight work to complete.
	WaitForDrain(ctx context.Context) error
}

// HTTPServerShutdown wraps an HTTP server for shutdown.
type HTTPServerShutdown interface {
	Name() string
	Shutdown(ctx context.Context) error
}

// ShutdownHook is a function called during shutdown.
type ShutdownHook func(ctx context.Context) error

// ShutdownComponents holds all components that need to be shutdown.
type ShutdownComponents struct {
	// HTTPServers are HTTP servers to shutdown gracefully
	HTTPServers []HTTPServerShutdown

	// Engine is the drainable transport engine
	Engine Drainer

	// Device is the device to close once traffic has drained
	Device io.Closer
}

// Coordinator manages graceful shutdown of all daemon components.
type Coordinator struct {
	config   Config
	mu       sync.RWMutex
	phase    Phase
	started  time.Time
	errors   []error
	hooks    map[Phase][]ShutdownHook
	doneCh   chan struct{}
	shutdown atomic.Bool
}

// NewCoordinator creates a new shutdown coordinator with the given configuration.
func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{
		config: cfg,
		phase:  PhaseNone,
		hooks:  make(map[Phase][]ShutdownHook),
		doneCh: make(chan struct{}),
	}
}

// RegisterHook registers a shutdown hook for a specific phase.
func (c *Coordinator) RegisterHook(phase Phase, hook ShutdownHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks[phase] = append(c.hooks[phase], hook)
}

// Phase returns the current shutdown phase.
func (c *Coordinator) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.phase
}

// IsShuttingDown returns true if shutdown has been initiated.
func (c *Coordinator) IsShuttingDown() bool {
	return c.shutdown.Load()
}

// Done returns a channel that is closed when shutdown is complete.
func (c *Coordinator) Done() <-chan struct{} {
	return c.doneCh
}

// Errors returns any errors that occurred during shutdown.
func (c *Coordinator) Errors() []error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return append([]error{}, c.errors...)
}

// setPhase updates the current phase and logs the transition.
func (c *Coordinator) setPhase(phase Phase) {
	c.mu.Lock()
	oldPhase := c.phase
	c.phase = phase
	c.mu.Unlock()

	elapsed := time.Since(c.started)
	log.Info().
		Str("from_phase", string(oldPhase)).
		Str("to_phase", string(phase)).
		Dur("elapsed", elapsed).
		Msg("Shutdown phase transition")

	// Update metrics
	SetShutdownPhase(phase)
}

// addError records a shutdown error.
func (c *Coordinator) addError(err error) {
	c.mu.Lock()
	c.errors = append(c.errors, err)
	c.mu.Unlock()

	IncrementShutdownErrors()
}

// runHooks executes all hooks registered for the given phase.
func (c *Coordinator) runHooks(ctx context.Context, phase Phase) {
	c.mu.RLock()
	hooks := c.hooks[phase]
	c.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			log.Error().Err(err).Str("phase", string(phase)).Msg("Shutdown hook failed")
			c.addError(err)
		}
	}
}

// Shutdown initiates graceful shutdown of all components.
func (c *Coordinator) Shutdown(ctx context.Context, components ShutdownComponents) error {
	// Ensure we only shutdown once
	if !c.shutdown.CompareAndSwap(false, true) {
		log.Warn().Msg("Shutdown already in progress")

		return nil
	}

	c.started = time.Now()
	log.Info().Msg("Initiating graceful shutdown")
	SetShutdownStartTime(c.started)

	// Create overall timeout context
	shutdownCtx, cancel := context.WithTimeout(ctx, c.config.TotalTimeout)
	defer cancel()

	// Start forced shutdown timer
	go c.watchForceTimeout(shutdownCtx)

	// Execute shutdown sequence
	c.executeShutdownSequence(shutdownCtx, components)

	// Mark completion
	c.setPhase(PhaseComplete)
	close(c.doneCh)

	duration := time.Since(c.started)
	SetShutdownDuration(duration)

	if len(c.errors) > 0 {
		log.Warn().
			Int("error_count", len(c.errors)).
			Dur("duration", duration).
			Msg("Shutdown completed with errors")
	} else {
		log.Info().
			Dur("duration", duration).
			Msg("Shutdown completed successfully")
	}

	return nil
}

// watchForceTimeout monitors for force timeout and triggers forced shutdown.
func (c *Coordinator) watchForceTimeout(ctx context.Context) {
	forceDeadline := c.config.TotalTimeout + c.config.ForceTimeout
	timer := time.NewTimer(forceDeadline)

	defer timer.Stop()

	select {
	case <-timer.C:
		c.setPhase(PhaseForcedShutdown)
		log.Warn().
			Dur("timeout", forceDeadline).
			Msg("Force timeout reached, forcing shutdown")
	case <-c.doneCh:
		// Shutdown completed normally, goroutine exits cleanly
	case <-ctx.Done():
		// Context cancelled, goroutine exits cleanly
	}
}

// executeShutdownSequence runs through all shutdown phases in order.
func (c *Coordinator) executeShutdownSequence(ctx context.Context, components ShutdownComponents) {
	// Phase 1: Drain the engine
	c.executeDrainPhase(ctx, components)

	// Phase 2: Stop HTTP servers
	c.executeHTTPServersPhase(ctx, components)

	// Phase 3: Close the device
	c.executeDevicePhase(ctx, components)
}

func (c *Coordinator) executeDrainPhase(ctx context.Context, components ShutdownComponents) {
	c.setPhase(PhaseDraining)
	c.runHooks(ctx, PhaseDraining)

	if components.Engine == nil {
		return
	}

	// New posts are rejected from here on; established traffic keeps
	// flowing so acknowledgements can land.
	components.Engine.Quiesce()

	drainCtx, cancel := context.WithTimeout(ctx, c.config.DrainTimeout)
	defer cancel()

	inFlight := components.Engine.InFlightCount()
	SetInFlightSends(inFlight)

	if inFlight > 0 {
		log.Info().Int64("in_flight_sends", inFlight).Msg("Waiting for outstanding sends to complete")

		if err := components.Engine.WaitForDrain(drainCtx); err != nil {
			log.Warn().
				Err(err).
				Int64("remaining", components.Engine.InFlightCount()).
				Msg("Drain timeout, proceeding with shutdown")
			c.addError(err)
		}
	}

	SetInFlightSends(0)
}

func (c *Coordinator) executeHTTPServersPhase(ctx context.Context, components ShutdownComponents) {
	c.setPhase(PhaseHTTPServers)
	c.runHooks(ctx, PhaseHTTPServers)

	httpCtx, cancel := context.WithTimeout(ctx, c.config.HTTPTimeout)
	defer cancel()

	// Shutdown HTTP servers concurrently
	var wg sync.WaitGroup

	for _, server := range components.HTTPServers {
		wg.Add(1)

		go func(srv HTTPServerShutdown) {
			defer wg.Done()

			if err := srv.Shutdown(httpCtx); err != nil {
				log.Error().Err(err).Str("server", srv.Name()).Msg("Error shutting down HTTP server")
				c.addError(err)
			} else {
				log.Info().Str("server", srv.Name()).Msg("HTTP server shutdown complete")
			}
		}(server)
	}

	wg.Wait()
}

func (c *Coordinator) executeDevicePhase(ctx context.Context, components ShutdownComponents) {
	c.setPhase(PhaseDevice)
	c.runHooks(ctx, PhaseDevice)

	if components.Device == nil {
		return
	}

	deviceCtx, cancel := context.WithTimeout(ctx, c.config.DeviceTimeout)
	defer cancel()

	// Use a goroutine with timeout to close the device
	done := make(chan error, 1)

	go func() {
		done <- components.Device.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Error().Err(err).Msg("Error closing device")
			c.addError(err)
		} else {
			log.Info().Msg("Device closed")
		}
	case <-deviceCtx.Done():
		log.Warn().Msg("Timeout closing device")
		c.addError(deviceCtx.Err())
	}
}
