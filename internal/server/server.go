// Package server assembles and runs the softrdma daemon: the
// transport device, the verb tracer, and the admin HTTP server
// fronting them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/softrdma/internal/api/admin"
	apimiddleware "github.com/piwi3910/softrdma/internal/api/middleware"
	"github.com/piwi3910/softrdma/internal/config"
	"github.com/piwi3910/softrdma/internal/device"
	"github.com/piwi3910/softrdma/internal/health"
	"github.com/piwi3910/softrdma/internal/metrics"
	"github.com/piwi3910/softrdma/internal/shutdown"
	"github.com/piwi3910/softrdma/internal/telemetry"
)

// Server is the main softrdma daemon
type Server struct {
	cfg *config.Config

	// Core services
	dev    *device.Device
	tracer *telemetry.Tracer

	// Health checker
	healthChecker *health.Checker

	// Shutdown coordinator
	coordinator *shutdown.Coordinator

	// Admin HTTP server
	rateLimiter   *apimiddleware.RateLimiter
	adminServer   *http.Server
	adminListener net.Listener
}

// New creates a new softrdma daemon
func New(cfg *config.Config) (*Server, error) {
	srv := &Server{
		cfg: cfg,
	}

	// Initialize metrics
	metrics.Init(cfg.NodeID)
	log.Info().Str("node_id", cfg.NodeID).Msg("Metrics initialized")

	// Initialize the transport device
	dev, err := device.New(cfg.Device())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize device: %w", err)
	}
	srv.dev = dev

	// Initialize the verb tracer
	srv.tracer = telemetry.NewTracer(telemetry.DefaultConfig())

	// Initialize health checker
	srv.healthChecker = health.NewChecker(dev)

	// Initialize shutdown coordinator
	shutdownCfg := shutdown.DefaultConfig()
	shutdownCfg.TotalTimeout = cfg.Shutdown.Timeout()
	shutdownCfg.DrainTimeout = cfg.Shutdown.DrainTimeout()
	srv.coordinator = shutdown.NewCoordinator(shutdownCfg)

	// Setup the admin HTTP server
	if cfg.Admin.Enabled {
		srv.setupAdminServer()
	}

	return srv, nil
}

func (s *Server) setupAdminServer() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	r.Use(apimiddleware.Metrics)
	r.Use(s.tracer.HTTPMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.Admin.CORSOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Rate limiting
	s.rateLimiter = apimiddleware.NewRateLimiter(s.rateLimitConfig())
	r.Use(apimiddleware.RateLimit(s.rateLimiter))

	// Health check handlers
	healthHandler := health.NewHandler(s.healthChecker)
	r.Get("/health", healthHandler.HealthHandler)
	r.Get("/healthz", healthHandler.HealthHandler)
	r.Get("/health/live", healthHandler.LivenessHandler)
	r.Get("/health/ready", healthHandler.ReadinessHandler)

	// Prometheus metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// Admin API handlers
	adminHandler := admin.NewHandler(s.dev, s.tracer, s.cfg.NodeID)
	r.Route("/api/v1", func(r chi.Router) {
		adminHandler.RegisterRoutes(r)
		// Detailed health endpoint under the admin API
		r.Get("/health/detailed", healthHandler.DetailedHandler)
	})

	s.adminServer = &http.Server{
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

func (s *Server) rateLimitConfig() apimiddleware.RateLimitConfig {
	rl := apimiddleware.DefaultRateLimitConfig()
	rl.Enabled = s.cfg.Admin.RateLimit.Enabled
	if s.cfg.Admin.RateLimit.RequestsPerSecond > 0 {
		rl.RequestsPerSecond = s.cfg.Admin.RateLimit.RequestsPerSecond
	}
	if s.cfg.Admin.RateLimit.Burst > 0 {
		rl.BurstSize = s.cfg.Admin.RateLimit.Burst
	}

	return rl
}

// Start runs the device and the admin server until ctx is cancelled,
// then drives the shutdown coordinator.
func (s *Server) Start(ctx context.Context) error {
	// The engine must outlive ctx: draining needs acknowledgements
	// still flowing after the shutdown signal arrives. The coordinator
	// owns its teardown.
	s.dev.Start(context.Background())
	log.Info().Str("addr", s.dev.Addr()).Msg("Transport engine started")

	if s.adminServer != nil {
		ln, err := net.Listen("tcp", s.cfg.Admin.ListenAddr)
		if err != nil {
			_ = s.dev.Close()
			return fmt.Errorf("admin listen: %w", err)
		}
		s.adminListener = ln
	}

	g, ctx := errgroup.WithContext(ctx)

	// Serve the admin API
	if s.adminListener != nil {
		g.Go(func() error {
			log.Info().Str("addr", s.AdminAddr()).Msg("Starting admin API server")
			log.Info().Str("addr", s.AdminAddr()).Msg("Prometheus metrics available at /metrics")
			if err := s.adminServer.Serve(s.adminListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server error: %w", err)
			}
			return nil
		})
	}

	// Wait for shutdown signal
	g.Go(func() error {
		<-ctx.Done()
		return s.shutdown()
	})

	return g.Wait()
}

// shutdown runs the phased shutdown sequence: drain the engine, stop
// the admin server, close the device.
func (s *Server) shutdown() error {
	log.Info().Msg("Shutting down")

	components := shutdown.ShutdownComponents{
		Engine: s.dev,
		Device: s.dev,
	}
	if s.adminServer != nil {
		components.HTTPServers = []shutdown.HTTPServerShutdown{
			&namedServer{name: "admin", srv: s.adminServer},
		}
	}
	if s.rateLimiter != nil {
		rl := s.rateLimiter
		s.coordinator.RegisterHook(shutdown.PhaseDevice, func(context.Context) error {
			rl.Close()
			return nil
		})
	}

	return s.coordinator.Shutdown(context.Background(), components)
}

// Device returns the transport device.
func (s *Server) Device() *device.Device {
	return s.dev
}

// Tracer returns the verb tracer.
func (s *Server) Tracer() *telemetry.Tracer {
	return s.tracer
}

// AdminAddr returns the bound admin listen address, or the configured
// one if the server has not started.
func (s *Server) AdminAddr() string {
	if s.adminListener != nil {
		return s.adminListener.Addr().String()
	}
	if s.adminServer != nil {
		return s.cfg.Admin.ListenAddr
	}

	return ""
}

// namedServer adapts http.Server to the coordinator's shutdown
// interface.
type namedServer struct {
	name string
	srv  *http.Server
}

func (n *namedServer) Name() string { return n.name }

func (n *namedServer) Shutdown(ctx context.Context) error { return n.srv.Shutdown(ctx) }
