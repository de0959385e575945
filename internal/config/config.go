// Package config loads and validates the softrdma daemon configuration.
//
// Configuration values are resolved with the following precedence
// (highest to lowest):
//  1. Command-line flags
//  2. Environment variables (SOFTRDMA_* prefix)
//  3. Configuration file (softrdma.yaml)
//  4. Default values
package config

import (
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/piwi3910/softrdma/internal/device"
	"github.com/piwi3910/softrdma/internal/qp"
	"github.com/piwi3910/softrdma/pkg/verbs"
)

// Config is the root configuration for a softrdma node.
type Config struct {
	// NodeName is a human-readable name for this node. Defaults to the
	// hostname.
	NodeName string `mapstructure:"node_name" yaml:"node_name"`

	// NodeID uniquely identifies this node. Generated on first start and
	// persisted under DataDir if not set.
	NodeID string `mapstructure:"node_id" yaml:"node_id"`

	// DataDir holds node state such as the generated node ID.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	// LogLevel is one of trace, debug, info, warn, error.
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`

	// LogFormat is "console" for human-readable output or "json" for
	// structured output.
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`

	// Network configures the UDP transport.
	Network NetworkConfig `mapstructure:"network" yaml:"network"`

	// Engine configures queue pair and completion queue behavior.
	Engine EngineConfig `mapstructure:"engine" yaml:"engine"`

	// Admin configures the HTTP admin API.
	Admin AdminConfig `mapstructure:"admin" yaml:"admin"`

	// Shutdown configures graceful shutdown behavior.
	Shutdown ShutdownConfig `mapstructure:"shutdown" yaml:"shutdown"`
}

// NetworkConfig configures the UDP transport agent.
type NetworkConfig struct {
	// ListenAddr is the UDP address packets are sent and received on.
	// Port 0 picks a free port.
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`

	// RecvBuffer sizes the datagram receive buffer. It must hold a full
	// packet at the configured PMTU including headers.
	RecvBuffer int `mapstructure:"recv_buffer" yaml:"recv_buffer"`
}

// EngineConfig configures the transport engine.
type EngineConfig struct {
	// PMTU is the path MTU in bytes. Messages larger than the PMTU are
	// segmented. One of 256, 512, 1024, 2048, 4096.
	PMTU uint32 `mapstructure:"pmtu" yaml:"pmtu"`

	// AckTimeoutMs is the retransmission timeout in milliseconds.
	AckTimeoutMs int `mapstructure:"ack_timeout_ms" yaml:"ack_timeout_ms"`

	// RetryLimit is the number of retransmission rounds before a queue
	// pair gives up and moves to the error state.
	RetryLimit int `mapstructure:"retry_limit" yaml:"retry_limit"`

	// RnrTimeoutMs is the backoff in milliseconds after a
	// receiver-not-ready NAK.
	RnrTimeoutMs int `mapstructure:"rnr_timeout_ms" yaml:"rnr_timeout_ms"`

	// RnrRetryLimit is the number of consecutive receiver-not-ready NAKs
	// tolerated before the queue pair moves to the error state.
	RnrRetryLimit int `mapstructure:"rnr_retry_limit" yaml:"rnr_retry_limit"`

	// SendQueueDepth is the default number of outstanding send work
	// requests per queue pair.
	SendQueueDepth int `mapstructure:"send_queue_depth" yaml:"send_queue_depth"`

	// RecvQueueDepth is the default number of posted receive buffers per
	// queue pair.
	RecvQueueDepth int `mapstructure:"recv_queue_depth" yaml:"recv_queue_depth"`

	// CQDepth is the default completion queue capacity.
	CQDepth int `mapstructure:"cq_depth" yaml:"cq_depth"`

	// InboxDepth bounds the per-queue-pair inbound packet backlog.
	InboxDepth int `mapstructure:"inbox_depth" yaml:"inbox_depth"`

	// MaxContexts caps concurrently allocated device contexts.
	MaxContexts int `mapstructure:"max_contexts" yaml:"max_contexts"`

	// MaxQPs caps queue pairs across all contexts.
	MaxQPs int `mapstructure:"max_qps" yaml:"max_qps"`

	// MaxRegions caps registered memory regions across all contexts.
	MaxRegions int `mapstructure:"max_regions" yaml:"max_regions"`
}

// AdminConfig configures the HTTP admin API.
type AdminConfig struct {
	// Enabled turns the admin API on or off.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// ListenAddr is the HTTP listen address.
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`

	// CORSOrigins lists allowed CORS origins.
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins"`

	// RateLimit bounds request rates on the admin API.
	RateLimit RateLimitConfig `mapstructure:"ratelimit" yaml:"ratelimit"`
}

// RateLimitConfig configures per-client request rate limiting on the
// admin API.
type RateLimitConfig struct {
	// Enabled turns rate limiting on or off.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// RequestsPerSecond is the sustained request rate per client.
	RequestsPerSecond int `mapstructure:"requests_per_second" yaml:"requests_per_second"`

	// Burst is the number of requests a client may issue at once.
	Burst int `mapstructure:"burst" yaml:"burst"`
}

// ShutdownConfig configures graceful shutdown behavior.
type ShutdownConfig struct {
	// DrainTimeoutMs bounds how long shutdown waits for in-flight work to
	// drain before forcing queue pairs down.
	DrainTimeoutMs int `mapstructure:"drain_timeout_ms" yaml:"drain_timeout_ms"`

	// TimeoutMs bounds the entire shutdown sequence.
	TimeoutMs int `mapstructure:"timeout_ms" yaml:"timeout_ms"`
}

// Options are command line overrides.
type Options struct {
	DataDir    string
	ListenAddr string
	AdminAddr  string
	LogLevel   string
}

// Load loads configuration from file and applies command line options.
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Load from config file if specified
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		// Try to find config in standard locations
		v.SetConfigName("softrdma")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/softrdma")
		v.AddConfigPath("$HOME/.softrdma")

		// Ignore error if config file not found
		_ = v.ReadInConfig()
	}

	// Environment variables override
	v.SetEnvPrefix("SOFTRDMA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Apply command line options
	if opts.DataDir != "" {
		v.Set("data_dir", opts.DataDir)
	}
	if opts.ListenAddr != "" {
		v.Set("network.listen_addr", opts.ListenAddr)
	}
	if opts.AdminAddr != "" {
		v.Set("admin.listen_addr", opts.AdminAddr)
	}
	if opts.LogLevel != "" {
		v.Set("log_level", opts.LogLevel)
	}

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate and set derived values
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Node defaults
	hostname, _ := os.Hostname()
	v.SetDefault("node_name", hostname)

	// Data directory
	v.SetDefault("data_dir", "./data")

	// Logging
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")

	// Network defaults
	v.SetDefault("network.listen_addr", "0.0.0.0:9100")
	v.SetDefault("network.recv_buffer", 8192)

	// Engine defaults
	v.SetDefault("engine.pmtu", 1024)
	v.SetDefault("engine.ack_timeout_ms", 100)
	v.SetDefault("engine.retry_limit", 7)
	v.SetDefault("engine.rnr_timeout_ms", 10)
	v.SetDefault("engine.rnr_retry_limit", 7)
	v.SetDefault("engine.send_queue_depth", 128)
	v.SetDefault("engine.recv_queue_depth", 128)
	v.SetDefault("engine.cq_depth", 256)
	v.SetDefault("engine.inbox_depth", 256)
	v.SetDefault("engine.max_contexts", 64)
	v.SetDefault("engine.max_qps", 1024)
	v.SetDefault("engine.max_regions", 1024)

	// Admin API defaults
	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.listen_addr", "127.0.0.1:9101")
	v.SetDefault("admin.cors_origins", []string{"*"})
	v.SetDefault("admin.ratelimit.enabled", false)
	v.SetDefault("admin.ratelimit.requests_per_second", 100)
	v.SetDefault("admin.ratelimit.burst", 50)

	// Shutdown defaults
	v.SetDefault("shutdown.drain_timeout_ms", 2000)
	v.SetDefault("shutdown.timeout_ms", 10000)
}

func (c *Config) validate() error {
	// Ensure data directory exists with secure permissions
	if err := os.MkdirAll(c.DataDir, 0750); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	// Generate node ID if not set
	if c.NodeID == "" {
		nodeIDPath := filepath.Join(c.DataDir, "node-id")
		// Validate path to prevent path traversal
		if err := validatePath(c.DataDir, nodeIDPath); err != nil {
			return fmt.Errorf("invalid node ID path: %w", err)
		}
		if data, err := os.ReadFile(nodeIDPath); err == nil { // #nosec G304 - path validated above
			c.NodeID = string(data)
		} else {
			c.NodeID = generateNodeID()
			if err := os.WriteFile(nodeIDPath, []byte(c.NodeID), 0644); err != nil {
				return fmt.Errorf("failed to write node ID: %w", err)
			}
		}
	}

	if err := validateLogging(c.LogLevel, c.LogFormat); err != nil {
		return err
	}

	if err := validateListenAddr("network.listen_addr", c.Network.ListenAddr); err != nil {
		return err
	}

	if err := c.Engine.validate(); err != nil {
		return err
	}

	// The receive buffer must hold a full packet: payload plus headers,
	// padding and the trailing checksum.
	if c.Network.RecvBuffer < int(c.Engine.PMTU)+64 {
		return fmt.Errorf("network.recv_buffer (%d) cannot hold a full packet at pmtu %d",
			c.Network.RecvBuffer, c.Engine.PMTU)
	}

	if c.Admin.Enabled {
		if err := validateListenAddr("admin.listen_addr", c.Admin.ListenAddr); err != nil {
			return err
		}
		if c.Admin.RateLimit.Enabled {
			if c.Admin.RateLimit.RequestsPerSecond < 1 {
				return fmt.Errorf("admin.ratelimit.requests_per_second must be positive (got %d)",
					c.Admin.RateLimit.RequestsPerSecond)
			}
			if c.Admin.RateLimit.Burst < 1 {
				return fmt.Errorf("admin.ratelimit.burst must be positive (got %d)", c.Admin.RateLimit.Burst)
			}
		}
	}

	if c.Shutdown.TimeoutMs < 1 {
		return fmt.Errorf("shutdown.timeout_ms must be positive (got %d)", c.Shutdown.TimeoutMs)
	}
	if c.Shutdown.DrainTimeoutMs < 0 {
		return fmt.Errorf("shutdown.drain_timeout_ms cannot be negative (got %d)", c.Shutdown.DrainTimeoutMs)
	}
	if c.Shutdown.DrainTimeoutMs > c.Shutdown.TimeoutMs {
		return fmt.Errorf("shutdown.drain_timeout_ms (%d) cannot exceed shutdown.timeout_ms (%d)",
			c.Shutdown.DrainTimeoutMs, c.Shutdown.TimeoutMs)
	}

	return nil
}

// validate checks engine settings for consistency.
func (e *EngineConfig) validate() error {
	if !verbs.PMTU(e.PMTU).Valid() {
		return fmt.Errorf("engine.pmtu must be one of 256, 512, 1024, 2048, 4096 (got %d)", e.PMTU)
	}

	if e.AckTimeoutMs < 1 {
		return fmt.Errorf("engine.ack_timeout_ms must be positive (got %d)", e.AckTimeoutMs)
	}
	if e.RnrTimeoutMs < 1 {
		return fmt.Errorf("engine.rnr_timeout_ms must be positive (got %d)", e.RnrTimeoutMs)
	}

	// Retry limits are carried in a single byte on the wire side of the
	// engine, and zero would silently fall back to the default.
	if e.RetryLimit < 1 || e.RetryLimit > 255 {
		return fmt.Errorf("engine.retry_limit must be between 1 and 255 (got %d)", e.RetryLimit)
	}
	if e.RnrRetryLimit < 1 || e.RnrRetryLimit > 255 {
		return fmt.Errorf("engine.rnr_retry_limit must be between 1 and 255 (got %d)", e.RnrRetryLimit)
	}

	for _, d := range []struct {
		name  string
		value int
	}{
		{"engine.send_queue_depth", e.SendQueueDepth},
		{"engine.recv_queue_depth", e.RecvQueueDepth},
		{"engine.cq_depth", e.CQDepth},
		{"engine.inbox_depth", e.InboxDepth},
		{"engine.max_contexts", e.MaxContexts},
		{"engine.max_qps", e.MaxQPs},
		{"engine.max_regions", e.MaxRegions},
	} {
		if d.value < 1 {
			return fmt.Errorf("%s must be positive (got %d)", d.name, d.value)
		}
	}

	return nil
}

func validateLogging(level, format string) error {
	switch level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of trace, debug, info, warn, error (got %q)", level)
	}

	switch format {
	case "console", "json":
	default:
		return fmt.Errorf("log_format must be \"console\" or \"json\" (got %q)", format)
	}

	return nil
}

func validateListenAddr(key, addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%s: invalid address %q: %w", key, addr, err)
	}
	if host == "" {
		return fmt.Errorf("%s: address %q has no host", key, addr)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("%s: address %q has invalid port", key, addr)
	}
	return nil
}

// Limits converts the engine section into queue pair limits.
func (e *EngineConfig) Limits() qp.Limits {
	return qp.Limits{
		MaxSendWR:     e.SendQueueDepth,
		MaxRecvWR:     e.RecvQueueDepth,
		PMTU:          verbs.PMTU(e.PMTU),
		AckTimeout:    time.Duration(e.AckTimeoutMs) * time.Millisecond,
		RetryLimit:    uint8(e.RetryLimit),
		RnrTimeout:    time.Duration(e.RnrTimeoutMs) * time.Millisecond,
		RnrRetryLimit: uint8(e.RnrRetryLimit),
	}
}

// Device converts the configuration into a device configuration.
func (c *Config) Device() device.Config {
	return device.Config{
		ListenAddr:  c.Network.ListenAddr,
		RecvBuffer:  c.Network.RecvBuffer,
		InboxDepth:  c.Engine.InboxDepth,
		MaxContexts: c.Engine.MaxContexts,
		MaxQPs:      c.Engine.MaxQPs,
		RegionSlots: c.Engine.MaxRegions,
		Limits:      c.Engine.Limits(),
	}
}

// DrainTimeout returns the drain phase budget as a duration.
func (s *ShutdownConfig) DrainTimeout() time.Duration {
	return time.Duration(s.DrainTimeoutMs) * time.Millisecond
}

// Timeout returns the total shutdown budget as a duration.
func (s *ShutdownConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// validatePath ensures a file path is within a base directory to prevent path traversal attacks.
func validatePath(basePath, filePath string) error {
	// Clean and resolve both paths
	cleanBase, err := filepath.Abs(filepath.Clean(basePath))
	if err != nil {
		return fmt.Errorf("failed to resolve base path: %w", err)
	}

	cleanFile, err := filepath.Abs(filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("failed to resolve file path: %w", err)
	}

	// Check if file path is within base directory
	if !strings.HasPrefix(cleanFile, cleanBase) {
		return fmt.Errorf("path traversal detected: %s is outside %s", filePath, basePath) // nolint:err113 // dynamic error with context
	}

	return nil
}

func generateNodeID() string {
	return fmt.Sprintf("node-%s", generateSecret(8))
}

func generateSecret(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[int(randomByte())%len(charset)]
	}
	return string(b)
}

func randomByte() byte {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		// This should never happen with crypto/rand, but if it does,
		// panic is appropriate since we cannot safely generate secrets
		panic(fmt.Sprintf("failed to generate random bytes: %v", err))
	}
	return b[0]
}
