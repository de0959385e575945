package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// File permission constants.
const (
	dirPermissions  = 0700
	filePermissions = 0600
)

const defaultRequestTimeout = 10 * time.Second

// ClientConfig holds the CLI configuration.
type ClientConfig struct {
	Endpoint  string `yaml:"endpoint"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		Endpoint: "http://localhost:9101",
	}
}

// configPath returns the path to the config file.
func configPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".softrdma", "cli.yaml")
}

// LoadConfig loads the configuration from file or environment.
func LoadConfig() (*ClientConfig, error) {
	cfg := DefaultConfig()

	// Try to load from file
	data, err := os.ReadFile(configPath())
	if err == nil {
		err := yaml.Unmarshal(data, cfg)
		if err != nil {
			return nil, fmt.Errorf("invalid config file: %w", err)
		}
	}

	// Override with environment variables
	if endpoint := os.Getenv("SOFTRDMA_ENDPOINT"); endpoint != "" {
		cfg.Endpoint = endpoint
	}

	return cfg, nil
}

// SaveConfig saves the configuration to file.
func SaveConfig(cfg *ClientConfig) error {
	path := configPath()

	// Create directory if needed
	err := os.MkdirAll(filepath.Dir(path), dirPermissions)
	if err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	err = os.WriteFile(path, data, filePermissions)
	if err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Client talks to the daemon's admin API.
type Client struct {
	base string
	http *http.Client
}

// NewAdminClient creates an admin API client from the configuration.
func NewAdminClient() (*Client, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	timeout := defaultRequestTimeout
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}

	return &Client{
		base: strings.TrimRight(cfg.Endpoint, "/"),
		http: &http.Client{Timeout: timeout},
	}, nil
}

// getJSON fetches path from the admin API and decodes the response
// into out.
func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}

		return fmt.Errorf("unexpected status %s from %s", resp.Status, path)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// NodeInfo mirrors the admin API node response.
type NodeInfo struct {
	NodeID        string    `json:"node_id"`
	Version       string    `json:"version"`
	TransportAddr string    `json:"transport_addr"`
	StartedAt     time.Time `json:"started_at"`
	UptimeSecs    int64     `json:"uptime_seconds"`
}

// QPInfo mirrors one queue pair's statistics.
type QPInfo struct {
	QPN              uint32 `json:"qpn"`
	Type             string `json:"type"`
	State            string `json:"state"`
	SendPSN          uint32 `json:"send_psn"`
	ExpectedPSN      uint32 `json:"expected_psn"`
	MSN              uint32 `json:"msn"`
	OutstandingSends int    `json:"outstanding_sends"`
	PostedReceives   int    `json:"posted_receives"`
	UnackedPackets   int    `json:"unacked_packets"`
	Retries          uint8  `json:"retries"`
	PeerAddr         string `json:"peer_addr,omitempty"`
	PeerQPN          uint32 `json:"peer_qpn,omitempty"`
}

// EngineStats mirrors the admin API stats response.
type EngineStats struct {
	Addr     string   `json:"addr"`
	Contexts int      `json:"contexts"`
	Regions  int      `json:"regions"`
	QPs      []QPInfo `json:"qps"`
}

// QPList mirrors the queue pair listing response.
type QPList struct {
	QPs   []QPInfo `json:"qps"`
	Total int      `json:"total"`
}

// TraceSpan mirrors one recorded span.
type TraceSpan struct {
	Name        string `json:"name"`
	SpanContext struct {
		TraceID string `json:"trace_id"`
		SpanID  string `json:"span_id"`
	} `json:"span_context"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	Status        int       `json:"status"`
	StatusMessage string    `json:"status_message,omitempty"`
}

// TraceList mirrors the trace listing response.
type TraceList struct {
	Spans []TraceSpan `json:"spans"`
	Total int         `json:"total"`
}

// TraceStats mirrors the tracer statistics response.
type TraceStats struct {
	Started     int64 `json:"started"`
	Finished    int64 `json:"finished"`
	Active      int   `json:"active"`
	Overwritten int64 `json:"overwritten"`
	Capacity    int   `json:"capacity"`
}

// FormatUptime formats seconds as a compact d/h/m/s string.
func FormatUptime(secs int64) string {
	d := time.Duration(secs) * time.Second
	switch {
	case d >= 24*time.Hour:
		return fmt.Sprintf("%dd%dh", int(d.Hours())/24, int(d.Hours())%24)
	case d >= time.Hour:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	case d >= time.Minute:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
}
