package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/softrdma/internal/config"
	"github.com/piwi3910/softrdma/internal/device"
	"github.com/piwi3910/softrdma/internal/testutil"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg, err := config.Load("", config.Options{DataDir: t.TempDir()})
	require.NoError(t, err)

	// Ephemeral ports so tests do not collide
	cfg.Network.ListenAddr = "127.0.0.1:0"
	cfg.Admin.ListenAddr = "127.0.0.1:0"

	return cfg
}

// startServer runs srv.Start in the background and returns its result
// channel plus a cancel that triggers shutdown.
func startServer(t *testing.T, srv *Server) (<-chan error, context.CancelFunc) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	return errCh, cancel
}

func TestServerServesAdminAPI(t *testing.T) {
	cfg := testConfig(t)

	srv, err := New(cfg)
	require.NoError(t, err)

	errCh, cancel := startServer(t, srv)

	base := ""
	require.Eventually(t, func() bool {
		base = srv.AdminAddr()
		return base != "" && base != cfg.Admin.ListenAddr
	}, 5*time.Second, 10*time.Millisecond, "admin listener never bound")
	base = "http://" + base

	testutil.WaitForHTTP(t, base+"/health/live")

	t.Run("health endpoints", func(t *testing.T) {
		for _, path := range []string{"/health", "/healthz", "/health/live", "/health/ready"} {
			status, _ := testutil.HTTPGet(t, base+path)
			assert.Equal(t, http.StatusOK, status, "GET %s", path)
		}
	})

	t.Run("metrics endpoint", func(t *testing.T) {
		status, body := testutil.HTTPGet(t, base+"/metrics")
		assert.Equal(t, http.StatusOK, status)
		assert.Contains(t, string(body), "softrdma_")
	})

	t.Run("node endpoint", func(t *testing.T) {
		status, body := testutil.HTTPGet(t, base+"/api/v1/node")
		assert.Equal(t, http.StatusOK, status)

		var node map[string]interface{}
		require.NoError(t, json.Unmarshal(body, &node))
		assert.Equal(t, cfg.NodeID, node["node_id"])
		assert.NotEmpty(t, node["transport_addr"])
	})

	t.Run("stats endpoint", func(t *testing.T) {
		status, body := testutil.HTTPGet(t, base+"/api/v1/stats")
		assert.Equal(t, http.StatusOK, status)

		var stats device.Stats
		require.NoError(t, json.Unmarshal(body, &stats))
		assert.NotEmpty(t, stats.Addr)
	})

	t.Run("detailed health endpoint", func(t *testing.T) {
		status, body := testutil.HTTPGet(t, base+"/api/v1/health/detailed")
		assert.Equal(t, http.StatusOK, status)
		assert.Contains(t, string(body), "checks")
	})

	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("server did not shut down")
	}

	assert.True(t, srv.Device().Closed())
}

func TestServerAdminDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Admin.Enabled = false

	srv, err := New(cfg)
	require.NoError(t, err)
	assert.Empty(t, srv.AdminAddr())

	errCh, cancel := startServer(t, srv)

	// The engine still comes up without the admin API
	require.Eventually(t, func() bool {
		return srv.Device().Addr() != ""
	}, 5*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServerAdminBindError(t *testing.T) {
	// Occupy a port so the admin listener cannot bind it
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t)
	cfg.Admin.ListenAddr = ln.Addr().String()

	srv, err := New(cfg)
	require.NoError(t, err)

	err = srv.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "admin listen")

	// The device must not leak its socket on a failed start
	assert.True(t, srv.Device().Closed())
}

func TestServerRateLimitApplied(t *testing.T) {
	cfg := testConfig(t)
	cfg.Admin.RateLimit.Enabled = true
	cfg.Admin.RateLimit.RequestsPerSecond = 1
	cfg.Admin.RateLimit.Burst = 1

	srv, err := New(cfg)
	require.NoError(t, err)

	errCh, cancel := startServer(t, srv)
	defer func() {
		cancel()
		<-errCh
	}()

	require.Eventually(t, func() bool {
		addr := srv.AdminAddr()
		return addr != "" && addr != cfg.Admin.ListenAddr
	}, 5*time.Second, 10*time.Millisecond)
	base := "http://" + srv.AdminAddr()

	testutil.WaitForHTTP(t, base+"/health/live")

	// Health paths are excluded from limiting, the API is not
	limited := false
	for i := 0; i < 5; i++ {
		status, _ := testutil.HTTPGet(t, fmt.Sprintf("%s/api/v1/node?n=%d", base, i))
		if status == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	assert.True(t, limited, "expected a 429 from the rate limiter")

	for i := 0; i < 5; i++ {
		status, _ := testutil.HTTPGet(t, base+"/health/live")
		assert.Equal(t, http.StatusOK, status)
	}
}
