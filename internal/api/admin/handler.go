// Package admin implements the diagnostics REST API served by the
// admin HTTP server. Every endpoint is a read-only view over the
// running device: engine snapshots, per-QP state and recent verb
// traces.
package admin

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/piwi3910/softrdma/internal/device"
	"github.com/piwi3910/softrdma/internal/metrics"
	"github.com/piwi3910/softrdma/internal/qp"
	"github.com/piwi3910/softrdma/internal/telemetry"
)

// defaultTraceLimit caps /traces responses when no limit is given.
const defaultTraceLimit = 100

// Handler handles admin API requests
type Handler struct {
	started time.Time
	dev     *device.Device
	tracer  *telemetry.Tracer
	nodeID  string
}

// NewHandler creates a new admin API handler
func NewHandler(dev *device.Device, tracer *telemetry.Tracer, nodeID string) *Handler {
	return &Handler{
		started: time.Now(),
		dev:     dev,
		tracer:  tracer,
		nodeID:  nodeID,
	}
}

// RegisterRoutes registers admin API routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	// Node
	r.Get("/node", h.GetNode)

	// Engine
	r.Get("/stats", h.GetStats)
	r.Get("/qps", h.ListQueuePairs)
	r.Get("/qps/{qpn}", h.GetQueuePair)

	// Traces
	r.Get("/traces", h.ListTraces)
	r.Get("/traces/stats", h.GetTraceStats)
}

// Node handlers

// NodeResponse identifies the daemon behind this admin endpoint.
type NodeResponse struct {
	StartedAt     time.Time `json:"started_at"`
	NodeID        string    `json:"node_id"`
	Version       string    `json:"version"`
	TransportAddr string    `json:"transport_addr"`
	UptimeSecs    int64     `json:"uptime_seconds"`
}

// GetNode returns the node identity and uptime.
func (h *Handler) GetNode(w http.ResponseWriter, _ *http.Request) {
	resp := &NodeResponse{
		StartedAt:  h.started,
		NodeID:     h.nodeID,
		Version:    metrics.Version,
		UptimeSecs: int64(time.Since(h.started).Seconds()),
	}
	if h.dev != nil {
		resp.TransportAddr = h.dev.Addr()
	}

	writeJSON(w, http.StatusOK, resp)
}

// Engine handlers

// GetStats returns the full device snapshot: transport address,
// context and region counts, and one entry per queue pair.
func (h *Handler) GetStats(w http.ResponseWriter, _ *http.Request) {
	if h.dev == nil {
		writeError(w, "Device not initialized", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, h.dev.Snapshot())
}

// ListQueuePairsResponse represents the response for listing queue pairs.
type ListQueuePairsResponse struct {
	QPs   []qp.Stats `json:"qps"`
	Total int        `json:"total"`
}

// ListQueuePairs returns the snapshot of every queue pair on the device.
func (h *Handler) ListQueuePairs(w http.ResponseWriter, _ *http.Request) {
	if h.dev == nil {
		writeError(w, "Device not initialized", http.StatusServiceUnavailable)
		return
	}

	qps := h.dev.Snapshot().QPs
	if qps == nil {
		qps = []qp.Stats{}
	}

	writeJSON(w, http.StatusOK, &ListQueuePairsResponse{
		QPs:   qps,
		Total: len(qps),
	})
}

// GetQueuePair returns the snapshot of a single queue pair.
func (h *Handler) GetQueuePair(w http.ResponseWriter, r *http.Request) {
	if h.dev == nil {
		writeError(w, "Device not initialized", http.StatusServiceUnavailable)
		return
	}

	qpn, err := strconv.ParseUint(chi.URLParam(r, "qpn"), 10, 32)
	if err != nil {
		writeError(w, "Invalid queue pair number", http.StatusBadRequest)
		return
	}

	stats, ok := h.dev.QPStats(uint32(qpn))
	if !ok {
		writeError(w, "Queue pair not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// Trace handlers

// ListTracesResponse represents the response for listing verb traces.
type ListTracesResponse struct {
	Spans []*telemetry.Span `json:"spans"`
	Total int               `json:"total"`
}

// ListTraces returns recently finished spans, newest first. The limit
// query parameter caps the result; it defaults to 100.
func (h *Handler) ListTraces(w http.ResponseWriter, r *http.Request) {
	if h.tracer == nil {
		writeError(w, "Tracing not enabled", http.StatusServiceUnavailable)
		return
	}

	limit := defaultTraceLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	spans := h.tracer.Recent(limit)
	if spans == nil {
		spans = []*telemetry.Span{}
	}

	writeJSON(w, http.StatusOK, &ListTracesResponse{
		Spans: spans,
		Total: len(spans),
	})
}

// GetTraceStats returns tracer counters.
func (h *Handler) GetTraceStats(w http.ResponseWriter, _ *http.Request) {
	if h.tracer == nil {
		writeError(w, "Tracing not enabled", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, h.tracer.Stats())
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
