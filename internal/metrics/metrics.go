// Package metrics provides Prometheus metrics collection for SoftRDMA.
//
// The package exposes metrics at /metrics on the admin listener
// (default port 9101) for monitoring:
//
// Packet Metrics:
//   - softrdma_packets_sent_total: Packets transmitted by opcode
//   - softrdma_packets_received_total: Packets received by opcode
//   - softrdma_decode_failures_total: Inbound packets rejected by the codec
//   - softrdma_packets_discarded_total: Decoded packets dropped before processing
//
// Queue Pair Metrics:
//   - softrdma_qps_total: Queue pairs by state
//   - softrdma_retransmits_total: Retransmitted packets by cause
//   - softrdma_retry_exhausted_total: Queue pairs that ran out of retries
//   - softrdma_naks_total: NAKs sent and received by syndrome
//
// Completion Metrics:
//   - softrdma_completions_total: Completion records by status
//   - softrdma_cq_overflows_total: Completions refused by a full queue
//
// Memory Region Metrics:
//   - softrdma_regions_registered: Currently registered memory regions
//   - softrdma_translate_failures_total: Remote access checks that failed
//
// Use with Prometheus and Grafana for comprehensive monitoring dashboards.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts admin API requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "softrdma_requests_total",
			Help: "Total number of admin API requests",
		},
		[]string{"method", "operation", "status"},
	)

	// RequestDuration tracks admin API request duration in seconds
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "softrdma_request_duration_seconds",
			Help:    "Admin API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "operation"},
	)

	// PacketsSent counts transmitted packets by opcode
	PacketsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "softrdma_packets_sent_total",
			Help: "Total packets transmitted by opcode",
		},
		[]string{"opcode"},
	)

	// PacketsReceived counts received packets by opcode
	PacketsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "softrdma_packets_received_total",
			Help: "Total packets received by opcode",
		},
		[]string{"opcode"},
	)

	// BytesSent counts total wire bytes transmitted
	BytesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "softrdma_bytes_sent_total",
			Help: "Total bytes transmitted",
		},
	)

	// BytesReceived counts total wire bytes received
	BytesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "softrdma_bytes_received_total",
			Help: "Total bytes received",
		},
	)

	// DecodeFailures counts inbound packets the codec rejected
	DecodeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "softrdma_decode_failures_total",
			Help: "Total inbound packets rejected by the codec",
		},
		[]string{"reason"},
	)

	// PacketsDiscarded counts decoded packets dropped before processing
	PacketsDiscarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "softrdma_packets_discarded_total",
			Help: "Total decoded packets discarded before processing",
		},
		[]string{"reason"},
	)

	// QPsByState tracks the number of queue pairs in each state
	QPsByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "softrdma_qps_total",
			Help: "Number of queue pairs by state",
		},
		[]string{"state"},
	)

	// Retransmits counts retransmitted packets by cause
	Retransmits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "softrdma_retransmits_total",
			Help: "Total retransmitted packets by cause",
		},
		[]string{"cause"},
	)

	// RetryExhausted counts queue pairs that ran out of retry budget
	RetryExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "softrdma_retry_exhausted_total",
			Help: "Total queue pairs moved to error after exhausting retries",
		},
	)

	// NAKs counts negative acknowledgments by direction and syndrome
	NAKs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "softrdma_naks_total",
			Help: "Total negative acknowledgments by direction and syndrome",
		},
		[]string{"direction", "syndrome"},
	)

	// CompletionsPosted counts completion records by status
	CompletionsPosted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "softrdma_completions_total",
			Help: "Total completion records posted by status",
		},
		[]string{"status"},
	)

	// CQOverflows counts completions refused by a full completion queue
	CQOverflows = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "softrdma_cq_overflows_total",
			Help: "Total completions refused because the completion queue was full",
		},
	)

	// RegionsRegistered tracks currently registered memory regions
	RegionsRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "softrdma_regions_registered",
			Help: "Number of currently registered memory regions",
		},
	)

	// RegionBytes tracks total bytes covered by registered regions
	RegionBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "softrdma_region_bytes",
			Help: "Total bytes covered by registered memory regions",
		},
	)

	// TranslateFailures counts remote access checks that failed
	TranslateFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "softrdma_translate_failures_total",
			Help: "Total address translations rejected by the region table",
		},
	)

	// AtomicOps counts remote atomic operations by type
	AtomicOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "softrdma_atomic_operations_total",
			Help: "Total remote atomic operations executed by type",
		},
		[]string{"operation"},
	)

	// RateLimitRejections counts admin API requests refused by the rate limiter
	RateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "softrdma_ratelimit_rejections_total",
			Help: "Total admin API requests refused by the rate limiter",
		},
	)

	// RateLimitActiveIPs tracks client IPs with live rate limiter state
	RateLimitActiveIPs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "softrdma_ratelimit_tracked_ips",
			Help: "Number of client IPs with live rate limiter state",
		},
	)

	// NodeInfo provides information about this node
	NodeInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "softrdma_node_info",
			Help: "Node information",
		},
		[]string{"node_id", "version"},
	)
)

// Version is set at build time
var Version = "dev"

// Init initializes the metrics system
func Init(nodeID string) {
	// Set node info
	NodeInfo.WithLabelValues(nodeID, Version).Set(1)
}

// RecordRequest records an admin API request with its method, operation, status, and duration
func RecordRequest(method, operation string, status int, duration time.Duration) {
	statusStr := statusCodeToString(status)
	RequestsTotal.WithLabelValues(method, operation, statusStr).Inc()
	RequestDuration.WithLabelValues(method, operation).Observe(duration.Seconds())
}

// RecordPacketSent records a transmitted packet and its wire size
func RecordPacketSent(opcode string, bytes int) {
	PacketsSent.WithLabelValues(opcode).Inc()
	BytesSent.Add(float64(bytes))
}

// RecordPacketReceived records a received packet and its wire size
func RecordPacketReceived(opcode string, bytes int) {
	PacketsReceived.WithLabelValues(opcode).Inc()
	BytesReceived.Add(float64(bytes))
}

// RecordDecodeFailure records an inbound packet rejected by the codec
func RecordDecodeFailure(reason string) {
	DecodeFailures.WithLabelValues(reason).Inc()
}

// RecordDiscard records a decoded packet dropped before processing
func RecordDiscard(reason string) {
	PacketsDiscarded.WithLabelValues(reason).Inc()
}

// QPStateTransition moves a queue pair between state gauges
func QPStateTransition(from, to string) {
	if from != "" {
		QPsByState.WithLabelValues(from).Dec()
	}
	if to != "" {
		QPsByState.WithLabelValues(to).Inc()
	}
}

// RecordRetransmit records a retransmitted packet with its cause
func RecordRetransmit(cause string) {
	Retransmits.WithLabelValues(cause).Inc()
}

// RecordRetryExhausted records a queue pair that ran out of retries
func RecordRetryExhausted() {
	RetryExhausted.Inc()
}

// RecordNAKSent records a negative acknowledgment sent to a peer
func RecordNAKSent(syndrome string) {
	NAKs.WithLabelValues("sent", syndrome).Inc()
}

// RecordNAKReceived records a negative acknowledgment received from a peer
func RecordNAKReceived(syndrome string) {
	NAKs.WithLabelValues("received", syndrome).Inc()
}

// RecordCompletion records a completion record posted to a queue
func RecordCompletion(status string) {
	CompletionsPosted.WithLabelValues(status).Inc()
}

// RecordCQOverflow records a completion refused by a full queue
func RecordCQOverflow() {
	CQOverflows.Inc()
}

// RegionRegistered records a new memory region registration
func RegionRegistered(bytes int) {
	RegionsRegistered.Inc()
	RegionBytes.Add(float64(bytes))
}

// RegionDeregistered records a memory region removal
func RegionDeregistered(bytes int) {
	RegionsRegistered.Dec()
	RegionBytes.Sub(float64(bytes))
}

// RecordTranslateFailure records a rejected address translation
func RecordTranslateFailure() {
	TranslateFailures.Inc()
}

// RecordAtomic records a remote atomic operation
func RecordAtomic(operation string) {
	AtomicOps.WithLabelValues(operation).Inc()
}

// RecordRateLimitRejection records an admin API request refused by the rate limiter
func RecordRateLimitRejection() {
	RateLimitRejections.Inc()
}

// IncrementRateLimitActiveIPs records a new client IP under rate limit tracking
func IncrementRateLimitActiveIPs() {
	RateLimitActiveIPs.Inc()
}

// DecrementRateLimitActiveIPs records a client IP aged out of rate limit tracking
func DecrementRateLimitActiveIPs() {
	RateLimitActiveIPs.Dec()
}

// statusCodeToString converts HTTP status code to a string category
func statusCodeToString(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
