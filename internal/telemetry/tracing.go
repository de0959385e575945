// Package telemetry records operation traces for the transport engine.
//
// Spans cover verb invocations and transport events. Finished spans land
// in a bounded in-memory ring that the admin API exposes as JSON, so a
// node can be inspected after the fact without an external collector.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SpanKind represents the kind of span
type SpanKind int

const (
	SpanKindInternal SpanKind = iota
	SpanKindServer
	SpanKindClient
)

// SpanStatus represents the status of a span
type SpanStatus int

const (
	SpanStatusUnset SpanStatus = iota
	SpanStatusOK
	SpanStatusError
)

// AttributeValue represents a span attribute value
type AttributeValue struct {
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}

// SpanContext contains the trace context
type SpanContext struct {
	TraceID string `json:"trace_id"`
	SpanID  string `json:"span_id"`
}

// SpanEvent represents an event within a span
type SpanEvent struct {
	Name       string                    `json:"name"`
	Timestamp  time.Time                 `json:"timestamp"`
	Attributes map[string]AttributeValue `json:"attributes,omitempty"`
}

// Span represents a single traced operation
type Span struct {
	mu            sync.RWMutex
	Name          string                    `json:"name"`
	SpanContext   SpanContext               `json:"span_context"`
	ParentSpanID  string                    `json:"parent_span_id,omitempty"`
	Kind          SpanKind                  `json:"kind"`
	StartTime     time.Time                 `json:"start_time"`
	EndTime       time.Time                 `json:"end_time,omitempty"`
	Attributes    map[string]AttributeValue `json:"attributes"`
	Events        []*SpanEvent              `json:"events,omitempty"`
	Status        SpanStatus                `json:"status"`
	StatusMessage string                    `json:"status_message,omitempty"`
	tracer        *Tracer
	ended         bool
	sampled       bool
}

// Config contains configuration for the tracer
type Config struct {
	// ServiceName tags every span with the owning service.
	ServiceName string `json:"service_name"`
	// SamplingRate is the fraction of traces recorded, between 0 and 1.
	SamplingRate float64 `json:"sampling_rate"`
	// Capacity bounds the ring of finished spans kept for inspection.
	Capacity int `json:"capacity"`
}

// DefaultConfig returns a tracer configuration that records everything
// into a ring of 1024 finished spans.
func DefaultConfig() Config {
	return Config{
		ServiceName:  "softrdma",
		SamplingRate: 1.0,
		Capacity:     1024,
	}
}

// Tracer creates spans and retains finished ones in a bounded ring.
type Tracer struct {
	cfg Config

	mu          sync.RWMutex
	ring        []*Span
	next        int
	finished    int64
	overwritten int64
	activeSpans map[string]*Span
	spanCount   int64
}

// Stats summarizes tracer activity.
type Stats struct {
	Started     int64 `json:"started"`
	Finished    int64 `json:"finished"`
	Active      int   `json:"active"`
	Overwritten int64 `json:"overwritten"`
	Capacity    int   `json:"capacity"`
}

type contextKey string

const spanContextKey contextKey = "span"

// NewTracer creates a new tracer
func NewTracer(cfg Config) *Tracer {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "softrdma"
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}

	return &Tracer{
		cfg:         cfg,
		ring:        make([]*Span, cfg.Capacity),
		activeSpans: make(map[string]*Span),
	}
}

// StartSpan starts a new span
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, *Span) {
	options := &spanOptions{
		kind: SpanKindInternal,
	}
	for _, opt := range opts {
		opt(options)
	}

	// Get parent span from context
	var parentSpanID string
	var traceID string
	if parentSpan := SpanFromContext(ctx); parentSpan != nil {
		parentSpanID = parentSpan.SpanContext.SpanID
		traceID = parentSpan.SpanContext.TraceID
	} else {
		traceID = generateTraceID()
	}

	spanID := generateSpanID()

	span := &Span{
		Name: name,
		SpanContext: SpanContext{
			TraceID: traceID,
			SpanID:  spanID,
		},
		ParentSpanID: parentSpanID,
		Kind:         options.kind,
		StartTime:    time.Now(),
		Attributes:   make(map[string]AttributeValue),
		tracer:       t,
		sampled:      t.shouldSample(traceID),
	}

	// Add initial attributes
	for k, v := range options.attributes {
		span.SetAttribute(k, v)
	}

	if span.sampled {
		t.mu.Lock()
		t.activeSpans[spanID] = span
		t.spanCount++
		t.mu.Unlock()
	}

	return context.WithValue(ctx, spanContextKey, span), span
}

// SpanOption configures a span
type SpanOption func(*spanOptions)

type spanOptions struct {
	kind       SpanKind
	attributes map[string]interface{}
}

// WithSpanKind sets the span kind
func WithSpanKind(kind SpanKind) SpanOption {
	return func(o *spanOptions) {
		o.kind = kind
	}
}

// WithAttributes sets initial attributes
func WithAttributes(attrs map[string]interface{}) SpanOption {
	return func(o *spanOptions) {
		o.attributes = attrs
	}
}

// SetAttribute sets an attribute on the span
func (s *Span) SetAttribute(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var attrValue AttributeValue
	switch v := value.(type) {
	case string:
		attrValue = AttributeValue{Type: "string", Value: v}
	case int, int32, int64, uint32, uint64:
		attrValue = AttributeValue{Type: "int", Value: v}
	case float32, float64:
		attrValue = AttributeValue{Type: "float", Value: v}
	case bool:
		attrValue = AttributeValue{Type: "bool", Value: v}
	default:
		attrValue = AttributeValue{Type: "string", Value: fmt.Sprintf("%v", v)}
	}

	s.Attributes[key] = attrValue
}

// AddEvent adds an event to the span
func (s *Span) AddEvent(name string, attrs map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event := &SpanEvent{
		Name:       name,
		Timestamp:  time.Now(),
		Attributes: make(map[string]AttributeValue),
	}

	for k, v := range attrs {
		event.Attributes[k] = AttributeValue{Type: "string", Value: fmt.Sprintf("%v", v)}
	}

	s.Events = append(s.Events, event)
}

// RecordError records an error on the span
func (s *Span) RecordError(err error) {
	if err == nil {
		return
	}

	s.SetAttribute("error.type", fmt.Sprintf("%T", err))
	s.AddEvent("error", map[string]interface{}{
		"error.message": err.Error(),
	})
	s.SetStatus(SpanStatusError, err.Error())
}

// SetStatus sets the span status
func (s *Span) SetStatus(status SpanStatus, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Status = status
	s.StatusMessage = message
}

// End ends the span and retires it into the tracer's ring.
func (s *Span) End() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.EndTime = time.Now()
	sampled := s.sampled
	s.mu.Unlock()

	if s.tracer == nil || !sampled {
		return
	}

	t := s.tracer
	t.mu.Lock()
	delete(t.activeSpans, s.SpanContext.SpanID)
	if t.ring[t.next] != nil {
		t.overwritten++
	}
	t.ring[t.next] = s
	t.next = (t.next + 1) % len(t.ring)
	t.finished++
	t.mu.Unlock()
}

// Duration returns the span duration
func (s *Span) Duration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// clone copies the span for export so readers never race a live span.
func (s *Span) clone() *Span {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp := &Span{
		Name:          s.Name,
		SpanContext:   s.SpanContext,
		ParentSpanID:  s.ParentSpanID,
		Kind:          s.Kind,
		StartTime:     s.StartTime,
		EndTime:       s.EndTime,
		Attributes:    make(map[string]AttributeValue, len(s.Attributes)),
		Status:        s.Status,
		StatusMessage: s.StatusMessage,
	}
	for k, v := range s.Attributes {
		cp.Attributes[k] = v
	}
	cp.Events = append(cp.Events, s.Events...)

	return cp
}

// SpanFromContext retrieves the current span from context
func SpanFromContext(ctx context.Context) *Span {
	if span, ok := ctx.Value(spanContextKey).(*Span); ok {
		return span
	}
	return nil
}

// Recent returns up to max finished spans, newest first.
func (t *Tracer) Recent(max int) []*Span {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if max <= 0 || max > len(t.ring) {
		max = len(t.ring)
	}

	out := make([]*Span, 0, max)
	idx := t.next - 1
	for i := 0; i < len(t.ring); i++ {
		if idx < 0 {
			idx = len(t.ring) - 1
		}
		span := t.ring[idx]
		if span == nil {
			break
		}
		out = append(out, span.clone())
		if len(out) == max {
			break
		}
		idx--
	}

	return out
}

// Stats returns tracer activity counters.
func (t *Tracer) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return Stats{
		Started:     t.spanCount,
		Finished:    t.finished,
		Active:      len(t.activeSpans),
		Overwritten: t.overwritten,
		Capacity:    len(t.ring),
	}
}

// ActiveSpans returns the number of spans started but not yet ended.
func (t *Tracer) ActiveSpans() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.activeSpans)
}

func (t *Tracer) shouldSample(traceID string) bool {
	rate := t.cfg.SamplingRate
	if rate >= 1.0 {
		return true
	}
	if rate <= 0.0 {
		return false
	}
	// Simple hash-based sampling
	hash := 0
	for _, c := range traceID {
		hash = hash*31 + int(c)
	}
	return float64(hash%1000)/1000.0 < rate
}

// HTTPMiddleware returns an HTTP middleware that traces each request.
func (t *Tracer) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := t.StartSpan(r.Context(), r.Method+" "+r.URL.Path,
			WithSpanKind(SpanKindServer),
			WithAttributes(map[string]interface{}{
				"http.method":      r.Method,
				"http.url":         r.URL.String(),
				"http.remote_addr": r.RemoteAddr,
			}))
		defer span.End()

		wrapped := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r.WithContext(ctx))

		span.SetAttribute("http.status_code", wrapped.statusCode)
		if wrapped.statusCode >= http.StatusBadRequest {
			span.SetStatus(SpanStatusError, fmt.Sprintf("HTTP %d", wrapped.statusCode))
		} else {
			span.SetStatus(SpanStatusOK, "")
		}
	})
}

// responseWriterWrapper wraps http.ResponseWriter to capture status code
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// VerbSpan creates a span for a verb invocation on a queue pair.
func (t *Tracer) VerbSpan(ctx context.Context, verb string, qpn uint32) (context.Context, *Span) {
	return t.StartSpan(ctx, "verbs."+verb,
		WithSpanKind(SpanKindClient),
		WithAttributes(map[string]interface{}{
			"verbs.operation": verb,
			"qp.qpn":          qpn,
		}))
}

// Helper functions

func generateTraceID() string {
	id := uuid.New()
	return id.String()[:32]
}

func generateSpanID() string {
	id := uuid.New()
	return id.String()[:16]
}
