// Package middleware provides HTTP middleware for the admin API.
package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/piwi3910/softrdma/internal/metrics"
)

// Metrics records request counts and latencies for the admin API.
//
// The operation label uses the chi route pattern rather than the raw
// path so parameterized routes stay low-cardinality.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		operation := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			operation = rctx.RoutePattern()
		}

		metrics.RecordRequest(r.Method, operation, ww.Status(), time.Since(start))
	})
}
