// Package middleware provides HTTP middleware for metrics collection.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nadmax/deskmate/internal/metrics"
)

var recordHTTPRequest = metrics.RecordHTTPRequest

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush keeps event streams working behind the middleware.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		endpoint := normalizeEndpoint(r.URL.Path)
		status := strconv.Itoa(wrapped.statusCode)

		recordHTTPRequest(r.Method, endpoint, status, duration)
	})
}

// OtherEndpoint labels every path that is not a known route.
const OtherEndpoint = "other"

var staticEndpoints = map[string]bool{
	"/tasks":             true,
	"/runbooks":          true,
	"/triage":            true,
	"/dashboard/stats":   true,
	"/dashboard/history": true,
	"/health":            true,
	"/metrics":           true,
}

var idActions = map[string]map[string]bool{
	"tasks":    {"events": true, "cancel": true},
	"runbooks": {"run": true, "runs": true},
	"triage":   {"status": true, "feedback": true},
}

// normalizeEndpoint maps a request path to its route pattern, with ":id" in
// place of resource ids and OtherEndpoint for anything unrouted, so that
// metric labels stay bounded.
func normalizeEndpoint(path string) string {
	if staticEndpoints[path] {
		return path
	}

	parts := strings.Split(strings.Trim(path, "/"), "/")
	actions, ok := idActions[parts[0]]
	if !ok || len(parts) < 2 || parts[1] == "" {
		return OtherEndpoint
	}

	switch {
	case len(parts) == 2 && parts[0] == "tasks":
		return "/tasks/:id"
	case len(parts) == 3 && actions[parts[2]]:
		return "/" + parts[0] + "/:id/" + parts[2]
	default:
		return OtherEndpoint
	}
}
