package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	method   string
	endpoint string
	status   string
	duration time.Duration
}

type fakeRecorder struct {
	mu       sync.Mutex
	requests []recordedRequest
}

func (f *fakeRecorder) record(method, endpoint, status string, duration time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, recordedRequest{method, endpoint, status, duration})
}

func (f *fakeRecorder) all() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest(nil), f.requests...)
}

// withFakeRecorder swaps the package recorder for the duration of a test.
func withFakeRecorder(t *testing.T) *fakeRecorder {
	t.Helper()
	fake := &fakeRecorder{}
	original := recordHTTPRequest
	recordHTTPRequest = fake.record
	t.Cleanup(func() { recordHTTPRequest = original })
	return fake
}

func TestResponseWriter_CapturesStatus(t *testing.T) {
	for _, code := range []int{http.StatusOK, http.StatusAccepted, http.StatusConflict, http.StatusInternalServerError} {
		t.Run(http.StatusText(code), func(t *testing.T) {
			rec := httptest.NewRecorder()
			rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

			rw.WriteHeader(code)

			assert.Equal(t, code, rw.statusCode)
			assert.Equal(t, code, rec.Code)
		})
	}
}

func TestResponseWriter_Flush(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

	var w http.ResponseWriter = rw
	flusher, ok := w.(http.Flusher)
	require.True(t, ok, "wrapped writer must stay flushable for event streams")

	flusher.Flush()
	assert.True(t, rec.Flushed)
	assert.Equal(t, rec, rw.Unwrap())
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		expected string
	}{
		{
			name:     "task by id",
			path:     "/tasks/123",
			expected: "/tasks/:id",
		},
		{
			name:     "task with uuid",
			path:     "/tasks/abc-def-456",
			expected: "/tasks/:id",
		},
		{
			name:     "task events",
			path:     "/tasks/abc-def-456/events",
			expected: "/tasks/:id/events",
		},
		{
			name:     "task cancel",
			path:     "/tasks/123/cancel",
			expected: "/tasks/:id/cancel",
		},
		{
			name:     "task with unknown nested path",
			path:     "/tasks/123/subtask",
			expected: OtherEndpoint,
		},
		{
			name:     "runbook trigger",
			path:     "/runbooks/inbox/run",
			expected: "/runbooks/:id/run",
		},
		{
			name:     "runbook history",
			path:     "/runbooks/inbox/runs",
			expected: "/runbooks/:id/runs",
		},
		{
			name:     "runbook by id is not a route",
			path:     "/runbooks/inbox",
			expected: OtherEndpoint,
		},
		{
			name:     "triage status",
			path:     "/triage/789/status",
			expected: "/triage/:id/status",
		},
		{
			name:     "triage feedback",
			path:     "/triage/789/feedback",
			expected: "/triage/:id/feedback",
		},
		{
			name:     "root path",
			path:     "/",
			expected: OtherEndpoint,
		},
		{
			name:     "health endpoint",
			path:     "/health",
			expected: "/health",
		},
		{
			name:     "metrics endpoint",
			path:     "/metrics",
			expected: "/metrics",
		},
		{
			name:     "tasks list",
			path:     "/tasks",
			expected: "/tasks",
		},
		{
			name:     "dashboard stats",
			path:     "/dashboard/stats",
			expected: "/dashboard/stats",
		},
		{
			name:     "unknown endpoint",
			path:     "/unknown/path",
			expected: OtherEndpoint,
		},
		{
			name:     "extra segments under tasks",
			path:     "/tasks/123/events/9/replay",
			expected: OtherEndpoint,
		},
		{
			name:     "extra segments under triage",
			path:     "/triage/42/status/extra",
			expected: OtherEndpoint,
		},
		{
			name:     "empty id",
			path:     "/tasks//cancel",
			expected: OtherEndpoint,
		},
		{
			name:     "dashboard history",
			path:     "/dashboard/history",
			expected: "/dashboard/history",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, normalizeEndpoint(tt.path))
		})
	}
}

func TestMetricsMiddleware(t *testing.T) {
	tests := []struct {
		name             string
		method           string
		path             string
		status           int
		expectedEndpoint string
		expectedStatus   string
	}{
		{"get task", http.MethodGet, "/tasks/123", http.StatusOK, "/tasks/:id", "200"},
		{"create task", http.MethodPost, "/tasks", http.StatusCreated, "/tasks", "201"},
		{"cancel unknown task", http.MethodPost, "/tasks/999/cancel", http.StatusNotFound, "/tasks/:id/cancel", "404"},
		{"trigger in flight runbook", http.MethodPost, "/runbooks/inbox/run", http.StatusConflict, "/runbooks/:id/run", "409"},
		{"failing triage update", http.MethodPost, "/triage/42/status", http.StatusInternalServerError, "/triage/:id/status", "500"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := withFakeRecorder(t)

			handler := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("test response"))
			}))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))

			assert.Equal(t, tt.status, rec.Code)

			requests := fake.all()
			require.Len(t, requests, 1)
			assert.Equal(t, tt.method, requests[0].method)
			assert.Equal(t, tt.expectedEndpoint, requests[0].endpoint)
			assert.Equal(t, tt.expectedStatus, requests[0].status)
			assert.Positive(t, requests[0].duration)
		})
	}
}

func TestMetricsMiddleware_DefaultStatus(t *testing.T) {
	fake := withFakeRecorder(t)

	called := false
	handler := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		_, _ = w.Write([]byte("ok"))
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.True(t, called)
	requests := fake.all()
	require.Len(t, requests, 1)
	assert.Equal(t, "200", requests[0].status)
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	fake := withFakeRecorder(t)
	delay := 50 * time.Millisecond

	handler := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(delay)
		w.WriteHeader(http.StatusOK)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/tasks", nil))

	requests := fake.all()
	require.Len(t, requests, 1)
	assert.GreaterOrEqual(t, requests[0].duration, delay)
}
