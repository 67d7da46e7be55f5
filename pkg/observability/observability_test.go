package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitMetricsDisabled(t *testing.T) {
	m, err := InitMetrics(context.Background(), MetricsConfig{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, m)

	// Recording on a disabled instance must not panic.
	m.RecordQuery(context.Background(), "postgres", time.Second, nil)
	m.RecordToolExecution(context.Background(), "execute_query", time.Second, nil)
	m.RecordLLMCall(context.Background(), "gpt-4o", time.Second, 10, 5, nil)
	m.RecordIndexRun(context.Background(), "T123", 100, nil)
	m.RecordHTTPRequest(context.Background(), "GET", "/health", 200, time.Millisecond)
}

type captureMetrics struct {
	NoopMetrics

	mu     sync.Mutex
	method string
	path   string
	status int
}

func (c *captureMetrics) RecordHTTPRequest(_ context.Context, method, path string, statusCode int, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.method = method
	c.path = path
	c.status = statusCode
}

func TestHTTPMiddlewareRecordsStatus(t *testing.T) {
	capture := &captureMetrics{}
	handler := HTTPMiddleware(capture)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/query", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "GET", capture.method)
	assert.Equal(t, "/api/query", capture.path)
	assert.Equal(t, http.StatusTeapot, capture.status)
}

func TestGlobalMetricsRoundTrip(t *testing.T) {
	prev := GetGlobalMetrics()
	t.Cleanup(func() { SetGlobalMetrics(prev) })

	SetGlobalMetrics(NoopMetrics{})
	assert.NotNil(t, GetGlobalMetrics())
}

func TestGlobalMetricsUnsetFallsBackToNoop(t *testing.T) {
	prev := GetGlobalMetrics()
	t.Cleanup(func() { SetGlobalMetrics(prev) })

	SetGlobalMetrics(nil)
	m := GetGlobalMetrics()
	require.NotNil(t, m)

	// Recording through the fallback must be safe.
	m.RecordIndexRun(context.Background(), "T1", 0, nil)
	m.RecordQuery(context.Background(), "postgres", 0, nil)
}
