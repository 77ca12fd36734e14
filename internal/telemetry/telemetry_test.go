package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilTelemetryIsSafe(t *testing.T) {
	var tel *Telemetry

	ctx := context.Background()

	assert.NotPanics(t, func() {
		tel.RecordTask(ctx, "major", "succeeded", time.Second)
		tel.TaskStarted(ctx)
		tel.TaskStopped(ctx)
		tel.RecordExecution(ctx, "future", "succeeded", time.Second)
		tel.RecordFetchAttempt(ctx, "success")
		tel.AddFetchBytes(ctx, 10)
		tel.RecordCacheLookup(ctx, "checksum", "hit")
		tel.SetDownloadSpeed(ctx, 100)
		tel.SetPoolSize("fetch", 4)
		tel.RecordDBOperation("get_token", "success", time.Millisecond)
		tel.RecordSystemError("cleanup", "io")
		tel.IncrementHTTPInFlight()
		tel.DecrementHTTPInFlight()
	})

	require.NoError(t, tel.InstrumentDBOperation(ctx, "noop", func(context.Context) error { return nil }))
	require.NoError(t, tel.Shutdown(ctx))
}

func TestDisabledTelemetryHasNoMetricsEndpoint(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: false})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)

	tel.RecordTask(context.Background(), "minor", "failed", 0)
}

func TestEnabledTelemetryExposesMetrics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tel, err := New(ctx, Config{Enabled: true, ServiceName: "taskgraph-test", ServiceVersion: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	tel.RecordTask(ctx, "major", "succeeded", time.Second)
	tel.RecordFetchAttempt(ctx, "success")
	tel.AddFetchBytes(ctx, 2048)
	tel.RecordCacheLookup(ctx, "token", "miss")
	tel.SetPoolSize("fetch", 8)

	srv := httptest.NewServer(tel.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "tasks_total")
	assert.Contains(t, string(body), "fetch_attempts_total")
	assert.Contains(t, string(body), "fetch_bytes_total")
	assert.Contains(t, string(body), "cache_lookups_total")
	assert.Contains(t, string(body), "pool_size")
}

func TestMiddlewareRecordsStatus(t *testing.T) {
	handler := NewHTTPMiddleware(&Telemetry{}).Middleware(RequestID(HTTPLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))))

	req := httptest.NewRequest(http.MethodGet, "/runs", nil)
	req.Header.Set(RequestIDHeader, "abc-123")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
	assert.Equal(t, "short and stout", rec.Body.String())
}

func TestRequestIDIsGenerated(t *testing.T) {
	var seen string

	handler := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
	assert.Empty(t, GetRequestID(context.Background()))
}

func TestStatusClass(t *testing.T) {
	for code, want := range map[int]string{200: "2xx", 304: "3xx", 404: "4xx", 503: "5xx", 100: "unknown"} {
		assert.Equal(t, want, getStatusClass(code))
	}
}

func TestRequestIDRejectsMalformedUpstream(t *testing.T) {
	tests := map[string]string{
		"control characters": "abc\r\ninjected",
		"spaces":             "a b",
		"too long":           strings.Repeat("x", maxRequestIDLen+1),
	}

	for name, upstream := range tests {
		t.Run(name, func(t *testing.T) {
			var seen string

			handler := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header[RequestIDHeader] = []string{upstream}

			handler.ServeHTTP(httptest.NewRecorder(), req)

			assert.NotEqual(t, upstream, seen)
			assert.NoError(t, uuid.Validate(seen))
		})
	}
}
