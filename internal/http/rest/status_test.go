package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/taskgraph/internal/task"
)

type mockStatus struct {
	runs    []task.RunStats
	sizes   map[string]int
	speed   int64
	resized int
}

func (m *mockStatus) Runs() []task.RunStats { return m.runs }

func (m *mockStatus) Run(id string) (task.RunStats, bool) {
	for _, r := range m.runs {
		if r.ID == id {
			return r, true
		}
	}

	return task.RunStats{}, false
}

func (m *mockStatus) PoolSizes() map[string]int { return m.sizes }
func (m *mockStatus) Speed() int64              { return m.speed }

func (m *mockStatus) SetConcurrency(n int) error {
	if n < 1 {
		return errors.New("concurrency must be at least 1")
	}

	m.resized = n

	return nil
}

func newStatus() *mockStatus {
	return &mockStatus{
		runs: []task.RunStats{
			{ID: "1", Root: "batch", Strategy: "future", Status: "succeeded", Succeeded: 3},
			{ID: "2", Root: "batch", Strategy: "latch", Status: "running", Running: 1},
		},
		sizes: map[string]int{"io": 4, "fetch": 16, "single": 1},
		speed: 2048,
	}
}

func serve(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func TestStatusRoutes(t *testing.T) {
	h := NewStatusHandler("", "", newStatus()).Routes()

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		want   string
	}{
		{name: "runs", method: http.MethodGet, path: "/runs", status: http.StatusOK, want: `"id":"2"`},
		{name: "run", method: http.MethodGet, path: "/runs/1", status: http.StatusOK, want: `"succeeded":3`},
		{name: "unknown run", method: http.MethodGet, path: "/runs/9", status: http.StatusNotFound, want: "run not found"},
		{name: "pools", method: http.MethodGet, path: "/pools", status: http.StatusOK, want: `{"name":"fetch","size":16}`},
		{name: "speed", method: http.MethodGet, path: "/speed", status: http.StatusOK, want: `"human":"2.0 kB/s"`},
		{name: "resize", method: http.MethodPut, path: "/pools/fetch", body: `{"size":8}`, status: http.StatusOK, want: `"size":8`},
		{name: "resize invalid", method: http.MethodPut, path: "/pools/fetch", body: `{"size":0}`, status: http.StatusBadRequest},
		{name: "resize garbage", method: http.MethodPut, path: "/pools/fetch", body: `nope`, status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, h, tt.method, tt.path, tt.body)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			if tt.want != "" {
				assert.Contains(t, rec.Body.String(), tt.want)
			}
		})
	}
}

func TestPoolsAreSorted(t *testing.T) {
	rec := serve(t, NewStatusHandler("", "", newStatus()).Routes(), http.MethodGet, "/pools", "")

	var pools []PoolResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&pools))
	require.Len(t, pools, 3)
	assert.Equal(t, "fetch", pools[0].Name)
	assert.Equal(t, "single", pools[2].Name)
}

func TestResizeReachesStatus(t *testing.T) {
	status := newStatus()

	serve(t, NewStatusHandler("", "", status).Routes(), http.MethodPut, "/pools/fetch", `{"size":5}`)
	assert.Equal(t, 5, status.resized)
}

func TestBasicAuth(t *testing.T) {
	h := NewStatusHandler("admin", "secret", newStatus()).Routes()

	rec := serve(t, h, http.MethodGet, "/runs", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/runs", nil)
	req.SetBasicAuth("admin", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/runs", nil)
	req.SetBasicAuth("admin", "secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
