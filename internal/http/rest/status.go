package rest

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/italolelis/taskgraph/internal/logctx"
	"github.com/italolelis/taskgraph/internal/scheduler"
	"github.com/italolelis/taskgraph/internal/task"
)

// Status is what the status API reports on and controls.
// downloader.Manager implements it.
type Status interface {
	Runs() []task.RunStats
	Run(id string) (task.RunStats, bool)
	PoolSizes() map[string]int
	SetConcurrency(n int) error
	Speed() int64
}

type PoolResponse struct {
	Name string `json:"name"`
	Size int    `json:"size"`
}

type ResizeRequest struct {
	Size int `json:"size"`
}

type SpeedResponse struct {
	BytesPerSecond int64  `json:"bytes_per_second"`
	Human          string `json:"human"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type StatusHandler struct {
	username string
	password string
	status   Status
}

// NewStatusHandler creates the status API. Basic auth is enforced when
// username is set.
func NewStatusHandler(username, password string, status Status) *StatusHandler {
	return &StatusHandler{username: username, password: password, status: status}
}

func (h *StatusHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Get("/runs", h.HandleRuns)
	r.Get("/runs/{id}", h.HandleRun)
	r.Get("/pools", h.HandlePools)
	r.Put("/pools/fetch", h.HandleResizeFetch)
	r.Get("/speed", h.HandleSpeed)

	return r
}

func (h *StatusHandler) HandleRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.status.Runs())
}

func (h *StatusHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, ok := h.status.Run(id)
	if !ok {
		writeJSON(w, r, http.StatusNotFound, ErrorResponse{Error: "run not found"})

		return
	}

	writeJSON(w, r, http.StatusOK, run)
}

func (h *StatusHandler) HandlePools(w http.ResponseWriter, r *http.Request) {
	sizes := h.status.PoolSizes()

	pools := make([]PoolResponse, 0, len(sizes))
	for name, size := range sizes {
		pools = append(pools, PoolResponse{Name: name, Size: size})
	}

	sort.Slice(pools, func(i, j int) bool { return pools[i].Name < pools[j].Name })

	writeJSON(w, r, http.StatusOK, pools)
}

func (h *StatusHandler) HandleResizeFetch(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req ResizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, r, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})

		return
	}

	if err := h.status.SetConcurrency(req.Size); err != nil {
		writeJSON(w, r, http.StatusBadRequest, ErrorResponse{Error: err.Error()})

		return
	}

	logger.Info("resized fetch pool", "size", req.Size)

	writeJSON(w, r, http.StatusOK, PoolResponse{Name: scheduler.PoolFetch, Size: req.Size})
}

func (h *StatusHandler) HandleSpeed(w http.ResponseWriter, r *http.Request) {
	bps := h.status.Speed()

	writeJSON(w, r, http.StatusOK, SpeedResponse{
		BytesPerSecond: bps,
		Human:          humanize.Bytes(uint64(max(bps, 0))) + "/s",
	})
}

func (h *StatusHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}
