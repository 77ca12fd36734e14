package task

import (
	"sync"
	"time"
)

// RunStats summarises one executor run.
type RunStats struct {
	ID         string    `json:"id"`
	Root       string    `json:"root"`
	Strategy   string    `json:"strategy"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Ready      int       `json:"ready"`
	Running    int       `json:"running"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
}

// Tracker remembers the most recent runs for reporting.
type Tracker struct {
	limit int

	mu    sync.RWMutex
	runs  map[string]*RunStats
	order []string
}

// NewTracker keeps at most limit runs; older ones are forgotten first.
func NewTracker(limit int) *Tracker {
	if limit <= 0 {
		limit = 100
	}

	return &Tracker{limit: limit, runs: make(map[string]*RunStats)}
}

// Track registers a run and returns the listener to attach to it.
func (t *Tracker) Track(id, root string, strategy Strategy) Listener {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.runs[id] = &RunStats{
		ID:        id,
		Root:      root,
		Strategy:  strategy.String(),
		Status:    "running",
		StartedAt: time.Now(),
	}
	t.order = append(t.order, id)

	for len(t.order) > t.limit {
		delete(t.runs, t.order[0])
		t.order = t.order[1:]
	}

	return &trackedRun{tracker: t, id: id, started: make(map[*Info]struct{})}
}

// Runs returns the tracked runs, oldest first.
func (t *Tracker) Runs() []RunStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]RunStats, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.runs[id])
	}

	return out
}

func (t *Tracker) Run(id string) (RunStats, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.runs[id]
	if !ok {
		return RunStats{}, false
	}

	return *s, true
}

func (t *Tracker) update(id string, fn func(s *RunStats)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.runs[id]; ok {
		fn(s)
	}
}

type trackedRun struct {
	tracker *Tracker
	id      string

	mu      sync.Mutex
	started map[*Info]struct{}
}

func (r *trackedRun) OnReady(Task) {
	r.tracker.update(r.id, func(s *RunStats) { s.Ready++ })
}

func (r *trackedRun) OnRunning(t Task) {
	r.mu.Lock()
	r.started[t.Info()] = struct{}{}
	r.mu.Unlock()

	r.tracker.update(r.id, func(s *RunStats) {
		s.Ready--
		s.Running++
	})
}

func (r *trackedRun) OnFinished(t Task) {
	wasRunning := r.leave(t)

	r.tracker.update(r.id, func(s *RunStats) {
		if wasRunning {
			s.Running--
		} else {
			s.Ready--
		}
		s.Succeeded++
	})
}

func (r *trackedRun) OnFailed(t Task, _ error) {
	wasRunning := r.leave(t)

	r.tracker.update(r.id, func(s *RunStats) {
		if wasRunning {
			s.Running--
		} else {
			s.Ready--
		}
		s.Failed++
	})
}

// leave reports whether t had started its body.
func (r *trackedRun) leave(t Task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.started[t.Info()]
	delete(r.started, t.Info())

	return ok
}

func (r *trackedRun) OnStop(success bool, err error) {
	r.tracker.update(r.id, func(s *RunStats) {
		s.FinishedAt = time.Now()

		switch {
		case success:
			s.Status = "succeeded"
		case err == nil:
			s.Status = "cancelled"
		default:
			s.Status = "failed"
			s.Error = err.Error()
		}
	})
}
