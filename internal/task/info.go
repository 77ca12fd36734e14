package task

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle position of a unit within a run.
type State int32

const (
	StateReady State = iota
	StateRunning
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible in this run.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Significance controls how loudly a unit's failure is reported.
type Significance int

const (
	Major Significance = iota
	Moderate
	Minor
)

func (s Significance) String() string {
	switch s {
	case Major:
		return "major"
	case Moderate:
		return "moderate"
	case Minor:
		return "minor"
	default:
		return "unknown"
	}
}

// ParseSignificance maps a name to a Significance, defaulting to Major.
func ParseSignificance(s string) Significance {
	switch s {
	case "moderate":
		return Moderate
	case "minor":
		return Minor
	default:
		return Major
	}
}

func (s Significance) level() slog.Level {
	switch s {
	case Major:
		return slog.LevelError
	case Moderate:
		return slog.LevelWarn
	default:
		return slog.LevelDebug
	}
}

// DefaultProgressInterval is the minimum delay between two progress
// notifications of the same unit.
const DefaultProgressInterval = time.Second

// Option configures an Info.
type Option func(*Info)

func WithSignificance(s Significance) Option {
	return func(i *Info) { i.significance = s }
}

// WithPool names the scheduler pool the body runs on.
func WithPool(name string) Option {
	return func(i *Info) { i.pool = name }
}

// WithReliesOnPre controls whether a failed pre-unit fails this unit
// without running its body.
func WithReliesOnPre(v bool) Option {
	return func(i *Info) { i.reliesOnPre = v }
}

// WithReliesOnPost controls whether a failed post-unit fails this unit.
func WithReliesOnPost(v bool) Option {
	return func(i *Info) { i.reliesOnPost = v }
}

func WithProgressInterval(d time.Duration) Option {
	return func(i *Info) { i.progressInterval = d }
}

// Info is the observable, per-unit state shared by every Task variant.
type Info struct {
	name             string
	significance     Significance
	pool             string
	reliesOnPre      bool
	reliesOnPost     bool
	progressInterval time.Duration

	state     atomic.Int32
	cancelled atomic.Bool

	mu       sync.Mutex
	err      error
	progress float64
	message  string
	done     chan struct{}
	onDone   []func(ok bool)
}

func NewInfo(name string, opts ...Option) *Info {
	i := &Info{
		name:             name,
		reliesOnPre:      true,
		reliesOnPost:     true,
		progressInterval: DefaultProgressInterval,
		done:             make(chan struct{}),
	}

	for _, opt := range opts {
		opt(i)
	}

	return i
}

func (i *Info) Name() string                    { return i.name }
func (i *Info) Significance() Significance      { return i.significance }
func (i *Info) Pool() string                    { return i.pool }
func (i *Info) ReliesOnPre() bool               { return i.reliesOnPre }
func (i *Info) ReliesOnPost() bool              { return i.reliesOnPost }
func (i *Info) ProgressInterval() time.Duration { return i.progressInterval }
func (i *Info) State() State                    { return State(i.state.Load()) }

// Cancelled reports whether the unit was aborted by a cancelled run.
func (i *Info) Cancelled() bool { return i.cancelled.Load() }

// Err returns the error the unit failed with in its latest run.
func (i *Info) Err() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.err
}

func (i *Info) Progress() float64 {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.progress
}

func (i *Info) Message() string {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.message
}

// Done is closed when the unit reaches a terminal state.
func (i *Info) Done() <-chan struct{} {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.done
}

// OnDone registers fn to be told the outcome of every run of the unit. When
// the unit has already finished, fn is called right away.
func (i *Info) OnDone(fn func(ok bool)) {
	i.mu.Lock()
	i.onDone = append(i.onDone, fn)
	st := i.State()
	i.mu.Unlock()

	if st.Terminal() {
		fn(st == StateSucceeded)
	}
}

func (i *Info) begin() {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.State().Terminal() {
		i.done = make(chan struct{})
	}

	i.state.Store(int32(StateReady))
	i.cancelled.Store(false)
	i.err = nil
	i.progress = 0
	i.message = ""
}

func (i *Info) setRunning() {
	i.state.Store(int32(StateRunning))
}

func (i *Info) setProgress(p float64, msg string, withMsg bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if p >= 0 {
		i.progress = p
	}

	if withMsg {
		i.message = msg
	}
}

// finish moves the unit to a terminal state and notifies waiters. It
// returns false when the unit was already terminal.
func (i *Info) finish(st State, err error, cancelled bool) bool {
	i.mu.Lock()

	if i.State().Terminal() {
		i.mu.Unlock()
		return false
	}

	i.err = err
	if st == StateSucceeded {
		i.progress = 1
	}

	if cancelled {
		i.cancelled.Store(true)
	}

	i.state.Store(int32(st))
	close(i.done)

	callbacks := append([]func(bool){}, i.onDone...)
	i.mu.Unlock()

	for _, fn := range callbacks {
		fn(st == StateSucceeded)
	}

	return true
}
