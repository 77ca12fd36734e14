package task

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/italolelis/taskgraph/internal/logctx"
	"github.com/italolelis/taskgraph/internal/scheduler"
)

// Metrics receives execution measurements. telemetry.Telemetry implements
// it; a nil Metrics records nothing.
type Metrics interface {
	RecordTask(ctx context.Context, significance, state string, duration time.Duration)
	TaskStarted(ctx context.Context)
	TaskStopped(ctx context.Context)
	RecordExecution(ctx context.Context, strategy, status string, duration time.Duration)
}

// Runtime holds the process-wide collaborators of every executor.
type Runtime struct {
	Pools *scheduler.Registry
	// OnUncaught receives recovered panics and errors marked with
	// Unexpected. When nil they are logged.
	OnUncaught func(ctx context.Context, err error)
	Metrics    Metrics
	Progress   ProgressSink
}

type ExecutorOption func(*Executor)

func WithStrategy(s Strategy) ExecutorOption {
	return func(e *Executor) { e.strategy = s }
}

func WithListener(l Listener) ExecutorOption {
	return func(e *Executor) { e.listeners = append(e.listeners, l) }
}

// WithRunID overrides the generated run identifier.
func WithRunID(id string) ExecutorOption {
	return func(e *Executor) { e.id = id }
}

// Executor runs one root unit and everything it depends on. It cannot be
// reused once started.
type Executor struct {
	id        string
	root      Task
	rt        Runtime
	strategy  Strategy
	join      joiner
	listeners MultiListener
	future    *Future

	started   atomic.Bool
	cancelled atomic.Bool
	finished  atomic.Bool
	running   atomic.Int32

	mu     sync.Mutex
	cancel context.CancelFunc
	err    error
	nodes  map[*Info]*node
}

type node struct {
	done    bool
	waiters []func()
}

func NewExecutor(root Task, rt Runtime, opts ...ExecutorOption) *Executor {
	e := &Executor{
		id:     uuid.NewString(),
		root:   root,
		rt:     rt,
		future: newFuture(),
		nodes:  make(map[*Info]*node),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.rt.Pools == nil {
		e.rt.Pools = scheduler.NewRegistry(scheduler.Options{})
	}

	e.join = newJoiner(e.strategy)

	return e
}

func (e *Executor) ID() string         { return e.id }
func (e *Executor) Strategy() Strategy { return e.strategy }
func (e *Executor) Running() int       { return int(e.running.Load()) }
func (e *Executor) isCancelled() bool  { return e.cancelled.Load() }
func (e *Executor) Future() *Future    { return e.future }
func (e *Executor) Root() Task         { return e.root }

// Err returns the root's error after a failed run. It is nil while running,
// after success, and after a cancelled run.
func (e *Executor) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.err
}

// Start begins the run and returns its future. A second call returns a
// future already resolved with ErrExecutorReused.
func (e *Executor) Start(ctx context.Context) *Future {
	if !e.started.CompareAndSwap(false, true) {
		f := newFuture()
		f.resolve(ErrExecutorReused)

		return f
	}

	ctx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	stop := context.AfterFunc(ctx, e.Cancel)

	ctx = logctx.WithFields(ctx, logctx.Fields{RunID: e.id})

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "execution started",
		"root", e.root.Info().Name(),
		"strategy", e.strategy.String(),
	)

	start := time.Now()

	go e.visit(ctx, e.root, nil, func() {
		stop()
		e.finish(ctx, start)
	})

	return e.future
}

// Run starts the run and blocks until it completed. It reports whether the
// root succeeded; a cancelled run reports false.
func (e *Executor) Run(ctx context.Context) bool {
	f := e.Start(ctx)
	<-f.Done()

	return f.Err() == nil
}

// Cancel asks the run to stop. No new unit is scheduled afterwards, running
// bodies see their context cancelled. Calling it more than once, or after
// completion, does nothing.
func (e *Executor) Cancel() {
	if e.finished.Load() {
		return
	}

	if !e.cancelled.CompareAndSwap(false, true) {
		return
	}

	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (e *Executor) finish(ctx context.Context, start time.Time) {
	info := e.root.Info()
	ok := info.State() == StateSucceeded

	var err, outcome error

	status := "succeeded"

	switch {
	case ok:
	case e.isCancelled():
		outcome = ErrCancelled
		status = "cancelled"
	default:
		err = info.Err()
		outcome = err
		status = "failed"
	}

	e.mu.Lock()
	e.err = err
	cancel := e.cancel
	e.mu.Unlock()

	e.finished.Store(true)

	if e.rt.Metrics != nil {
		e.rt.Metrics.RecordExecution(ctx, e.strategy.String(), status, time.Since(start))
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "execution stopped",
		"root", info.Name(),
		"status", status,
		"duration", time.Since(start),
	)

	e.listeners.OnStop(ok, err)
	e.future.resolve(outcome)

	cancel()
}

// visit runs t once per executor, however many units depend on it.
func (e *Executor) visit(ctx context.Context, t Task, parent *reporter, done func()) {
	info := t.Info()

	e.mu.Lock()
	if n, ok := e.nodes[info]; ok {
		if n.done {
			e.mu.Unlock()
			done()

			return
		}

		n.waiters = append(n.waiters, done)
		e.mu.Unlock()

		return
	}

	n := &node{waiters: []func(){done}}
	e.nodes[info] = n
	e.mu.Unlock()

	e.schedule(ctx, t, parent, func() {
		e.mu.Lock()
		n.done = true
		waiters := n.waiters
		n.waiters = nil
		e.mu.Unlock()

		for _, w := range waiters {
			w()
		}
	})
}

func (e *Executor) schedule(ctx context.Context, t Task, parent *reporter, done func()) {
	info := t.Info()
	info.begin()

	e.listeners.OnReady(t)

	if e.isCancelled() {
		e.fail(ctx, t, ErrCancelled, false, time.Time{})
		done()

		return
	}

	rep := newReporter(t, parent, e.rt.Progress)
	visit := func(u Task, d func()) { e.visit(ctx, u, rep, d) }

	pre := t.PreUnits()

	e.join.all(pre, visit, func() {
		if ok, cause := outcome(pre); !ok && info.ReliesOnPre() {
			e.fail(ctx, t, cause, false, time.Time{})
			done()

			return
		}

		if e.isCancelled() {
			e.fail(ctx, t, ErrCancelled, false, time.Time{})
			done()

			return
		}

		e.runBody(ctx, t, rep, pre, visit, done)
	})
}

func (e *Executor) runBody(ctx context.Context, t Task, rep *reporter, pre []Task, visit func(Task, func()), done func()) {
	info := t.Info()
	depsOK, _ := outcome(pre)

	run := &Run{
		id:                  e.id,
		unit:                t,
		exec:                e,
		rep:                 rep,
		dependentsSucceeded: depsOK,
		logger:              logctx.LoggerFromContext(ctx).With("task", info.Name()),
	}

	bodyCtx := logctx.WithFields(ctx, logctx.Fields{Task: info.Name()})

	var (
		bodyErr error
		start   time.Time
		skipped bool
	)

	e.join.body(e.rt.Pools.Get(info.Pool()), func() {
		// Bodies still queued when the run is cancelled never start.
		if e.isCancelled() {
			bodyErr, skipped = ErrCancelled, true
			return
		}

		start = time.Now()
		info.setRunning()
		e.running.Add(1)

		if e.rt.Metrics != nil {
			e.rt.Metrics.TaskStarted(ctx)
		}

		e.listeners.OnRunning(t)
		logctx.LoggerFromContext(bodyCtx).DebugContext(bodyCtx, "task running", "pool", info.Pool())

		bodyErr = e.execute(bodyCtx, t, run)

		e.running.Add(-1)

		if e.rt.Metrics != nil {
			e.rt.Metrics.TaskStopped(ctx)
		}
	}, func(submitErr error) {
		if submitErr != nil {
			bodyErr = submitErr
		}

		if bodyErr != nil {
			e.fail(ctx, t, bodyErr, !skipped, start)
			done()

			return
		}

		if e.isCancelled() {
			e.fail(ctx, t, ErrCancelled, false, start)
			done()

			return
		}

		post := t.PostUnits()

		e.join.all(post, visit, func() {
			if ok, cause := outcome(post); !ok && info.ReliesOnPost() {
				e.fail(ctx, t, cause, false, start)
			} else {
				e.succeed(ctx, t, rep, start)
			}

			done()
		})
	})
}

func (e *Executor) execute(ctx context.Context, t Task, run *Run) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Task: t.Info().Name(), Value: r, Stack: debug.Stack()}
		}
	}()

	err = t.Execute(ctx, run)
	if err != nil && IsUnexpected(err) && !e.isCancelled() {
		e.uncaught(ctx, err)
	}

	return err
}

func (e *Executor) uncaught(ctx context.Context, err error) {
	if e.rt.OnUncaught != nil {
		e.rt.OnUncaught(ctx, err)
		return
	}

	logctx.LoggerFromContext(ctx).ErrorContext(ctx, "uncaught error", "err", err)
}

func (e *Executor) fail(ctx context.Context, t Task, err error, fromBody bool, start time.Time) {
	info := t.Info()

	cancelled := e.isCancelled() && (errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled))
	if cancelled {
		err = ErrCancelled
	}

	var p *PanicError
	if fromBody && errors.As(err, &p) {
		e.uncaught(ctx, err)
	}

	if !info.finish(StateFailed, err, cancelled) {
		return
	}

	e.record(ctx, info, StateFailed, start)
	e.listeners.OnFailed(t, err)

	logger := logctx.LoggerFromContext(ctx)

	switch {
	case !fromBody || cancelled || IsSilent(err):
		logger.DebugContext(ctx, "task failed", "task", info.Name(), "err", err)
	default:
		logger.Log(ctx, info.Significance().level(), "task failed",
			"task", info.Name(),
			"significance", info.Significance().String(),
			"err", err,
		)
	}
}

func (e *Executor) succeed(ctx context.Context, t Task, rep *reporter, start time.Time) {
	info := t.Info()

	if !info.finish(StateSucceeded, nil, false) {
		return
	}

	rep.publish(1, "", false, true)

	e.record(ctx, info, StateSucceeded, start)
	e.listeners.OnFinished(t)

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "task finished", "task", info.Name())
}

func (e *Executor) record(ctx context.Context, info *Info, st State, start time.Time) {
	if e.rt.Metrics == nil {
		return
	}

	var d time.Duration
	if !start.IsZero() {
		d = time.Since(start)
	}

	e.rt.Metrics.RecordTask(ctx, info.Significance().String(), st.String(), d)
}

// outcome reports whether every unit succeeded, and otherwise the error of
// the first failed one in declaration order.
func outcome(units []Task) (bool, error) {
	for _, u := range units {
		info := u.Info()
		if info.State() == StateSucceeded {
			continue
		}

		if err := info.Err(); err != nil {
			return false, err
		}

		return false, ErrCancelled
	}

	return true, nil
}
