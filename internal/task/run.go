package task

import (
	"log/slog"
	"sync"
	"time"
)

// ProgressSink observes progress of every unit of a run. Implementations
// are called on the reporting goroutine and must return quickly.
type ProgressSink interface {
	OnProgress(t Task, progress float64, message string)
}

// ProgressSinkFunc adapts a function to ProgressSink.
type ProgressSinkFunc func(t Task, progress float64, message string)

func (f ProgressSinkFunc) OnProgress(t Task, progress float64, message string) {
	f(t, progress, message)
}

// reporter throttles the progress of one unit and forwards it to the sink
// and to the parent unit, which mirrors whichever child reported last.
type reporter struct {
	unit   Task
	info   *Info
	parent *reporter
	sink   ProgressSink

	mu   sync.Mutex
	last time.Time
}

func newReporter(unit Task, parent *reporter, sink ProgressSink) *reporter {
	return &reporter{unit: unit, info: unit.Info(), parent: parent, sink: sink}
}

func (r *reporter) publish(progress float64, msg string, withMsg, force bool) {
	r.info.setProgress(progress, msg, withMsg)

	if !force {
		now := time.Now()

		r.mu.Lock()
		if !r.last.IsZero() && now.Sub(r.last) < r.info.progressInterval {
			r.mu.Unlock()
			return
		}
		r.last = now
		r.mu.Unlock()
	}

	progress, msg = r.info.Progress(), r.info.Message()

	if r.sink != nil {
		r.sink.OnProgress(r.unit, progress, msg)
	}

	if r.parent != nil {
		r.parent.publish(progress, msg, true, false)
	}
}

// Run is the handle a unit body gets for one execution.
type Run struct {
	id                  string
	unit                Task
	exec                *Executor
	rep                 *reporter
	dependentsSucceeded bool
	logger              *slog.Logger
}

// ID returns the identifier of the executor run.
func (r *Run) ID() string { return r.id }

// DependentsSucceeded reports whether every pre-unit succeeded. Bodies of
// units that do not rely on their pre-units use it to decide what to do.
func (r *Run) DependentsSucceeded() bool { return r.dependentsSucceeded }

// SetProgress reports done out of total. Unknown totals are ignored.
func (r *Run) SetProgress(done, total int64) {
	if total <= 0 {
		return
	}

	r.SetFraction(float64(done) / float64(total))
}

// SetFraction reports progress as a value in [0, 1].
func (r *Run) SetFraction(f float64) {
	r.rep.publish(min(max(f, 0), 1), "", false, false)
}

func (r *Run) SetMessage(msg string) {
	r.rep.publish(-1, msg, true, false)
}

// Cancelled reports whether the run was cancelled. Long bodies should poll
// it or watch their context.
func (r *Run) Cancelled() bool {
	return r.exec.isCancelled()
}

// Logger returns a logger annotated with the run and unit.
func (r *Run) Logger() *slog.Logger {
	return r.logger
}
