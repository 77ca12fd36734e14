// Package task models units of work arranged in a dependency graph and runs
// them on named scheduler pools.
package task

import (
	"context"
	"errors"
	"sync"

	"github.com/italolelis/taskgraph/internal/scheduler"
)

// Task is a unit of work. Pre-units run before the body, post-units are
// produced by the body's outcome and run after it.
type Task interface {
	Info() *Info
	PreUnits() []Task
	Execute(ctx context.Context, run *Run) error
	PostUnits() []Task
}

// Result is a Task that produces a value once it has succeeded.
type Result[T any] interface {
	Task
	Result() T
}

// Func is a Task whose body is a closure.
type Func struct {
	info  *Info
	pre   []Task
	fn    func(ctx context.Context, run *Run) error
	spawn func() []Task

	mu   sync.Mutex
	post []Task
}

// NewFunc returns a unit running fn. A nil fn is a no-op body.
func NewFunc(name string, fn func(ctx context.Context, run *Run) error, opts ...Option) *Func {
	return &Func{info: NewInfo(name, opts...), fn: fn}
}

// Requires adds pre-units.
func (f *Func) Requires(units ...Task) *Func {
	f.pre = append(f.pre, units...)
	return f
}

// Spawns sets a generator for post-units, called after the body succeeded.
func (f *Func) Spawns(fn func() []Task) *Func {
	f.spawn = fn
	return f
}

func (f *Func) Info() *Info      { return f.info }
func (f *Func) PreUnits() []Task { return f.pre }

func (f *Func) Execute(ctx context.Context, run *Run) error {
	if f.fn != nil {
		if err := f.fn(ctx, run); err != nil {
			return err
		}
	}

	if f.spawn != nil {
		post := f.spawn()

		f.mu.Lock()
		f.post = post
		f.mu.Unlock()
	}

	return nil
}

func (f *Func) PostUnits() []Task {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.post
}

// Supplier is a unit computing a value of type T.
type Supplier[T any] struct {
	info *Info
	pre  []Task
	fn   func(ctx context.Context, run *Run) (T, error)

	mu     sync.Mutex
	result T
}

func Supply[T any](name string, fn func(ctx context.Context, run *Run) (T, error), opts ...Option) *Supplier[T] {
	return &Supplier[T]{info: NewInfo(name, opts...), fn: fn}
}

// Requires adds pre-units.
func (s *Supplier[T]) Requires(units ...Task) *Supplier[T] {
	s.pre = append(s.pre, units...)
	return s
}

func (s *Supplier[T]) Info() *Info       { return s.info }
func (s *Supplier[T]) PreUnits() []Task  { return s.pre }
func (s *Supplier[T]) PostUnits() []Task { return nil }

func (s *Supplier[T]) Execute(ctx context.Context, run *Run) error {
	v, err := s.fn(ctx, run)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.result = v
	s.mu.Unlock()

	return nil
}

// Result returns the computed value, or the zero value before success.
func (s *Supplier[T]) Result() T {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.result
}

type sequence struct {
	info  *Info
	first Task
	next  func() (Task, error)

	mu      sync.Mutex
	derived Task
}

// Sequence runs first and then the unit next derives. next is only called
// once first succeeded, and the sequence fails when either part fails.
func Sequence(first Task, next func() (Task, error), opts ...Option) Task {
	opts = append([]Option{WithPool(scheduler.PoolImmediate)}, opts...)

	return &sequence{
		info:  NewInfo(first.Info().Name(), opts...),
		first: first,
		next:  next,
	}
}

// Then feeds the value of first into next to derive the following unit.
func Then[T any](first Result[T], next func(T) (Task, error), opts ...Option) Task {
	return Sequence(first, func() (Task, error) {
		return next(first.Result())
	}, opts...)
}

func (s *sequence) Info() *Info      { return s.info }
func (s *sequence) PreUnits() []Task { return []Task{s.first} }

func (s *sequence) Execute(context.Context, *Run) error {
	t, err := s.next()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.derived = t
	s.mu.Unlock()

	return nil
}

func (s *sequence) PostUnits() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.derived == nil {
		return nil
	}

	return []Task{s.derived}
}

type parallel struct {
	info    *Info
	members []Task
}

// Parallel runs every member concurrently. It succeeds only when all of them
// succeed; a failing member does not stop the others.
func Parallel(name string, members []Task, opts ...Option) Task {
	opts = append([]Option{WithPool(scheduler.PoolImmediate)}, opts...)

	return &parallel{
		info:    NewInfo(name, opts...),
		members: append([]Task(nil), members...),
	}
}

func (p *parallel) Info() *Info                         { return p.info }
func (p *parallel) PreUnits() []Task                    { return p.members }
func (p *parallel) Execute(context.Context, *Run) error { return nil }
func (p *parallel) PostUnits() []Task                   { return nil }

type finalize struct {
	info  *Info
	inner Task
	cb    func(ctx context.Context, succeeded bool, err error) error
}

// Finalize runs inner and then always calls cb with its outcome. The
// finalized unit fails with the callback's error when it returns one, and
// with inner's error otherwise.
func Finalize(inner Task, cb func(ctx context.Context, succeeded bool, err error) error, opts ...Option) Task {
	opts = append([]Option{WithPool(scheduler.PoolImmediate)}, opts...)
	opts = append(opts, WithReliesOnPre(false))

	return &finalize{
		info:  NewInfo(inner.Info().Name(), opts...),
		inner: inner,
		cb:    cb,
	}
}

func (f *finalize) Info() *Info       { return f.info }
func (f *finalize) PreUnits() []Task  { return []Task{f.inner} }
func (f *finalize) PostUnits() []Task { return nil }

func (f *finalize) Execute(ctx context.Context, run *Run) error {
	innerErr := f.inner.Info().Err()

	if err := f.cb(ctx, run.DependentsSucceeded(), innerErr); err != nil {
		return err
	}

	if !run.DependentsSucceeded() {
		if innerErr == nil {
			innerErr = errors.New("task: finalized unit failed")
		}

		return Silent(innerErr)
	}

	return nil
}
