package task

import (
	"context"
	"sync"
)

// Future is the asynchronous outcome of an executor run. It resolves with
// nil on success, the root's error on failure, or ErrCancelled.
type Future struct {
	done chan struct{}

	mu        sync.Mutex
	resolved  bool
	err       error
	callbacks []func(error)
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(err error) {
	f.mu.Lock()
	if f.resolved {
		f.mu.Unlock()
		return
	}

	f.resolved = true
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(err)
	}
}

// Done is closed once the future resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

// Err returns the outcome, or nil while the run is still in progress.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.err
}

// Wait blocks until the future resolved or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnComplete registers cb to run with the outcome. It runs immediately when
// the future already resolved.
func (f *Future) OnComplete(cb func(error)) {
	f.mu.Lock()
	if !f.resolved {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()

		return
	}

	err := f.err
	f.mu.Unlock()

	cb(err)
}
