package scheduler

import (
	"context"
	"sync"
)

// Bounded runs at most limit jobs at a time and queues the rest in FIFO
// order. The limit can be changed while jobs are running: growing starts
// queued jobs right away, shrinking lets running jobs finish and only stops
// workers from picking up more.
type Bounded struct {
	name string

	mu      sync.Mutex
	idle    *sync.Cond
	limit   int
	running int
	q       queue
	closed  bool

	onResize func(name string, size int)
}

func NewBounded(name string, limit int) *Bounded {
	if limit < 1 {
		limit = 1
	}

	p := &Bounded{name: name, limit: limit}
	p.idle = sync.NewCond(&p.mu)

	return p
}

func (p *Bounded) Name() string { return p.name }

// Size returns the current concurrency limit.
func (p *Bounded) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.limit
}

// Active returns how many jobs are executing right now.
func (p *Bounded) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.running
}

// Resize changes the concurrency limit. Values below one are clamped to one.
func (p *Bounded) Resize(n int) {
	if n < 1 {
		n = 1
	}

	p.mu.Lock()
	p.limit = n
	p.dispatchLocked()
	observer := p.onResize
	p.mu.Unlock()

	if observer != nil {
		observer(p.name, n)
	}
}

// OnResize registers a callback fired after every Resize.
func (p *Bounded) OnResize(fn func(name string, size int)) {
	p.mu.Lock()
	p.onResize = fn
	p.mu.Unlock()
}

func (p *Bounded) Submit(job func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}

	p.q.push(job)
	p.dispatchLocked()

	return nil
}

func (p *Bounded) dispatchLocked() {
	for p.running < p.limit {
		job, ok := p.q.pop()
		if !ok {
			return
		}

		p.running++

		go p.work(job)
	}
}

func (p *Bounded) work(job func()) {
	for {
		job()

		p.mu.Lock()

		var ok bool
		if p.running <= p.limit {
			job, ok = p.q.pop()
		}

		if !ok {
			p.running--
			if p.running == 0 && p.q.len() == 0 {
				p.idle.Broadcast()
			}
			p.mu.Unlock()

			return
		}

		p.mu.Unlock()
	}
}

// Shutdown rejects new jobs and waits until everything already accepted has
// run.
func (p *Bounded) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})

	go func() {
		p.mu.Lock()
		for p.running > 0 || p.q.len() > 0 {
			p.idle.Wait()
		}
		p.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
