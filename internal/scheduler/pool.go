package scheduler

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolClosed is returned by Submit once a pool has been shut down.
var ErrPoolClosed = errors.New("scheduler: pool is shut down")

// Pool runs submitted jobs on some set of goroutines.
type Pool interface {
	Name() string
	Submit(job func()) error
	Shutdown(ctx context.Context) error
}

// Cached starts a goroutine per job. It never queues.
type Cached struct {
	name string

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewCached(name string) *Cached {
	return &Cached{name: name}
}

func (p *Cached) Name() string { return p.name }

func (p *Cached) Submit(job func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		job()
	}()

	return nil
}

func (p *Cached) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})

	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Immediate runs every job synchronously on the submitting goroutine.
type Immediate struct {
	name string

	mu     sync.RWMutex
	closed bool
}

func NewImmediate(name string) *Immediate {
	return &Immediate{name: name}
}

func (p *Immediate) Name() string { return p.name }

func (p *Immediate) Submit(job func()) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()

	if closed {
		return ErrPoolClosed
	}

	job()

	return nil
}

func (p *Immediate) Shutdown(context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	return nil
}

// queue is an unbounded FIFO of jobs guarded by the owning pool's lock.
type queue struct {
	jobs []func()
}

func (q *queue) push(job func()) {
	q.jobs = append(q.jobs, job)
}

func (q *queue) pop() (func(), bool) {
	if len(q.jobs) == 0 {
		return nil, false
	}

	job := q.jobs[0]
	q.jobs[0] = nil
	q.jobs = q.jobs[1:]

	return job, true
}

func (q *queue) len() int { return len(q.jobs) }

// Fixed keeps n long-lived workers that drain a FIFO queue. Submit never
// blocks, so a worker may safely submit follow-up jobs to its own pool.
type Fixed struct {
	name    string
	workers int

	mu     sync.Mutex
	cond   *sync.Cond
	q      queue
	closed bool
	wg     sync.WaitGroup
}

func NewFixed(name string, workers int) *Fixed {
	if workers < 1 {
		workers = 1
	}

	p := &Fixed{name: name, workers: workers}
	p.cond = sync.NewCond(&p.mu)

	for range workers {
		p.wg.Add(1)

		go p.work()
	}

	return p
}

func (p *Fixed) Name() string { return p.name }

// Size reports the number of workers.
func (p *Fixed) Size() int { return p.workers }

func (p *Fixed) Submit(job func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}

	p.q.push(job)
	p.cond.Signal()

	return nil
}

func (p *Fixed) work() {
	defer p.wg.Done()

	for {
		p.mu.Lock()

		for p.q.len() == 0 && !p.closed {
			p.cond.Wait()
		}

		job, ok := p.q.pop()
		p.mu.Unlock()

		if !ok {
			return
		}

		job()
	}
}

// Shutdown stops accepting jobs, lets the workers drain what is queued and
// waits for them to exit.
func (p *Fixed) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	done := make(chan struct{})

	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
