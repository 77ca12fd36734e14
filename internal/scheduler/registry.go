package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
)

// Well-known pool names.
const (
	PoolCached    = "cached"
	PoolIO        = "io"
	PoolSingle    = "single"
	PoolImmediate = "immediate"
	PoolFetch     = "fetch"
)

// DefaultFetchWorkers sizes the fetch pool from the core count.
func DefaultFetchWorkers() int {
	return max(4, runtime.NumCPU()*4)
}

type Options struct {
	// IOWorkers sizes the io pool. Zero means 4.
	IOWorkers int
	// FetchWorkers sizes the fetch pool. Zero means DefaultFetchWorkers.
	FetchWorkers int
	// OnResize is told about the size of every sized pool at startup and
	// whenever the fetch pool is resized.
	OnResize func(pool string, size int)
}

// Registry owns the named pools of a process.
type Registry struct {
	mu    sync.RWMutex
	pools map[string]Pool
	order []string
	fetch *Bounded
}

func NewRegistry(opts Options) *Registry {
	if opts.IOWorkers <= 0 {
		opts.IOWorkers = 4
	}

	if opts.FetchWorkers <= 0 {
		opts.FetchWorkers = DefaultFetchWorkers()
	}

	r := &Registry{pools: make(map[string]Pool)}

	r.fetch = NewBounded(PoolFetch, opts.FetchWorkers)
	if opts.OnResize != nil {
		r.fetch.OnResize(opts.OnResize)
	}

	io := NewFixed(PoolIO, opts.IOWorkers)
	single := NewFixed(PoolSingle, 1)

	r.add(NewCached(PoolCached))
	r.add(io)
	r.add(single)
	r.add(NewImmediate(PoolImmediate))
	r.add(r.fetch)

	if opts.OnResize != nil {
		opts.OnResize(PoolIO, io.Size())
		opts.OnResize(PoolSingle, single.Size())
		opts.OnResize(PoolFetch, r.fetch.Size())
	}

	return r
}

func (r *Registry) add(p Pool) {
	r.pools[p.Name()] = p
	r.order = append(r.order, p.Name())
}

// Register adds or replaces a pool under its own name.
func (r *Registry) Register(p Pool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pools[p.Name()]; !ok {
		r.order = append(r.order, p.Name())
	}

	r.pools[p.Name()] = p
}

// Get returns the named pool, falling back to the cached pool for unknown or
// empty names.
func (r *Registry) Get(name string) Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.pools[name]; ok {
		return p
	}

	return r.pools[PoolCached]
}

// Fetch returns the shared, resizable fetch pool.
func (r *Registry) Fetch() *Bounded {
	return r.fetch
}

// Sizes reports the worker count of every sized pool.
func (r *Registry) Sizes() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sizes := make(map[string]int)

	for name, p := range r.pools {
		if s, ok := p.(interface{ Size() int }); ok {
			sizes[name] = s.Size()
		}
	}

	return sizes
}

// Shutdown stops every pool in registration order and reports all failures.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	pools := make([]Pool, 0, len(r.order))
	for _, name := range r.order {
		pools = append(pools, r.pools[name])
	}
	r.mu.RUnlock()

	var errs []error

	for _, p := range pools {
		if err := p.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down pool %s: %w", p.Name(), err))
		}
	}

	return errors.Join(errs...)
}
