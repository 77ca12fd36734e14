package task

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/italolelis/taskgraph/internal/scheduler"
)

// Strategy selects how the executor waits for sibling units and bodies.
type Strategy int

const (
	// StrategyFuture chains continuations: the last sibling to finish
	// resumes the walk, and no goroutine ever blocks waiting.
	StrategyFuture Strategy = iota
	// StrategyLatch runs every sibling on its own goroutine and blocks on a
	// latch until all of them finished.
	StrategyLatch
)

func (s Strategy) String() string {
	switch s {
	case StrategyFuture:
		return "future"
	case StrategyLatch:
		return "latch"
	default:
		return "unknown"
	}
}

func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "", "future":
		return StrategyFuture, nil
	case "latch":
		return StrategyLatch, nil
	default:
		return StrategyFuture, fmt.Errorf("unknown execution strategy %q", s)
	}
}

// joiner is the await primitive the graph walk is parameterised by.
type joiner interface {
	// all visits every unit and calls then once each of them is terminal.
	all(units []Task, visit func(t Task, done func()), then func())
	// body runs fn on pool and then calls then, with the submission error if
	// fn could not be scheduled.
	body(pool scheduler.Pool, fn func(), then func(submitErr error))
}

func newJoiner(s Strategy) joiner {
	if s == StrategyLatch {
		return latchJoin{}
	}

	return futureJoin{}
}

type futureJoin struct{}

func (futureJoin) all(units []Task, visit func(Task, func()), then func()) {
	if len(units) == 0 {
		then()
		return
	}

	var remaining atomic.Int64
	remaining.Store(int64(len(units)))

	for _, u := range units {
		visit(u, func() {
			if remaining.Add(-1) == 0 {
				then()
			}
		})
	}
}

func (futureJoin) body(pool scheduler.Pool, fn func(), then func(error)) {
	err := pool.Submit(func() {
		fn()
		then(nil)
	})
	if err != nil {
		then(err)
	}
}

type latchJoin struct{}

func (latchJoin) all(units []Task, visit func(Task, func()), then func()) {
	var g errgroup.Group

	for _, u := range units {
		g.Go(func() error {
			latch := make(chan struct{})
			visit(u, func() { close(latch) })
			<-latch

			return nil
		})
	}

	_ = g.Wait()

	then()
}

func (latchJoin) body(pool scheduler.Pool, fn func(), then func(error)) {
	latch := make(chan struct{})

	err := pool.Submit(func() {
		defer close(latch)
		fn()
	})
	if err != nil {
		then(err)
		return
	}

	<-latch

	then(nil)
}
