package task

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/taskgraph/internal/scheduler"
)

var strategies = []Strategy{StrategyFuture, StrategyLatch}

func newRuntime(t *testing.T) Runtime {
	t.Helper()

	pools := scheduler.NewRegistry(scheduler.Options{IOWorkers: 2, FetchWorkers: 2})
	t.Cleanup(func() {
		_ = pools.Shutdown(context.Background())
	})

	return Runtime{Pools: pools}
}

func forEachStrategy(t *testing.T, fn func(t *testing.T, s Strategy)) {
	for _, s := range strategies {
		t.Run(s.String(), func(t *testing.T) { fn(t, s) })
	}
}

func TestExecutorRunsPreUnitsFirst(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s Strategy) {
		rng := rand.New(rand.NewSource(42))
		pools := []string{scheduler.PoolCached, scheduler.PoolIO, scheduler.PoolSingle, scheduler.PoolFetch, scheduler.PoolImmediate}

		for round := range 20 {
			var clock atomic.Int64

			n := 5 + rng.Intn(20)
			units := make([]*Func, n)
			started := make([]int64, n)
			finished := make([]int64, n)
			deps := make([][]int, n)
			sleeps := make([]time.Duration, n)

			for i := range n {
				sleeps[i] = time.Duration(rng.Intn(3)) * time.Millisecond

				units[i] = NewFunc(fmt.Sprintf("u%d", i), func(context.Context, *Run) error {
					started[i] = clock.Add(1)
					time.Sleep(sleeps[i])
					finished[i] = clock.Add(1)

					return nil
				}, WithPool(pools[i%len(pools)]))

				for j := range i {
					if rng.Intn(3) == 0 {
						deps[i] = append(deps[i], j)
						units[i].Requires(units[j])
					}
				}
			}

			all := make([]Task, n)
			for i, u := range units {
				all[i] = u
			}

			root := Parallel("root", all)
			exec := NewExecutor(root, newRuntime(t), WithStrategy(s))

			require.True(t, exec.Run(context.Background()), "round %d", round)

			for i := range n {
				assert.Equal(t, StateSucceeded, units[i].Info().State())

				for _, j := range deps[i] {
					assert.Less(t, finished[j], started[i], "round %d: u%d started before pre-unit u%d finished", round, i, j)
				}
			}
		}
	})
}

func TestExecutorFailurePropagation(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s Strategy) {
		boom := errors.New("boom")

		var bRan, cSawFailure atomic.Bool

		a := NewFunc("a", func(context.Context, *Run) error { return boom })
		b := NewFunc("b", func(context.Context, *Run) error {
			bRan.Store(true)
			return nil
		}).Requires(a)
		c := NewFunc("c", func(_ context.Context, run *Run) error {
			cSawFailure.Store(!run.DependentsSucceeded())
			return nil
		}, WithReliesOnPre(false)).Requires(a)

		root := Parallel("root", []Task{b, c})
		exec := NewExecutor(root, newRuntime(t), WithStrategy(s))

		assert.False(t, exec.Run(context.Background()))

		assert.False(t, bRan.Load())
		assert.Equal(t, StateFailed, b.Info().State())
		assert.Equal(t, boom, b.Info().Err())

		assert.True(t, cSawFailure.Load())
		assert.Equal(t, StateSucceeded, c.Info().State())

		assert.ErrorIs(t, exec.Err(), boom)
	})
}

func TestExecutorCancel(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s Strategy) {
		entered := make(chan struct{})

		var afterRan atomic.Bool

		slow := NewFunc("slow", func(ctx context.Context, _ *Run) error {
			close(entered)
			<-ctx.Done()

			return ctx.Err()
		})
		after := NewFunc("after", func(context.Context, *Run) error {
			afterRan.Store(true)
			return nil
		}).Requires(slow)

		var stops atomic.Int32

		exec := NewExecutor(after, newRuntime(t), WithStrategy(s), WithListener(ListenerFuncs{
			Stop: func(bool, error) { stops.Add(1) },
		}))

		f := exec.Start(context.Background())
		<-entered

		exec.Cancel()
		exec.Cancel()

		require.ErrorIs(t, f.Wait(context.Background()), ErrCancelled)

		assert.NoError(t, exec.Err())
		assert.False(t, afterRan.Load())
		assert.Equal(t, 0, exec.Running())
		assert.Equal(t, int32(1), stops.Load())

		for _, u := range []Task{slow, after} {
			assert.Equal(t, StateFailed, u.Info().State())
			assert.True(t, u.Info().Cancelled())
		}

		exec.Cancel()
		assert.Equal(t, int32(1), stops.Load())
	})
}

func TestExecutorCancelledByContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	unit := NewFunc("wait", func(ctx context.Context, _ *Run) error {
		cancel()
		<-ctx.Done()

		return ctx.Err()
	})

	exec := NewExecutor(unit, newRuntime(t))

	assert.False(t, exec.Run(ctx))
	assert.NoError(t, exec.Err())
}

func TestExecutorCannotBeReused(t *testing.T) {
	exec := NewExecutor(NewFunc("noop", nil), newRuntime(t))

	require.True(t, exec.Run(context.Background()))

	err := exec.Start(context.Background()).Wait(context.Background())
	assert.ErrorIs(t, err, ErrExecutorReused)
	assert.False(t, exec.Run(context.Background()))
}

type event struct {
	unit string
	kind string
}

type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) add(t Task, kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event{unit: t.Info().Name(), kind: kind})
}

func (r *recorder) listener() Listener {
	return ListenerFuncs{
		Ready:    func(t Task) { r.add(t, "ready") },
		Running:  func(t Task) { r.add(t, "running") },
		Finished: func(t Task) { r.add(t, "finished") },
		Failed:   func(t Task, _ error) { r.add(t, "failed") },
	}
}

func (r *recorder) of(unit string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var kinds []string

	for _, e := range r.events {
		if e.unit == unit {
			kinds = append(kinds, e.kind)
		}
	}

	return kinds
}

func TestExecutorListenerOrder(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s Strategy) {
		rec := &recorder{}

		ok := NewFunc("ok", nil)
		bad := NewFunc("bad", func(context.Context, *Run) error { return errors.New("bad") })
		skipped := NewFunc("skipped", nil).Requires(bad)

		root := Parallel("root", []Task{ok, skipped}, WithReliesOnPre(false))

		exec := NewExecutor(root, newRuntime(t), WithStrategy(s), WithListener(rec.listener()))
		assert.True(t, exec.Run(context.Background()))

		assert.Equal(t, []string{"ready", "running", "finished"}, rec.of("ok"))
		assert.Equal(t, []string{"ready", "running", "failed"}, rec.of("bad"))
		assert.Equal(t, []string{"ready", "failed"}, rec.of("skipped"))
		assert.Equal(t, []string{"ready", "running", "finished"}, rec.of("root"))
	})
}

func TestDoneFiresOncePerRun(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s Strategy) {
		shared := NewFunc("shared", nil)

		var calls atomic.Int32
		shared.Info().OnDone(func(ok bool) {
			assert.True(t, ok)
			calls.Add(1)
		})

		left := NewFunc("left", nil).Requires(shared)
		right := NewFunc("right", nil).Requires(shared)

		exec := NewExecutor(Parallel("root", []Task{left, right}), newRuntime(t), WithStrategy(s))
		require.True(t, exec.Run(context.Background()))

		select {
		case <-shared.Info().Done():
		default:
			t.Fatal("done channel not closed")
		}

		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestPanicsGoToUncaughtHook(t *testing.T) {
	rt := newRuntime(t)

	var hooked []error

	var mu sync.Mutex

	rt.OnUncaught = func(_ context.Context, err error) {
		mu.Lock()
		hooked = append(hooked, err)
		mu.Unlock()
	}

	panicky := NewFunc("panicky", func(context.Context, *Run) error { panic("kaboom") })
	unexpected := NewFunc("unexpected", func(context.Context, *Run) error {
		return Unexpected(errors.New("disk on fire"))
	})
	expected := NewFunc("expected", func(context.Context, *Run) error { return errors.New("404") })

	exec := NewExecutor(Parallel("root", []Task{panicky, unexpected, expected}), rt)
	assert.False(t, exec.Run(context.Background()))

	var p *PanicError
	require.ErrorAs(t, panicky.Info().Err(), &p)
	assert.Equal(t, "kaboom", p.Value)
	assert.Equal(t, "panicky", p.Task)

	mu.Lock()
	defer mu.Unlock()

	assert.Len(t, hooked, 2)
}

func TestCombinators(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s Strategy) {
		t.Run("then derives the next unit from a result", func(t *testing.T) {
			two := Supply("two", func(context.Context, *Run) (int, error) { return 2, nil })

			var got atomic.Int64

			seq := Then(two, func(v int) (Task, error) {
				return Supply("double", func(context.Context, *Run) (int, error) {
					got.Store(int64(v * 2))
					return v * 2, nil
				}), nil
			})

			require.True(t, NewExecutor(seq, newRuntime(t), WithStrategy(s)).Run(context.Background()))
			assert.Equal(t, int64(4), got.Load())
			assert.Equal(t, 2, two.Result())
		})

		t.Run("then is skipped when the first unit fails", func(t *testing.T) {
			boom := errors.New("boom")
			first := Supply("first", func(context.Context, *Run) (int, error) { return 0, boom })

			called := false
			seq := Then(first, func(int) (Task, error) {
				called = true
				return NewFunc("next", nil), nil
			})

			exec := NewExecutor(seq, newRuntime(t), WithStrategy(s))
			assert.False(t, exec.Run(context.Background()))
			assert.False(t, called)
			assert.ErrorIs(t, exec.Err(), boom)
		})

		t.Run("parallel runs every member", func(t *testing.T) {
			var ran atomic.Int32

			members := make([]Task, 0, 5)
			for i := range 5 {
				members = append(members, NewFunc(fmt.Sprintf("m%d", i), func(context.Context, *Run) error {
					ran.Add(1)
					if i == 2 {
						return errors.New("m2 failed")
					}

					return nil
				}))
			}

			exec := NewExecutor(Parallel("all", members), newRuntime(t), WithStrategy(s))
			assert.False(t, exec.Run(context.Background()))
			assert.Equal(t, int32(5), ran.Load())
			assert.EqualError(t, exec.Err(), "m2 failed")
		})

		t.Run("finalize always sees the outcome", func(t *testing.T) {
			boom := errors.New("boom")

			var (
				gotOK  = true
				gotErr error
			)

			f := Finalize(NewFunc("inner", func(context.Context, *Run) error { return boom }),
				func(_ context.Context, ok bool, err error) error {
					gotOK, gotErr = ok, err
					return nil
				})

			exec := NewExecutor(f, newRuntime(t), WithStrategy(s))
			assert.False(t, exec.Run(context.Background()))
			assert.False(t, gotOK)
			assert.Equal(t, boom, gotErr)
			assert.ErrorIs(t, exec.Err(), boom)
		})

		t.Run("post units run after the body", func(t *testing.T) {
			var order []string

			var mu sync.Mutex

			note := func(s string) {
				mu.Lock()
				order = append(order, s)
				mu.Unlock()
			}

			post := NewFunc("post", func(context.Context, *Run) error {
				note("post")
				return errors.New("post failed")
			})

			parent := NewFunc("parent", func(context.Context, *Run) error {
				note("body")
				return nil
			}).Spawns(func() []Task { return []Task{post} })

			exec := NewExecutor(parent, newRuntime(t), WithStrategy(s))
			assert.False(t, exec.Run(context.Background()))
			assert.Equal(t, []string{"body", "post"}, order)
			assert.EqualError(t, parent.Info().Err(), "post failed")
		})

		t.Run("tolerated post unit failure", func(t *testing.T) {
			post := NewFunc("post", func(context.Context, *Run) error { return errors.New("nope") })
			parent := NewFunc("parent", nil, WithReliesOnPost(false)).
				Spawns(func() []Task { return []Task{post} })

			assert.True(t, NewExecutor(parent, newRuntime(t), WithStrategy(s)).Run(context.Background()))
			assert.Equal(t, StateFailed, post.Info().State())
		})
	})
}

func TestProgressReachesParent(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = map[string][]float64{}
	)

	rt := newRuntime(t)
	rt.Progress = ProgressSinkFunc(func(t Task, p float64, _ string) {
		mu.Lock()
		seen[t.Info().Name()] = append(seen[t.Info().Name()], p)
		mu.Unlock()
	})

	child := NewFunc("child", func(_ context.Context, run *Run) error {
		run.SetProgress(1, 4)
		run.SetMessage("halfway")
		return nil
	}, WithProgressInterval(0))

	parent := Parallel("parent", []Task{child}, WithProgressInterval(0))

	require.True(t, NewExecutor(parent, rt).Run(context.Background()))

	mu.Lock()
	defer mu.Unlock()

	assert.Contains(t, seen["child"], 0.25)
	assert.Contains(t, seen["parent"], 0.25)
	assert.Equal(t, 1.0, child.Info().Progress())
	assert.Equal(t, "halfway", child.Info().Message())
}

func TestLatchStrategyWithSingleWorker(t *testing.T) {
	rt := newRuntime(t)

	var ran atomic.Int32

	members := make([]Task, 0, 10)
	for i := range 10 {
		leaf := NewFunc(fmt.Sprintf("leaf%d", i), func(context.Context, *Run) error {
			ran.Add(1)
			return nil
		}, WithPool(scheduler.PoolSingle))

		members = append(members, NewFunc(fmt.Sprintf("mid%d", i), func(context.Context, *Run) error {
			ran.Add(1)
			return nil
		}, WithPool(scheduler.PoolSingle)).Requires(leaf))
	}

	exec := NewExecutor(Parallel("root", members, WithPool(scheduler.PoolSingle)), rt, WithStrategy(StrategyLatch))

	done := make(chan bool)
	go func() { done <- exec.Run(context.Background()) }()

	select {
	case ok := <-done:
		assert.True(t, ok)
		assert.Equal(t, int32(20), ran.Load())
	case <-time.After(5 * time.Second):
		t.Fatal("latch strategy deadlocked on a single worker pool")
	}
}

func TestTracker(t *testing.T) {
	tracker := NewTracker(2)

	for i := range 3 {
		id := fmt.Sprintf("run-%d", i)
		root := Parallel("root", []Task{
			NewFunc("a", nil),
			NewFunc("b", func(context.Context, *Run) error { return errors.New("b failed") }),
		})

		exec := NewExecutor(root, newRuntime(t), WithRunID(id), WithListener(tracker.Track(id, "root", StrategyFuture)))
		assert.False(t, exec.Run(context.Background()))
		assert.Equal(t, id, exec.ID())
	}

	runs := tracker.Runs()
	require.Len(t, runs, 2)
	assert.Equal(t, "run-1", runs[0].ID)

	_, ok := tracker.Run("run-0")
	assert.False(t, ok)

	s, ok := tracker.Run("run-2")
	require.True(t, ok)
	assert.Equal(t, "failed", s.Status)
	assert.Equal(t, "b failed", s.Error)
	assert.Equal(t, 1, s.Succeeded)
	assert.Equal(t, 2, s.Failed)
	assert.Equal(t, 0, s.Ready)
	assert.Equal(t, 0, s.Running)
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("latch")
	require.NoError(t, err)
	assert.Equal(t, StrategyLatch, s)

	_, err = ParseStrategy("threads")
	assert.Error(t, err)
}

// countingPool counts the jobs submitted to the pool it wraps.
type countingPool struct {
	scheduler.Pool

	submitted atomic.Int32
}

func (p *countingPool) Submit(job func()) error {
	p.submitted.Add(1)
	return p.Pool.Submit(job)
}

func TestCancelSkipsQueuedBodies(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s Strategy) {
		rt := newRuntime(t)
		pool := &countingPool{Pool: scheduler.NewBounded("narrow", 1)}
		rt.Pools.Register(pool)

		entered := make(chan struct{})
		release := make(chan struct{})

		blocker := NewFunc("blocker", func(context.Context, *Run) error {
			close(entered)
			<-release

			return nil
		}, WithPool("narrow"))

		var ran, running atomic.Int32

		members := []Task{blocker}
		for i := range 3 {
			members = append(members, NewFunc(fmt.Sprintf("queued%d", i), func(context.Context, *Run) error {
				ran.Add(1)
				return nil
			}, WithPool("narrow")))
		}

		exec := NewExecutor(Parallel("root", members), rt, WithStrategy(s), WithListener(ListenerFuncs{
			Running: func(Task) { running.Add(1) },
		}))

		f := exec.Start(context.Background())
		<-entered

		require.Eventually(t, func() bool { return pool.submitted.Load() == 4 }, time.Second, time.Millisecond)

		exec.Cancel()
		close(release)

		require.ErrorIs(t, f.Wait(context.Background()), ErrCancelled)

		assert.Zero(t, ran.Load(), "queued bodies must not start after cancellation")
		assert.Equal(t, int32(1), running.Load())

		for _, m := range members[1:] {
			assert.Equal(t, StateFailed, m.Info().State())
			assert.True(t, m.Info().Cancelled())
			assert.ErrorIs(t, m.Info().Err(), ErrCancelled)
		}
	})
}

func TestUnitsReachedAfterCancelAreReported(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s Strategy) {
		tracker := NewTracker(0)

		var exec *Executor

		members := []Task{NewFunc("canceller", func(context.Context, *Run) error {
			exec.Cancel()
			return nil
		}, WithPool(scheduler.PoolImmediate))}

		for i := range 3 {
			members = append(members, NewFunc(fmt.Sprintf("late%d", i), nil))
		}

		var (
			mu     sync.Mutex
			ready  = map[string]int{}
			failed = map[string]int{}
		)

		exec = NewExecutor(Parallel("root", members), newRuntime(t),
			WithStrategy(s),
			WithRunID("cancelled"),
			WithListener(tracker.Track("cancelled", "root", s)),
			WithListener(ListenerFuncs{
				Ready: func(u Task) {
					mu.Lock()
					ready[u.Info().Name()]++
					mu.Unlock()
				},
				Failed: func(u Task, _ error) {
					mu.Lock()
					failed[u.Info().Name()]++
					mu.Unlock()
				},
			}),
		)

		assert.False(t, exec.Run(context.Background()))

		mu.Lock()
		defer mu.Unlock()

		for _, name := range []string{"root", "canceller", "late0", "late1", "late2"} {
			assert.Equal(t, 1, ready[name], name)
			assert.Equal(t, 1, failed[name], name)
		}

		stats, ok := tracker.Run("cancelled")
		require.True(t, ok)
		assert.Equal(t, 5, stats.Failed)
		assert.Equal(t, 0, stats.Ready)
		assert.Equal(t, 0, stats.Running)
	})
}
