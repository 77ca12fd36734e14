package downloader

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/taskgraph/internal/fetch"
	"github.com/italolelis/taskgraph/internal/logctx"
	"github.com/italolelis/taskgraph/internal/scheduler"
	"github.com/italolelis/taskgraph/internal/task"
	"github.com/italolelis/taskgraph/internal/telemetry"
)

const eventBuffer = 64

// Options configures a Manager. Only Resolver is required.
type Options struct {
	Client *fetch.Client
	Cache  fetch.CacheStore
	// Pools is created from FetchWorkers and IOWorkers when nil and then
	// shut down by Close.
	Pools        *scheduler.Registry
	FetchWorkers int
	IOWorkers    int
	Meter        *fetch.SpeedMeter
	Telemetry    *telemetry.Telemetry
	Resolver     PathResolver
	Tracker      *task.Tracker
	IDs          *RunIDs

	Retry int
	// SegmentThreshold is the size from which artifacts are downloaded in
	// segments. Zero disables segmented downloads.
	SegmentThreshold int64
	Segmented        fetch.SegmentedOptions
	ProgressInterval time.Duration
	Strategy         task.Strategy
	OnUncaught       func(ctx context.Context, err error)
}

// ArtifactEvent is published once an artifact task settled.
type ArtifactEvent struct {
	RunID       string
	Artifact    Artifact
	Destination string
	Err         error
}

type tracked struct {
	artifact Artifact
	dest     string
}

// Manager owns the fetch client, pools, speed meter and cache of a process
// and turns artifact lists into task graphs.
type Manager struct {
	engine    *fetch.Engine
	pools     *scheduler.Registry
	ownsPools bool
	meter     *fetch.SpeedMeter
	tel       *telemetry.Telemetry
	resolver  PathResolver
	tracker   *task.Tracker
	ids       *RunIDs
	opts      Options

	mu        sync.Mutex
	artifacts map[*task.Info]tracked
	closed    bool

	OnArtifactFailed   chan ArtifactEvent
	OnArtifactFinished chan ArtifactEvent
}

func New(opts Options) (*Manager, error) {
	if opts.Resolver == nil {
		return nil, fmt.Errorf("a path resolver is required")
	}

	m := &Manager{
		pools:              opts.Pools,
		meter:              opts.Meter,
		tel:                opts.Telemetry,
		resolver:           opts.Resolver,
		tracker:            opts.Tracker,
		ids:                opts.IDs,
		opts:               opts,
		artifacts:          make(map[*task.Info]tracked),
		OnArtifactFailed:   make(chan ArtifactEvent, eventBuffer),
		OnArtifactFinished: make(chan ArtifactEvent, eventBuffer),
	}

	if m.pools == nil {
		m.pools = scheduler.NewRegistry(scheduler.Options{
			FetchWorkers: opts.FetchWorkers,
			IOWorkers:    opts.IOWorkers,
			OnResize:     m.tel.SetPoolSize,
		})
		m.ownsPools = true
	}

	if m.meter == nil {
		m.meter = fetch.NewSpeedMeter(time.Second)
	}

	m.meter.Subscribe(func(bps int64) {
		m.tel.SetDownloadSpeed(context.Background(), bps)
	})

	if m.tracker == nil {
		m.tracker = task.NewTracker(0)
	}

	if m.ids == nil {
		ids, err := NewRunIDs(0)
		if err != nil {
			return nil, err
		}

		m.ids = ids
	}

	client := opts.Client
	if client == nil {
		client = fetch.NewClient(fetch.ClientOptions{})
	}

	m.engine = &fetch.Engine{Client: client, Cache: opts.Cache, Meter: m.meter, Metrics: m.tel}

	return m, nil
}

// Start publishes the download speed until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	go m.meter.Run(ctx)
}

// Close closes the event channels and the pools the manager created.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.OnArtifactFailed)
		close(m.OnArtifactFinished)
	}
	m.mu.Unlock()

	if m.ownsPools {
		return m.pools.Shutdown(ctx)
	}

	return nil
}

func (m *Manager) Engine() *fetch.Engine               { return m.engine }
func (m *Manager) Pools() *scheduler.Registry          { return m.pools }
func (m *Manager) PoolSizes() map[string]int           { return m.pools.Sizes() }
func (m *Manager) Runs() []task.RunStats               { return m.tracker.Runs() }
func (m *Manager) Run(id string) (task.RunStats, bool) { return m.tracker.Run(id) }

// Speed returns the aggregate download rate in bytes per second.
func (m *Manager) Speed() int64 { return m.meter.Speed() }

// SetConcurrency resizes the shared fetch pool in place.
func (m *Manager) SetConcurrency(n int) error {
	if n < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", n)
	}

	m.pools.Fetch().Resize(n)

	return nil
}

// FileTask builds the unit downloading a to the path chosen by the resolver.
// Artifacts at or above the segment threshold are downloaded in segments.
func (m *Manager) FileTask(a Artifact) (task.Task, error) {
	dest, err := m.resolver.Resolve(a)
	if err != nil {
		return nil, err
	}

	desc := a.Descriptor(m.opts.Retry)
	opts := []task.Option{task.WithSignificance(a.significance())}

	if m.opts.ProgressInterval > 0 {
		opts = append(opts, task.WithProgressInterval(m.opts.ProgressInterval))
	}

	var t task.Task
	if m.opts.SegmentThreshold > 0 && a.Size >= m.opts.SegmentThreshold {
		t = m.engine.Segmented(desc, dest, m.opts.Segmented, opts...)
	} else {
		t = m.engine.File(desc, dest, opts...)
	}

	m.mu.Lock()
	m.artifacts[t.Info()] = tracked{artifact: a, dest: dest}
	m.mu.Unlock()

	return t, nil
}

// Bytes builds a unit downloading desc into memory.
func (m *Manager) Bytes(name string, desc fetch.Descriptor) *fetch.BytesTask {
	return m.engine.Bytes(name, desc)
}

// Graph builds one unit downloading every artifact in parallel. It fails
// when any artifact fails.
func (m *Manager) Graph(name string, artifacts []Artifact) (task.Task, error) {
	members := make([]task.Task, 0, len(artifacts))

	for _, a := range artifacts {
		t, err := m.FileTask(a)
		if err != nil {
			return nil, fmt.Errorf("failed to plan %s: %w", a.Label(), err)
		}

		members = append(members, t)
	}

	return task.Parallel(name, members, task.WithSignificance(task.Major)), nil
}

// Execute starts a run of root and returns its executor.
func (m *Manager) Execute(ctx context.Context, root task.Task) *task.Executor {
	id := m.ids.Next()

	exec := task.NewExecutor(root, task.Runtime{
		Pools:      m.pools,
		OnUncaught: m.opts.OnUncaught,
		Metrics:    m.tel,
		Progress:   task.ProgressSinkFunc(m.logProgress(ctx)),
	},
		task.WithRunID(id),
		task.WithStrategy(m.opts.Strategy),
		task.WithListener(m.tracker.Track(id, root.Info().Name(), m.opts.Strategy)),
		task.WithListener(m.listener(ctx, id)),
	)

	exec.Start(ctx)

	return exec
}

func (m *Manager) lookup(t task.Task) (tracked, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.artifacts[t.Info()]

	return a, ok
}

func (m *Manager) listener(ctx context.Context, runID string) task.Listener {
	logger := logctx.LoggerFromContext(ctx)

	return task.ListenerFuncs{
		Finished: func(t task.Task) {
			a, ok := m.lookup(t)
			if !ok {
				return
			}

			size := int64(0)
			if st, err := os.Stat(a.dest); err == nil {
				size = st.Size()
			}

			logger.Info("downloaded and saved file", "run_id", runID, "target", a.dest, "size", humanize.Bytes(uint64(size)))

			m.publish(ctx, m.OnArtifactFinished, ArtifactEvent{RunID: runID, Artifact: a.artifact, Destination: a.dest})
		},
		Failed: func(t task.Task, err error) {
			a, ok := m.lookup(t)
			if !ok {
				return
			}

			m.publish(ctx, m.OnArtifactFailed, ArtifactEvent{RunID: runID, Artifact: a.artifact, Destination: a.dest, Err: err})
		},
	}
}

// publish never blocks the executor; events are dropped when nobody keeps
// up with the channel.
func (m *Manager) publish(ctx context.Context, ch chan ArtifactEvent, ev ArtifactEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	select {
	case ch <- ev:
	default:
		logctx.LoggerFromContext(ctx).Debug("dropped artifact event", "artifact", ev.Artifact.Label())
	}
}

func (m *Manager) logProgress(ctx context.Context) func(t task.Task, progress float64, message string) {
	logger := logctx.LoggerFromContext(ctx)

	return func(t task.Task, progress float64, message string) {
		a, ok := m.lookup(t)
		if !ok {
			return
		}

		args := []any{
			"artifact", a.artifact.Label(),
			"percent", humanize.FtoaWithDigits(progress*100, 2),
		}

		if a.artifact.Size > 0 {
			args = append(args,
				"downloaded", humanize.Bytes(uint64(progress*float64(a.artifact.Size))),
				"total", humanize.Bytes(uint64(a.artifact.Size)))
		}

		if message != "" {
			args = append(args, "message", message)
		}

		logger.Debug("download progress", args...)
	}
}
