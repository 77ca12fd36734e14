package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/taskgraph/internal/fetch/progress"
	"github.com/italolelis/taskgraph/internal/logctx"
	"github.com/italolelis/taskgraph/internal/scheduler"
	"github.com/italolelis/taskgraph/internal/task"
)

const (
	DefaultSegments       = 4
	DefaultMinSegmentSize = 1 << 20
	defaultSaveInterval   = time.Second
)

type SegmentedOptions struct {
	// Segments is the number of ranges fetched concurrently.
	Segments int
	// MinSegmentSize keeps small files from being split into tiny ranges.
	MinSegmentSize int64
	// SaveInterval throttles writes of the resume state.
	SaveInterval time.Duration
}

func (o SegmentedOptions) withDefaults() SegmentedOptions {
	if o.Segments < 1 {
		o.Segments = DefaultSegments
	}

	if o.MinSegmentSize <= 0 {
		o.MinSegmentSize = DefaultMinSegmentSize
	}

	if o.SaveInterval <= 0 {
		o.SaveInterval = defaultSaveInterval
	}

	return o
}

// SegmentedTask downloads a file as concurrent byte ranges into
// <dest>.part, recording progress in <dest>.state.json so an interrupted
// transfer continues where it stopped. Its body probes the resource and
// plans the ranges; the ranges and the final verification run as its
// post-unit.
type SegmentedTask struct {
	info   *task.Info
	engine *Engine
	desc   Descriptor
	dest   string
	opts   SegmentedOptions

	attempts atomic.Int32
	written  atomic.Int64

	// set by the planning body, read-only afterwards
	mode     cacheMode
	length   int64
	ranges   bool
	probe    *Probe
	segments []*liveSegment
	complete task.Task

	mu       sync.Mutex
	rejected map[string]bool
	lastSave time.Time

	rr        atomic.Uint32
	fastest   atomic.Pointer[string]
	satisfied atomic.Pointer[string]
	stopOnce  sync.Once
	stopped   chan struct{}
}

func (e *Engine) Segmented(desc Descriptor, dest string, opts SegmentedOptions, taskOpts ...task.Option) *SegmentedTask {
	return &SegmentedTask{
		info:     task.NewInfo(filepath.Base(dest), e.taskOptions(taskOpts)...),
		engine:   e,
		desc:     desc,
		dest:     dest,
		opts:     opts.withDefaults(),
		rejected: make(map[string]bool),
		stopped:  make(chan struct{}),
	}
}

func (t *SegmentedTask) Info() *task.Info      { return t.info }
func (t *SegmentedTask) PreUnits() []task.Task { return nil }
func (t *SegmentedTask) Destination() string   { return t.dest }
func (t *SegmentedTask) Attempts() int         { return int(t.attempts.Load()) }

func (t *SegmentedTask) PostUnits() []task.Task {
	if t.complete == nil {
		return nil
	}

	return []task.Task{t.complete}
}

// Segments returns the current ranges and their positions.
func (t *SegmentedTask) Segments() []Segment {
	out := make([]Segment, 0, len(t.segments))
	for _, s := range t.segments {
		out = append(out, s.snapshot())
	}

	return out
}

func (t *SegmentedTask) Execute(ctx context.Context, run *task.Run) error {
	if err := t.desc.validate(); err != nil {
		return err
	}

	ctx = logctx.WithFields(ctx, logctx.Fields{Artifact: t.dest})
	logger := logctx.LoggerFromContext(ctx)

	t.reset()
	t.mode = t.desc.cacheMode(t.engine.Cache)

	if t.mode == cacheChecksum && t.engine.fromChecksum(ctx, t.desc, &fileSink{dest: t.dest}) {
		logger.DebugContext(ctx, "artifact served from cache")
		return nil
	}

	t.probe = t.probeURLs(ctx)
	t.length = -1

	if t.probe != nil {
		t.length = t.probe.Length
		t.ranges = t.probe.AcceptRanges && t.probe.Length > 0
	}

	if err := os.MkdirAll(filepath.Dir(t.dest), dirPerm); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}

	segs := t.plan(ctx)

	f, err := os.OpenFile(partPath(t.dest), os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("failed to create part file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to create part file: %w", err)
	}

	pending := make([]task.Task, 0, len(segs))

	for i, s := range segs {
		live := newLiveSegment(i, s)
		t.segments = append(t.segments, live)
		t.written.Add(s.Position - s.Start)

		if s.Finished() {
			continue
		}

		pending = append(pending, &segmentTask{
			info:   task.NewInfo(fmt.Sprintf("%s#%d", t.info.Name(), i), t.childOptions()...),
			parent: t,
			seg:    live,
		})
	}

	if err := t.save(); err != nil {
		logger.WarnContext(ctx, "failed to save download state", "err", err)
	}

	run.SetProgress(t.written.Load(), t.length)

	t.complete = &completion{
		info: task.NewInfo(t.info.Name()+"/complete",
			task.WithPool(scheduler.PoolIO),
			task.WithSignificance(t.info.Significance()),
			task.WithReliesOnPre(false),
		),
		parent:   t,
		segments: pending,
	}

	logger.DebugContext(ctx, "segmented download planned",
		"segments", len(segs),
		"pending", len(pending),
		"ranges", t.ranges,
		"size", sizeOf(t.length),
	)

	return nil
}

// reset forgets what a previous run of the task planned.
func (t *SegmentedTask) reset() {
	t.segments = nil
	t.complete = nil
	t.probe = nil
	t.ranges = false
	t.written.Store(0)
	t.attempts.Store(0)
	t.fastest.Store(nil)
	t.satisfied.Store(nil)
	t.rejected = make(map[string]bool)
	t.stopOnce = sync.Once{}
	t.stopped = make(chan struct{})
}

func (t *SegmentedTask) childOptions() []task.Option {
	return []task.Option{
		task.WithPool(t.info.Pool()),
		task.WithSignificance(t.info.Significance()),
		task.WithProgressInterval(t.info.ProgressInterval()),
	}
}

// probeURLs returns the first successful HEAD answer, or nil when no URL
// answered one.
func (t *SegmentedTask) probeURLs(ctx context.Context) *Probe {
	for _, url := range t.desc.URLs {
		p, err := t.engine.Client.Head(ctx, url)
		if err == nil {
			return p
		}

		logctx.LoggerFromContext(ctx).DebugContext(ctx, "probe failed", "url", url, "err", err)
	}

	return nil
}

// plan resumes the persisted ranges when they still describe this transfer
// and otherwise starts from zero.
func (t *SegmentedTask) plan(ctx context.Context) []Segment {
	logger := logctx.LoggerFromContext(ctx)

	if t.ranges {
		st, ok, err := LoadState(t.dest)
		if err != nil {
			logger.WarnContext(ctx, "discarding unreadable download state", "err", err)
		}

		if ok && st.resumable(t.desc.URLs, t.length, t.validators()) && fileExists(partPath(t.dest)) {
			var done int64
			for _, s := range st.Segments {
				done += s.Position - s.Start
			}

			logger.InfoContext(ctx, "resuming download", "done", humanize.Bytes(uint64(done)), "size", sizeOf(t.length))

			return st.Segments
		}

		if ok {
			logger.DebugContext(ctx, "download state does not match, starting over")
		}
	}

	_ = os.Remove(partPath(t.dest))
	removeState(t.dest)

	if !t.ranges {
		return planSegments(t.length, 1, 0)
	}

	return planSegments(t.length, t.opts.Segments, t.opts.MinSegmentSize)
}

// save persists the positions of every range. Transfers that cannot resume
// have nothing to save.
func (t *SegmentedTask) save() error {
	if !t.ranges {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastSave = time.Now()

	v := t.validators()

	return SaveState(t.dest, &State{
		URLs:         t.desc.URLs,
		ETag:         v.ETag,
		LastModified: v.LastModified,
		Segments:     t.Segments(),
	})
}

// validators returns the ETag and Last-Modified the resource was probed with.
func (t *SegmentedTask) validators() Token {
	if t.probe == nil {
		return Token{}
	}

	return Token{ETag: t.probe.ETag, LastModified: t.probe.LastModified}
}

func (t *SegmentedTask) maybeSave(ctx context.Context) {
	t.mu.Lock()
	due := time.Since(t.lastSave) >= t.opts.SaveInterval
	t.mu.Unlock()

	if !due {
		return
	}

	if err := t.save(); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to save download state", "err", err)
	}
}

// pick chooses the URL for the next request of segment index: the suggested
// URL for the very first request, then the fastest mirror once one has been
// measured, otherwise the candidates in turn.
func (t *SegmentedTask) pick(index int, first bool) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	urls := t.desc.URLs

	if first && index == 0 && !t.rejected[urls[0]] {
		return urls[0], true
	}

	if f := t.fastest.Load(); f != nil && !t.rejected[*f] {
		return *f, true
	}

	for range urls {
		u := urls[int(t.rr.Add(1)-1)%len(urls)]
		if !t.rejected[u] {
			return u, true
		}
	}

	return "", false
}

func (t *SegmentedTask) reject(url string) {
	t.mu.Lock()
	t.rejected[url] = true
	t.mu.Unlock()
}

// promote records url as the fastest mirror. The first measurement wins;
// later ones never replace it.
func (t *SegmentedTask) promote(ctx context.Context, url string, n int64, elapsed time.Duration) {
	if len(t.desc.URLs) < 2 || n <= 0 || elapsed <= 0 {
		return
	}

	if t.fastest.CompareAndSwap(nil, &url) {
		rate := uint64(float64(n) / elapsed.Seconds())
		logctx.LoggerFromContext(ctx).DebugContext(ctx, "fastest mirror selected", "url", url, "speed", humanize.Bytes(rate)+"/s")
	}
}

// satisfy completes the whole transfer from the cached artifact at path and
// stops every sibling range.
func (t *SegmentedTask) satisfy(path string) {
	t.satisfied.CompareAndSwap(nil, &path)
	t.stopOnce.Do(func() { close(t.stopped) })
}

func (t *SegmentedTask) isSatisfied() bool {
	return t.satisfied.Load() != nil
}

type segmentTask struct {
	info   *task.Info
	parent *SegmentedTask
	seg    *liveSegment
}

func (s *segmentTask) Info() *task.Info       { return s.info }
func (s *segmentTask) PreUnits() []task.Task  { return nil }
func (s *segmentTask) PostUnits() []task.Task { return nil }

func (s *segmentTask) Execute(ctx context.Context, run *task.Run) error {
	t := s.parent

	ctx = logctx.WithFields(ctx, logctx.Fields{Artifact: t.dest})
	logger := logctx.LoggerFromContext(ctx)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-t.stopped:
			cancel()
		case <-ctx.Done():
		}
	}()

	defer func() {
		if !t.isSatisfied() {
			if err := t.save(); err != nil {
				logger.WarnContext(ctx, "failed to save download state", "err", err)
			}
		}
	}()

	var (
		lastErr error
		lastURL string
		first   = true
	)

	revalidate := t.mode == cacheRevalidate
	budget := t.desc.retry() * len(t.desc.URLs)

	for try := 0; try < budget; {
		if t.isSatisfied() {
			return nil
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		url, ok := t.pick(s.seg.index, first)
		if !ok {
			break
		}

		first = false
		lastURL = url
		t.attempts.Add(1)

		urlCtx := logctx.WithFields(ctx, logctx.Fields{URL: url})
		out := s.download(urlCtx, run, url, revalidate)
		t.engine.metrics().RecordFetchAttempt(urlCtx, out.label)

		switch out.kind {
		case outcomeDone:
			return nil
		case outcomeStaleToken:
			if err := t.engine.Cache.Invalidate(url); err != nil {
				logger.WarnContext(urlCtx, "failed to invalidate token", "err", err)
			}

			revalidate = false
		case outcomeRejected:
			lastErr = out.err
			t.reject(url)
		default:
			if t.isSatisfied() {
				return nil
			}

			if err := ctx.Err(); err != nil {
				return err
			}

			lastErr = out.err
			try++

			logger.DebugContext(urlCtx, "segment attempt failed", "segment", s.seg.index, "attempt", try, "err", out.err)
		}
	}

	return &DownloadError{URL: lastURL, Attempts: int(t.attempts.Load()), Err: lastErr}
}

func (s *segmentTask) download(ctx context.Context, run *task.Run, url string, revalidate bool) outcome {
	t := s.parent
	seg := s.seg

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return rejected(fmt.Errorf("failed to create request: %w", err))
	}

	if t.ranges {
		req.Header.Set("Range", rangeHeader(seg.pos.Load(), seg.end))
	} else {
		// Without ranges every attempt starts over.
		t.written.Add(-(seg.pos.Swap(seg.start) - seg.start))
	}

	if revalidate {
		if tok, ok, err := t.engine.Cache.Token(url); err == nil && ok {
			tok.apply(req)
		}
	}

	resp, err := t.engine.Client.Do(req)
	if err != nil {
		return transient(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		if !revalidate {
			return transient(&ResponseCodeError{URL: url, StatusCode: resp.StatusCode})
		}

		path, ok, err := t.engine.Cache.LookupByToken(url)
		if err != nil || !ok {
			t.engine.metrics().RecordCacheLookup(ctx, "token", "miss")
			return staleToken()
		}

		t.engine.metrics().RecordCacheLookup(ctx, "token", "hit")
		t.satisfy(path)

		return done("not_modified")
	case resp.StatusCode/100 == 4:
		return rejected(&ResponseCodeError{URL: url, StatusCode: resp.StatusCode})
	case resp.StatusCode/100 != 2:
		return transient(&ResponseCodeError{URL: url, StatusCode: resp.StatusCode})
	case t.ranges && resp.StatusCode != http.StatusPartialContent:
		return rejected(fmt.Errorf("%s ignored the range request: %w", url, &ResponseCodeError{URL: url, StatusCode: resp.StatusCode}))
	}

	f, err := os.OpenFile(partPath(t.dest), os.O_WRONLY, filePerm)
	if err != nil {
		return transient(fmt.Errorf("failed to open part file: %w", err))
	}
	defer f.Close()

	if !t.ranges {
		if err := f.Truncate(0); err != nil {
			return transient(fmt.Errorf("failed to truncate part file: %w", err))
		}
	}

	var body io.Reader = resp.Body
	if seg.end >= 0 {
		body = io.LimitReader(resp.Body, seg.remaining())
	}

	pr := progress.NewReader(body, seg.remaining(), progressBytes, func(int64, int64) {
		run.SetProgress(t.written.Load(), t.length)
	})
	pr.OnChunk = func(n int) {
		t.written.Add(int64(n))
		t.maybeSave(ctx)
	}

	start := time.Now()

	n, err := t.engine.copyBody(ctx, cancel, &segmentWriter{f: f, seg: seg}, pr)
	if err != nil {
		return transient(err)
	}

	if seg.end >= 0 && seg.pos.Load() != seg.end {
		return failedAs("size_mismatch", &SizeMismatchError{Expected: seg.end - seg.start, Actual: seg.pos.Load() - seg.start})
	}

	if seg.end < 0 && resp.ContentLength >= 0 && n != resp.ContentLength {
		return failedAs("size_mismatch", &SizeMismatchError{Expected: resp.ContentLength, Actual: n})
	}

	if err := f.Sync(); err != nil {
		return transient(fmt.Errorf("failed to flush part file: %w", err))
	}

	t.promote(ctx, url, n, time.Since(start))

	return done("success")
}

// segmentWriter writes at the segment's position and advances it.
type segmentWriter struct {
	f   *os.File
	seg *liveSegment
}

func (w *segmentWriter) Write(p []byte) (int, error) {
	n, err := w.f.WriteAt(p, w.seg.pos.Load())
	w.seg.pos.Add(int64(n))

	return n, err
}

// completion verifies and publishes the part file once every range
// finished, or saves the state for the next run when one failed.
type completion struct {
	info     *task.Info
	parent   *SegmentedTask
	segments []task.Task
}

func (c *completion) Info() *task.Info       { return c.info }
func (c *completion) PreUnits() []task.Task  { return c.segments }
func (c *completion) PostUnits() []task.Task { return nil }

func (c *completion) Execute(ctx context.Context, _ *task.Run) error {
	t := c.parent

	ctx = logctx.WithFields(ctx, logctx.Fields{Artifact: t.dest})
	logger := logctx.LoggerFromContext(ctx)

	if path := t.satisfied.Load(); path != nil {
		if err := CopyAtomic(*path, t.dest); err != nil {
			return err
		}

		_ = os.Remove(partPath(t.dest))
		removeState(t.dest)

		logger.DebugContext(ctx, "artifact served from cache")

		return nil
	}

	for _, s := range c.segments {
		info := s.Info()
		if info.State() == task.StateSucceeded {
			continue
		}

		if err := t.save(); err != nil {
			logger.WarnContext(ctx, "failed to save download state", "err", err)
		}

		err := info.Err()
		if err == nil {
			err = task.ErrCancelled
		}

		return task.Silent(err)
	}

	part := partPath(t.dest)

	if t.length >= 0 {
		st, err := os.Stat(part)
		if err != nil {
			return fmt.Errorf("failed to stat part file: %w", err)
		}

		if st.Size() != t.length {
			t.discard()
			return &SizeMismatchError{Expected: t.length, Actual: st.Size()}
		}
	}

	if in := t.desc.Integrity; in != nil {
		actual, err := DigestFile(part, in.Algorithm)
		if err != nil {
			return err
		}

		if !in.Matches(actual) {
			t.discard()

			return &IntegrityError{
				Algorithm: NormalizeAlgorithm(in.Algorithm),
				Expected:  in.Digest,
				Actual:    actual,
			}
		}
	}

	if err := rename(part, t.dest); err != nil {
		return err
	}

	removeState(t.dest)

	var (
		url string
		tok Token
	)

	if t.probe != nil {
		url = t.probe.URL
		tok = Token{ETag: t.probe.ETag, LastModified: t.probe.LastModified}
	}

	t.engine.remember(ctx, t.desc, t.mode, url, t.dest, tok)

	logger.InfoContext(ctx, "artifact ready", "size", sizeOf(t.length), "attempts", t.Attempts())

	return nil
}

// discard throws the transfer away so the next run starts from zero.
func (t *SegmentedTask) discard() {
	_ = os.Remove(partPath(t.dest))
	removeState(t.dest)
}

func sizeOf(n int64) string {
	if n < 0 {
		return "unknown"
	}

	return humanize.Bytes(uint64(n))
}
