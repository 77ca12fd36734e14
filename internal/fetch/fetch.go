package fetch

import (
	"bytes"
	"context"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/italolelis/taskgraph/internal/fetch/progress"
	"github.com/italolelis/taskgraph/internal/logctx"
	"github.com/italolelis/taskgraph/internal/scheduler"
	"github.com/italolelis/taskgraph/internal/task"
)

// progressBytes is how often, in bytes, a body reports progress to its run.
const progressBytes = 64 * 1024

// Metrics receives fetch measurements. telemetry.Telemetry implements it.
type Metrics interface {
	RecordFetchAttempt(ctx context.Context, outcome string)
	AddFetchBytes(ctx context.Context, n int64)
	RecordCacheLookup(ctx context.Context, kind, result string)
}

type noopMetrics struct{}

func (noopMetrics) RecordFetchAttempt(context.Context, string)        {}
func (noopMetrics) AddFetchBytes(context.Context, int64)              {}
func (noopMetrics) RecordCacheLookup(context.Context, string, string) {}

// Engine bundles what every fetch task shares.
type Engine struct {
	Client *Client
	// Cache is optional; without it descriptors behave as if caching was
	// disabled.
	Cache   CacheStore
	Meter   *SpeedMeter
	Metrics Metrics
}

func (e *Engine) metrics() Metrics {
	if e.Metrics == nil {
		return noopMetrics{}
	}

	return e.Metrics
}

func (e *Engine) taskOptions(opts []task.Option) []task.Option {
	return append([]task.Option{
		task.WithPool(scheduler.PoolFetch),
		task.WithSignificance(task.Moderate),
	}, opts...)
}

// sink is where one fetch writes its bytes.
type sink interface {
	// begin prepares an empty destination for an attempt.
	begin() (io.Writer, error)
	// abort throws away what the current attempt wrote.
	abort()
	// commit publishes the attempt. When needPath is set it returns a file
	// holding the content, for the cache store.
	commit(needPath bool) (string, error)
	// cleanup releases whatever commit created only for the cache store.
	cleanup()
	// restore satisfies the fetch from a cached artifact.
	restore(path string) error
}

type outcomeKind int

const (
	outcomeDone outcomeKind = iota
	outcomeTransient
	outcomeRejected
	outcomeStaleToken
)

type outcome struct {
	kind  outcomeKind
	label string
	err   error
}

func done(label string) outcome                { return outcome{kind: outcomeDone, label: label} }
func transient(err error) outcome              { return outcome{kind: outcomeTransient, label: "error", err: err} }
func rejected(err error) outcome               { return outcome{kind: outcomeRejected, label: "rejected", err: err} }
func staleToken() outcome                      { return outcome{kind: outcomeStaleToken, label: "stale_token"} }
func failedAs(label string, err error) outcome { return outcome{kind: outcomeTransient, label: label, err: err} }

// fetch runs the retry loop over every URL of desc.
func (e *Engine) fetch(ctx context.Context, run *task.Run, desc Descriptor, s sink, attempts *atomic.Int32) error {
	if err := desc.validate(); err != nil {
		return err
	}

	logger := logctx.LoggerFromContext(ctx)
	mode := desc.cacheMode(e.Cache)

	if mode == cacheChecksum {
		if e.fromChecksum(ctx, desc, s) {
			return nil
		}
	}

	var (
		lastErr error
		lastURL string
	)

	for _, url := range desc.URLs {
		urlCtx := logctx.WithFields(ctx, logctx.Fields{URL: url})
		revalidate := mode == cacheRevalidate

	tries:
		for try := 0; try < desc.retry(); {
			if err := ctx.Err(); err != nil {
				return err
			}

			lastURL = url
			attempts.Add(1)

			out := e.attempt(urlCtx, run, desc, mode, url, revalidate, s)
			e.metrics().RecordFetchAttempt(urlCtx, out.label)

			switch out.kind {
			case outcomeDone:
				return nil
			case outcomeStaleToken:
				logger.DebugContext(urlCtx, "cached artifact missing, fetching again without token")

				if err := e.Cache.Invalidate(url); err != nil {
					logger.WarnContext(urlCtx, "failed to invalidate token", "err", err)
				}

				revalidate = false
			case outcomeRejected:
				lastErr = out.err
				logger.DebugContext(urlCtx, "url rejected the request", "err", out.err)

				break tries
			default:
				if err := ctx.Err(); err != nil {
					return err
				}

				lastErr = out.err
				try++

				logger.DebugContext(urlCtx, "fetch attempt failed", "attempt", try, "err", out.err)
			}
		}
	}

	return &DownloadError{URL: lastURL, Attempts: int(attempts.Load()), Err: lastErr}
}

func (e *Engine) fromChecksum(ctx context.Context, desc Descriptor, s sink) bool {
	logger := logctx.LoggerFromContext(ctx)

	path, ok, err := e.Cache.LookupByChecksum(desc.Integrity.Algorithm, desc.Integrity.Digest)
	if err != nil {
		logger.WarnContext(ctx, "cache lookup failed", "err", err)
	}

	if !ok {
		e.metrics().RecordCacheLookup(ctx, "checksum", "miss")
		return false
	}

	if err := s.restore(path); err != nil {
		logger.WarnContext(ctx, "failed to use cached artifact", "path", path, "err", err)
		e.metrics().RecordCacheLookup(ctx, "checksum", "miss")

		return false
	}

	e.metrics().RecordCacheLookup(ctx, "checksum", "hit")

	return true
}

func (e *Engine) attempt(ctx context.Context, run *task.Run, desc Descriptor, mode cacheMode, url string, revalidate bool, s sink) outcome {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return rejected(fmt.Errorf("failed to create request: %w", err))
	}

	if revalidate {
		if tok, ok, err := e.Cache.Token(url); err == nil && ok {
			tok.apply(req)
		}
	}

	resp, err := e.Client.Do(req)
	if err != nil {
		return transient(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		if !revalidate {
			return transient(&ResponseCodeError{URL: url, StatusCode: resp.StatusCode})
		}

		return e.fromToken(ctx, url, s)
	case resp.StatusCode/100 == 4:
		return rejected(&ResponseCodeError{URL: url, StatusCode: resp.StatusCode})
	case resp.StatusCode/100 != 2:
		return transient(&ResponseCodeError{URL: url, StatusCode: resp.StatusCode})
	}

	var h hash.Hash
	if desc.Integrity != nil {
		h, _ = desc.Integrity.newHash()
	}

	w, err := s.begin()
	if err != nil {
		return transient(err)
	}

	pr := progress.NewReader(resp.Body, resp.ContentLength, progressBytes, func(written, total int64) {
		run.SetProgress(written, total)
	})
	pr.Digest = h

	n, err := e.copyBody(ctx, cancel, w, pr)
	if err != nil {
		s.abort()
		return transient(err)
	}

	if resp.ContentLength >= 0 && n != resp.ContentLength {
		s.abort()
		return failedAs("size_mismatch", &SizeMismatchError{Expected: resp.ContentLength, Actual: n})
	}

	if desc.Integrity != nil {
		if err := desc.Integrity.verify(h); err != nil {
			s.abort()
			return failedAs("integrity_mismatch", err)
		}
	}

	path, err := s.commit(mode != cacheNone)
	if err != nil {
		return transient(err)
	}
	defer s.cleanup()

	e.remember(ctx, desc, mode, url, path, tokenFromResponse(resp.Header))

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "fetched", "size", humanize.Bytes(uint64(n)))

	return done("success")
}

func (e *Engine) fromToken(ctx context.Context, url string, s sink) outcome {
	path, ok, err := e.Cache.LookupByToken(url)
	if err != nil || !ok {
		e.metrics().RecordCacheLookup(ctx, "token", "miss")
		return staleToken()
	}

	if err := s.restore(path); err != nil {
		e.metrics().RecordCacheLookup(ctx, "token", "miss")
		return staleToken()
	}

	e.metrics().RecordCacheLookup(ctx, "token", "hit")

	return done("not_modified")
}

// remember records a freshly published artifact in the cache store.
func (e *Engine) remember(ctx context.Context, desc Descriptor, mode cacheMode, url, path string, tok Token) {
	logger := logctx.LoggerFromContext(ctx)

	switch mode {
	case cacheChecksum:
		if err := e.Cache.Store(path, desc.Integrity.Algorithm, desc.Integrity.Digest); err != nil {
			logger.WarnContext(ctx, "failed to cache artifact", "err", err)
		}
	case cacheRevalidate:
		if tok.empty() {
			return
		}

		if err := e.Cache.StoreToken(url, path, tok); err != nil {
			logger.WarnContext(ctx, "failed to cache revalidation token", "err", err)
		}
	}
}

// copyBody streams pr into w, aborting the attempt when no byte arrives
// for the client's read timeout.
func (e *Engine) copyBody(ctx context.Context, cancel context.CancelFunc, w io.Writer, pr *progress.Reader) (int64, error) {
	var stalled atomic.Bool

	timeout := e.Client.readTimeout
	timer := time.AfterFunc(timeout, func() {
		stalled.Store(true)
		cancel()
	})
	defer timer.Stop()

	next := pr.OnChunk
	pr.OnChunk = func(n int) {
		timer.Reset(timeout)
		e.Meter.Add(int64(n))
		e.metrics().AddFetchBytes(ctx, int64(n))

		if next != nil {
			next(n)
		}
	}

	n, err := io.Copy(w, pr)
	if err != nil {
		if stalled.Load() {
			return n, errReadTimeout
		}

		return n, err
	}

	return n, nil
}

// FileTask downloads a descriptor to a destination path. Bytes are staged
// next to the destination and renamed into place only once verified.
type FileTask struct {
	info     *task.Info
	engine   *Engine
	desc     Descriptor
	dest     string
	attempts atomic.Int32
}

func (e *Engine) File(desc Descriptor, dest string, opts ...task.Option) *FileTask {
	return &FileTask{
		info:   task.NewInfo(filepath.Base(dest), e.taskOptions(opts)...),
		engine: e,
		desc:   desc,
		dest:   dest,
	}
}

func (t *FileTask) Info() *task.Info       { return t.info }
func (t *FileTask) PreUnits() []task.Task  { return nil }
func (t *FileTask) PostUnits() []task.Task { return nil }

// Destination is the path the artifact is published at.
func (t *FileTask) Destination() string { return t.dest }

// Attempts returns how many requests the latest run made.
func (t *FileTask) Attempts() int { return int(t.attempts.Load()) }

func (t *FileTask) Execute(ctx context.Context, run *task.Run) error {
	ctx = logctx.WithFields(ctx, logctx.Fields{Artifact: t.dest})
	t.attempts.Store(0)

	if err := t.engine.fetch(ctx, run, t.desc, &fileSink{dest: t.dest}, &t.attempts); err != nil {
		return err
	}

	if st, err := os.Stat(t.dest); err == nil {
		logctx.LoggerFromContext(ctx).InfoContext(ctx, "artifact ready", "size", humanize.Bytes(uint64(st.Size())))
	}

	return nil
}

type fileSink struct {
	dest string
	tmp  *os.File
}

func (s *fileSink) begin() (io.Writer, error) {
	if err := os.MkdirAll(filepath.Dir(s.dest), dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create target directory: %w", err)
	}

	f, err := os.Create(s.dest + "." + uuid.NewString() + ".part")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}

	s.tmp = f

	return f, nil
}

func (s *fileSink) abort() {
	if s.tmp == nil {
		return
	}

	name := s.tmp.Name()
	_ = s.tmp.Close()
	_ = os.Remove(name)
	s.tmp = nil
}

func (s *fileSink) commit(bool) (string, error) {
	f := s.tmp
	s.tmp = nil

	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())

		return "", fmt.Errorf("failed to flush staging file: %w", err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("failed to close staging file: %w", err)
	}

	if err := rename(f.Name(), s.dest); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}

	return s.dest, nil
}

func (s *fileSink) cleanup() {}

func (s *fileSink) restore(path string) error {
	return CopyAtomic(path, s.dest)
}

// BytesTask fetches a descriptor into memory.
type BytesTask struct {
	info     *task.Info
	engine   *Engine
	desc     Descriptor
	attempts atomic.Int32
	result   atomic.Pointer[[]byte]
}

func (e *Engine) Bytes(name string, desc Descriptor, opts ...task.Option) *BytesTask {
	return &BytesTask{
		info:   task.NewInfo(name, e.taskOptions(opts)...),
		engine: e,
		desc:   desc,
	}
}

func (t *BytesTask) Info() *task.Info       { return t.info }
func (t *BytesTask) PreUnits() []task.Task  { return nil }
func (t *BytesTask) PostUnits() []task.Task { return nil }
func (t *BytesTask) Attempts() int          { return int(t.attempts.Load()) }

// Result returns the fetched content, or nil before success.
func (t *BytesTask) Result() []byte {
	if p := t.result.Load(); p != nil {
		return *p
	}

	return nil
}

func (t *BytesTask) Execute(ctx context.Context, run *task.Run) error {
	s := &bytesSink{}
	t.attempts.Store(0)

	if err := t.engine.fetch(ctx, run, t.desc, s, &t.attempts); err != nil {
		return err
	}

	t.result.Store(&s.result)

	return nil
}

type bytesSink struct {
	buf    bytes.Buffer
	result []byte
	tmp    string
}

func (s *bytesSink) begin() (io.Writer, error) {
	s.buf.Reset()
	return &s.buf, nil
}

func (s *bytesSink) abort() { s.buf.Reset() }

func (s *bytesSink) commit(needPath bool) (string, error) {
	s.result = bytes.Clone(s.buf.Bytes())

	if !needPath {
		return "", nil
	}

	f, err := os.CreateTemp("", "taskgraph-*.bin")
	if err != nil {
		return "", fmt.Errorf("failed to spool content for the cache: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(s.result); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("failed to spool content for the cache: %w", err)
	}

	s.tmp = f.Name()

	return s.tmp, nil
}

func (s *bytesSink) cleanup() {
	if s.tmp != "" {
		_ = os.Remove(s.tmp)
		s.tmp = ""
	}
}

func (s *bytesSink) restore(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	s.result = data

	return nil
}
