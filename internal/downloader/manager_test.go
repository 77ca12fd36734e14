package downloader

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/taskgraph/internal/fetch"
	"github.com/italolelis/taskgraph/internal/scheduler"
	"github.com/italolelis/taskgraph/internal/task"
)

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func newManager(t *testing.T, dir string, threshold int64) *Manager {
	t.Helper()

	m, err := New(Options{
		Resolver:         DirResolver{Dir: dir},
		FetchWorkers:     4,
		Retry:            1,
		SegmentThreshold: threshold,
		Segmented:        fetch.SegmentedOptions{Segments: 2, MinSegmentSize: 1},
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = m.Close(context.Background()) })

	return m
}

func contentServer(t *testing.T, files map[string][]byte) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}

		http.ServeContent(w, r, r.URL.Path, time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)

	return srv
}

func wait(t *testing.T, exec *task.Executor) error {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return exec.Future().Wait(ctx)
}

func TestManagerDownloadsGraph(t *testing.T) {
	small := []byte("small artifact")
	large := bytes.Repeat([]byte("0123456789"), 100)

	srv := contentServer(t, map[string][]byte{"/small": small, "/large": large})
	dir := t.TempDir()
	m := newManager(t, dir, 500)

	root, err := m.Graph("batch", []Artifact{
		{Name: "small", URLs: []string{srv.URL + "/small"}, Size: int64(len(small))},
		{
			Name:      "large",
			Path:      "nested/large.bin",
			URLs:      []string{srv.URL + "/large"},
			Size:      int64(len(large)),
			Algorithm: "SHA-256",
			Digest:    sha256Hex(large),
		},
	})
	require.NoError(t, err)

	members := root.PreUnits()
	require.Len(t, members, 2)
	assert.IsType(t, &fetch.FileTask{}, members[0])
	assert.IsType(t, &fetch.SegmentedTask{}, members[1])

	exec := m.Execute(context.Background(), root)
	require.NoError(t, wait(t, exec))

	got, err := os.ReadFile(filepath.Join(dir, "small"))
	require.NoError(t, err)
	assert.Equal(t, small, got)

	got, err = os.ReadFile(filepath.Join(dir, "nested", "large.bin"))
	require.NoError(t, err)
	assert.Equal(t, large, got)

	finished := map[string]bool{}
	for range 2 {
		select {
		case ev := <-m.OnArtifactFinished:
			finished[ev.Artifact.Name] = true
			assert.Equal(t, exec.ID(), ev.RunID)
		case <-time.After(5 * time.Second):
			t.Fatal("missing finished event")
		}
	}
	assert.Equal(t, map[string]bool{"small": true, "large": true}, finished)

	stats, ok := m.Run(exec.ID())
	require.True(t, ok)
	assert.Equal(t, "batch", stats.Root)
}

func TestManagerPublishesFailures(t *testing.T) {
	srv := contentServer(t, map[string][]byte{})
	m := newManager(t, t.TempDir(), 0)

	root, err := m.Graph("batch", []Artifact{{Name: "missing", URLs: []string{srv.URL + "/missing"}}})
	require.NoError(t, err)

	err = wait(t, m.Execute(context.Background(), root))

	var de *fetch.DownloadError
	require.ErrorAs(t, err, &de)

	select {
	case ev := <-m.OnArtifactFailed:
		assert.Equal(t, "missing", ev.Artifact.Name)
		assert.ErrorAs(t, ev.Err, &de)
	case <-time.After(5 * time.Second):
		t.Fatal("missing failed event")
	}
}

func TestManagerRejectsUnsafePaths(t *testing.T) {
	m := newManager(t, t.TempDir(), 0)

	_, err := m.Graph("batch", []Artifact{{Path: "../outside", URLs: []string{"http://example.com/x"}}})
	assert.ErrorIs(t, err, ErrUnsafePath)
}

func TestManagerSetConcurrency(t *testing.T) {
	m := newManager(t, t.TempDir(), 0)

	require.NoError(t, m.SetConcurrency(7))
	assert.Equal(t, 7, m.PoolSizes()[scheduler.PoolFetch])
	assert.Error(t, m.SetConcurrency(0))
}

func TestManagerBytes(t *testing.T) {
	srv := contentServer(t, map[string][]byte{"/doc": []byte("in memory")})
	m := newManager(t, t.TempDir(), 0)

	bt := m.Bytes("doc", fetch.NewDescriptor([]string{srv.URL + "/doc"}))
	require.NoError(t, wait(t, m.Execute(context.Background(), bt)))
	assert.Equal(t, []byte("in memory"), bt.Result())
}

func TestCloseIsIdempotent(t *testing.T) {
	m := newManager(t, t.TempDir(), 0)

	require.NoError(t, m.Close(context.Background()))

	_, open := <-m.OnArtifactFinished
	assert.False(t, open)

	m.publish(context.Background(), m.OnArtifactFinished, ArtifactEvent{})
}
