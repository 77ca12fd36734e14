package progress

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderReportsAndDigests(t *testing.T) {
	body := strings.Repeat("a", 1000)

	var (
		reports []int64
		chunks  int
	)

	pr := NewReader(strings.NewReader(body), int64(len(body)), 1<<20, func(written, total int64) {
		assert.Equal(t, int64(1000), total)
		reports = append(reports, written)
	})
	pr.OnChunk = func(int) { chunks++ }
	pr.Digest = sha256.New()

	buf := make([]byte, 100)
	for {
		_, err := pr.Read(buf)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}

	sum := sha256.Sum256([]byte(body))
	assert.Equal(t, hex.EncodeToString(sum[:]), hex.EncodeToString(pr.Digest.Sum(nil)))
	assert.Equal(t, int64(1000), pr.Written())
	assert.Equal(t, 10, chunks)

	// every 100 byte chunk crosses a 5% boundary of a 1000 byte body
	assert.Len(t, reports, 10)
	assert.Equal(t, int64(1000), reports[len(reports)-1])
}

func TestReaderIntervalAndResume(t *testing.T) {
	var reports []int64

	pr := NewReader(strings.NewReader(strings.Repeat("b", 300)), -1, 128, func(written, _ int64) {
		reports = append(reports, written)
	}).Resume(500)

	_, err := io.Copy(io.Discard, struct{ io.Reader }{pr})
	require.NoError(t, err)

	require.NotEmpty(t, reports)
	assert.Equal(t, int64(800), reports[len(reports)-1])
	assert.Equal(t, int64(800), pr.Written())
}
