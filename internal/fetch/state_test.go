package fetch

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanSegments(t *testing.T) {
	tests := []struct {
		name    string
		length  int64
		n       int
		minSize int64
		want    []Segment
	}{
		{
			name:   "even split",
			length: 100, n: 4, minSize: 1,
			want: []Segment{{0, 25, 0}, {25, 50, 25}, {50, 75, 50}, {75, 100, 75}},
		},
		{
			name:   "uneven split covers every byte",
			length: 10, n: 3, minSize: 1,
			want: []Segment{{0, 3, 0}, {3, 6, 3}, {6, 10, 6}},
		},
		{
			name:   "small files are not split",
			length: 100, n: 4, minSize: 60,
			want: []Segment{{0, 100, 0}},
		},
		{
			name:   "unknown length",
			length: -1, n: 4, minSize: 1,
			want: []Segment{{0, -1, 0}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, planSegments(tt.length, tt.n, tt.minSize))
		})
	}
}

func TestStateResumable(t *testing.T) {
	urls := []string{"http://a", "http://b"}
	st := &State{URLs: urls, Segments: []Segment{{0, 50, 20}, {50, 100, 100}}}

	assert.True(t, st.resumable(urls, 100, Token{}))
	assert.False(t, st.resumable([]string{"http://b", "http://a"}, 100, Token{}), "url order matters")
	assert.False(t, st.resumable([]string{"http://a"}, 100, Token{}))
	assert.False(t, st.resumable(urls, 200, Token{}), "length changed")

	var missing *State
	assert.False(t, missing.resumable(urls, 100, Token{}))

	broken := &State{URLs: urls, Segments: []Segment{{0, 100, 120}}}
	assert.False(t, broken.resumable(urls, 100, Token{}))

	tagged := &State{URLs: urls, ETag: `"v1"`, Segments: []Segment{{0, 100, 40}}}
	assert.True(t, tagged.resumable(urls, 100, Token{ETag: `"v1"`}))
	assert.False(t, tagged.resumable(urls, 100, Token{ETag: `"v2"`}), "etag changed")
	assert.False(t, tagged.resumable(urls, 100, Token{}), "etag no longer served")
	assert.False(t, st.resumable(urls, 100, Token{LastModified: "Mon, 02 Jan 2006 15:04:05 GMT"}), "last-modified changed")
}

func TestStateSurvivesReload(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "file.bin")

	_, ok, err := LoadState(dest)
	require.NoError(t, err)
	assert.False(t, ok)

	want := &State{URLs: []string{"http://a"}, Segments: []Segment{{0, 10, 4}}}
	require.NoError(t, SaveState(dest, want))

	got, ok, err := LoadState(dest)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)
}
