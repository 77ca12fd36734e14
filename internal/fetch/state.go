package fetch

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync/atomic"
)

// Segment is a contiguous byte range of a resumable download. End is
// exclusive, or -1 when the length of the resource is unknown.
type Segment struct {
	Start    int64 `json:"start"`
	End      int64 `json:"end"`
	Position int64 `json:"position"`
}

func (s Segment) Finished() bool {
	return s.End >= 0 && s.Position >= s.End
}

// State is what a segmented download persists next to its part file. ETag
// and LastModified are the validators the resource was probed with.
type State struct {
	URLs         []string  `json:"urls"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	Segments     []Segment `json:"segments"`
}

func statePath(dest string) string { return dest + ".state.json" }
func partPath(dest string) string  { return dest + ".part" }

// LoadState reads the sidecar of dest. A missing sidecar is not an error.
func LoadState(dest string) (*State, bool, error) {
	data, err := os.ReadFile(statePath(dest))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("failed to read download state: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, false, fmt.Errorf("failed to decode download state: %w", err)
	}

	return &st, true, nil
}

// SaveState writes the sidecar of dest atomically.
func SaveState(dest string, st *State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode download state: %w", err)
	}

	return WriteAtomic(statePath(dest), data)
}

func removeState(dest string) {
	_ = os.Remove(statePath(dest))
}

// resumable reports whether st can continue a download of length bytes from
// urls whose current validators are in probe. A different URL set or a
// changed validator always starts over.
func (st *State) resumable(urls []string, length int64, probe Token) bool {
	if st == nil || !slices.Equal(st.URLs, urls) || len(st.Segments) == 0 {
		return false
	}

	if st.ETag != probe.ETag || st.LastModified != probe.LastModified {
		return false
	}

	for _, s := range st.Segments {
		if s.End < 0 || s.Position < s.Start || s.Position > s.End {
			return false
		}
	}

	return st.Segments[len(st.Segments)-1].End == length
}

// planSegments splits length bytes into at most n ranges of at least
// minSize bytes each.
func planSegments(length int64, n int, minSize int64) []Segment {
	if length <= 0 {
		return []Segment{{Start: 0, End: length, Position: 0}}
	}

	if minSize > 0 && int64(n) > length/minSize {
		n = int(length / minSize)
	}

	if n < 1 {
		n = 1
	}

	segs := make([]Segment, 0, n)
	for i := range n {
		start := length * int64(i) / int64(n)
		end := length * int64(i+1) / int64(n)
		segs = append(segs, Segment{Start: start, End: end, Position: start})
	}

	return segs
}

// liveSegment is a Segment whose position advances while it downloads.
type liveSegment struct {
	index int
	start int64
	end   int64
	pos   atomic.Int64
}

func newLiveSegment(index int, s Segment) *liveSegment {
	l := &liveSegment{index: index, start: s.Start, end: s.End}
	l.pos.Store(s.Position)

	return l
}

func (l *liveSegment) snapshot() Segment {
	return Segment{Start: l.start, End: l.end, Position: l.pos.Load()}
}

func (l *liveSegment) remaining() int64 {
	if l.end < 0 {
		return -1
	}

	return l.end - l.pos.Load()
}
