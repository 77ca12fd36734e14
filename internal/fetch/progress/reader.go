// Package progress wraps response bodies to count, digest and report the
// bytes flowing through them.
package progress

import (
	"hash"
	"io"
)

// Reader wraps an io.Reader, feeds every chunk to an optional digest and
// reports progress via callbacks.
type Reader struct {
	Reader     io.Reader
	Total      int64
	OnProgress func(written int64, total int64)
	// OnChunk is called with the size of every non-empty read.
	OnChunk func(n int)
	// Digest, when set, receives every byte read.
	Digest hash.Hash

	totalRead      int64 // cumulative total, including the resume offset
	lastReport     int64 // bytes since last report
	reportInterval int64 // bytes
}

func NewReader(r io.Reader, total int64, interval int64, cb func(written int64, total int64)) *Reader {
	return &Reader{
		Reader:         r,
		Total:          total,
		OnProgress:     cb,
		reportInterval: interval,
	}
}

// Resume starts counting from offset, for bodies that continue a partial
// transfer.
func (pr *Reader) Resume(offset int64) *Reader {
	pr.totalRead = offset
	return pr
}

// Written returns the bytes seen so far, including the resume offset.
func (pr *Reader) Written() int64 {
	return pr.totalRead
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		if pr.Digest != nil {
			pr.Digest.Write(p[:n])
		}
		if pr.OnChunk != nil {
			pr.OnChunk(n)
		}

		pr.totalRead += int64(n)
		pr.lastReport += int64(n)

		if pr.OnProgress != nil && (pr.lastReport >= pr.reportInterval || pr.crossedFivePercent(n)) {
			pr.OnProgress(pr.totalRead, pr.Total)
			pr.lastReport = 0
		}
	}

	if err == io.EOF && pr.OnProgress != nil && pr.lastReport > 0 {
		pr.OnProgress(pr.totalRead, pr.Total)
		pr.lastReport = 0
	}

	return n, err
}

func (pr *Reader) crossedFivePercent(n int) bool {
	if pr.Total <= 0 {
		return false
	}

	before := (pr.totalRead - int64(n)) * 100 / pr.Total
	after := pr.totalRead * 100 / pr.Total

	return after/5 > before/5
}
