package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/taskgraph/internal/logctx"
	"github.com/italolelis/taskgraph/internal/storage"
)

// EvictExpired deletes cached artifacts stored longer than keep ago, along
// with their index rows. Records pointing outside dir are only dropped from
// the index.
func EvictExpired(ctx context.Context, index storage.ArtifactIndex, dir string, keep time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	records, err := index.ListArtifacts()
	if err != nil {
		return 0, err
	}

	var (
		evicted int
		freed   int64
	)

	for _, rec := range records {
		if ctx.Err() != nil {
			return evicted, ctx.Err()
		}

		if now.Sub(rec.StoredAt) <= keep {
			continue
		}

		if within(dir, rec.Path) {
			if err := os.Remove(rec.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
				logger.Error("failed to delete expired artifact", "file", rec.Path, "err", err)

				return evicted, err
			}
		} else {
			logger.Warn("cached artifact outside of the cache directory", "file", rec.Path)
		}

		if err := index.DeleteArtifact(rec.Algorithm, rec.Digest); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return evicted, err
		}

		evicted++
		freed += rec.Size

		logger.Debug("deleted expired artifact", "file", rec.Path, "stored_at", rec.StoredAt)
	}

	if evicted > 0 {
		logger.Info("evicted expired artifacts", "count", evicted, "freed", humanize.Bytes(uint64(freed)))
	}

	return evicted, nil
}

// Schedule runs EvictExpired every interval until ctx is done.
func Schedule(ctx context.Context, index storage.ArtifactIndex, dir string, keep, interval time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Debug("shutting down cache cleanup")

				return
			case <-ticker.C:
				if _, err := EvictExpired(ctx, index, dir, keep); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("failed to evict expired artifacts", "err", err)
				}
			}
		}
	}()
}

func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}

	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
