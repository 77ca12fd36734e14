package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/italolelis/taskgraph/internal/fetch"
)

// tokenAlgorithm addresses artifacts cached for revalidation, which come
// without an expected digest.
const tokenAlgorithm = "SHA-1"

// FileCache is a fetch.CacheStore keeping artifacts under dir, sharded as
// <dir>/<algorithm>/<digest[0:2]>/<digest>, and their records in an Index.
type FileCache struct {
	dir   string
	index Index
	now   func() time.Time
}

func NewFileCache(dir string, index Index) *FileCache {
	return &FileCache{dir: dir, index: index, now: time.Now}
}

func (c *FileCache) Dir() string { return c.dir }

func normalize(algorithm, digest string) (string, string) {
	return fetch.NormalizeAlgorithm(algorithm), strings.ToLower(strings.TrimSpace(digest))
}

// Path returns where an artifact with the given digest is kept.
func (c *FileCache) Path(algorithm, digest string) string {
	algorithm, digest = normalize(algorithm, digest)

	shard := digest
	if len(shard) > 2 {
		shard = shard[:2]
	}

	return filepath.Join(c.dir, strings.ToLower(algorithm), shard, digest)
}

func (c *FileCache) LookupByChecksum(algorithm, digest string) (string, bool, error) {
	algorithm, digest = normalize(algorithm, digest)

	rec, err := c.index.GetChecksum(algorithm, digest)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}

	if err != nil {
		return "", false, fmt.Errorf("failed to look up %s %s: %w", algorithm, digest, err)
	}

	if !exists(rec.Path) {
		_ = c.index.DeleteArtifact(algorithm, digest)
		return "", false, nil
	}

	return rec.Path, true, nil
}

// Store copies the artifact at path into the cache, unless it already is
// the cached copy.
func (c *FileCache) Store(path, algorithm, digest string) error {
	_, err := c.store(path, algorithm, digest)
	return err
}

func (c *FileCache) store(path, algorithm, digest string) (string, error) {
	algorithm, digest = normalize(algorithm, digest)
	dst := c.Path(algorithm, digest)

	if path != dst {
		if err := fetch.CopyAtomic(path, dst); err != nil {
			return "", fmt.Errorf("failed to cache %s: %w", path, err)
		}
	}

	st, err := os.Stat(dst)
	if err != nil {
		return "", fmt.Errorf("failed to stat cached artifact: %w", err)
	}

	err = c.index.PutChecksum(ArtifactRecord{
		Algorithm: algorithm,
		Digest:    digest,
		Path:      dst,
		Size:      st.Size(),
		StoredAt:  c.now(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to index cached artifact: %w", err)
	}

	return dst, nil
}

func (c *FileCache) Token(url string) (fetch.Token, bool, error) {
	rec, err := c.index.GetToken(url)
	if errors.Is(err, ErrNotFound) {
		return fetch.Token{}, false, nil
	}

	if err != nil {
		return fetch.Token{}, false, fmt.Errorf("failed to look up token of %s: %w", url, err)
	}

	return fetch.Token{ETag: rec.ETag, LastModified: rec.LastModified}, true, nil
}

func (c *FileCache) LookupByToken(url string) (string, bool, error) {
	rec, err := c.index.GetToken(url)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}

	if err != nil {
		return "", false, fmt.Errorf("failed to look up token of %s: %w", url, err)
	}

	if !exists(rec.Path) {
		return "", false, nil
	}

	return rec.Path, true, nil
}

func (c *FileCache) Invalidate(url string) error {
	if err := c.index.DeleteToken(url); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to invalidate %s: %w", url, err)
	}

	return nil
}

// StoreToken caches the content at path under its SHA-1 and remembers token
// as the current version of url.
func (c *FileCache) StoreToken(url, path string, token fetch.Token) error {
	digest, err := fetch.DigestFile(path, tokenAlgorithm)
	if err != nil {
		return err
	}

	dst, err := c.store(path, tokenAlgorithm, digest)
	if err != nil {
		return err
	}

	return c.index.PutToken(TokenRecord{
		URL:          url,
		ETag:         token.ETag,
		LastModified: token.LastModified,
		Algorithm:    tokenAlgorithm,
		Digest:       digest,
		Path:         dst,
		UpdatedAt:    c.now(),
	})
}

func exists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}
