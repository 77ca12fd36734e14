package storage

import (
	"sort"
	"sync"
)

// MemoryIndex is an Index that lives as long as the process.
type MemoryIndex struct {
	mu        sync.RWMutex
	artifacts map[string]ArtifactRecord
	tokens    map[string]TokenRecord
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		artifacts: make(map[string]ArtifactRecord),
		tokens:    make(map[string]TokenRecord),
	}
}

func artifactKey(algorithm, digest string) string {
	return algorithm + "/" + digest
}

func (m *MemoryIndex) PutChecksum(rec ArtifactRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.artifacts[artifactKey(rec.Algorithm, rec.Digest)] = rec

	return nil
}

func (m *MemoryIndex) GetChecksum(algorithm, digest string) (ArtifactRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.artifacts[artifactKey(algorithm, digest)]
	if !ok {
		return ArtifactRecord{}, ErrNotFound
	}

	return rec, nil
}

// ListArtifacts returns every artifact, oldest first.
func (m *MemoryIndex) ListArtifacts() ([]ArtifactRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ArtifactRecord, 0, len(m.artifacts))
	for _, rec := range m.artifacts {
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StoredAt.Before(out[j].StoredAt) })

	return out, nil
}

func (m *MemoryIndex) DeleteArtifact(algorithm, digest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.artifacts, artifactKey(algorithm, digest))

	return nil
}

func (m *MemoryIndex) PutToken(rec TokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tokens[rec.URL] = rec

	return nil
}

func (m *MemoryIndex) GetToken(url string) (TokenRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.tokens[url]
	if !ok {
		return TokenRecord{}, ErrNotFound
	}

	return rec, nil
}

func (m *MemoryIndex) DeleteToken(url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tokens, url)

	return nil
}
