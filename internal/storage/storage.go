// Package storage keeps downloaded artifacts around so later fetches can be
// answered without the network.
package storage

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("storage: record not found")

// ArtifactRecord represents a cached artifact addressed by its digest.
type ArtifactRecord struct {
	Algorithm string
	Digest    string
	Path      string
	Size      int64
	StoredAt  time.Time
}

// TokenRecord represents what is known about the current content of a URL.
type TokenRecord struct {
	URL          string
	ETag         string
	LastModified string
	// Algorithm and Digest address the cached copy of the content.
	Algorithm string
	Digest    string
	Path      string
	UpdatedAt time.Time
}

type ArtifactIndex interface {
	PutChecksum(rec ArtifactRecord) error
	GetChecksum(algorithm, digest string) (ArtifactRecord, error)
	ListArtifacts() ([]ArtifactRecord, error)
	DeleteArtifact(algorithm, digest string) error
}

type TokenIndex interface {
	PutToken(rec TokenRecord) error
	GetToken(url string) (TokenRecord, error)
	DeleteToken(url string) error
}

// Index is everything a FileCache needs to remember.
type Index interface {
	ArtifactIndex
	TokenIndex
}
