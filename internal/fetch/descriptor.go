// Package fetch downloads remote resources with retries over mirror URLs,
// integrity verification, revalidation caching and resumable segmented
// transfers. Every download is a task.Task.
package fetch

import (
	"errors"
)

// DefaultRetry is the number of attempts made against each URL.
const DefaultRetry = 3

// ErrNoURL is returned for descriptors without candidate URLs.
var ErrNoURL = errors.New("fetch: descriptor has no URL")

// Descriptor says what to fetch and how.
type Descriptor struct {
	// URLs are tried in order; later entries are mirrors.
	URLs []string
	// Integrity, when set, is verified before an artifact is published.
	Integrity *Integrity
	// Retry is the number of attempts per URL.
	Retry int
	// Caching enables the checksum short-circuit or, without integrity,
	// conditional requests against the cache store.
	Caching bool
}

type DescriptorOption func(*Descriptor)

func WithIntegrity(algorithm, digest string) DescriptorOption {
	return func(d *Descriptor) {
		d.Integrity = &Integrity{Algorithm: algorithm, Digest: digest}
	}
}

func WithRetry(n int) DescriptorOption {
	return func(d *Descriptor) { d.Retry = n }
}

func WithCaching(enabled bool) DescriptorOption {
	return func(d *Descriptor) { d.Caching = enabled }
}

func NewDescriptor(urls []string, opts ...DescriptorOption) Descriptor {
	d := Descriptor{URLs: append([]string(nil), urls...), Retry: DefaultRetry}

	for _, opt := range opts {
		opt(&d)
	}

	return d
}

func (d Descriptor) retry() int {
	if d.Retry < 1 {
		return 1
	}

	return d.Retry
}

func (d Descriptor) validate() error {
	if len(d.URLs) == 0 {
		return ErrNoURL
	}

	if d.Integrity != nil {
		if _, err := d.Integrity.newHash(); err != nil {
			return err
		}
	}

	return nil
}

type cacheMode int

const (
	cacheNone cacheMode = iota
	// cacheChecksum looks artifacts up by their digest and stores verified
	// downloads under it.
	cacheChecksum
	// cacheRevalidate sends conditional requests and stores tokens.
	cacheRevalidate
)

func (d Descriptor) cacheMode(store CacheStore) cacheMode {
	switch {
	case !d.Caching || store == nil:
		return cacheNone
	case d.Integrity != nil:
		return cacheChecksum
	default:
		return cacheRevalidate
	}
}
