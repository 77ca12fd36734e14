package fetch

import "net/http"

// Token is what a cache store remembers about a URL in order to ask the
// server whether its copy is still current.
type Token struct {
	ETag         string
	LastModified string
}

func (t Token) empty() bool {
	return t.ETag == "" && t.LastModified == ""
}

func (t Token) apply(req *http.Request) {
	if t.ETag != "" {
		req.Header.Set("If-None-Match", t.ETag)
	}

	if t.LastModified != "" {
		req.Header.Set("If-Modified-Since", t.LastModified)
	}
}

func tokenFromResponse(h http.Header) Token {
	return Token{ETag: h.Get("ETag"), LastModified: h.Get("Last-Modified")}
}

// CacheStore persists downloaded artifacts so later fetches can skip the
// network.
type CacheStore interface {
	// LookupByChecksum returns the path of a cached artifact with the given
	// digest.
	LookupByChecksum(algorithm, digest string) (path string, ok bool, err error)
	// Token returns the revalidation token recorded for url.
	Token(url string) (Token, bool, error)
	// LookupByToken resolves a "not modified" answer for url to the cached
	// artifact. ok is false when the artifact is gone.
	LookupByToken(url string) (path string, ok bool, err error)
	// Store copies the verified artifact at path into the cache.
	Store(path, algorithm, digest string) error
	// Invalidate forgets the token of url.
	Invalidate(url string) error
	// StoreToken caches the artifact at path as the current content of url.
	StoreToken(url, path string, token Token) error
}
