package fetch

import (
	"errors"
	"fmt"
	"net/http"
)

// DownloadError is returned once every URL and attempt has been exhausted.
// It names the last URL tried and wraps the last failure.
type DownloadError struct {
	URL      string // Last URL attempted
	Attempts int    // Attempts made across all URLs
	Err      error  // Failure of the last attempt
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("failed to download %s after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// ResponseCodeError represents a non-2xx response. 4xx codes abandon the
// URL, other codes consume a retry.
type ResponseCodeError struct {
	URL        string
	StatusCode int
}

func (e *ResponseCodeError) Error() string {
	return fmt.Sprintf("unexpected response from %s: %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Rejected reports whether the server refused the request itself, in which
// case retrying the same URL is pointless.
func (e *ResponseCodeError) Rejected() bool {
	return e.StatusCode/100 == 4
}

// IntegrityError represents a digest mismatch between the downloaded bytes
// and the expected checksum.
type IntegrityError struct {
	Algorithm string
	Expected  string
	Actual    string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s digest mismatch: expected %s, got %s", e.Algorithm, e.Expected, e.Actual)
}

// SizeMismatchError represents a body shorter or longer than announced.
type SizeMismatchError struct {
	Expected int64
	Actual   int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("size mismatch: expected %d bytes, received %d", e.Expected, e.Actual)
}

// errReadTimeout is reported when a body stalls for longer than the read
// timeout.
var errReadTimeout = errors.New("fetch: read timed out")

// IsRejected reports whether err is a 4xx response.
func IsRejected(err error) bool {
	var rc *ResponseCodeError

	return errors.As(err, &rc) && rc.Rejected()
}
