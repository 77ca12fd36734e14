package fetch

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"
	"strings"
)

// Integrity names the expected digest of an artifact.
type Integrity struct {
	Algorithm string
	Digest    string
}

// NormalizeAlgorithm maps spellings such as "sha1", "SHA-1" or "Sha_1" to
// the canonical upper-case name with a dash.
func NormalizeAlgorithm(name string) string {
	n := strings.ToUpper(strings.NewReplacer("-", "", "_", "").Replace(name))

	switch n {
	case "SHA1":
		return "SHA-1"
	case "SHA256":
		return "SHA-256"
	case "SHA512":
		return "SHA-512"
	default:
		return n
	}
}

func (i Integrity) newHash() (hash.Hash, error) {
	switch NormalizeAlgorithm(i.Algorithm) {
	case "SHA-1":
		return sha1.New(), nil
	case "SHA-256":
		return sha256.New(), nil
	case "SHA-512":
		return sha512.New(), nil
	case "MD5":
		return md5.New(), nil
	case "CRC32":
		return crc32.NewIEEE(), nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm %q", i.Algorithm)
	}
}

// Matches compares a computed digest with the expected one.
func (i Integrity) Matches(actual string) bool {
	return strings.EqualFold(strings.TrimSpace(i.Digest), actual)
}

// verify checks a computed digest and returns an IntegrityError on mismatch.
func (i Integrity) verify(h hash.Hash) error {
	actual := hex.EncodeToString(h.Sum(nil))
	if i.Matches(actual) {
		return nil
	}

	return &IntegrityError{
		Algorithm: NormalizeAlgorithm(i.Algorithm),
		Expected:  strings.ToLower(i.Digest),
		Actual:    actual,
	}
}

// DigestFile hashes the file at path with the named algorithm.
func DigestFile(path, algorithm string) (string, error) {
	h, err := Integrity{Algorithm: algorithm}.newHash()
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
