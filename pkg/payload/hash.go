package payload

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// Hash algorithms accepted in payload hashes. A hash without a prefix is
// read as SHA-256.
const (
	AlgorithmSHA256 = "sha256"
	AlgorithmBLAKE3 = "blake3"
)

var ErrHashMismatch = errors.New("payload hash mismatch")

// Sum returns data's digest formatted as "<algorithm>:<hex>".
func Sum(algorithm string, data []byte) (string, error) {
	digest, err := digest(algorithm, data)
	if err != nil {
		return "", err
	}
	return algorithm + ":" + hex.EncodeToString(digest), nil
}

// Canonical rewrites a hash string into "<algorithm>:<lowercase hex>".
func Canonical(hash string) (string, error) {
	algorithm, digest, err := parse(hash)
	if err != nil {
		return "", err
	}
	return algorithm + ":" + hex.EncodeToString(digest), nil
}

// Verify recomputes the digest of data with expected's algorithm.
func Verify(expected string, data []byte) error {
	algorithm, want, err := parse(expected)
	if err != nil {
		return err
	}
	got, err := digest(algorithm, data)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(want, got) != 1 {
		return ErrHashMismatch
	}
	return nil
}

func parse(hash string) (string, []byte, error) {
	hash = strings.TrimSpace(hash)
	algorithm := AlgorithmSHA256
	if prefix, rest, ok := strings.Cut(hash, ":"); ok {
		algorithm = strings.ToLower(prefix)
		hash = rest
	}
	if algorithm != AlgorithmSHA256 && algorithm != AlgorithmBLAKE3 {
		return "", nil, fmt.Errorf("unsupported hash algorithm %q", algorithm)
	}
	raw, err := hex.DecodeString(strings.ToLower(hash))
	if err != nil {
		return "", nil, fmt.Errorf("invalid hash encoding: %w", err)
	}
	if len(raw) != 32 {
		return "", nil, fmt.Errorf("invalid %s digest length %d", algorithm, len(raw))
	}
	return algorithm, raw, nil
}

func digest(algorithm string, data []byte) ([]byte, error) {
	switch algorithm {
	case AlgorithmSHA256:
		sum := sha256.Sum256(data)
		return sum[:], nil
	case AlgorithmBLAKE3:
		sum := blake3.Sum256(data)
		return sum[:], nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", algorithm)
	}
}
