package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

var ErrHashMismatch = errors.New("content hash mismatch")

const (
	hashSHA256 = "sha256:"
	hashBLAKE3 = "blake3:"
)

// ContentHash is the blake3 digest recorded when an install names none.
func ContentHash(data []byte) string {
	sum := blake3.Sum256(data)
	return hashBLAKE3 + hex.EncodeToString(sum[:])
}

// VerifyHash checks data against "sha256:<hex>", "blake3:<hex>" or bare
// sha256 hex. An empty expectation always passes.
func VerifyHash(data []byte, expected string) error {
	expected = strings.ToLower(strings.TrimSpace(expected))
	if expected == "" {
		return nil
	}

	var got string
	switch {
	case strings.HasPrefix(expected, hashBLAKE3):
		sum := blake3.Sum256(data)
		got = hex.EncodeToString(sum[:])
		expected = strings.TrimPrefix(expected, hashBLAKE3)
	default:
		sum := sha256.Sum256(data)
		got = hex.EncodeToString(sum[:])
		expected = strings.TrimPrefix(expected, hashSHA256)
	}
	if got != expected {
		return fmt.Errorf("%w: want %s, got %s", ErrHashMismatch, expected, got)
	}
	return nil
}
