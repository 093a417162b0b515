// Package integrity computes and verifies content hashes of signed
// documents.
//
// Hashes are taken over the exact output bytes of the injection engine and
// are rendered as lower-case hex. A mismatch is reported, never corrected.
package integrity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// Algorithm identifies a 256-bit digest.
type Algorithm string

const (
	SHA256     Algorithm = "SHA256"
	SHA3_256   Algorithm = "SHA3_256"
	BLAKE2B256 Algorithm = "BLAKE2B_256"
)

// DefaultAlgorithm is used when none is configured.
const DefaultAlgorithm = SHA256

var (
	// ErrHashMismatch is matched by *HashMismatchError.
	ErrHashMismatch = errors.New("document hash mismatch")
	// ErrUnknownAlgorithm is returned by ParseAlgorithm.
	ErrUnknownAlgorithm = errors.New("unknown hash algorithm")
)

// ParseAlgorithm accepts the canonical names case-insensitively, with or
// without separators ("sha3-256", "blake2b256").
func ParseAlgorithm(name string) (Algorithm, error) {
	key := strings.NewReplacer("-", "", "_", "").Replace(strings.ToUpper(strings.TrimSpace(name)))
	switch key {
	case "", "SHA256":
		return SHA256, nil
	case "SHA3256":
		return SHA3_256, nil
	case "BLAKE2B256", "BLAKE2B":
		return BLAKE2B256, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
}

func (a Algorithm) newHash() hash.Hash {
	switch a {
	case SHA3_256:
		return sha3.New256()
	case BLAKE2B256:
		h, _ := blake2b.New256(nil) // only fails for oversized keys
		return h
	default:
		return sha256.New()
	}
}

// HashMismatchError reports that stored bytes no longer hash to the
// recorded value.
type HashMismatchError struct {
	Algorithm Algorithm
	Expected  string
	Actual    string
	// Ref is the storage reference of the document, when known.
	Ref string
}

func (e *HashMismatchError) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("document %s: %s hash mismatch: expected %s, got %s", e.Ref, e.Algorithm, e.Expected, e.Actual)
	}
	return fmt.Sprintf("%s hash mismatch: expected %s, got %s", e.Algorithm, e.Expected, e.Actual)
}

func (e *HashMismatchError) Is(target error) bool { return target == ErrHashMismatch }

// UserMessage is the text shown to a person looking at the document.
func (e *HashMismatchError) UserMessage() string {
	return "This document has changed since it was signed and can no longer be trusted."
}

// Hasher hashes documents with one algorithm. The zero value uses SHA256.
type Hasher struct {
	algorithm Algorithm
}

// NewHasher returns a Hasher for alg.
func NewHasher(alg Algorithm) (*Hasher, error) {
	parsed, err := ParseAlgorithm(string(alg))
	if err != nil {
		return nil, err
	}
	return &Hasher{algorithm: parsed}, nil
}

// Algorithm returns the digest in use.
func (h *Hasher) Algorithm() Algorithm {
	if h == nil || h.algorithm == "" {
		return DefaultAlgorithm
	}
	return h.algorithm
}

// Hash returns the lower-case hex digest of b.
func (h *Hasher) Hash(b []byte) string {
	d := h.Algorithm().newHash()
	d.Write(b)
	return hex.EncodeToString(d.Sum(nil))
}

// Verify hashes b and compares the result with expected in constant time.
// expected may use either case.
func (h *Hasher) Verify(b []byte, expected string) error {
	return h.VerifyRef(b, expected, "")
}

// VerifyRef is Verify with the storage reference recorded in the error.
func (h *Hasher) VerifyRef(b []byte, expected, ref string) error {
	actual := h.Hash(b)
	want := strings.ToLower(strings.TrimSpace(expected))
	if subtle.ConstantTimeCompare([]byte(actual), []byte(want)) == 1 {
		return nil
	}
	return &HashMismatchError{Algorithm: h.Algorithm(), Expected: want, Actual: actual, Ref: ref}
}
