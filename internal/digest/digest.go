// Package digest names content by hash.
//
// A Digest is "<algorithm>:<hex>" (e.g., "sha256:abc123..."). Two
// algorithms are supported: sha256 (the default) and blake3.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"

	"github.com/zeebo/blake3"
)

// Algorithm identifies a hash function.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// Canonical is the algorithm used when none is configured.
const Canonical = SHA256

// ShortLen is the number of hex characters printed by Short.
const ShortLen = 12

var ErrInvalid = errors.New("digest: invalid")

// Digest is a content identifier.
type Digest string

// Available reports whether a is a supported algorithm.
func (a Algorithm) Available() bool {
	return a == SHA256 || a == BLAKE3
}

// New returns a fresh hasher for a.
func (a Algorithm) New() hash.Hash {
	if a == BLAKE3 {
		return blake3.New()
	}
	return sha256.New()
}

// FromBytes hashes data.
func (a Algorithm) FromBytes(data []byte) Digest {
	var sum [32]byte
	switch a {
	case BLAKE3:
		sum = blake3.Sum256(data)
	default:
		a = SHA256
		sum = sha256.Sum256(data)
	}
	return Digest(string(a) + ":" + hex.EncodeToString(sum[:]))
}

// FromHash builds a digest from a finished hasher.
func (a Algorithm) FromHash(h hash.Hash) Digest {
	return Digest(string(a) + ":" + hex.EncodeToString(h.Sum(nil)))
}

// ParseAlgorithm validates a configured algorithm name; empty means Canonical.
func ParseAlgorithm(s string) (Algorithm, error) {
	if s == "" {
		return Canonical, nil
	}
	a := Algorithm(strings.ToLower(s))
	if !a.Available() {
		return "", fmt.Errorf("%w: unknown algorithm %q", ErrInvalid, s)
	}
	return a, nil
}

// Parse validates s and returns it as a Digest.
func Parse(s string) (Digest, error) {
	d := Digest(s)
	if err := d.Validate(); err != nil {
		return "", err
	}
	return d, nil
}

// Validate checks the algorithm and hex encoding.
func (d Digest) Validate() error {
	algo, encoded, ok := strings.Cut(string(d), ":")
	if !ok {
		return fmt.Errorf("%w: %q missing algorithm", ErrInvalid, string(d))
	}
	if !Algorithm(algo).Available() {
		return fmt.Errorf("%w: %q unknown algorithm", ErrInvalid, string(d))
	}
	if len(encoded) != 64 {
		return fmt.Errorf("%w: %q wrong length", ErrInvalid, string(d))
	}
	if _, err := hex.DecodeString(encoded); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalid, string(d), err)
	}
	return nil
}

func (d Digest) Algorithm() Algorithm {
	algo, _, _ := strings.Cut(string(d), ":")
	return Algorithm(algo)
}

// Hex returns the encoded part without the algorithm prefix.
func (d Digest) Hex() string {
	_, encoded, ok := strings.Cut(string(d), ":")
	if !ok {
		return string(d)
	}
	return encoded
}

// Short returns an abbreviated hex form for display.
func (d Digest) Short() string {
	h := d.Hex()
	if len(h) > ShortLen {
		return h[:ShortLen]
	}
	return h
}

func (d Digest) IsZero() bool { return d == "" }

func (d Digest) String() string { return string(d) }

// HasPrefix matches a user-supplied abbreviation with or without the
// algorithm prefix.
func (d Digest) HasPrefix(prefix string) bool {
	if prefix == "" {
		return false
	}
	return strings.HasPrefix(string(d), prefix) || strings.HasPrefix(d.Hex(), prefix)
}
