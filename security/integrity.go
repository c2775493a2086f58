// Package security verifies content integrity and applies install-time
// policy: lifecycle scripts, declared permissions and suspicious names.
package security

import (
	"crypto/sha1" //nolint:gosec // legacy npm shasum
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"

	"github.com/justbytecode/velocity/core"
)

// Algorithm is a Subresource Integrity hash algorithm.
type Algorithm string

// Supported algorithms, strongest first.
const (
	SHA512 Algorithm = "sha512"
	SHA384 Algorithm = "sha384"
	SHA256 Algorithm = "sha256"
	SHA1   Algorithm = "sha1"
)

var strength = map[Algorithm]int{SHA1: 1, SHA256: 2, SHA384: 3, SHA512: 4}

// ErrNoIntegrity means an SRI string held no usable hash.
var ErrNoIntegrity = errors.New("no supported integrity hash")

// New returns a hash for the algorithm.
func (a Algorithm) New() hash.Hash {
	switch a {
	case SHA512:
		return sha512.New()
	case SHA384:
		return sha512.New384()
	case SHA256:
		return sha256.New()
	case SHA1:
		return sha1.New() //nolint:gosec
	default:
		return nil
	}
}

// Hash is one algorithm-digest pair.
type Hash struct {
	Algorithm Algorithm
	Digest    []byte
}

// String returns the SRI form "alg-base64".
func (h Hash) String() string {
	return string(h.Algorithm) + "-" + base64.StdEncoding.EncodeToString(h.Digest)
}

// Integrity is a parsed SRI value.
type Integrity []Hash

// ParseIntegrity parses a whitespace separated SRI string. Hashes with
// unknown algorithms are ignored; options after "?" are dropped.
func ParseIntegrity(sri string) (Integrity, error) {
	var out Integrity
	for _, field := range strings.Fields(sri) {
		alg, b64, ok := strings.Cut(field, "-")
		if !ok {
			continue
		}
		if _, known := strength[Algorithm(alg)]; !known {
			continue
		}
		if i := strings.IndexByte(b64, '?'); i >= 0 {
			b64 = b64[:i]
		}
		digest, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("integrity %q: %w", field, err)
		}
		out = append(out, Hash{Algorithm: Algorithm(alg), Digest: digest})
	}
	if len(out) == 0 {
		return nil, ErrNoIntegrity
	}
	return out, nil
}

// Strongest returns the hash with the strongest algorithm. Among equals the
// first listed wins.
func (i Integrity) Strongest() Hash {
	best := i[0]
	for _, h := range i[1:] {
		if strength[h.Algorithm] > strength[best.Algorithm] {
			best = h
		}
	}
	return best
}

// String returns the SRI string.
func (i Integrity) String() string {
	parts := make([]string, len(i))
	for n, h := range i {
		parts[n] = h.String()
	}
	return strings.Join(parts, " ")
}

// ComputeIntegrity returns the SRI string of data under alg.
func ComputeIntegrity(alg Algorithm, data []byte) string {
	h := alg.New()
	h.Write(data)
	return Hash{Algorithm: alg, Digest: h.Sum(nil)}.String()
}

// FromShasum converts a legacy hex sha1 shasum to an SRI string.
func FromShasum(shasum string) (string, error) {
	digest, err := hex.DecodeString(shasum)
	if err != nil || len(digest) != sha1.Size {
		return "", fmt.Errorf("invalid shasum %q", shasum)
	}
	return Hash{Algorithm: SHA1, Digest: digest}.String(), nil
}

// Verify checks data against the strongest hash of sri. A mismatch is an
// IntegrityViolation carrying both digests.
func Verify(data []byte, sri string) error {
	v, err := NewVerifier(sri)
	if err != nil {
		return err
	}
	_, _ = v.Write(data)
	return v.Verify()
}

// Verifier hashes a stream and compares it with an expected SRI value.
type Verifier struct {
	expected Hash
	h        hash.Hash
	n        int64
}

// NewVerifier creates a verifier for the strongest hash of sri.
func NewVerifier(sri string) (*Verifier, error) {
	parsed, err := ParseIntegrity(sri)
	if err != nil {
		return nil, &core.Error{Kind: core.IntegrityViolation, Expected: sri, Err: err}
	}
	exp := parsed.Strongest()
	return &Verifier{expected: exp, h: exp.Algorithm.New()}, nil
}

// Write implements io.Writer.
func (v *Verifier) Write(p []byte) (int, error) {
	v.n += int64(len(p))
	return v.h.Write(p)
}

// Size returns the number of bytes hashed.
func (v *Verifier) Size() int64 { return v.n }

// Verify compares the digest of everything written so far.
func (v *Verifier) Verify() error {
	actual := Hash{Algorithm: v.expected.Algorithm, Digest: v.h.Sum(nil)}
	if subtle.ConstantTimeCompare(actual.Digest, v.expected.Digest) == 1 {
		return nil
	}
	return &core.Error{
		Kind:     core.IntegrityViolation,
		Expected: v.expected.String(),
		Actual:   actual.String(),
	}
}
