// Package gateway provides the shared digest and error primitives used by
// the storage gateway: multi-algorithm content digests, the BLAKE3
// fingerprint that backs gateway ETags, and the error-kind taxonomy.
package gateway

import (
	"crypto/md5"  //nolint:gosec // caller-requested integrity digest, not used for security
	"crypto/sha1" //nolint:gosec // default integrity fingerprint, not used for security
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/zeebo/blake3"
)

// Algorithm identifies a supported digest algorithm.
type Algorithm string

const (
	AlgMD5    Algorithm = "md5"
	AlgSHA1   Algorithm = "sha1"
	AlgSHA256 Algorithm = "sha256"
)

// FingerprintSize is the size of a BLAKE3 fingerprint in bytes (256 bits).
const FingerprintSize = 32

// Fingerprint is a BLAKE3 256-bit digest. It is the gateway's internal
// content identity and feeds ETag derivation; it is never one of the
// caller-facing integrity digests.
type Fingerprint [FingerprintSize]byte

// String returns the hex-encoded representation of the fingerprint.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// ShortString returns a shortened hex representation for display.
func (f Fingerprint) ShortString() string {
	return hex.EncodeToString(f[:8])
}

// IsZero returns true if the fingerprint is all zeros (uninitialized).
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// DigestSet holds the hex-encoded integrity digests of a content stream.
// SHA1 is always populated on gateway-computed sets; MD5 and SHA256 are
// present only when requested or declared by the caller.
type DigestSet struct {
	MD5    string `json:"md5,omitempty"`
	SHA1   string `json:"sha1,omitempty"`
	SHA256 string `json:"sha256,omitempty"`
}

// Get returns the digest for the given algorithm, or "" if unset.
func (d DigestSet) Get(alg Algorithm) string {
	switch alg {
	case AlgMD5:
		return d.MD5
	case AlgSHA1:
		return d.SHA1
	case AlgSHA256:
		return d.SHA256
	}
	return ""
}

// Set stores the digest for the given algorithm.
func (d *DigestSet) Set(alg Algorithm, value string) {
	switch alg {
	case AlgMD5:
		d.MD5 = value
	case AlgSHA1:
		d.SHA1 = value
	case AlgSHA256:
		d.SHA256 = value
	}
}

// Algorithms returns the algorithms with a digest present, in canonical order.
func (d DigestSet) Algorithms() []Algorithm {
	var algs []Algorithm
	if d.MD5 != "" {
		algs = append(algs, AlgMD5)
	}
	if d.SHA1 != "" {
		algs = append(algs, AlgSHA1)
	}
	if d.SHA256 != "" {
		algs = append(algs, AlgSHA256)
	}
	return algs
}

// IsEmpty returns true when no digest is present.
func (d DigestSet) IsEmpty() bool {
	return d.MD5 == "" && d.SHA1 == "" && d.SHA256 == ""
}

// MultiHasher computes several digests over a single pass of a stream.
// SHA1 and BLAKE3 are always computed; MD5 and SHA256 only when requested.
type MultiHasher struct {
	md5h    hash.Hash
	sha1h   hash.Hash
	sha256h hash.Hash
	b3      *blake3.Hasher
	n       int64
}

// NewMultiHasher creates a MultiHasher computing sha1, blake3, and any of
// md5/sha256 named in extra.
func NewMultiHasher(extra ...Algorithm) *MultiHasher {
	m := &MultiHasher{
		sha1h: sha1.New(), //nolint:gosec
		b3:    blake3.New(),
	}
	for _, alg := range extra {
		switch alg {
		case AlgMD5:
			m.md5h = md5.New() //nolint:gosec
		case AlgSHA256:
			m.sha256h = sha256.New()
		}
	}
	return m
}

// Write implements io.Writer.
func (m *MultiHasher) Write(p []byte) (int, error) {
	m.sha1h.Write(p)
	m.b3.Write(p)
	if m.md5h != nil {
		m.md5h.Write(p)
	}
	if m.sha256h != nil {
		m.sha256h.Write(p)
	}
	m.n += int64(len(p))
	return len(p), nil
}

// Sum returns the digests of all data written so far.
func (m *MultiHasher) Sum() DigestSet {
	d := DigestSet{SHA1: hex.EncodeToString(m.sha1h.Sum(nil))}
	if m.md5h != nil {
		d.MD5 = hex.EncodeToString(m.md5h.Sum(nil))
	}
	if m.sha256h != nil {
		d.SHA256 = hex.EncodeToString(m.sha256h.Sum(nil))
	}
	return d
}

// Fingerprint returns the BLAKE3 fingerprint of all data written so far.
func (m *MultiHasher) Fingerprint() Fingerprint {
	var f Fingerprint
	m.b3.Sum(f[:0])
	return f
}

// BytesWritten returns the total number of bytes hashed.
func (m *MultiHasher) BytesWritten() int64 {
	return m.n
}

// HashReader digests content from r using the given extra algorithms.
// It returns the digest set, the fingerprint, and the number of bytes read.
func HashReader(r io.Reader, extra ...Algorithm) (DigestSet, Fingerprint, int64, error) {
	m := NewMultiHasher(extra...)
	n, err := io.Copy(m, r)
	if err != nil {
		return DigestSet{}, Fingerprint{}, n, fmt.Errorf("hashing content: %w", err)
	}
	return m.Sum(), m.Fingerprint(), n, nil
}
