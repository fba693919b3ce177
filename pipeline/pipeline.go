// Package pipeline implements the single-pass checksum pipeline and the
// tenant-configured at-rest encryption applied between the content engine
// and the backbone.
package pipeline

import (
	"fmt"
	"io"
	"strings"

	gateway "github.com/quarkstore/gateway"
	"github.com/quarkstore/gateway/metadata"
)

// ChecksumMismatchError reports a declared digest that does not match the
// digest computed over the received bytes.
type ChecksumMismatchError struct {
	Algorithm gateway.Algorithm
	Expected  string
	Computed  string
}

// Error implements the error interface.
func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("%s checksum mismatch: expected %s, computed %s", e.Algorithm, e.Expected, e.Computed)
}

// Result is the outcome of hashing a content stream.
type Result struct {
	Digests     gateway.DigestSet
	Fingerprint gateway.Fingerprint
	Size        int64
}

// Process copies r to dst in a single pass, computing sha1 and blake3
// unconditionally plus any extra algorithms.
func Process(dst io.Writer, r io.Reader, extra ...gateway.Algorithm) (Result, error) {
	m := gateway.NewMultiHasher(extra...)
	n, err := io.Copy(io.MultiWriter(dst, m), r)
	if err != nil {
		return Result{}, fmt.Errorf("processing content: %w", err)
	}
	return Result{Digests: m.Sum(), Fingerprint: m.Fingerprint(), Size: n}, nil
}

// Verify compares the computed digests against every expected value that is
// present. Hex digests compare case-insensitively. The first mismatch (in
// canonical algorithm order) is returned.
func Verify(computed, expected gateway.DigestSet) error {
	for _, alg := range expected.Algorithms() {
		want := expected.Get(alg)
		got := computed.Get(alg)
		if got == "" {
			// The caller declared an algorithm the pipeline did not
			// compute; treat as a configuration bug.
			return fmt.Errorf("no %s digest computed to verify against", alg)
		}
		if !strings.EqualFold(want, got) {
			return &ChecksumMismatchError{Algorithm: alg, Expected: want, Computed: got}
		}
	}
	return nil
}

// RequestedAlgorithms returns the extra digest algorithms a write must
// compute: the tenant's configured set plus any the caller declared.
func RequestedAlgorithms(tenant metadata.Tenant, declared gateway.DigestSet) []gateway.Algorithm {
	seen := make(map[gateway.Algorithm]bool)
	var algs []gateway.Algorithm
	add := func(alg gateway.Algorithm) {
		if alg == gateway.AlgSHA1 || seen[alg] {
			return
		}
		seen[alg] = true
		algs = append(algs, alg)
	}
	for _, alg := range tenant.Hashes {
		add(alg)
	}
	for _, alg := range declared.Algorithms() {
		add(alg)
	}
	return algs
}
