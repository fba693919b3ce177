// Package upload implements the chunked upload-session protocol: sessions
// accumulate parts on local scratch storage and, on finalize, hand the
// validated concatenation to the content engine.
package upload

import (
	"context"
	"sort"
	"time"

	gateway "github.com/quarkstore/gateway"
)

// Part is one staged chunk of a session.
type Part struct {
	Number int               `json:"number"`
	Path   string            `json:"path"` // staged file on the scratch volume
	Size   int64             `json:"size"`
	Hashes gateway.DigestSet `json:"hashes"`
}

// Session is a transient accumulator for one chunked upload. It stays open
// across any number of part uploads and finalize rejections, and is
// destroyed by a successful finalize or the TTL reaper.
type Session struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	NodeID   string `json:"node_id"`

	DeclaredSize   int64             `json:"declared_size"`
	ExpectedHashes gateway.DigestSet `json:"expected_hashes"`
	MimeType       string            `json:"mime_type"`
	FileName       string            `json:"file_name"`
	Encoding       string            `json:"encoding,omitempty"`

	Parts map[int]Part `json:"parts"`

	CreatedAt time.Time `json:"created_at"`
}

// PartNumbers returns the stored part numbers in ascending order.
func (s *Session) PartNumbers() []int {
	nums := make([]int, 0, len(s.Parts))
	for n := range s.Parts {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums
}

// StoredSize returns the sum of stored part sizes.
func (s *Session) StoredSize() int64 {
	var total int64
	for _, p := range s.Parts {
		total += p.Size
	}
	return total
}

// SessionStore persists upload sessions.
type SessionStore interface {
	// PutSession creates or overwrites a session record.
	PutSession(ctx context.Context, s *Session) error

	// GetSession returns the session, or a NotFound-kind error.
	GetSession(ctx context.Context, id string) (*Session, error)

	// DeleteSession removes the session; missing sessions are a no-op.
	DeleteSession(ctx context.Context, id string) error

	// SessionsCreatedBefore returns sessions older than the cutoff, for
	// TTL reclamation.
	SessionsCreatedBefore(ctx context.Context, cutoff time.Time) ([]*Session, error)
}
