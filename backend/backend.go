// Package backend provides the physical storage adapters behind the
// backbone manager: in-memory, local filesystem, cloud object storage, and
// a cloud drive API. One adapter instance serves exactly one backend.
package backend

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// WriteResult reports the outcome of a write. BytesTransferred is false
// when the call was metadata-only (for example a deduplicated write); the
// operational counters depend on this distinction, so reporting it is part
// of the adapter contract.
type WriteResult struct {
	BytesTransferred bool
	Bytes            int64

	// RemoteETag is the backend-assigned entity tag, when the backend has one.
	RemoteETag string
	// ItemID is the backend-assigned item identifier, when the backend
	// addresses objects by id rather than key.
	ItemID string
}

// Adapter is the interface every physical backend implements.
// Implementations must be safe for concurrent use.
type Adapter interface {
	// Write stores data at the given key, overwriting any existing object.
	Write(ctx context.Context, key string, r io.Reader) (WriteResult, error)

	// Read retrieves the full object at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// ReadRange retrieves bytes [start, end] of the object (end inclusive).
	// end < 0 means everything from start to the end of the object.
	// Returns ErrNotFound if the key does not exist.
	ReadRange(ctx context.Context, key string, start, end int64) (io.ReadCloser, error)

	// Delete removes the object at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Purge removes every object under the given key prefix.
	Purge(ctx context.Context, prefix string) error
}

// rangeReader returns a reader over [start, end] of rc, where rc reads the
// whole object. Used by adapters with no native range support.
func rangeReader(rc io.ReadCloser, start, end int64) (io.ReadCloser, error) {
	if start > 0 {
		if _, err := io.CopyN(io.Discard, rc, start); err != nil {
			_ = rc.Close()
			if err == io.EOF {
				return nil, ErrNotFound
			}
			return nil, err
		}
	}
	if end < 0 {
		return rc, nil
	}
	return &limitedReadCloser{r: io.LimitReader(rc, end-start+1), c: rc}, nil
}

type limitedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error               { return l.c.Close() }
