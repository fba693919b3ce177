package backend

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/quarkstore/gateway/telemetry"
)

// Counters is a snapshot of the operational counters maintained by an
// Instrumented adapter. The split between total and with-data counts lets
// callers verify caching efficacy: a conditional cache hit must leave the
// with-data read count untouched.
type Counters struct {
	ExternalReadNumber          int64
	ExternalReadWithDataNumber  int64
	ExternalWriteNumber         int64
	ExternalWriteWithDataNumber int64
}

// Instrumented wraps an Adapter with operational counters and metrics
// recording. Reads and writes count once per call; the with-data variants
// count only calls that actually moved payload bytes.
type Instrumented struct {
	adapter Adapter
	name    string

	readNum          atomic.Int64
	readWithDataNum  atomic.Int64
	writeNum         atomic.Int64
	writeWithDataNum atomic.Int64
}

// NewInstrumented creates a new instrumented adapter wrapper.
func NewInstrumented(a Adapter, name string) *Instrumented {
	return &Instrumented{adapter: a, name: name}
}

// Counters returns a snapshot of the operational counters.
func (ia *Instrumented) Counters() Counters {
	return Counters{
		ExternalReadNumber:          ia.readNum.Load(),
		ExternalReadWithDataNumber:  ia.readWithDataNum.Load(),
		ExternalWriteNumber:         ia.writeNum.Load(),
		ExternalWriteWithDataNumber: ia.writeWithDataNum.Load(),
	}
}

func (ia *Instrumented) Write(ctx context.Context, key string, r io.Reader) (WriteResult, error) {
	start := time.Now()
	res, err := ia.adapter.Write(ctx, key, r)
	ia.writeNum.Add(1)
	if err == nil && res.BytesTransferred {
		ia.writeWithDataNum.Add(1)
	}
	telemetry.RecordBackendOp(ctx, ia.name, "write", outcomeFromError(err), time.Since(start), res.Bytes)
	return res, err
}

func (ia *Instrumented) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ia.adapter.Read(ctx, key)
	ia.readNum.Add(1)
	if err == nil {
		ia.readWithDataNum.Add(1)
	}
	telemetry.RecordBackendOp(ctx, ia.name, "read", outcomeFromError(err), time.Since(start), 0)
	return rc, err
}

func (ia *Instrumented) ReadRange(ctx context.Context, key string, start, end int64) (io.ReadCloser, error) {
	t := time.Now()
	rc, err := ia.adapter.ReadRange(ctx, key, start, end)
	ia.readNum.Add(1)
	if err == nil {
		ia.readWithDataNum.Add(1)
	}
	telemetry.RecordBackendOp(ctx, ia.name, "read_range", outcomeFromError(err), time.Since(t), 0)
	return rc, err
}

func (ia *Instrumented) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := ia.adapter.Delete(ctx, key)
	ia.writeNum.Add(1)
	telemetry.RecordBackendOp(ctx, ia.name, "delete", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ia *Instrumented) Purge(ctx context.Context, prefix string) error {
	start := time.Now()
	err := ia.adapter.Purge(ctx, prefix)
	ia.writeNum.Add(1)
	telemetry.RecordBackendOp(ctx, ia.name, "purge", outcomeFromError(err), time.Since(start), 0)
	return err
}

// Unwrap returns the underlying adapter.
func (ia *Instrumented) Unwrap() Adapter {
	return ia.adapter
}

func outcomeFromError(err error) string {
	if err == nil {
		return "success"
	}
	if err == ErrNotFound {
		return "not_found"
	}
	return "error"
}

// countingReader wraps a reader and counts bytes read.
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

var _ Adapter = (*Instrumented)(nil)
