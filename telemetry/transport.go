package telemetry

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Transport wraps an http.RoundTripper with remote call metrics.
type Transport struct {
	base http.RoundTripper
	name string
}

// NewTransport creates a new instrumented transport for a named remote.
// If base is nil, http.DefaultTransport is used.
func NewTransport(base http.RoundTripper, name string) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{base: base, name: name}
}

// RoundTrip implements http.RoundTripper with metrics recording.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	resp, err := t.base.RoundTrip(req)
	duration := time.Since(start)

	if err != nil {
		outcome := "error"
		if req.Context().Err() != nil {
			outcome = "canceled"
		}
		RecordRemoteCall(req.Context(), t.name, duration, 0, outcome)
		return nil, err
	}

	outcome := "success"
	if resp.StatusCode >= 500 {
		outcome = "5xx"
	} else if resp.StatusCode >= 400 {
		outcome = "4xx"
	}

	resp.Body = &instrumentedBody{
		ReadCloser: resp.Body,
		ctx:        req.Context(),
		name:       t.name,
		start:      start,
		outcome:    outcome,
	}

	return resp, nil
}

// instrumentedBody wraps a response body to record bytes read on close.
type instrumentedBody struct {
	io.ReadCloser
	ctx      context.Context
	name     string
	start    time.Time
	bytes    int64
	outcome  string
	recorded bool
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.bytes += int64(n)
	return n, err
}

func (b *instrumentedBody) Close() error {
	if !b.recorded {
		b.recorded = true
		RecordRemoteCall(b.ctx, b.name, time.Since(b.start), b.bytes, b.outcome)
	}
	return b.ReadCloser.Close()
}
