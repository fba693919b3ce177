package content

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	gateway "github.com/quarkstore/gateway"
	"github.com/quarkstore/gateway/backbone"
	"github.com/quarkstore/gateway/metadata"
	"github.com/quarkstore/gateway/pipeline"
)

// FetchOptions carries the conditional and range parameters of one read.
type FetchOptions struct {
	// IfNoneMatch is the client's cached ETag, unquoted. An exact match
	// short-circuits to 304 with zero backend reads.
	IfNoneMatch string

	// Range is the raw Range header value, empty when absent.
	Range string

	// MetadataOnly suppresses the body (HEAD). The decision tree and
	// headers are identical; the backend body is never read.
	MetadataOnly bool
}

// Delivery is the outcome of a conditional/range fetch. Body is nil for
// 304 responses and metadata-only requests.
type Delivery struct {
	Status        int
	ETag          string
	MimeType      string
	ContentLength int64
	ContentRange  string
	Body          io.ReadCloser
	Record        *Record
}

// Fetch resolves the node's current content and runs the delivery decision
// tree: If-None-Match, then Range, then full body.
func (e *Engine) Fetch(ctx context.Context, tenantID, nodeID string, opts FetchOptions) (*Delivery, error) {
	tenant, err := e.tenants.Tenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	rec, err := e.store.Current(ctx, tenantID, nodeID, DefaultKey)
	if err != nil {
		return nil, err
	}

	return e.deliver(ctx, *tenant, rec, rec.ETag, rec.MimeType, rec.ContentSize, rec.BackendRef, opts)
}

// FetchDerivedAsset runs the identical decision tree against a derived
// asset's own bytes and ETag.
func (e *Engine) FetchDerivedAsset(ctx context.Context, tenantID, nodeID, assetKey string, opts FetchOptions) (*Delivery, error) {
	tenant, err := e.tenants.Tenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	rec, err := e.store.Current(ctx, tenantID, nodeID, DefaultKey)
	if err != nil {
		return nil, err
	}

	asset, ok := rec.Asset(assetKey)
	if !ok {
		return nil, gateway.E(gateway.KindNotFound, "derived asset %s not found on node %s", assetKey, nodeID)
	}

	mimeType := asset.Format
	if mimeType == "" {
		mimeType = rec.MimeType
	}
	return e.deliver(ctx, *tenant, rec, asset.ETag, mimeType, asset.Size, asset.BackendRef, opts)
}

func (e *Engine) deliver(ctx context.Context, tenant metadata.Tenant, rec *Record, etag, mimeType string, size int64, ref backbone.Ref, opts FetchOptions) (*Delivery, error) {
	d := &Delivery{
		ETag:     etag,
		MimeType: mimeType,
		Record:   rec,
	}

	// Cache hit: no backend call of any kind.
	if opts.IfNoneMatch != "" && opts.IfNoneMatch == etag {
		d.Status = http.StatusNotModified
		return d, nil
	}

	if opts.Range != "" {
		start, end, err := parseRange(opts.Range, size)
		if err != nil {
			return nil, err
		}
		d.Status = http.StatusPartialContent
		d.ContentLength = end - start + 1
		d.ContentRange = fmt.Sprintf("bytes %d-%d/%d", start, end, size)
		if opts.MetadataOnly {
			return d, nil
		}
		body, err := e.readRange(ctx, tenant, rec, ref, start, end)
		if err != nil {
			return nil, err
		}
		d.Body = body
		return d, nil
	}

	d.Status = http.StatusOK
	d.ContentLength = size
	if opts.MetadataOnly {
		return d, nil
	}
	body, err := e.read(ctx, tenant, rec, ref)
	if err != nil {
		return nil, err
	}
	d.Body = body
	return d, nil
}

// read returns the full plaintext body.
func (e *Engine) read(ctx context.Context, tenant metadata.Tenant, rec *Record, ref backbone.Ref) (io.ReadCloser, error) {
	rc, err := e.backbone.Read(ctx, tenant, ref)
	if err != nil {
		return nil, err
	}
	if rec.EncryptionAlgorithm == "" {
		return rc, nil
	}
	return e.decrypt(tenant, rc)
}

// readRange returns plaintext bytes [start, end]. Unencrypted content uses
// the backbone's native range read; encrypted content is decrypted from the
// start and sliced, because range offsets are plaintext coordinates.
func (e *Engine) readRange(ctx context.Context, tenant metadata.Tenant, rec *Record, ref backbone.Ref, start, end int64) (io.ReadCloser, error) {
	if rec.EncryptionAlgorithm == "" {
		return e.backbone.ReadRange(ctx, tenant, ref, start, end)
	}

	rc, err := e.backbone.Read(ctx, tenant, ref)
	if err != nil {
		return nil, err
	}
	plain, err := e.decrypt(tenant, rc)
	if err != nil {
		return nil, err
	}
	if _, err := io.CopyN(io.Discard, plain, start); err != nil {
		_ = plain.Close()
		return nil, fmt.Errorf("seeking to plaintext offset %d: %w", start, err)
	}
	return &limitedReadCloser{r: io.LimitReader(plain, end-start+1), c: plain}, nil
}

func (e *Engine) decrypt(tenant metadata.Tenant, rc io.ReadCloser) (io.ReadCloser, error) {
	enc, err := pipeline.ForTenant(tenant)
	if err != nil {
		_ = rc.Close()
		return nil, err
	}
	if enc == nil {
		_ = rc.Close()
		return nil, fmt.Errorf("record is encrypted but tenant has no encryption configured")
	}
	plain, err := enc.Decrypt(rc)
	if err != nil {
		_ = rc.Close()
		return nil, err
	}
	return &limitedReadCloser{r: plain, c: rc}, nil
}

// limitedReadCloser reads from r and closes c.
type limitedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error               { return l.c.Close() }

// parseRange parses a single byte-range spec against a body of the given
// size, returning the inclusive [start, end] window.
//
// Accepted forms: "bytes=a-b", "bytes=a-" (clamped to the last byte), and
// "bytes=-k" (suffix; k >= size serves the whole body). Anything else,
// including a non-bytes unit, end < start, a start at or past the size, or
// an explicit end at or past the size, is unsatisfiable.
func parseRange(header string, size int64) (start, end int64, err error) {
	unsatisfiable := func(format string, args ...any) (int64, int64, error) {
		return 0, 0, gateway.E(gateway.KindRangeNotSatisfiable, format, args...)
	}

	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return unsatisfiable("unsupported range unit in %q", header)
	}
	if strings.Contains(spec, ",") {
		return unsatisfiable("multiple ranges are not supported: %q", header)
	}

	if suffix, ok := strings.CutPrefix(spec, "-"); ok {
		k, perr := strconv.ParseInt(suffix, 10, 64)
		if perr != nil || k <= 0 {
			return unsatisfiable("invalid suffix range %q", header)
		}
		if k >= size {
			k = size
		}
		if size == 0 {
			return unsatisfiable("empty body has no satisfiable range")
		}
		return size - k, size - 1, nil
	}

	first, rest, ok := strings.Cut(spec, "-")
	if !ok {
		return unsatisfiable("invalid range %q", header)
	}
	start, perr := strconv.ParseInt(first, 10, 64)
	if perr != nil || start < 0 {
		return unsatisfiable("invalid range start in %q", header)
	}
	if start >= size {
		return unsatisfiable("range start %d is beyond content size %d", start, size)
	}

	if rest == "" {
		return start, size - 1, nil
	}

	end, perr = strconv.ParseInt(rest, 10, 64)
	if perr != nil {
		return unsatisfiable("invalid range end in %q", header)
	}
	if end < start {
		return unsatisfiable("range end %d is before start %d", end, start)
	}
	if end >= size {
		return unsatisfiable("range end %d is beyond content size %d", end, size)
	}
	return start, end, nil
}
