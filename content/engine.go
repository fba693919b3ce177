package content

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"time"

	gateway "github.com/quarkstore/gateway"
	"github.com/quarkstore/gateway/backbone"
	"github.com/quarkstore/gateway/metadata"
	"github.com/quarkstore/gateway/pipeline"
	"github.com/quarkstore/gateway/telemetry"
)

// WriteRequest carries one create or replace of a node's content.
type WriteRequest struct {
	TenantID string
	NodeID   string
	Key      string // defaults to DefaultKey

	FileName string
	MimeType string
	Encoding string

	// Declared holds caller-supplied expected digests; any mismatch with
	// the computed digests rejects the write before it reaches the backbone.
	Declared gateway.DigestSet

	// ExpectedVersion, when non-zero, is the optimistic precondition for a
	// replace.
	ExpectedVersion int64

	Actor string
	Body  io.Reader
}

// Engine owns the content lifecycle. It is the only writer of content
// records.
type Engine struct {
	backbone *backbone.Manager
	store    RecordStore
	tenants  metadata.TenantRegistry
	nodes    metadata.NodeResolver

	scratchDir string
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithScratchDir sets the directory for spooling bodies during hashing.
func WithScratchDir(dir string) Option {
	return func(e *Engine) {
		e.scratchDir = dir
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates a content engine.
func NewEngine(bb *backbone.Manager, store RecordStore, tenants metadata.TenantRegistry, nodes metadata.NodeResolver, opts ...Option) *Engine {
	e := &Engine{
		backbone:   bb,
		store:      store,
		tenants:    tenants,
		nodes:      nodes,
		scratchDir: os.TempDir(),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Create stores new content for a node. A node that already has current
// content for the key reports Conflict; two concurrent creates cannot both
// succeed.
func (e *Engine) Create(ctx context.Context, req WriteRequest) (*Record, error) {
	return e.write(ctx, req, true)
}

// Replace supersedes a node's current content, incrementing the version.
// When req.ExpectedVersion is non-zero a mismatch with the current version
// reports Conflict before any bytes move.
func (e *Engine) Replace(ctx context.Context, req WriteRequest) (*Record, error) {
	return e.write(ctx, req, false)
}

func (e *Engine) write(ctx context.Context, req WriteRequest, create bool) (*Record, error) {
	if req.Key == "" {
		req.Key = DefaultKey
	}

	tenant, node, err := e.resolve(ctx, req.TenantID, req.NodeID)
	if err != nil {
		return nil, err
	}

	fileName := req.FileName
	if fileName == "" {
		fileName = node.Name
	}
	if fileName == "" {
		return nil, gateway.E(gateway.KindBadRequest, "content requires a file name")
	}

	// Resolve the current record up front: duplicate creates and stale
	// replace versions are rejected before any byte is read or written.
	// The store's Save precondition closes the remaining race window.
	current, err := e.store.Current(ctx, req.TenantID, req.NodeID, req.Key)
	if err != nil && !gateway.IsNotFound(err) {
		return nil, err
	}

	var baseVersion, version int64
	switch {
	case create:
		if current != nil {
			return nil, gateway.E(gateway.KindConflict, "content already exists for node %s", req.NodeID)
		}
		baseVersion, version = 0, 1
	default:
		if current == nil {
			return nil, gateway.E(gateway.KindNotFound, "no content to replace for node %s", req.NodeID)
		}
		if req.ExpectedVersion != 0 && current.Version != req.ExpectedVersion {
			return nil, gateway.E(gateway.KindConflict,
				"version mismatch for node %s: expected %d, current %d", req.NodeID, req.ExpectedVersion, current.Version)
		}
		baseVersion, version = current.Version, current.Version+1
	}

	enc, err := pipeline.ForTenant(*tenant)
	if err != nil {
		return nil, err
	}

	// Spool the body to scratch while hashing so checksum rejection never
	// leaves a backend side effect, and so encryption can re-read the
	// plaintext.
	spool, res, err := e.spool(req.Body, pipeline.RequestedAlgorithms(*tenant, req.Declared)...)
	if err != nil {
		return nil, err
	}
	defer spool.cleanup()

	if err := pipeline.Verify(res.Digests, req.Declared); err != nil {
		return nil, err
	}

	encAlg := ""
	if enc != nil {
		encAlg = enc.Algorithm()
	}

	key := objectKey(req.TenantID, req.NodeID, req.Key, version)
	ref, err := e.writeBackend(ctx, *tenant, key, spool.path, enc)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		TenantID:            req.TenantID,
		NodeID:              req.NodeID,
		Key:                 req.Key,
		OriginalName:        fileName,
		MimeType:            req.MimeType,
		Encoding:            req.Encoding,
		ContentSize:         res.Size,
		BackendRef:          ref,
		ETag:                gateway.ETag(res.Fingerprint, encAlg, req.Encoding),
		Hashes:              res.Digests,
		EncryptionAlgorithm: encAlg,
		Version:             version,
	}
	if create {
		rec.CreatedBy = req.Actor
		rec.CreatedAt = e.now()
	} else {
		rec.CreatedBy = current.CreatedBy
		rec.CreatedAt = current.CreatedAt
		rec.ModifiedBy = req.Actor
		rec.ModifiedAt = e.now()
	}

	if err := e.store.Save(ctx, rec, baseVersion); err != nil {
		// Lost the race: the backend object was written but must not
		// survive without a record pointing at it.
		if delErr := e.backbone.Delete(ctx, *tenant, ref); delErr != nil {
			e.logger.Error("orphan cleanup after lost write race failed",
				slog.String("key", ref.Key), slog.Any("error", delErr))
		}
		return nil, err
	}

	// Superseded bytes are unreachable once the record is persisted.
	if current != nil {
		if delErr := e.backbone.Delete(ctx, *tenant, current.BackendRef); delErr != nil {
			e.logger.Warn("deleting superseded object failed",
				slog.String("key", current.BackendRef.Key), slog.Any("error", delErr))
		}
	}

	telemetry.RecordContentWrite(ctx, res.Size, create)

	e.logger.Info("content written",
		slog.String("tenant", req.TenantID),
		slog.String("node", req.NodeID),
		slog.Int64("version", version),
		slog.Int64("size", res.Size),
		slog.Bool("create", create))

	return rec, nil
}

// FetchMeta returns the current record without touching the backbone.
func (e *Engine) FetchMeta(ctx context.Context, tenantID, nodeID string) (*Record, error) {
	return e.store.Current(ctx, tenantID, nodeID, DefaultKey)
}

// Delete removes the current record and its backend objects, derived assets
// included.
func (e *Engine) Delete(ctx context.Context, tenantID, nodeID string) error {
	tenant, err := e.tenants.Tenant(ctx, tenantID)
	if err != nil {
		return err
	}

	rec, err := e.store.Delete(ctx, tenantID, nodeID, DefaultKey)
	if err != nil {
		return err
	}

	if err := e.backbone.Delete(ctx, *tenant, rec.BackendRef); err != nil {
		e.logger.Warn("deleting content object failed",
			slog.String("key", rec.BackendRef.Key), slog.Any("error", err))
	}
	for _, asset := range rec.DerivedAssets {
		if err := e.backbone.Delete(ctx, *tenant, asset.BackendRef); err != nil {
			e.logger.Warn("deleting derived asset object failed",
				slog.String("key", asset.BackendRef.Key), slog.Any("error", err))
		}
	}
	return nil
}

// PutDerivedAsset attaches (or overwrites) a derived asset on the node's
// current content and marks the record ready.
func (e *Engine) PutDerivedAsset(ctx context.Context, tenantID, nodeID string, meta DerivedAsset, body io.Reader) (*Record, error) {
	tenant, _, err := e.resolve(ctx, tenantID, nodeID)
	if err != nil {
		return nil, err
	}
	if meta.AssetKey == "" {
		return nil, gateway.E(gateway.KindBadRequest, "derived asset requires an asset key")
	}

	rec, err := e.store.Current(ctx, tenantID, nodeID, DefaultKey)
	if err != nil {
		return nil, err
	}

	spool, res, err := e.spool(body)
	if err != nil {
		return nil, err
	}
	defer spool.cleanup()

	enc, err := pipeline.ForTenant(*tenant)
	if err != nil {
		return nil, err
	}
	encAlg := ""
	if enc != nil {
		encAlg = enc.Algorithm()
	}

	key := assetObjectKey(tenantID, nodeID, meta.AssetKey, rec.Version)
	ref, err := e.writeBackend(ctx, *tenant, key, spool.path, enc)
	if err != nil {
		return nil, err
	}

	prev, replaced := rec.Asset(meta.AssetKey)
	var prevRef backbone.Ref
	if replaced {
		prevRef = prev.BackendRef
	}

	meta.Size = res.Size
	meta.ETag = gateway.ETag(res.Fingerprint, encAlg, "")
	meta.BackendRef = ref
	rec.setAsset(meta)
	rec.Ready = true

	if err := e.store.Save(ctx, rec, rec.Version); err != nil {
		if delErr := e.backbone.Delete(ctx, *tenant, ref); delErr != nil {
			e.logger.Error("orphan cleanup after lost asset race failed",
				slog.String("key", ref.Key), slog.Any("error", delErr))
		}
		return nil, err
	}

	if replaced {
		if delErr := e.backbone.Delete(ctx, *tenant, prevRef); delErr != nil {
			e.logger.Warn("deleting superseded asset object failed",
				slog.String("key", prevRef.Key), slog.Any("error", delErr))
		}
	}

	return rec, nil
}

// resolve loads the tenant and checks the node is a file node.
func (e *Engine) resolve(ctx context.Context, tenantID, nodeID string) (*metadata.Tenant, *metadata.Node, error) {
	tenant, err := e.tenants.Tenant(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}
	node, err := e.nodes.Node(ctx, tenantID, nodeID)
	if err != nil {
		return nil, nil, err
	}
	if node.Folder {
		return nil, nil, gateway.E(gateway.KindBadRequest, "node %s is a folder, content operations need a file node", nodeID)
	}
	return tenant, node, nil
}

// spoolFile is a hashed body staged on local disk.
type spoolFile struct {
	path string
}

func (s *spoolFile) cleanup() {
	_ = os.Remove(s.path)
}

// spool streams r to a scratch file while computing digests.
func (e *Engine) spool(r io.Reader, extra ...gateway.Algorithm) (*spoolFile, pipeline.Result, error) {
	tmp, err := os.CreateTemp(e.scratchDir, "spool-*")
	if err != nil {
		return nil, pipeline.Result{}, fmt.Errorf("creating spool file: %w", err)
	}

	res, err := pipeline.Process(tmp, r, extra...)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return nil, pipeline.Result{}, err
	}

	return &spoolFile{path: tmp.Name()}, res, nil
}

// writeBackend streams the spooled plaintext to the backbone, encrypting on
// the way when the tenant is configured for it.
func (e *Engine) writeBackend(ctx context.Context, tenant metadata.Tenant, key, spoolPath string, enc pipeline.Encryptor) (backbone.Ref, error) {
	f, err := os.Open(spoolPath)
	if err != nil {
		return backbone.Ref{}, fmt.Errorf("opening spool file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if enc == nil {
		return e.backbone.Write(ctx, tenant, key, f)
	}

	pr, pw := io.Pipe()
	go func() {
		ew, err := enc.Encrypt(pw)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(ew, f); err != nil {
			pw.CloseWithError(err)
			return
		}
		if err := ew.Close(); err != nil {
			pw.CloseWithError(err)
			return
		}
		_ = pw.Close()
	}()

	ref, err := e.backbone.Write(ctx, tenant, key, pr)
	if err != nil {
		_ = pr.CloseWithError(err)
		return backbone.Ref{}, err
	}
	return ref, nil
}

// objectKey lays out content objects per tenant and node, versioned so a
// replace never overwrites bytes still referenced by the superseded record.
func objectKey(tenantID, nodeID, key string, version int64) string {
	return path.Join("tenants", tenantID, "nodes", nodeID, key, fmt.Sprintf("v%d", version))
}

func assetObjectKey(tenantID, nodeID, assetKey string, version int64) string {
	return path.Join("tenants", tenantID, "nodes", nodeID, "assets", assetKey, fmt.Sprintf("v%d", version))
}
