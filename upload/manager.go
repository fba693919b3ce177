package upload

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	gateway "github.com/quarkstore/gateway"
	"github.com/quarkstore/gateway/content"
	"github.com/quarkstore/gateway/lock"
	"github.com/quarkstore/gateway/metadata"
	"github.com/quarkstore/gateway/pipeline"
)

// scratchDateLayout names the date-stamped folder a session's parts are
// staged under; the cleanup sweep keys off this layout.
const scratchDateLayout = "2006-01-02"

// finalizeWaitTimeout bounds the wait-for-lock phase of a finalize.
const finalizeWaitTimeout = 30 * time.Second

// CreateRequest carries a session-create call.
type CreateRequest struct {
	TenantID     string
	NodeID       string
	DeclaredSize int64
	Expected     gateway.DigestSet
	MimeType     string
	FileName     string
	Encoding     string
}

// Manager owns the chunked-ingestion protocol.
type Manager struct {
	engine  *content.Engine
	locks   *lock.Manager
	store   SessionStore
	tenants metadata.TenantRegistry
	nodes   metadata.NodeResolver

	scratchDir string
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates an upload session manager staging parts under
// scratchDir.
func NewManager(engine *content.Engine, locks *lock.Manager, store SessionStore, tenants metadata.TenantRegistry, nodes metadata.NodeResolver, scratchDir string, opts ...Option) *Manager {
	m := &Manager{
		engine:     engine,
		locks:      locks,
		store:      store,
		tenants:    tenants,
		nodes:      nodes,
		scratchDir: scratchDir,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateSession opens a session against an existing file node.
func (m *Manager) CreateSession(ctx context.Context, req CreateRequest) (*Session, error) {
	if _, err := m.tenants.Tenant(ctx, req.TenantID); err != nil {
		return nil, err
	}
	node, err := m.nodes.Node(ctx, req.TenantID, req.NodeID)
	if err != nil {
		return nil, err
	}
	if node.Folder {
		return nil, gateway.E(gateway.KindBadRequest, "node %s is a folder, upload sessions need a file node", req.NodeID)
	}
	if req.DeclaredSize <= 0 {
		return nil, gateway.E(gateway.KindBadRequest, "upload session requires a declared content size")
	}
	if req.MimeType == "" || req.FileName == "" {
		return nil, gateway.E(gateway.KindBadRequest, "upload session requires mimeType and fileName")
	}

	s := &Session{
		ID:             uuid.NewString(),
		TenantID:       req.TenantID,
		NodeID:         req.NodeID,
		DeclaredSize:   req.DeclaredSize,
		ExpectedHashes: req.Expected,
		MimeType:       req.MimeType,
		FileName:       req.FileName,
		Encoding:       req.Encoding,
		Parts:          make(map[int]Part),
		CreatedAt:      m.now(),
	}

	if err := m.store.PutSession(ctx, s); err != nil {
		return nil, err
	}

	m.logger.Info("upload session created",
		slog.String("session", s.ID),
		slog.String("tenant", s.TenantID),
		slog.String("node", s.NodeID),
		slog.Int64("declared_size", s.DeclaredSize))

	return s, nil
}

// UploadPart stages one part. Declared per-part hashes that mismatch reject
// the call and the part is not stored. Re-uploading a part number
// overwrites the prior submission.
func (m *Manager) UploadPart(ctx context.Context, sessionID string, partNumber int, declared gateway.DigestSet, body io.Reader) error {
	if partNumber < 0 {
		return gateway.E(gateway.KindBadRequest, "part number must be >= 0, got %d", partNumber)
	}

	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	dir := m.sessionDir(s)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating session scratch directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".part-*")
	if err != nil {
		return fmt.Errorf("creating part file: %w", err)
	}
	tmpPath := tmp.Name()

	res, err := pipeline.Process(tmp, body, declared.Algorithms()...)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("staging part %d: %w", partNumber, err)
	}

	if err := pipeline.Verify(res.Digests, declared); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	partPath := filepath.Join(dir, fmt.Sprintf("part-%d", partNumber))
	if err := os.Rename(tmpPath, partPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("storing part %d: %w", partNumber, err)
	}

	// Record the part under the session lock so concurrent part uploads
	// never drop each other's updates.
	return m.locks.ExecuteLocking(ctx, func(ctx context.Context) error {
		s, err := m.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		s.Parts[partNumber] = Part{
			Number: partNumber,
			Path:   partPath,
			Size:   res.Size,
			Hashes: res.Digests,
		}
		return m.store.PutSession(ctx, s)
	}, lock.ExecuteOptions{
		ResourceCode: sessionResource(sessionID),
		Duration:     time.Minute,
		Timeout:      finalizeWaitTimeout,
	})
}

// Finalize validates the assembled parts and, when all three validations
// hold, streams the concatenation through the content engine's create or
// replace path and destroys the session. Any validation failure leaves the
// session open and unchanged. Concurrent finalizes serialize on the session
// id; the loser observes the session already gone.
func (m *Manager) Finalize(ctx context.Context, sessionID, actor string) (*content.Record, error) {
	var rec *content.Record

	err := m.locks.ExecuteLocking(ctx, func(ctx context.Context) error {
		s, err := m.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}

		if err := m.validate(s); err != nil {
			return err
		}

		rec, err = m.ingest(ctx, s, actor)
		if err != nil {
			return err
		}

		m.destroy(ctx, s)
		return nil
	}, lock.ExecuteOptions{
		ResourceCode: sessionResource(sessionID),
		Duration:     time.Minute,
		Timeout:      finalizeWaitTimeout,
	})
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// validate runs the three finalize validations in order: contiguity, size
// sum, concatenated hashes.
func (m *Manager) validate(s *Session) error {
	nums := s.PartNumbers()
	if len(nums) == 0 {
		return gateway.E(gateway.KindBadRequest, "session %s has no parts to finalize", s.ID)
	}

	base := nums[0]
	if base != 0 && base != 1 {
		return gateway.E(gateway.KindBadRequest, "part numbers must start at 0 or 1, got %d", base)
	}
	for i, n := range nums {
		if expected := base + i; n != expected {
			return gateway.E(gateway.KindBadRequest,
				"non-contiguous part numbers: expected part %d, got parts %v", expected, nums[i:])
		}
	}

	if total := s.StoredSize(); total != s.DeclaredSize {
		return gateway.E(gateway.KindBadRequest,
			"content size mismatch: declared %d bytes, received %d bytes", s.DeclaredSize, total)
	}

	if !s.ExpectedHashes.IsEmpty() {
		r := m.openParts(s)
		digests, _, _, err := gateway.HashReader(r, s.ExpectedHashes.Algorithms()...)
		_ = r.Close()
		if err != nil {
			return fmt.Errorf("hashing assembled parts: %w", err)
		}
		if err := pipeline.Verify(digests, s.ExpectedHashes); err != nil {
			return err
		}
	}

	return nil
}

// ingest streams the concatenation through the content engine, replacing
// existing content or creating the first version.
func (m *Manager) ingest(ctx context.Context, s *Session, actor string) (*content.Record, error) {
	body := m.openParts(s)
	defer func() { _ = body.Close() }()

	req := content.WriteRequest{
		TenantID: s.TenantID,
		NodeID:   s.NodeID,
		FileName: s.FileName,
		MimeType: s.MimeType,
		Encoding: s.Encoding,
		Declared: s.ExpectedHashes,
		Actor:    actor,
		Body:     body,
	}

	if _, err := m.engine.FetchMeta(ctx, s.TenantID, s.NodeID); err != nil {
		if !gateway.IsNotFound(err) {
			return nil, err
		}
		return m.engine.Create(ctx, req)
	}
	return m.engine.Replace(ctx, req)
}

// destroy removes the session record and its staged parts.
func (m *Manager) destroy(ctx context.Context, s *Session) {
	if err := m.store.DeleteSession(ctx, s.ID); err != nil {
		m.logger.Warn("deleting finalized session failed",
			slog.String("session", s.ID), slog.Any("error", err))
	}
	if err := os.RemoveAll(m.sessionDir(s)); err != nil {
		m.logger.Warn("removing session scratch directory failed",
			slog.String("session", s.ID), slog.Any("error", err))
	}
}

// sessionDir is the date-stamped scratch folder holding a session's parts.
func (m *Manager) sessionDir(s *Session) string {
	return filepath.Join(m.scratchDir, s.CreatedAt.UTC().Format(scratchDateLayout), s.ID)
}

// openParts returns a reader over the staged parts in ascending part-number
// order, opening each file as it is reached.
func (m *Manager) openParts(s *Session) io.ReadCloser {
	nums := s.PartNumbers()
	paths := make([]string, 0, len(nums))
	for _, n := range nums {
		paths = append(paths, s.Parts[n].Path)
	}
	return &partsReader{paths: paths}
}

func sessionResource(sessionID string) string {
	return "upload-session:" + sessionID
}

// partsReader streams a list of files back to back.
type partsReader struct {
	paths []string
	idx   int
	cur   *os.File
}

func (r *partsReader) Read(p []byte) (int, error) {
	for {
		if r.cur == nil {
			if r.idx >= len(r.paths) {
				return 0, io.EOF
			}
			f, err := os.Open(r.paths[r.idx])
			if err != nil {
				return 0, fmt.Errorf("opening part file: %w", err)
			}
			r.cur = f
			r.idx++
		}

		n, err := r.cur.Read(p)
		if err == io.EOF {
			_ = r.cur.Close()
			r.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *partsReader) Close() error {
	if r.cur != nil {
		err := r.cur.Close()
		r.cur = nil
		return err
	}
	return nil
}
