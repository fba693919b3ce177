package upload

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	gateway "github.com/quarkstore/gateway"
	"github.com/quarkstore/gateway/backbone"
	"github.com/quarkstore/gateway/content"
	"github.com/quarkstore/gateway/lock"
	"github.com/quarkstore/gateway/metadata"
	"github.com/quarkstore/gateway/pipeline"
)

// memSessionStore is an in-memory SessionStore.
type memSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{sessions: make(map[string]*Session)}
}

func copySession(s *Session) *Session {
	cp := *s
	cp.Parts = make(map[int]Part, len(s.Parts))
	for n, p := range s.Parts {
		cp.Parts[n] = p
	}
	return &cp
}

func (m *memSessionStore) PutSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = copySession(s)
	return nil
}

func (m *memSessionStore) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, gateway.E(gateway.KindNotFound, "upload session %s not found", id)
	}
	return copySession(s), nil
}

func (m *memSessionStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *memSessionStore) SessionsCreatedBefore(_ context.Context, cutoff time.Time) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.CreatedAt.Before(cutoff) {
			out = append(out, copySession(s))
		}
	}
	return out, nil
}

var _ SessionStore = (*memSessionStore)(nil)

// memRecordStore is an in-memory content.RecordStore.
type memRecordStore struct {
	mu   sync.Mutex
	recs map[string]*content.Record
}

func newMemRecordStore() *memRecordStore {
	return &memRecordStore{recs: make(map[string]*content.Record)}
}

func recKey(tenantID, nodeID, key string) string {
	return tenantID + "/" + nodeID + "/" + key
}

func (s *memRecordStore) Save(_ context.Context, rec *content.Record, baseVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := recKey(rec.TenantID, rec.NodeID, rec.Key)
	cur := s.recs[k]
	if baseVersion == 0 && cur != nil {
		return gateway.E(gateway.KindConflict, "content already exists for node %s", rec.NodeID)
	}
	if baseVersion != 0 && (cur == nil || cur.Version != baseVersion) {
		return gateway.E(gateway.KindConflict, "stale version for node %s", rec.NodeID)
	}
	cp := *rec
	s.recs[k] = &cp
	return nil
}

func (s *memRecordStore) Current(_ context.Context, tenantID, nodeID, key string) (*content.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[recKey(tenantID, nodeID, key)]
	if !ok {
		return nil, gateway.E(gateway.KindNotFound, "no content for node %s", nodeID)
	}
	cp := *rec
	return &cp, nil
}

func (s *memRecordStore) Delete(_ context.Context, tenantID, nodeID, key string) (*content.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := recKey(tenantID, nodeID, key)
	rec, ok := s.recs[k]
	if !ok {
		return nil, gateway.E(gateway.KindNotFound, "no content for node %s", nodeID)
	}
	delete(s.recs, k)
	return rec, nil
}

var _ content.RecordStore = (*memRecordStore)(nil)

type fixture struct {
	manager  *Manager
	engine   *content.Engine
	sessions *memSessionStore
	scratch  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	registry := metadata.NewRegistry()
	registry.AddTenant(&metadata.Tenant{
		ID:       "t1",
		Backbone: metadata.BackboneConfig{Type: metadata.BackboneMemory},
	})
	registry.AddNode(&metadata.Node{ID: "n1", TenantID: "t1", Name: "video.mp4"})
	registry.AddNode(&metadata.Node{ID: "folder1", TenantID: "t1", Name: "media", Folder: true})

	engine := content.NewEngine(backbone.NewManager(), newMemRecordStore(), registry, registry,
		content.WithScratchDir(t.TempDir()))

	sessions := newMemSessionStore()
	scratch := t.TempDir()
	manager := NewManager(engine, lock.NewManager(), sessions, registry, registry, scratch)

	return &fixture{manager: manager, engine: engine, sessions: sessions, scratch: scratch}
}

func createSession(t *testing.T, fx *fixture, size int64, expected gateway.DigestSet) *Session {
	t.Helper()
	s, err := fx.manager.CreateSession(context.Background(), CreateRequest{
		TenantID:     "t1",
		NodeID:       "n1",
		DeclaredSize: size,
		Expected:     expected,
		MimeType:     "video/mp4",
		FileName:     "video.mp4",
	})
	require.NoError(t, err)
	return s
}

func uploadPart(t *testing.T, fx *fixture, sessionID string, number int, body string) {
	t.Helper()
	err := fx.manager.UploadPart(context.Background(), sessionID, number, gateway.DigestSet{}, strings.NewReader(body))
	require.NoError(t, err)
}

func TestCreateSessionValidations(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	base := CreateRequest{
		TenantID:     "t1",
		NodeID:       "n1",
		DeclaredSize: 10,
		MimeType:     "video/mp4",
		FileName:     "video.mp4",
	}

	t.Run("success", func(t *testing.T) {
		s, err := fx.manager.CreateSession(ctx, base)
		require.NoError(t, err)
		require.NotEmpty(t, s.ID)
		require.Empty(t, s.Parts)
	})

	t.Run("missing node", func(t *testing.T) {
		req := base
		req.NodeID = "nope"
		_, err := fx.manager.CreateSession(ctx, req)
		require.True(t, gateway.IsNotFound(err))
	})

	t.Run("folder node", func(t *testing.T) {
		req := base
		req.NodeID = "folder1"
		_, err := fx.manager.CreateSession(ctx, req)
		require.True(t, gateway.IsKind(err, gateway.KindBadRequest))
	})

	t.Run("missing size", func(t *testing.T) {
		req := base
		req.DeclaredSize = 0
		_, err := fx.manager.CreateSession(ctx, req)
		require.True(t, gateway.IsKind(err, gateway.KindBadRequest))
	})

	t.Run("missing mime type", func(t *testing.T) {
		req := base
		req.MimeType = ""
		_, err := fx.manager.CreateSession(ctx, req)
		require.True(t, gateway.IsKind(err, gateway.KindBadRequest))
	})
}

func TestIdempotentPartUpload(t *testing.T) {
	fx := newFixture(t)
	s := createSession(t, fx, 5, gateway.DigestSet{})

	uploadPart(t, fx, s.ID, 0, "hello")
	uploadPart(t, fx, s.ID, 0, "hello")

	stored, err := fx.sessions.GetSession(context.Background(), s.ID)
	require.NoError(t, err)
	require.Len(t, stored.Parts, 1, "re-uploading a part number must not add an entry")
	require.Equal(t, int64(5), stored.Parts[0].Size)
}

func TestPartHashMismatchNotStored(t *testing.T) {
	fx := newFixture(t)
	s := createSession(t, fx, 5, gateway.DigestSet{})

	err := fx.manager.UploadPart(context.Background(), s.ID, 0,
		gateway.DigestSet{MD5: "0123456789abcdef0123456789abcdef"}, strings.NewReader("hello"))
	require.Error(t, err)

	var cme *pipeline.ChecksumMismatchError
	require.True(t, errors.As(err, &cme))
	require.Contains(t, err.Error(), "md5 checksum mismatch: expected 0123456789abcdef0123456789abcdef, computed ")

	stored, err := fx.sessions.GetSession(context.Background(), s.ID)
	require.NoError(t, err)
	require.Empty(t, stored.Parts, "a rejected part is not stored")
}

func TestNegativePartNumberRejected(t *testing.T) {
	fx := newFixture(t)
	s := createSession(t, fx, 5, gateway.DigestSet{})

	err := fx.manager.UploadPart(context.Background(), s.ID, -1, gateway.DigestSet{}, strings.NewReader("x"))
	require.True(t, gateway.IsKind(err, gateway.KindBadRequest))
}

func TestPartUploadToMissingSession(t *testing.T) {
	fx := newFixture(t)
	err := fx.manager.UploadPart(context.Background(), "nope", 0, gateway.DigestSet{}, strings.NewReader("x"))
	require.True(t, gateway.IsNotFound(err))
}

func TestFinalizeHappyPath(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	digests, _, _, err := gateway.HashReader(strings.NewReader("hello world!"), gateway.AlgSHA256)
	require.NoError(t, err)

	s := createSession(t, fx, 12, gateway.DigestSet{SHA256: digests.SHA256})

	// Parts arrive out of order.
	uploadPart(t, fx, s.ID, 2, "rld!")
	uploadPart(t, fx, s.ID, 0, "hell")
	uploadPart(t, fx, s.ID, 1, "o wo")

	rec, err := fx.manager.Finalize(ctx, s.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(1), rec.Version)
	require.Equal(t, int64(12), rec.ContentSize)
	require.Equal(t, digests.SHA256, rec.Hashes.SHA256)
	require.NotEmpty(t, rec.Hashes.SHA1)

	// The assembled content is served by the engine.
	d, err := fx.engine.Fetch(ctx, "t1", "n1", content.FetchOptions{})
	require.NoError(t, err)
	body, err := io.ReadAll(d.Body)
	require.NoError(t, err)
	_ = d.Body.Close()
	require.Equal(t, "hello world!", string(body))

	// The session and its staged parts are gone.
	_, err = fx.sessions.GetSession(ctx, s.ID)
	require.True(t, gateway.IsNotFound(err))

	_, err = fx.manager.Finalize(ctx, s.ID, "alice")
	require.True(t, gateway.IsNotFound(err), "a second finalize observes the session gone")

	entries, err := os.ReadDir(filepath.Join(fx.scratch, s.CreatedAt.UTC().Format(scratchDateLayout)))
	if err == nil {
		require.Empty(t, entries)
	}
}

func TestFinalizeContiguityFailure(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	s := createSession(t, fx, 12, gateway.DigestSet{})
	uploadPart(t, fx, s.ID, 1, "aaaa")
	uploadPart(t, fx, s.ID, 3, "bbbb")
	uploadPart(t, fx, s.ID, 4, "cccc")

	_, err := fx.manager.Finalize(ctx, s.ID, "alice")
	require.Error(t, err)
	require.True(t, gateway.IsKind(err, gateway.KindBadRequest))
	require.Equal(t, "non-contiguous part numbers: expected part 2, got parts [3 4]", err.Error())

	// The session stays open and unchanged.
	stored, err := fx.sessions.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, stored.Parts, 3)
}

func TestFinalizeBaseMustBeZeroOrOne(t *testing.T) {
	fx := newFixture(t)

	s := createSession(t, fx, 4, gateway.DigestSet{})
	uploadPart(t, fx, s.ID, 2, "aaaa")

	_, err := fx.manager.Finalize(context.Background(), s.ID, "alice")
	require.Error(t, err)
	require.Contains(t, err.Error(), "start at 0 or 1")
}

func TestFinalizeSizeMismatch(t *testing.T) {
	fx := newFixture(t)

	// Three parts declared by size, only two uploaded: contiguity holds,
	// the size check fails with both totals.
	s := createSession(t, fx, 12, gateway.DigestSet{})
	uploadPart(t, fx, s.ID, 1, "aaaa")
	uploadPart(t, fx, s.ID, 2, "bbbb")

	_, err := fx.manager.Finalize(context.Background(), s.ID, "alice")
	require.Error(t, err)
	require.True(t, gateway.IsKind(err, gateway.KindBadRequest))
	require.Equal(t, "content size mismatch: declared 12 bytes, received 8 bytes", err.Error())
}

func TestFinalizeHashMismatch(t *testing.T) {
	fx := newFixture(t)

	wrong := strings.Repeat("ab", 32)
	s := createSession(t, fx, 8, gateway.DigestSet{SHA256: wrong})
	uploadPart(t, fx, s.ID, 0, "aaaa")
	uploadPart(t, fx, s.ID, 1, "bbbb")

	_, err := fx.manager.Finalize(context.Background(), s.ID, "alice")
	require.Error(t, err)

	var cme *pipeline.ChecksumMismatchError
	require.True(t, errors.As(err, &cme))
	require.Equal(t, gateway.AlgSHA256, cme.Algorithm)
	require.Contains(t, err.Error(), "sha256 checksum mismatch: expected "+wrong+", computed ")

	// Still open for corrective re-upload.
	_, err = fx.sessions.GetSession(context.Background(), s.ID)
	require.NoError(t, err)
}

func TestFinalizeReplacesExistingContent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.engine.Create(ctx, content.WriteRequest{
		TenantID: "t1",
		NodeID:   "n1",
		MimeType: "video/mp4",
		Body:     strings.NewReader("old bytes"),
	})
	require.NoError(t, err)

	s := createSession(t, fx, 9, gateway.DigestSet{})
	uploadPart(t, fx, s.ID, 0, "new bytes")

	rec, err := fx.manager.Finalize(ctx, s.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, int64(2), rec.Version)
	require.Equal(t, "bob", rec.ModifiedBy)
}

func TestFinalizeWithZeroBasedParts(t *testing.T) {
	fx := newFixture(t)

	s := createSession(t, fx, 8, gateway.DigestSet{})
	uploadPart(t, fx, s.ID, 0, "aaaa")
	uploadPart(t, fx, s.ID, 1, "bbbb")

	rec, err := fx.manager.Finalize(context.Background(), s.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(8), rec.ContentSize)
}
