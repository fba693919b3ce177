package content

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"filippo.io/age"
	"github.com/stretchr/testify/require"

	gateway "github.com/quarkstore/gateway"
	"github.com/quarkstore/gateway/backbone"
	"github.com/quarkstore/gateway/metadata"
	"github.com/quarkstore/gateway/pipeline"
)

// memStore is an in-memory RecordStore with the same transactional
// precondition contract as the persistent store.
type memStore struct {
	mu   sync.Mutex
	recs map[string]*Record
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string]*Record)}
}

func recordKey(tenantID, nodeID, key string) string {
	return tenantID + "/" + nodeID + "/" + key
}

func (s *memStore) Save(_ context.Context, rec *Record, baseVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := recordKey(rec.TenantID, rec.NodeID, rec.Key)
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

func (s *memStore) Current(_ context.Context, tenantID, nodeID, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[recordKey(tenantID, nodeID, key)]
	if !ok {
		return nil, gateway.E(gateway.KindNotFound, "no content for node %s", nodeID)
	}
	cp := *rec
	return &cp, nil
}

func (s *memStore) Delete(_ context.Context, tenantID, nodeID, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := recordKey(tenantID, nodeID, key)
	rec, ok := s.recs[k]
	if !ok {
		return nil, gateway.E(gateway.KindNotFound, "no content for node %s", nodeID)
	}
	delete(s.recs, k)
	return rec, nil
}

var _ RecordStore = (*memStore)(nil)

type fixture struct {
	engine   *Engine
	backbone *backbone.Manager
	registry *metadata.Registry
	store    *memStore
}

func newFixture(t *testing.T, tenant metadata.Tenant) *fixture {
	t.Helper()

	registry := metadata.NewRegistry()
	registry.AddTenant(&tenant)
	registry.AddNode(&metadata.Node{ID: "n1", TenantID: tenant.ID, Name: "report.pdf"})
	registry.AddNode(&metadata.Node{ID: "folder1", TenantID: tenant.ID, Name: "docs", Folder: true})

	bb := backbone.NewManager()
	store := newMemStore()
	engine := NewEngine(bb, store, registry, registry, WithScratchDir(t.TempDir()))

	return &fixture{engine: engine, backbone: bb, registry: registry, store: store}
}

func memoryTenant() metadata.Tenant {
	return metadata.Tenant{
		ID:       "t1",
		Backbone: metadata.BackboneConfig{Type: metadata.BackboneMemory},
	}
}

func createContent(t *testing.T, fx *fixture, body string) *Record {
	t.Helper()
	rec, err := fx.engine.Create(context.Background(), WriteRequest{
		TenantID: "t1",
		NodeID:   "n1",
		MimeType: "application/pdf",
		Actor:    "alice",
		Body:     strings.NewReader(body),
	})
	require.NoError(t, err)
	return rec
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	require.NotNil(t, rc)
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestCreateAndFetch(t *testing.T) {
	fx := newFixture(t, memoryTenant())
	rec := createContent(t, fx, "hello world")

	require.Equal(t, int64(1), rec.Version)
	require.Equal(t, int64(11), rec.ContentSize)
	require.NotEmpty(t, rec.ETag)
	require.NotEmpty(t, rec.Hashes.SHA1, "sha1 is always computed")
	require.Equal(t, "alice", rec.CreatedBy)
	require.Empty(t, rec.ModifiedBy)

	d, err := fx.engine.Fetch(context.Background(), "t1", "n1", FetchOptions{})
	require.NoError(t, err)
	require.Equal(t, 200, d.Status)
	require.Equal(t, rec.ETag, d.ETag)
	require.Equal(t, int64(11), d.ContentLength)
	require.Equal(t, "hello world", readAll(t, d.Body))
}

func TestCreateDuplicateConflict(t *testing.T) {
	fx := newFixture(t, memoryTenant())
	createContent(t, fx, "first")

	_, err := fx.engine.Create(context.Background(), WriteRequest{
		TenantID: "t1", NodeID: "n1", Body: strings.NewReader("second"),
	})
	require.Error(t, err)
	require.True(t, gateway.IsConflict(err))
}

func TestCreateOnFolderNodeRejected(t *testing.T) {
	fx := newFixture(t, memoryTenant())

	_, err := fx.engine.Create(context.Background(), WriteRequest{
		TenantID: "t1", NodeID: "folder1", Body: strings.NewReader("x"),
	})
	require.Error(t, err)
	require.True(t, gateway.IsKind(err, gateway.KindBadRequest))
}

func TestChecksumMismatchMessage(t *testing.T) {
	fx := newFixture(t, memoryTenant())

	_, err := fx.engine.Create(context.Background(), WriteRequest{
		TenantID: "t1",
		NodeID:   "n1",
		Declared: gateway.DigestSet{SHA1: "deadbeef"},
		Body:     strings.NewReader("hello world"),
	})
	require.Error(t, err)

	var cme *pipeline.ChecksumMismatchError
	require.True(t, errors.As(err, &cme))
	require.Equal(t, gateway.AlgSHA1, cme.Algorithm)
	require.Contains(t, err.Error(), "sha1 checksum mismatch: expected deadbeef, computed ")
	require.Contains(t, err.Error(), cme.Computed)

	// A rejected write must leave no backend side effect.
	counters, ok := fx.backbone.Counters("t1")
	require.False(t, ok || counters.ExternalWriteNumber > 0)
}

func TestDeclaredMatchingChecksumSucceeds(t *testing.T) {
	fx := newFixture(t, memoryTenant())

	digests, _, _, err := gateway.HashReader(strings.NewReader("hello world"), gateway.AlgMD5)
	require.NoError(t, err)

	rec, err := fx.engine.Create(context.Background(), WriteRequest{
		TenantID: "t1",
		NodeID:   "n1",
		Declared: gateway.DigestSet{MD5: digests.MD5},
		Body:     strings.NewReader("hello world"),
	})
	require.NoError(t, err)
	require.Equal(t, digests.MD5, rec.Hashes.MD5)
	require.NotEmpty(t, rec.Hashes.SHA1)
}

func TestConditionalFetchZeroBackendReads(t *testing.T) {
	fx := newFixture(t, memoryTenant())
	rec := createContent(t, fx, "cacheable body")
	ctx := context.Background()

	before, ok := fx.backbone.Counters("t1")
	require.True(t, ok)

	d, err := fx.engine.Fetch(ctx, "t1", "n1", FetchOptions{IfNoneMatch: rec.ETag})
	require.NoError(t, err)
	require.Equal(t, 304, d.Status)
	require.Equal(t, rec.ETag, d.ETag)
	require.Nil(t, d.Body)

	after, _ := fx.backbone.Counters("t1")
	require.Equal(t, before.ExternalReadNumber, after.ExternalReadNumber, "304 must trigger zero backend reads")

	// A non-matching ETag reads exactly once with data.
	d, err = fx.engine.Fetch(ctx, "t1", "n1", FetchOptions{IfNoneMatch: "stale-etag"})
	require.NoError(t, err)
	require.Equal(t, 200, d.Status)
	require.Equal(t, "cacheable body", readAll(t, d.Body))

	final, _ := fx.backbone.Counters("t1")
	require.Equal(t, after.ExternalReadWithDataNumber+1, final.ExternalReadWithDataNumber)
}

func TestHeadNeverReadsBody(t *testing.T) {
	fx := newFixture(t, memoryTenant())
	createContent(t, fx, "0123456789")
	ctx := context.Background()

	before, _ := fx.backbone.Counters("t1")

	d, err := fx.engine.Fetch(ctx, "t1", "n1", FetchOptions{MetadataOnly: true})
	require.NoError(t, err)
	require.Equal(t, 200, d.Status)
	require.Equal(t, int64(10), d.ContentLength)
	require.Nil(t, d.Body)

	d, err = fx.engine.Fetch(ctx, "t1", "n1", FetchOptions{MetadataOnly: true, Range: "bytes=2-5"})
	require.NoError(t, err)
	require.Equal(t, 206, d.Status)
	require.Equal(t, "bytes 2-5/10", d.ContentRange)
	require.Nil(t, d.Body)

	after, _ := fx.backbone.Counters("t1")
	require.Equal(t, before.ExternalReadWithDataNumber, after.ExternalReadWithDataNumber,
		"metadata-only fetches must not read the backend body")
}

func TestRangeRequests(t *testing.T) {
	fx := newFixture(t, memoryTenant())
	createContent(t, fx, "0123456789")
	ctx := context.Background()

	t.Run("prefix", func(t *testing.T) {
		d, err := fx.engine.Fetch(ctx, "t1", "n1", FetchOptions{Range: "bytes=0-3"})
		require.NoError(t, err)
		require.Equal(t, 206, d.Status)
		require.Equal(t, int64(4), d.ContentLength)
		require.Equal(t, "bytes 0-3/10", d.ContentRange)
		require.Equal(t, "0123", readAll(t, d.Body))
	})

	t.Run("suffix", func(t *testing.T) {
		d, err := fx.engine.Fetch(ctx, "t1", "n1", FetchOptions{Range: "bytes=-4"})
		require.NoError(t, err)
		require.Equal(t, "bytes 6-9/10", d.ContentRange)
		require.Equal(t, "6789", readAll(t, d.Body))
	})

	t.Run("open ended clamps", func(t *testing.T) {
		d, err := fx.engine.Fetch(ctx, "t1", "n1", FetchOptions{Range: "bytes=6-"})
		require.NoError(t, err)
		require.Equal(t, "6789", readAll(t, d.Body))
	})

	t.Run("oversized suffix serves whole body", func(t *testing.T) {
		d, err := fx.engine.Fetch(ctx, "t1", "n1", FetchOptions{Range: "bytes=-15"})
		require.NoError(t, err)
		require.Equal(t, "0123456789", readAll(t, d.Body))
	})

	for _, header := range []string{
		"bytes=9-10",    // explicit end beyond last byte
		"bytes=5-2",     // end before start
		"bytes=-5-15",   // malformed suffix
		"potatoes=1-15", // wrong unit
		"bytes=10-",     // start beyond content
		"bytes=abc-2",   // unparsable
		"bytes=0-2,4-6", // multiple ranges
	} {
		t.Run("unsatisfiable "+header, func(t *testing.T) {
			_, err := fx.engine.Fetch(ctx, "t1", "n1", FetchOptions{Range: header})
			require.Error(t, err)
			require.True(t, gateway.IsKind(err, gateway.KindRangeNotSatisfiable))
		})
	}
}

func TestReplaceVersioning(t *testing.T) {
	fx := newFixture(t, memoryTenant())
	rec := createContent(t, fx, "version one")
	ctx := context.Background()

	replaced, err := fx.engine.Replace(ctx, WriteRequest{
		TenantID:        "t1",
		NodeID:          "n1",
		ExpectedVersion: rec.Version,
		Actor:           "bob",
		Body:            strings.NewReader("version two!"),
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), replaced.Version)
	require.NotEqual(t, rec.ETag, replaced.ETag)
	require.Equal(t, "alice", replaced.CreatedBy)
	require.Equal(t, "bob", replaced.ModifiedBy)

	// The retired ETag never produces a 304 again.
	d, err := fx.engine.Fetch(ctx, "t1", "n1", FetchOptions{IfNoneMatch: rec.ETag})
	require.NoError(t, err)
	require.Equal(t, 200, d.Status)
	require.Equal(t, "version two!", readAll(t, d.Body))

	// Stale expected version is rejected.
	_, err = fx.engine.Replace(ctx, WriteRequest{
		TenantID:        "t1",
		NodeID:          "n1",
		ExpectedVersion: rec.Version,
		Body:            strings.NewReader("version three"),
	})
	require.Error(t, err)
	require.True(t, gateway.IsConflict(err))
}

func TestStableETagForIdenticalBytes(t *testing.T) {
	fx := newFixture(t, memoryTenant())
	rec := createContent(t, fx, "same bytes")

	replaced, err := fx.engine.Replace(context.Background(), WriteRequest{
		TenantID: "t1", NodeID: "n1", Body: strings.NewReader("same bytes"),
	})
	require.NoError(t, err)
	require.Equal(t, rec.ETag, replaced.ETag, "identical bytes and parameters produce an identical ETag")
	require.Equal(t, int64(2), replaced.Version)
}

func TestDelete(t *testing.T) {
	fx := newFixture(t, memoryTenant())
	createContent(t, fx, "to be deleted")
	ctx := context.Background()

	require.NoError(t, fx.engine.Delete(ctx, "t1", "n1"))

	_, err := fx.engine.Fetch(ctx, "t1", "n1", FetchOptions{})
	require.True(t, gateway.IsNotFound(err))

	require.True(t, gateway.IsNotFound(fx.engine.Delete(ctx, "t1", "n1")))
}

func TestDerivedAssetDelivery(t *testing.T) {
	fx := newFixture(t, memoryTenant())
	createContent(t, fx, "original image bytes")
	ctx := context.Background()

	rec, err := fx.engine.PutDerivedAsset(ctx, "t1", "n1",
		DerivedAsset{AssetKey: "thumb-small", Format: "image/webp", Width: 64, Height: 64},
		strings.NewReader("tiny thumb"))
	require.NoError(t, err)
	require.True(t, rec.Ready)

	asset, ok := rec.Asset("thumb-small")
	require.True(t, ok)
	require.NotEmpty(t, asset.ETag)
	require.NotEqual(t, rec.ETag, asset.ETag, "derived assets carry their own cache identity")

	d, err := fx.engine.FetchDerivedAsset(ctx, "t1", "n1", "thumb-small", FetchOptions{})
	require.NoError(t, err)
	require.Equal(t, 200, d.Status)
	require.Equal(t, "image/webp", d.MimeType)
	require.Equal(t, "tiny thumb", readAll(t, d.Body))

	d, err = fx.engine.FetchDerivedAsset(ctx, "t1", "n1", "thumb-small", FetchOptions{IfNoneMatch: asset.ETag})
	require.NoError(t, err)
	require.Equal(t, 304, d.Status)

	_, err = fx.engine.FetchDerivedAsset(ctx, "t1", "n1", "missing", FetchOptions{})
	require.True(t, gateway.IsNotFound(err))
}

func TestEncryptedContent(t *testing.T) {
	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	tenant := memoryTenant()
	tenant.Encryption = metadata.EncryptionConfig{
		Algorithm: pipeline.AlgorithmAgeX25519,
		Recipient: id.Recipient().String(),
		Identity:  id.String(),
	}
	fx := newFixture(t, tenant)
	ctx := context.Background()

	rec := createContent(t, fx, "0123456789")
	require.Equal(t, pipeline.AlgorithmAgeX25519, rec.EncryptionAlgorithm)
	require.Equal(t, int64(10), rec.ContentSize, "content size is the plaintext size")
	require.Greater(t, rec.BackendRef.Size, int64(10), "stored object is ciphertext")

	d, err := fx.engine.Fetch(ctx, "t1", "n1", FetchOptions{})
	require.NoError(t, err)
	require.Equal(t, "0123456789", readAll(t, d.Body))

	// Range offsets are plaintext coordinates.
	d, err = fx.engine.Fetch(ctx, "t1", "n1", FetchOptions{Range: "bytes=2-5"})
	require.NoError(t, err)
	require.Equal(t, 206, d.Status)
	require.Equal(t, "bytes 2-5/10", d.ContentRange)
	require.Equal(t, "2345", readAll(t, d.Body))
}

func TestParseRange(t *testing.T) {
	cases := []struct {
		header     string
		size       int64
		start, end int64
		wantErr    bool
	}{
		{"bytes=0-3", 10, 0, 3, false},
		{"bytes=0-9", 10, 0, 9, false},
		{"bytes=4-", 10, 4, 9, false},
		{"bytes=-4", 10, 6, 9, false},
		{"bytes=-10", 10, 0, 9, false},
		{"bytes=-99", 10, 0, 9, false},
		{"bytes=0-10", 10, 0, 0, true},
		{"bytes=9-10", 10, 0, 0, true},
		{"bytes=10-", 10, 0, 0, true},
		{"bytes=5-2", 10, 0, 0, true},
		{"bytes=-0", 10, 0, 0, true},
		{"bytes=-5-15", 10, 0, 0, true},
		{"potatoes=1-15", 10, 0, 0, true},
		{"bytes=", 10, 0, 0, true},
		{"bytes=5", 10, 0, 0, true},
		{"bytes=0-0", 1, 0, 0, false},
		{"bytes=-1", 0, 0, 0, true},
	}

	for _, tc := range cases {
		t.Run(tc.header, func(t *testing.T) {
			start, end, err := parseRange(tc.header, tc.size)
			if tc.wantErr {
				require.Error(t, err)
				require.True(t, gateway.IsKind(err, gateway.KindRangeNotSatisfiable))
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.start, start)
			require.Equal(t, tc.end, end)
		})
	}
}
