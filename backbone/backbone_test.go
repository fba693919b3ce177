package backbone

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quarkstore/gateway"
	"github.com/quarkstore/gateway/metadata"
)

func memoryTenant(id string) metadata.Tenant {
	return metadata.Tenant{
		ID:       id,
		Backbone: metadata.BackboneConfig{Type: metadata.BackboneMemory},
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	m := NewManager()
	tenant := memoryTenant("t1")
	ctx := context.Background()

	ref, err := m.Write(ctx, tenant, "nodes/n1/content", strings.NewReader("hello world"))
	require.NoError(t, err)
	require.Equal(t, "memory", ref.Backbone)
	require.Equal(t, "nodes/n1/content", ref.Key)
	require.Equal(t, int64(11), ref.Size)

	rc, err := m.Read(ctx, tenant, ref)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))
}

func TestReadRange(t *testing.T) {
	m := NewManager()
	tenant := memoryTenant("t1")
	ctx := context.Background()

	ref, err := m.Write(ctx, tenant, "k", strings.NewReader("0123456789"))
	require.NoError(t, err)

	rc, err := m.ReadRange(ctx, tenant, ref, 2, 5)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "2345", string(data))
}

func TestReadMissingIsNotFound(t *testing.T) {
	m := NewManager()
	tenant := memoryTenant("t1")

	_, err := m.Read(context.Background(), tenant, Ref{Backbone: "memory", Key: "missing"})
	require.Error(t, err)
	require.True(t, gateway.IsNotFound(err))
}

func TestDeleteAndPurge(t *testing.T) {
	m := NewManager()
	tenant := memoryTenant("t1")
	ctx := context.Background()

	ref, err := m.Write(ctx, tenant, "a/b", strings.NewReader("x"))
	require.NoError(t, err)
	_, err = m.Write(ctx, tenant, "a/c", strings.NewReader("y"))
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, tenant, ref))
	_, err = m.Read(ctx, tenant, ref)
	require.True(t, gateway.IsNotFound(err))

	// Delete again is a no-op.
	require.NoError(t, m.Delete(ctx, tenant, ref))

	require.NoError(t, m.Purge(ctx, tenant, "a/"))
	_, err = m.Read(ctx, tenant, Ref{Key: "a/c"})
	require.True(t, gateway.IsNotFound(err))
}

func TestAdapterCachedPerTenant(t *testing.T) {
	m := NewManager()
	tenant := memoryTenant("t1")
	ctx := context.Background()

	ref, err := m.Write(ctx, tenant, "k", strings.NewReader("data"))
	require.NoError(t, err)

	// A second write through the same tenant must hit the same adapter,
	// otherwise the first object would be gone.
	rc, err := m.Read(ctx, tenant, ref)
	require.NoError(t, err)
	_ = rc.Close()

	counters, ok := m.Counters("t1")
	require.True(t, ok)
	require.Equal(t, int64(1), counters.ExternalWriteNumber)
	require.Equal(t, int64(1), counters.ExternalReadNumber)

	_, ok = m.Counters("unknown")
	require.False(t, ok)
}

func TestUnknownBackboneType(t *testing.T) {
	m := NewManager()
	tenant := metadata.Tenant{
		ID:       "t2",
		Backbone: metadata.BackboneConfig{Type: "floppy"},
	}

	_, err := m.Write(context.Background(), tenant, "k", strings.NewReader("x"))
	require.Error(t, err)
	require.True(t, gateway.IsKind(err, gateway.KindBadRequest))
}

func TestUnknownObjectStoreDialect(t *testing.T) {
	m := NewManager()
	tenant := metadata.Tenant{
		ID: "t3",
		Backbone: metadata.BackboneConfig{
			Type:    metadata.BackboneObjectStore,
			Dialect: "swift",
		},
	}

	_, err := m.Write(context.Background(), tenant, "k", strings.NewReader("x"))
	require.Error(t, err)
	require.True(t, gateway.IsKind(err, gateway.KindBadRequest))
}
