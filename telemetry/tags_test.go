package telemetry

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInjectAndSetTags(t *testing.T) {
	r := httptest.NewRequest("GET", "/content", nil)
	require.Nil(t, GetTags(r))

	r = InjectTags(r)
	tags := GetTags(r)
	require.NotNil(t, tags)
	require.Empty(t, tags.Tenant)

	SetTenant(r, "tenant-1")
	SetEndpoint(r, "content")

	tags = GetTags(r)
	require.Equal(t, "tenant-1", tags.Tenant)
	require.Equal(t, "content", tags.Endpoint)
}

func TestSetTagsWithoutInjectIsNoop(t *testing.T) {
	r := httptest.NewRequest("GET", "/content", nil)
	SetTenant(r, "tenant-1")
	SetEndpoint(r, "content")
	require.Nil(t, GetTags(r))
}

func TestTenantFromContext(t *testing.T) {
	require.Empty(t, TenantFromContext(context.Background()))

	ctx := WithTenantContext(context.Background(), "tenant-2")
	require.Equal(t, "tenant-2", TenantFromContext(ctx))

	r := InjectTags(httptest.NewRequest("GET", "/", nil))
	SetTenant(r, "tenant-3")
	require.Equal(t, "tenant-3", TenantFromContext(r.Context()))
}
