// Package telemetry provides request tagging, metrics instruments and an
// instrumented HTTP transport for the gateway.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for the request tags holder.
	requestTagsKey contextKey = "request_tags"
	// tenantKey is the context key for propagating the tenant to background goroutines.
	tenantKey contextKey = "tenant"
)

// RequestTags holds mutable request metadata that handlers can set for
// logging and metrics.
type RequestTags struct {
	Tenant   string
	Endpoint string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, &RequestTags{}))
}

// GetTags retrieves the request tags from context.
// Returns nil outside a request that went through the logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetTenant sets the tenant tag for metrics and logging.
func SetTenant(r *http.Request, tenant string) {
	if tags := GetTags(r); tags != nil {
		tags.Tenant = tenant
	}
}

// SetEndpoint sets the endpoint type for logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// TenantFromContext retrieves the tenant from a context. It checks both
// background contexts (set by WithTenantContext) and request contexts
// (set by SetTenant via InjectTags).
func TenantFromContext(ctx context.Context) string {
	if t, ok := ctx.Value(tenantKey).(string); ok && t != "" {
		return t
	}
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok && tags != nil {
		return tags.Tenant
	}
	return ""
}

// WithTenantContext returns a context with the tenant stored. Use this to
// propagate the tenant into goroutines that outlive the request context.
func WithTenantContext(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantKey, tenant)
}
