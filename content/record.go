// Package content owns the content lifecycle: create, replace, fetch,
// delete, derived assets, and the conditional/range delivery semantics
// layered on top of the backbone.
package content

import (
	"context"
	"time"

	gateway "github.com/quarkstore/gateway"
	"github.com/quarkstore/gateway/backbone"
)

// DefaultKey is the content key used when a node carries a single binary
// payload.
const DefaultKey = "content"

// DerivedAsset is a generated auxiliary object (thumbnail, preview) tied to
// a content record by its asset key. It has its own bytes and its own ETag,
// independent of the parent content's cache identity.
type DerivedAsset struct {
	AssetKey   string       `json:"asset_key"`
	Format     string       `json:"format,omitempty"`
	Width      int          `json:"width,omitempty"`
	Height     int          `json:"height,omitempty"`
	Size       int64        `json:"size"`
	ETag       string       `json:"etag"`
	BackendRef backbone.Ref `json:"backend_ref"`
}

// Record is the current logical object for a (tenant, node, key). Exactly
// one record is current per triple; replacing content supersedes the record
// and increments Version.
type Record struct {
	TenantID string `json:"tenant_id"`
	NodeID   string `json:"node_id"`
	Key      string `json:"key"`

	OriginalName string `json:"original_name"`
	MimeType     string `json:"mime_type"`
	Encoding     string `json:"encoding,omitempty"`
	ContentSize  int64  `json:"content_size"`

	BackendRef backbone.Ref      `json:"backend_ref"`
	ETag       string            `json:"etag"`
	Hashes     gateway.DigestSet `json:"hashes"`

	// EncryptionAlgorithm is the only outward-facing trace of at-rest
	// encryption; key material never leaves tenant configuration.
	EncryptionAlgorithm string `json:"encryption_algorithm,omitempty"`

	DerivedAssets []DerivedAsset `json:"derived_assets,omitempty"`
	Ready         bool           `json:"ready"`

	Version    int64     `json:"version"`
	CreatedBy  string    `json:"created_by"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedBy string    `json:"modified_by,omitempty"`
	ModifiedAt time.Time `json:"modified_at,omitzero"`
}

// Asset returns the derived asset with the given key, if present.
func (r *Record) Asset(assetKey string) (*DerivedAsset, bool) {
	for i := range r.DerivedAssets {
		if r.DerivedAssets[i].AssetKey == assetKey {
			return &r.DerivedAssets[i], true
		}
	}
	return nil, false
}

// setAsset adds or overwrites the derived asset with the same key.
func (r *Record) setAsset(a DerivedAsset) {
	for i := range r.DerivedAssets {
		if r.DerivedAssets[i].AssetKey == a.AssetKey {
			r.DerivedAssets[i] = a
			return
		}
	}
	r.DerivedAssets = append(r.DerivedAssets, a)
}

// RecordStore persists content records. Implementations enforce the
// one-current-record invariant transactionally.
type RecordStore interface {
	// Save persists rec as the current record for its (tenant, node, key)
	// if and only if the current record's version equals baseVersion.
	// baseVersion 0 requires that no current record exists. A failed
	// precondition returns a Conflict-kind error and no state change.
	Save(ctx context.Context, rec *Record, baseVersion int64) error

	// Current returns the current record, or a NotFound-kind error.
	Current(ctx context.Context, tenantID, nodeID, key string) (*Record, error)

	// Delete removes and returns the current record, or a NotFound-kind
	// error if none exists.
	Delete(ctx context.Context, tenantID, nodeID, key string) (*Record, error)
}
