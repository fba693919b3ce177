// Package backbone resolves tenant storage configuration to a concrete
// backend adapter and routes object traffic through it.
package backbone

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/quarkstore/gateway"
	"github.com/quarkstore/gateway/backend"
	"github.com/quarkstore/gateway/metadata"
)

// Ref is the opaque backend reference persisted inside a content record.
// Path-addressed backbones locate objects by Key; the cloud drive assigns
// an ItemID on write which takes precedence for reads and deletes.
type Ref struct {
	Backbone   string `json:"backbone"`
	Key        string `json:"key"`
	RemoteETag string `json:"remote_etag,omitempty"`
	ItemID     string `json:"item_id,omitempty"`
	Size       int64  `json:"size"`
}

// locator returns the backend key used to address the object.
func (r Ref) locator() string {
	if r.ItemID != "" {
		return r.ItemID
	}
	return r.Key
}

// Manager selects the backend adapter for a tenant as a pure function of
// the tenant's backbone configuration and caches one instrumented adapter
// per tenant.
type Manager struct {
	logger *slog.Logger

	mu       sync.Mutex
	adapters map[string]*backend.Instrumented
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a backbone manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		logger:   slog.Default(),
		adapters: make(map[string]*backend.Instrumented),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// adapterFor returns the cached instrumented adapter for the tenant,
// building it from the tenant's backbone configuration on first use.
func (m *Manager) adapterFor(ctx context.Context, tenant metadata.Tenant) (*backend.Instrumented, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a, ok := m.adapters[tenant.ID]; ok {
		return a, nil
	}

	adapter, err := buildAdapter(ctx, tenant.Backbone)
	if err != nil {
		return nil, err
	}

	ia := backend.NewInstrumented(adapter, string(tenant.Backbone.Type))
	m.adapters[tenant.ID] = ia

	m.logger.Debug("backbone adapter created",
		slog.String("tenant", tenant.ID),
		slog.String("type", string(tenant.Backbone.Type)),
		slog.String("dialect", tenant.Backbone.Dialect))

	return ia, nil
}

// buildAdapter maps a backbone configuration to a concrete adapter.
// Selection is driven by configuration only.
func buildAdapter(ctx context.Context, cfg metadata.BackboneConfig) (backend.Adapter, error) {
	switch cfg.Type {
	case metadata.BackboneMemory:
		return backend.NewMemory(), nil

	case metadata.BackboneFilesystem:
		fs, err := backend.NewFilesystem(cfg.Root)
		if err != nil {
			return nil, fmt.Errorf("building filesystem backbone: %w", err)
		}
		return fs, nil

	case metadata.BackboneObjectStore:
		switch cfg.Dialect {
		case "s3", "":
			s3b, err := backend.NewS3(ctx, backend.S3Config{
				Endpoint:  cfg.Endpoint,
				Region:    cfg.Region,
				Bucket:    cfg.Bucket,
				AccessKey: cfg.AccessKey,
				SecretKey: cfg.SecretKey,
			})
			if err != nil {
				return nil, fmt.Errorf("building s3 backbone: %w", err)
			}
			return s3b, nil
		case "minio":
			mb, err := backend.NewMinio(backend.MinioConfig{
				Endpoint:  cfg.Endpoint,
				Bucket:    cfg.Bucket,
				AccessKey: cfg.AccessKey,
				SecretKey: cfg.SecretKey,
				UseSSL:    cfg.UseSSL,
			})
			if err != nil {
				return nil, fmt.Errorf("building minio backbone: %w", err)
			}
			return mb, nil
		default:
			return nil, gateway.E(gateway.KindBadRequest, "unknown objectstore dialect %q", cfg.Dialect)
		}

	case metadata.BackboneCloudDrive:
		return backend.NewCloudDrive(cfg.BaseURL, cfg.Token), nil

	default:
		return nil, gateway.E(gateway.KindBadRequest, "unknown backbone type %q", cfg.Type)
	}
}

// Write stores an object for the tenant under the given key and returns the
// reference to persist. A failed write leaves nothing to persist.
func (m *Manager) Write(ctx context.Context, tenant metadata.Tenant, key string, r io.Reader) (Ref, error) {
	adapter, err := m.adapterFor(ctx, tenant)
	if err != nil {
		return Ref{}, err
	}

	res, err := adapter.Write(ctx, key, r)
	if err != nil {
		return Ref{}, fmt.Errorf("writing object %s: %w", key, err)
	}

	return Ref{
		Backbone:   string(tenant.Backbone.Type),
		Key:        key,
		RemoteETag: res.RemoteETag,
		ItemID:     res.ItemID,
		Size:       res.Bytes,
	}, nil
}

// Read retrieves the full object behind the reference.
func (m *Manager) Read(ctx context.Context, tenant metadata.Tenant, ref Ref) (io.ReadCloser, error) {
	adapter, err := m.adapterFor(ctx, tenant)
	if err != nil {
		return nil, err
	}

	rc, err := adapter.Read(ctx, ref.locator())
	if err != nil {
		if err == backend.ErrNotFound {
			return nil, gateway.E(gateway.KindNotFound, "object %s not found", ref.Key)
		}
		return nil, fmt.Errorf("reading object %s: %w", ref.Key, err)
	}
	return rc, nil
}

// ReadRange retrieves bytes [start, end] of the object behind the reference.
// end < 0 means open-ended.
func (m *Manager) ReadRange(ctx context.Context, tenant metadata.Tenant, ref Ref, start, end int64) (io.ReadCloser, error) {
	adapter, err := m.adapterFor(ctx, tenant)
	if err != nil {
		return nil, err
	}

	rc, err := adapter.ReadRange(ctx, ref.locator(), start, end)
	if err != nil {
		if err == backend.ErrNotFound {
			return nil, gateway.E(gateway.KindNotFound, "object %s not found", ref.Key)
		}
		return nil, fmt.Errorf("reading object range %s: %w", ref.Key, err)
	}
	return rc, nil
}

// Delete removes the object behind the reference. Missing objects are
// treated as already deleted.
func (m *Manager) Delete(ctx context.Context, tenant metadata.Tenant, ref Ref) error {
	adapter, err := m.adapterFor(ctx, tenant)
	if err != nil {
		return err
	}

	if err := adapter.Delete(ctx, ref.locator()); err != nil {
		return fmt.Errorf("deleting object %s: %w", ref.Key, err)
	}
	return nil
}

// Purge removes every tenant object under the given key prefix.
func (m *Manager) Purge(ctx context.Context, tenant metadata.Tenant, prefix string) error {
	adapter, err := m.adapterFor(ctx, tenant)
	if err != nil {
		return err
	}

	if err := adapter.Purge(ctx, prefix); err != nil {
		return fmt.Errorf("purging %s: %w", prefix, err)
	}
	return nil
}

// Counters returns the operational counter snapshot for the tenant's
// adapter. The second return reports whether the tenant has an adapter yet.
func (m *Manager) Counters(tenantID string) (backend.Counters, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.adapters[tenantID]
	if !ok {
		return backend.Counters{}, false
	}
	return a.Counters(), true
}
