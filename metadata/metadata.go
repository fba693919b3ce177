// Package metadata holds the tenant and node collaborators the gateway
// depends on. Tenant/node CRUD, tree resolution, and their persistence are
// owned elsewhere; the gateway only consumes the shapes and resolvers here.
package metadata

import (
	"context"
	"sync"

	gateway "github.com/quarkstore/gateway"
)

// BackboneType names a physical storage target class.
type BackboneType string

const (
	BackboneMemory      BackboneType = "memory"
	BackboneFilesystem  BackboneType = "filesystem"
	BackboneObjectStore BackboneType = "objectstore"
	BackboneCloudDrive  BackboneType = "clouddrive"
)

// BackboneConfig selects and parameterizes a tenant's physical backend.
type BackboneConfig struct {
	Type    BackboneType `json:"type"`
	Dialect string       `json:"dialect,omitempty"` // objectstore: "s3" | "minio"

	// Filesystem
	Root string `json:"root,omitempty"`

	// Object store
	Endpoint  string `json:"endpoint,omitempty"`
	Region    string `json:"region,omitempty"`
	Bucket    string `json:"bucket,omitempty"`
	AccessKey string `json:"access_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`
	UseSSL    bool   `json:"use_ssl,omitempty"`

	// Cloud drive
	BaseURL string `json:"base_url,omitempty"`
	Token   string `json:"token,omitempty"`
}

// EncryptionConfig declares a tenant's at-rest encryption. Recipient and
// Identity are key material: they are read at configuration load and never
// serialized into outward-facing content metadata.
type EncryptionConfig struct {
	Algorithm string `json:"algorithm,omitempty"` // "" disables encryption
	Recipient string `json:"-"`
	Identity  string `json:"-"`
}

// Tenant is the configuration unit owning content, sessions, and backend
// objects. Read-only after configuration load.
type Tenant struct {
	ID         string              `json:"id"`
	Backbone   BackboneConfig      `json:"backbone"`
	Encryption EncryptionConfig    `json:"encryption"`
	Hashes     []gateway.Algorithm `json:"hashes,omitempty"` // digests beyond sha1 computed on every write
}

// Node is a file or folder entry in a tenant's tree. Resolution of paths to
// nodes happens outside the gateway core.
type Node struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	Folder   bool   `json:"folder"`
}

// TenantRegistry resolves tenant configuration by id.
type TenantRegistry interface {
	Tenant(ctx context.Context, id string) (*Tenant, error)
}

// NodeResolver resolves nodes by tenant and node id.
type NodeResolver interface {
	Node(ctx context.Context, tenantID, nodeID string) (*Node, error)
}

// Registry is an in-memory TenantRegistry and NodeResolver, loaded once at
// startup from configuration.
type Registry struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
	nodes   map[string]map[string]*Node
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tenants: make(map[string]*Tenant),
		nodes:   make(map[string]map[string]*Node),
	}
}

// AddTenant registers a tenant.
func (r *Registry) AddTenant(t *Tenant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenants[t.ID] = t
}

// AddNode registers a node under its tenant.
func (r *Registry) AddNode(n *Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	nodes := r.nodes[n.TenantID]
	if nodes == nil {
		nodes = make(map[string]*Node)
		r.nodes[n.TenantID] = nodes
	}
	nodes[n.ID] = n
}

// Tenant implements TenantRegistry.
func (r *Registry) Tenant(_ context.Context, id string) (*Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[id]
	if !ok {
		return nil, gateway.E(gateway.KindNotFound, "tenant %s not found", id)
	}
	return t, nil
}

// Node implements NodeResolver.
func (r *Registry) Node(_ context.Context, tenantID, nodeID string) (*Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[tenantID][nodeID]
	if !ok {
		return nil, gateway.E(gateway.KindNotFound, "node %s not found in tenant %s", nodeID, tenantID)
	}
	return n, nil
}

var (
	_ TenantRegistry = (*Registry)(nil)
	_ NodeResolver   = (*Registry)(nil)
)
