// Package store persists content records, upload sessions, and share
// tokens in a single bbolt database. Values are stored as JSON envelopes,
// zstd-compressed above a size threshold.
package store

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	gateway "github.com/quarkstore/gateway"
	"github.com/quarkstore/gateway/content"
	"github.com/quarkstore/gateway/upload"
)

var (
	bucketRecords  = []byte("records")
	bucketSessions = []byte("sessions")
	bucketShares   = []byte("shares")
)

// Bolt is the bbolt-backed store. It enforces the one-current-record
// invariant for content records transactionally.
type Bolt struct {
	db     *bbolt.DB
	codec  *codec
	logger *slog.Logger
	noSync bool
}

// Option configures a Bolt store.
type Option func(*Bolt)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bolt) {
		b.logger = logger
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: this improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) Option {
	return func(b *Bolt) {
		b.noSync = noSync
	}
}

// NewBolt creates a new store with options. Call Open before use.
func NewBolt(opts ...Option) *Bolt {
	b := &Bolt{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path and creates the buckets.
func (b *Bolt) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketRecords, bucketSessions, bucketShares} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return err
	}

	codec, err := newCodec()
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating envelope codec: %w", err)
	}
	b.codec = codec

	b.logger.Debug("opened store", slog.String("path", path), slog.Bool("no_sync", b.noSync))
	return nil
}

// Close closes the database and releases codec resources.
func (b *Bolt) Close() error {
	if b.codec != nil {
		b.codec.close()
		b.codec = nil
	}
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing store")
	return b.db.Close()
}

// recordKey builds the compound key for a (tenant, node, key) triple. The
// NUL separator keeps distinct triples from colliding.
func recordKey(tenantID, nodeID, key string) []byte {
	var buf bytes.Buffer
	buf.WriteString(tenantID)
	buf.WriteByte(0)
	buf.WriteString(nodeID)
	buf.WriteByte(0)
	buf.WriteString(key)
	return buf.Bytes()
}

// Save persists rec as the current record for its (tenant, node, key) if
// and only if the current record's version equals baseVersion. baseVersion
// 0 requires that no current record exists. The precondition is re-checked
// inside the write transaction, so concurrent writers cannot both win.
func (b *Bolt) Save(_ context.Context, rec *content.Record, baseVersion int64) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRecords)
		key := recordKey(rec.TenantID, rec.NodeID, rec.Key)

		cur := bucket.Get(key)
		if baseVersion == 0 {
			if cur != nil {
				return gateway.E(gateway.KindConflict, "content record for node %s already exists", rec.NodeID)
			}
		} else {
			if cur == nil {
				return gateway.E(gateway.KindConflict,
					"content record for node %s is gone, expected version %d", rec.NodeID, baseVersion)
			}
			var existing content.Record
			if err := b.codec.decode(cur, &existing); err != nil {
				return fmt.Errorf("decoding current record: %w", err)
			}
			if existing.Version != baseVersion {
				return gateway.E(gateway.KindConflict,
					"version conflict for node %s: expected %d, current %d", rec.NodeID, baseVersion, existing.Version)
			}
		}

		data, err := b.codec.encode(rec)
		if err != nil {
			return fmt.Errorf("encoding record: %w", err)
		}
		if err := bucket.Put(key, data); err != nil {
			return fmt.Errorf("putting record: %w", err)
		}
		return nil
	})
}

// Current returns the current record for the triple, or a NotFound-kind
// error.
func (b *Bolt) Current(_ context.Context, tenantID, nodeID, key string) (*content.Record, error) {
	var rec content.Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketRecords).Get(recordKey(tenantID, nodeID, key))
		if val == nil {
			return gateway.E(gateway.KindNotFound, "no content record for node %s", nodeID)
		}
		return b.codec.decode(val, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Delete removes and returns the current record, or a NotFound-kind error
// if none exists.
func (b *Bolt) Delete(_ context.Context, tenantID, nodeID, key string) (*content.Record, error) {
	var rec content.Record
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRecords)
		k := recordKey(tenantID, nodeID, key)

		val := bucket.Get(k)
		if val == nil {
			return gateway.E(gateway.KindNotFound, "no content record for node %s", nodeID)
		}
		if err := b.codec.decode(val, &rec); err != nil {
			return fmt.Errorf("decoding record: %w", err)
		}
		return bucket.Delete(k)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// PutSession creates or overwrites a session record.
func (b *Bolt) PutSession(_ context.Context, s *upload.Session) error {
	data, err := b.codec.encode(s)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketSessions).Put([]byte(s.ID), data); err != nil {
			return fmt.Errorf("putting session: %w", err)
		}
		return nil
	})
}

// GetSession returns the session, or a NotFound-kind error.
func (b *Bolt) GetSession(_ context.Context, id string) (*upload.Session, error) {
	var s upload.Session
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketSessions).Get([]byte(id))
		if val == nil {
			return gateway.E(gateway.KindNotFound, "upload session %s not found", id)
		}
		return b.codec.decode(val, &s)
	})
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// DeleteSession removes the session; missing sessions are a no-op.
func (b *Bolt) DeleteSession(_ context.Context, id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(id))
	})
}

// SessionsCreatedBefore returns sessions created strictly before the
// cutoff, for TTL reclamation.
func (b *Bolt) SessionsCreatedBefore(_ context.Context, cutoff time.Time) ([]*upload.Session, error) {
	var sessions []*upload.Session
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(_, v []byte) error {
			var s upload.Session
			if err := b.codec.decode(v, &s); err != nil {
				return fmt.Errorf("decoding session: %w", err)
			}
			if s.CreatedAt.Before(cutoff) {
				sessions = append(sessions, &s)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// Share grants anonymous access to one node's content under an opaque
// token. Deleting the row revokes the grant.
type Share struct {
	Token     string    `json:"token"`
	TenantID  string    `json:"tenant_id"`
	NodeID    string    `json:"node_id"`
	Key       string    `json:"key"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// PutShare creates or overwrites a share grant.
func (b *Bolt) PutShare(_ context.Context, s *Share) error {
	data, err := b.codec.encode(s)
	if err != nil {
		return fmt.Errorf("encoding share: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketShares).Put([]byte(s.Token), data); err != nil {
			return fmt.Errorf("putting share: %w", err)
		}
		return nil
	})
}

// GetShare resolves an access token, or returns a NotFound-kind error for
// unknown or revoked tokens.
func (b *Bolt) GetShare(_ context.Context, token string) (*Share, error) {
	var s Share
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketShares).Get([]byte(token))
		if val == nil {
			return gateway.E(gateway.KindNotFound, "share %s not found", token)
		}
		return b.codec.decode(val, &s)
	})
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// DeleteShare revokes a share grant; missing tokens are a no-op.
func (b *Bolt) DeleteShare(_ context.Context, token string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketShares).Delete([]byte(token))
	})
}

// Compile-time interface checks
var (
	_ content.RecordStore = (*Bolt)(nil)
	_ upload.SessionStore = (*Bolt)(nil)
)
