package backend

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"
)

// Minio implements Adapter against MinIO deployments using the native
// MinIO client. It is the "minio" dialect of the object-store backbone.
type Minio struct {
	client *minio.Client
	bucket string
}

// MinioConfig parameterizes a MinIO object-store adapter.
type MinioConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// NewMinio creates a MinIO adapter from config.
func NewMinio(cfg MinioConfig) (*Minio, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  miniocreds.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}
	return &Minio{client: client, bucket: cfg.Bucket}, nil
}

// Write stores data at the given key.
func (b *Minio) Write(ctx context.Context, key string, r io.Reader) (WriteResult, error) {
	info, err := b.client.PutObject(ctx, b.bucket, key, r, -1, minio.PutObjectOptions{})
	if err != nil {
		return WriteResult{}, fmt.Errorf("put object %s: %w", key, err)
	}
	return WriteResult{
		BytesTransferred: true,
		Bytes:            info.Size,
		RemoteETag:       info.ETag,
	}, nil
}

// Read retrieves the full object at the given key.
func (b *Minio) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	return b.get(ctx, key, 0, -1)
}

// ReadRange retrieves bytes [start, end] of the object.
func (b *Minio) ReadRange(ctx context.Context, key string, start, end int64) (io.ReadCloser, error) {
	return b.get(ctx, key, start, end)
}

func (b *Minio) get(ctx context.Context, key string, start, end int64) (io.ReadCloser, error) {
	opts := minio.GetObjectOptions{}
	if start > 0 || end >= 0 {
		if err := opts.SetRange(start, max(end, 0)); err != nil {
			return nil, fmt.Errorf("setting range: %w", err)
		}
	}

	obj, err := b.client.GetObject(ctx, b.bucket, key, opts)
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}

	// GetObject is lazy; surface missing objects on the first stat.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("stat object %s: %w", key, err)
	}

	return obj, nil
}

// Delete removes the object at the given key.
func (b *Minio) Delete(ctx context.Context, key string) error {
	if err := b.client.RemoveObject(ctx, b.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

// Purge removes every object under the given key prefix.
func (b *Minio) Purge(ctx context.Context, prefix string) error {
	objects := b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	for res := range b.client.RemoveObjects(ctx, b.bucket, objects, minio.RemoveObjectsOptions{}) {
		if res.Err != nil {
			return fmt.Errorf("purging %s: %w", prefix, res.Err)
		}
	}
	return nil
}

var _ Adapter = (*Minio)(nil)
