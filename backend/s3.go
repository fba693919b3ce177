package backend

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"
)

// purgeConcurrency bounds parallel deletes during a bucket purge.
const purgeConcurrency = 8

// S3Config parameterizes an S3 object-store adapter.
type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// S3 implements Adapter against S3-compatible object storage using the
// AWS SDK. Objects are spooled to the bucket under their gateway keys.
type S3 struct {
	client *s3.Client
	bucket string
}

// NewS3 creates an S3 adapter from config. A non-empty Endpoint enables
// path-style addressing for S3-compatible stores.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3{client: client, bucket: cfg.Bucket}, nil
}

// Write stores data at the given key.
func (b *S3) Write(ctx context.Context, key string, r io.Reader) (WriteResult, error) {
	cr := &countingReader{r: r}
	out, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   cr,
	})
	if err != nil {
		return WriteResult{}, fmt.Errorf("put object %s: %w", key, err)
	}
	res := WriteResult{BytesTransferred: true, Bytes: cr.n}
	if out.ETag != nil {
		res.RemoteETag = *out.ETag
	}
	return res, nil
}

// Read retrieves the full object at the given key.
func (b *S3) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	return b.get(ctx, key, nil)
}

// ReadRange retrieves bytes [start, end] using an HTTP Range request.
func (b *S3) ReadRange(ctx context.Context, key string, start, end int64) (io.ReadCloser, error) {
	var rng string
	if end < 0 {
		rng = fmt.Sprintf("bytes=%d-", start)
	} else {
		rng = fmt.Sprintf("bytes=%d-%d", start, end)
	}
	return b.get(ctx, key, aws.String(rng))
}

func (b *S3) get(ctx context.Context, key string, rng *string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Range:  rng,
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	return out.Body, nil
}

// Delete removes the object at the given key.
func (b *S3) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

// Purge removes every object under the given key prefix, deleting pages
// concurrently.
func (b *S3) Purge(ctx context.Context, prefix string) error {
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(purgeConcurrency)

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("listing objects under %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			g.Go(func() error {
				return b.Delete(ctx, key)
			})
		}
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("purging %s: %w", prefix, err)
	}
	return nil
}

var _ Adapter = (*S3)(nil)
