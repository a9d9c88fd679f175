// Package s3 stores archived plugin files in an S3-compatible bucket.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/fruitsalade/autoreload/internal/logging"
	"github.com/fruitsalade/autoreload/internal/metrics"
)

// BackendConfig configures an S3 or MinIO bucket.
type BackendConfig struct {
	Endpoint  string // empty for AWS
	Bucket    string
	Prefix    string // optional key prefix, e.g. one per server
	AccessKey string // empty uses the default credential chain
	SecretKey string
	Region    string
}

// Backend implements storage.Backend using S3/MinIO.
type Backend struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewBackend connects to the bucket, creating it when it does not exist.
func NewBackend(ctx context.Context, cfg BackendConfig) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	b := &Backend{
		client: s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
				o.UsePathStyle = true
			}
		}),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}
	if err := b.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backend) ensureBucket(ctx context.Context) error {
	start := time.Now()
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	observe("head_bucket", start, err)

	var notFound *types.NotFound
	switch {
	case err == nil:
		return nil
	case !errors.As(err, &notFound):
		return fmt.Errorf("check bucket %s: %w", b.bucket, err)
	}

	start = time.Now()
	_, err = b.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(b.bucket)})
	observe("create_bucket", start, err)
	if err != nil {
		return fmt.Errorf("create bucket %s: %w", b.bucket, err)
	}
	logging.Info("created archive bucket", zap.String("bucket", b.bucket))
	return nil
}

func (b *Backend) objectKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return path.Join(b.prefix, key)
}

// PutObject uploads one archived plugin file.
func (b *Backend) PutObject(ctx context.Context, key string, body io.Reader, size int64) error {
	start := time.Now()
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.objectKey(key)),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/octet-stream"),
		Metadata:      map[string]string{"source": "autoreload"},
	})
	observe("put_object", start, err)
	metrics.RecordArchiveUpload(size, err == nil)
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}

	logging.Debug("archived object uploaded",
		zap.String("bucket", b.bucket),
		zap.String("key", b.objectKey(key)),
		zap.Int64("size", size))
	return nil
}

// ObjectExists reports whether key is stored. Only a not-found answer
// yields false without an error.
func (b *Backend) ObjectExists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})

	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		observe("head_object", start, nil)
		return false, nil
	}
	observe("head_object", start, err)
	if err != nil {
		return false, fmt.Errorf("head object %s: %w", key, err)
	}
	return true, nil
}

func (b *Backend) Type() string { return "s3" }

func (b *Backend) Close() error { return nil }

func observe(op string, start time.Time, err error) {
	metrics.RecordS3Operation(op, time.Since(start), err == nil)
}
