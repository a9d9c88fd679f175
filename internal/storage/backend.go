// Package storage defines where archived plugin files are written.
package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/fruitsalade/autoreload/internal/config"
	"github.com/fruitsalade/autoreload/internal/storage/local"
	"github.com/fruitsalade/autoreload/internal/storage/s3"
)

// Backend stores opaque objects by key.
type Backend interface {
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error
	ObjectExists(ctx context.Context, key string) (bool, error)
	Type() string
	Close() error
}

// New builds the backend selected by cfg. It returns nil, nil when
// archiving is disabled.
func New(ctx context.Context, cfg config.ArchiveConfig) (Backend, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "local":
		return local.NewBackend(cfg.LocalPath)
	case "s3":
		return s3.NewBackend(ctx, s3.BackendConfig{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
