// Package local stores objects as files below a root directory.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/fruitsalade/autoreload/internal/logging"
	"github.com/fruitsalade/autoreload/internal/metrics"
)

// Backend writes each object to <root>/<key>.
type Backend struct {
	root string
}

// NewBackend creates root if needed.
func NewBackend(root string) (*Backend, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve archive root: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create archive root: %w", err)
	}
	return &Backend{root: abs}, nil
}

func (b *Backend) path(key string) (string, error) {
	p := filepath.Join(b.root, filepath.FromSlash(key))
	if p != b.root && !strings.HasPrefix(p, b.root+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return p, nil
}

// PutObject writes through a temp file and renames it into place, so a
// reader never sees a partial object.
func (b *Backend) PutObject(ctx context.Context, key string, body io.Reader, size int64) error {
	dst, err := b.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		metrics.RecordArchiveUpload(0, false)
		return fmt.Errorf("write object %s: %w", key, err)
	}
	if size >= 0 && n != size {
		metrics.RecordArchiveUpload(0, false)
		return fmt.Errorf("write object %s: short write %d of %d bytes", key, n, size)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		metrics.RecordArchiveUpload(0, false)
		return fmt.Errorf("rename object %s: %w", key, err)
	}

	metrics.RecordArchiveUpload(n, true)
	logging.Debug("local put object", zap.String("key", key), zap.Int64("size", n))
	return nil
}

// ObjectExists checks if an object exists.
func (b *Backend) ObjectExists(ctx context.Context, key string) (bool, error) {
	p, err := b.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// Type returns "local".
func (b *Backend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *Backend) Close() error { return nil }
