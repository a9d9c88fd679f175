// Package archive keeps a copy of every plugin file the reloader applied.
package archive

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/fruitsalade/autoreload/internal/diff"
	"github.com/fruitsalade/autoreload/internal/logging"
	"github.com/fruitsalade/autoreload/internal/reloader"
	"github.com/fruitsalade/autoreload/internal/retry"
	"github.com/fruitsalade/autoreload/internal/storage"
)

const uploadTimeout = 2 * time.Minute

// Archiver uploads applied plugin files to a storage backend. It is a
// reloader.Observer.
type Archiver struct {
	backend storage.Backend
	retry   retry.Config
}

// New creates an archiver writing to backend.
func New(backend storage.Backend) *Archiver {
	return &Archiver{backend: backend, retry: retry.DefaultConfig()}
}

// Key is the object key of a plugin file version. Files with the same name
// in different plugin directories get different keys.
func Key(path string, modTime int64) string {
	name := filepath.Base(path)
	return name + "/" + dirTag(filepath.Dir(path)) + "-" + strconv.FormatInt(modTime, 10) + "-" + name
}

func dirTag(dir string) string {
	sum := blake2b.Sum256([]byte(dir))
	return hex.EncodeToString(sum[:4])
}

// ReloadFinished archives the added and modified files of a successful
// reload. Failures are logged only.
func (a *Archiver) ReloadFinished(ctx context.Context, rep reloader.Report) {
	if rep.Err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	for _, d := range rep.Differences {
		if d.Reason != diff.FileAdded && d.Reason != diff.FileModified {
			continue
		}
		if err := a.ArchiveFile(ctx, d.Path); err != nil {
			logging.Warn("archive plugin file failed",
				zap.String("path", d.Path),
				zap.String("backend", a.backend.Type()),
				zap.Error(err))
		}
	}
}

// ArchiveFile uploads the current content of path unless that version is
// already stored.
func (a *Archiver) ArchiveFile(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	key := Key(path, info.ModTime().UnixNano())

	exists, err := a.backend.ObjectExists(ctx, key)
	if err != nil {
		return fmt.Errorf("check %s: %w", key, err)
	}
	if exists {
		logging.Debug("plugin file already archived", zap.String("key", key))
		return nil
	}

	cfg := a.retry
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		logging.Debug("retrying archive upload",
			zap.String("key", key), zap.Int("attempt", attempt),
			zap.Duration("wait", wait), zap.Error(err))
	}
	err = retry.Do(ctx, cfg, func() error {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		return retry.Retryable(a.backend.PutObject(ctx, key, f, info.Size()))
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}

	logging.Info("plugin file archived",
		zap.String("key", key),
		zap.String("backend", a.backend.Type()))
	return nil
}
