package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/autoreload/internal/host"
	"github.com/fruitsalade/autoreload/internal/logging"
	"github.com/fruitsalade/autoreload/internal/metrics"
)

// PluginFileSuffixes are the file name suffixes of loadable plugin files.
var PluginFileSuffixes = []string{".py", ".mcdr", ".pyz"}

// IsPluginFile reports whether name ends with a plugin file suffix.
func IsPluginFile(name string) bool {
	for _, sfx := range PluginFileSuffixes {
		if strings.HasSuffix(name, sfx) {
			return true
		}
	}
	return false
}

// Scanner builds snapshots from the host's plugin list and its plugin
// directories.
type Scanner struct {
	host        host.Host
	blacklisted func(name string) bool
}

// NewScanner creates a scanner. blacklisted is consulted for every
// candidate file name on every scan, so exclusion changes apply on the next
// scan; nil excludes nothing.
func NewScanner(h host.Host, blacklisted func(name string) bool) *Scanner {
	if blacklisted == nil {
		blacklisted = func(string) bool { return false }
	}
	return &Scanner{host: h, blacklisted: blacklisted}
}

// Scan builds a snapshot. File system errors are logged and absorbed; an
// error is returned only when the host cannot be queried, in which case
// no usable snapshot exists.
func (s *Scanner) Scan(ctx context.Context) (*Snapshot, error) {
	logging.Debug("scan file start")
	start := time.Now()

	plugins, err := s.host.Plugins(ctx)
	if err != nil {
		return nil, fmt.Errorf("list plugins: %w", err)
	}
	dirs, err := s.host.PluginDirectories(ctx)
	if err != nil {
		return nil, fmt.Errorf("list plugin directories: %w", err)
	}

	snap := New()
	claimed := make(map[string]struct{})

	for _, p := range plugins {
		if p.Path == "" || !p.Kind.Watched() {
			continue
		}
		path := absPath(p.Path)
		rec := FileRecord{Path: path, PluginID: p.ID}
		if st, err := statFile(path); err == nil {
			rec.ModTime, rec.Exists = st.modTime, true
		}
		snap.Add(rec)
		claimed[path] = struct{}{}
	}

	for _, dir := range dirs {
		s.scanDirectory(absPath(dir), claimed, snap)
	}

	metrics.RecordScan(time.Since(start), snap.Len())
	logging.Debug("scan file end",
		zap.Int("files", snap.Len()),
		zap.Duration("cost", time.Since(start)))
	return snap, nil
}

func (s *Scanner) scanDirectory(dir string, claimed map[string]struct{}, snap *Snapshot) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			metrics.RecordScanError("directory")
			logging.Warn("skipping invalid plugin directory",
				zap.String("dir", dir), zap.Error(err))
		}
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		path := filepath.Join(dir, name)
		if _, ok := claimed[path]; ok {
			continue
		}
		if !IsPluginFile(name) || s.blacklisted(name) {
			continue
		}

		st, err := statFile(path)
		if err != nil {
			metrics.RecordScanError("file")
			logging.Warn("check file failed", zap.String("path", path), zap.Error(err))
			continue
		}
		if !st.regular {
			continue
		}
		snap.Add(FileRecord{Path: path, ModTime: st.modTime, Exists: true})
	}
}

type fileStat struct {
	modTime int64
	regular bool
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}
