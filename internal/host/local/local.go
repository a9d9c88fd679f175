// Package local is an in-process plugin registry. It stands in for the
// plugin host when the reloader runs standalone: plugins are tracked by
// file, and "loading" records a content digest that later answers the
// changed-file query.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/fruitsalade/autoreload/internal/host"
	"github.com/fruitsalade/autoreload/internal/logging"
	"github.com/fruitsalade/autoreload/internal/snapshot"
)

// ErrAlreadyLoaded is returned when loading a file whose plugin id is taken.
var ErrAlreadyLoaded = errors.New("plugin already loaded")

type entry struct {
	plugin   host.Plugin
	digest   [blake2b.Size256]byte
	loadedAt time.Time
}

// Host keeps the loaded plugin set in memory. Mutations are expected to
// run on the executor passed to New; reads are safe from any goroutine.
type Host struct {
	dirs     []string
	schedule func(fn func()) <-chan struct{}

	mu      sync.RWMutex
	plugins map[string]*entry
}

// New creates an empty registry over dirs. sched is the serialized
// execution context ApplyChanges must run on.
func New(dirs []string, sched host.Scheduler) *Host {
	return &Host{
		dirs:     append([]string(nil), dirs...),
		schedule: sched.Schedule,
		plugins:  make(map[string]*entry),
	}
}

// PluginID derives a plugin id from its file name.
func PluginID(path string) string {
	name := filepath.Base(path)
	for _, sfx := range snapshot.PluginFileSuffixes {
		if strings.HasSuffix(name, sfx) {
			return strings.TrimSuffix(name, sfx)
		}
	}
	return name
}

// KindOf classifies a plugin file by suffix.
func KindOf(path string) host.Kind {
	switch {
	case strings.HasSuffix(path, ".py"):
		return host.KindSolo
	case strings.HasSuffix(path, ".mcdr"), strings.HasSuffix(path, ".pyz"):
		return host.KindPacked
	default:
		return host.KindUnknown
	}
}

// Schedule posts fn to the execution context.
func (h *Host) Schedule(fn func()) <-chan struct{} {
	return h.schedule(fn)
}

func (h *Host) Plugins(ctx context.Context) ([]host.Plugin, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]host.Plugin, 0, len(h.plugins))
	for _, e := range h.plugins {
		out = append(out, e.plugin)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (h *Host) PluginDirectories(ctx context.Context) ([]string, error) {
	return append([]string(nil), h.dirs...), nil
}

// PluginFileChanged compares the file's current digest with the one taken
// when the plugin was last loaded. A missing file counts as changed.
func (h *Host) PluginFileChanged(ctx context.Context, id string) (bool, error) {
	h.mu.RLock()
	e, ok := h.plugins[id]
	h.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", host.ErrUnknownPlugin, id)
	}

	sum, err := digest(e.plugin.Path)
	if errors.Is(err, os.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return sum != e.digest, nil
}

// ApplyChanges unloads, then reloads, then loads. Every operation is
// attempted; the errors are joined.
func (h *Host) ApplyChanges(ctx context.Context, req host.ChangeRequest) error {
	var errs []error
	for _, id := range req.Unload {
		if err := h.Unload(id); err != nil {
			errs = append(errs, err)
		}
	}
	for _, id := range req.Reload {
		if err := h.Reload(id); err != nil {
			errs = append(errs, err)
		}
	}
	for _, path := range req.Load {
		if err := h.Load(path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Load registers the plugin file at path.
func (h *Host) Load(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	kind := KindOf(abs)
	if !kind.Watched() {
		return fmt.Errorf("load %s: not a plugin file", abs)
	}
	sum, err := digest(abs)
	if err != nil {
		return fmt.Errorf("load %s: %w", abs, err)
	}

	id := PluginID(abs)
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.plugins[id]; ok {
		return fmt.Errorf("load %s: %w: %s from %s", abs, ErrAlreadyLoaded, id, e.plugin.Path)
	}
	h.plugins[id] = &entry{
		plugin:   host.Plugin{ID: id, Path: abs, Kind: kind},
		digest:   sum,
		loadedAt: time.Now(),
	}
	logging.Info("plugin loaded", zap.String("plugin_id", id), zap.String("path", abs))
	return nil
}

// Reload re-reads a loaded plugin's file.
func (h *Host) Reload(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.plugins[id]
	if !ok {
		return fmt.Errorf("reload: %w: %s", host.ErrUnknownPlugin, id)
	}
	sum, err := digest(e.plugin.Path)
	if err != nil {
		return fmt.Errorf("reload %s: %w", id, err)
	}
	e.digest = sum
	e.loadedAt = time.Now()
	logging.Info("plugin reloaded", zap.String("plugin_id", id))
	return nil
}

// Unload forgets a loaded plugin.
func (h *Host) Unload(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.plugins[id]; !ok {
		return fmt.Errorf("unload: %w: %s", host.ErrUnknownPlugin, id)
	}
	delete(h.plugins, id)
	logging.Info("plugin unloaded", zap.String("plugin_id", id))
	return nil
}

// Bootstrap loads every plugin file found in the plugin directories,
// skipping names in blacklist. It runs on the execution context and
// blocks until done.
func (h *Host) Bootstrap(ctx context.Context, blacklisted func(name string) bool) error {
	errc := make(chan error, 1)
	done := h.schedule(func() {
		errc <- h.bootstrap(blacklisted)
	})
	select {
	case <-done:
		select {
		case err := <-errc:
			return err
		default:
			return errors.New("bootstrap dropped: execution context stopped")
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Host) bootstrap(blacklisted func(name string) bool) error {
	var errs []error
	for _, dir := range h.dirs {
		entries, err := os.ReadDir(dir)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("read plugin directory %s: %w", dir, err))
			continue
		}
		for _, de := range entries {
			name := de.Name()
			if de.IsDir() || !snapshot.IsPluginFile(name) {
				continue
			}
			if blacklisted != nil && blacklisted(name) {
				continue
			}
			if err := h.Load(filepath.Join(dir, name)); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func digest(path string) ([blake2b.Size256]byte, error) {
	var sum [blake2b.Size256]byte

	f, err := os.Open(path)
	if err != nil {
		return sum, err
	}
	defer f.Close()

	hasher, err := blake2b.New256(nil)
	if err != nil {
		return sum, err
	}
	if _, err := io.Copy(hasher, f); err != nil {
		return sum, err
	}
	copy(sum[:], hasher.Sum(nil))
	return sum, nil
}
