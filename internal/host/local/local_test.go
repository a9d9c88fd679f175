package local

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fruitsalade/autoreload/internal/host"
	"github.com/fruitsalade/autoreload/internal/host/executor"
)

func newHost(t *testing.T, dirs ...string) *Host {
	t.Helper()
	exec := executor.New(8)
	exec.Start()
	t.Cleanup(exec.Stop)
	return New(dirs, exec)
}

func write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestPluginIDAndKind(t *testing.T) {
	tests := []struct {
		path string
		id   string
		kind host.Kind
	}{
		{"/p/hello.py", "hello", host.KindSolo},
		{"/p/bundle.mcdr", "bundle", host.KindPacked},
		{"/p/zipped.pyz", "zipped", host.KindPacked},
		{"/p/readme.txt", "readme.txt", host.KindUnknown},
	}
	for _, tt := range tests {
		if got := PluginID(tt.path); got != tt.id {
			t.Errorf("PluginID(%q) = %q, want %q", tt.path, got, tt.id)
		}
		if got := KindOf(tt.path); got != tt.kind {
			t.Errorf("KindOf(%q) = %v, want %v", tt.path, got, tt.kind)
		}
	}
}

func TestBootstrapLoadsCandidates(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "a.py"), "a")
	write(t, filepath.Join(dir, "b.mcdr"), "b")
	write(t, filepath.Join(dir, "skip.py"), "s")
	write(t, filepath.Join(dir, "notes.txt"), "n")

	h := newHost(t, dir, filepath.Join(dir, "missing"))
	err := h.Bootstrap(context.Background(), func(name string) bool { return name == "skip.py" })
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	plugins, err := h.Plugins(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(plugins) != 2 || plugins[0].ID != "a" || plugins[1].ID != "b" {
		t.Fatalf("plugins = %+v", plugins)
	}
	if plugins[1].Kind != host.KindPacked {
		t.Errorf("b kind = %v", plugins[1].Kind)
	}
	if !filepath.IsAbs(plugins[0].Path) {
		t.Errorf("path %q not absolute", plugins[0].Path)
	}
}

func TestPluginFileChanged(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.py")
	write(t, path, "v1")

	h := newHost(t, dir)
	if err := h.Load(path); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	changed, err := h.PluginFileChanged(ctx, "a")
	if err != nil || changed {
		t.Fatalf("fresh plugin: changed=%v err=%v", changed, err)
	}

	write(t, path, "v2")
	if changed, _ := h.PluginFileChanged(ctx, "a"); !changed {
		t.Error("content change not detected")
	}

	if err := h.Reload("a"); err != nil {
		t.Fatal(err)
	}
	if changed, _ := h.PluginFileChanged(ctx, "a"); changed {
		t.Error("reload should reset the digest")
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if changed, _ := h.PluginFileChanged(ctx, "a"); !changed {
		t.Error("missing file should count as changed")
	}

	if _, err := h.PluginFileChanged(ctx, "nope"); !errors.Is(err, host.ErrUnknownPlugin) {
		t.Errorf("expected ErrUnknownPlugin, got %v", err)
	}
}

func TestLoadDuplicate(t *testing.T) {
	dir := t.TempDir()
	other := t.TempDir()
	write(t, filepath.Join(dir, "a.py"), "1")
	write(t, filepath.Join(other, "a.mcdr"), "2")

	h := newHost(t, dir, other)
	if err := h.Load(filepath.Join(dir, "a.py")); err != nil {
		t.Fatal(err)
	}
	if err := h.Load(filepath.Join(other, "a.mcdr")); !errors.Is(err, ErrAlreadyLoaded) {
		t.Fatalf("expected ErrAlreadyLoaded, got %v", err)
	}
}

func TestApplyChanges(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "keep.py"), "k")
	write(t, filepath.Join(dir, "drop.py"), "d")

	h := newHost(t, dir)
	if err := h.Bootstrap(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	write(t, filepath.Join(dir, "new.pyz"), "n")
	write(t, filepath.Join(dir, "keep.py"), "k2")

	err := h.ApplyChanges(context.Background(), host.ChangeRequest{
		Load:   []string{filepath.Join(dir, "new.pyz"), filepath.Join(dir, "gone.py")},
		Reload: []string{"keep"},
		Unload: []string{"drop", "ghost"},
	})
	if err == nil {
		t.Fatal("expected joined error for missing file and unknown plugin")
	}
	if !errors.Is(err, host.ErrUnknownPlugin) {
		t.Errorf("expected ErrUnknownPlugin in %v", err)
	}

	plugins, _ := h.Plugins(context.Background())
	var ids []string
	for _, p := range plugins {
		ids = append(ids, p.ID)
	}
	if len(ids) != 2 || ids[0] != "keep" || ids[1] != "new" {
		t.Fatalf("plugins = %v", ids)
	}
	if changed, _ := h.PluginFileChanged(context.Background(), "keep"); changed {
		t.Error("keep should have been reloaded")
	}
}

func TestScheduleRunsOnExecutor(t *testing.T) {
	h := newHost(t)
	ran := false
	<-h.Schedule(func() { ran = true })
	if !ran {
		t.Fatal("scheduled function did not run")
	}
}
