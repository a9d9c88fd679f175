package snapshot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fruitsalade/autoreload/internal/host"
)

type fakeHost struct {
	plugins []host.Plugin
	dirs    []string
	err     error
}

func (h *fakeHost) Plugins(context.Context) ([]host.Plugin, error) {
	return h.plugins, h.err
}

func (h *fakeHost) PluginDirectories(context.Context) ([]string, error) {
	return h.dirs, nil
}

func (h *fakeHost) PluginFileChanged(context.Context, string) (bool, error) {
	return false, nil
}

func (h *fakeHost) ApplyChanges(context.Context, host.ChangeRequest) error {
	return nil
}

func writeFile(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte("print('hi')\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func TestScanCandidatesAndPlugins(t *testing.T) {
	dir := t.TempDir()
	t1 := time.Unix(1700000000, 0)

	writeFile(t, filepath.Join(dir, "loaded.py"), t1)
	writeFile(t, filepath.Join(dir, "new.mcdr"), t1)
	writeFile(t, filepath.Join(dir, "notes.txt"), t1)
	if err := os.Mkdir(filepath.Join(dir, "folder.py"), 0755); err != nil {
		t.Fatal(err)
	}

	h := &fakeHost{
		plugins: []host.Plugin{
			{ID: "loaded", Path: filepath.Join(dir, "loaded.py"), Kind: host.KindSolo},
			{ID: "builtin", Kind: host.KindBuiltin},
			{ID: "unpacked", Path: filepath.Join(dir, "unpacked"), Kind: host.KindDirectory},
		},
		dirs: []string{dir},
	}

	snap, err := NewScanner(h, nil).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if snap.Len() != 2 {
		t.Fatalf("expected 2 files, got %v", snap.Paths())
	}

	loaded, ok := snap.Plugins["loaded"]
	if !ok {
		t.Fatal("loaded plugin missing from plugin mapping")
	}
	if !loaded.Exists || loaded.ModTime != t1.UnixNano() {
		t.Errorf("loaded record = %+v", loaded)
	}
	if snap.Files[loaded.Path] != loaded {
		t.Error("plugin record must also be present in file mapping")
	}

	candidate, ok := snap.Files[filepath.Join(dir, "new.mcdr")]
	if !ok {
		t.Fatal("candidate file missing")
	}
	if candidate.Owned() {
		t.Error("candidate should have no plugin id")
	}
	if len(snap.Plugins) != 1 {
		t.Errorf("expected 1 tracked plugin, got %v", snap.PluginIDs())
	}
}

func TestScanMissingPluginFileHasNoTimestamp(t *testing.T) {
	dir := t.TempDir()
	h := &fakeHost{
		plugins: []host.Plugin{{ID: "gone", Path: filepath.Join(dir, "gone.py"), Kind: host.KindSolo}},
		dirs:    []string{dir},
	}

	snap, err := NewScanner(h, nil).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	rec, ok := snap.Plugins["gone"]
	if !ok {
		t.Fatal("missing plugin file should still be recorded")
	}
	if rec.Exists {
		t.Error("missing file should have no timestamp")
	}
}

func TestScanSkipsMissingDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.py"), time.Now())

	h := &fakeHost{dirs: []string{filepath.Join(dir, "does-not-exist"), dir}}
	snap, err := NewScanner(h, nil).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if snap.Len() != 1 {
		t.Errorf("expected 1 file, got %v", snap.Paths())
	}
}

func TestScanBlacklist(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.py"), time.Now())
	writeFile(t, filepath.Join(dir, "skip.py"), time.Now())

	h := &fakeHost{dirs: []string{dir}}
	blacklisted := func(name string) bool { return name == "skip.py" }

	snap, err := NewScanner(h, blacklisted).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if _, ok := snap.Files[filepath.Join(dir, "skip.py")]; ok {
		t.Error("blacklisted file must not appear in the snapshot")
	}
	if _, ok := snap.Files[filepath.Join(dir, "a.py")]; !ok {
		t.Error("a.py should be present")
	}
}

func TestScanRelativeDirectoryIsAbsolute(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.py"), time.Now())

	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	rel, err := filepath.Rel(wd, dir)
	if err != nil {
		t.Skip("temp dir not relative to working dir")
	}

	snap, err := NewScanner(&fakeHost{dirs: []string{rel}}, nil).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	for _, p := range snap.Paths() {
		if !filepath.IsAbs(p) {
			t.Errorf("path %q is not absolute", p)
		}
	}
}

func TestScanHostError(t *testing.T) {
	hostErr := errors.New("host down")
	_, err := NewScanner(&fakeHost{err: hostErr}, nil).Scan(context.Background())
	if !errors.Is(err, hostErr) {
		t.Fatalf("expected host error, got %v", err)
	}
}

func TestIsPluginFile(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"a.py", true},
		{"b.mcdr", true},
		{"c.pyz", true},
		{"d.pyc", false},
		{"e.txt", false},
	}
	for _, tt := range tests {
		if got := IsPluginFile(tt.name); got != tt.want {
			t.Errorf("IsPluginFile(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestSameModTime(t *testing.T) {
	present := FileRecord{Path: "/a.py", ModTime: 0, Exists: true}
	missing := FileRecord{Path: "/a.py"}

	if present.SameModTime(missing) {
		t.Error("timestamp zero must differ from no timestamp")
	}
	if !missing.SameModTime(FileRecord{Path: "/a.py"}) {
		t.Error("two missing records should compare equal")
	}
}
