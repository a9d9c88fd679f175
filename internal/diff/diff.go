// Package diff compares two plugin file snapshots.
package diff

import (
	"context"

	"go.uber.org/zap"

	"github.com/fruitsalade/autoreload/internal/host"
	"github.com/fruitsalade/autoreload/internal/logging"
	"github.com/fruitsalade/autoreload/internal/snapshot"
)

// Reason is why a file shows up in a diff.
type Reason int

const (
	FileAdded Reason = iota + 1
	FileModified
	FileDeleted
)

func (r Reason) String() string {
	switch r {
	case FileAdded:
		return "file_added"
	case FileModified:
		return "file_modified"
	case FileDeleted:
		return "file_deleted"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r Reason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Reason) UnmarshalText(b []byte) error {
	switch string(b) {
	case "file_added":
		*r = FileAdded
	case "file_modified":
		*r = FileModified
	case "file_deleted":
		*r = FileDeleted
	default:
		*r = 0
	}
	return nil
}

// Difference is one detected change.
type Difference struct {
	Path     string `json:"path"`
	Reason   Reason `json:"reason"`
	PluginID string `json:"plugin_id,omitempty"`
}

// Oracle corroborates a timestamp mismatch on a loaded plugin's file.
// host.Host satisfies it.
type Oracle interface {
	PluginFileChanged(ctx context.Context, id string) (bool, error)
}

// Result is the outcome of comparing a baseline to a fresh snapshot.
type Result struct {
	Snapshot    *snapshot.Snapshot
	Differences []Difference
	ToLoad      []string // paths of untracked files
	ToReload    []string // plugin ids
	ToUnload    []string // plugin ids
}

// Empty reports whether no difference was found.
func (r *Result) Empty() bool {
	return len(r.Differences) == 0
}

// Request converts the action lists into a host change request.
func (r *Result) Request() host.ChangeRequest {
	return host.ChangeRequest{
		Load:   append([]string(nil), r.ToLoad...),
		Reload: append([]string(nil), r.ToReload...),
		Unload: append([]string(nil), r.ToUnload...),
	}
}

// Compute diffs cur against old. Tracked plugins come first, in plugin id
// order, followed by untracked files in path order.
//
// A tracked plugin is reported only when its timestamp moved and the
// oracle agrees the file changed. Plugins missing from cur were unloaded
// out of band and are ignored. Untracked files that disappeared are not
// reported since nothing needs to happen for them.
func Compute(ctx context.Context, old, cur *snapshot.Snapshot, oracle Oracle) *Result {
	res := &Result{Snapshot: cur}

	for _, id := range old.PluginIDs() {
		prev := old.Plugins[id]
		next, ok := cur.Plugins[id]
		if !ok {
			continue
		}
		if prev.SameModTime(next) || !confirmed(ctx, oracle, id) {
			continue
		}
		if next.Exists {
			res.Differences = append(res.Differences, Difference{Path: prev.Path, Reason: FileModified, PluginID: id})
			res.ToReload = append(res.ToReload, id)
		} else {
			res.Differences = append(res.Differences, Difference{Path: prev.Path, Reason: FileDeleted, PluginID: id})
			res.ToUnload = append(res.ToUnload, id)
		}
	}

	for _, path := range cur.Paths() {
		next := cur.Files[path]
		if next.Owned() {
			continue
		}
		if prev, ok := old.Files[path]; ok && prev.SameModTime(next) {
			continue
		}
		res.Differences = append(res.Differences, Difference{Path: path, Reason: FileAdded})
		res.ToLoad = append(res.ToLoad, path)
	}

	return res
}

// Differences returns only the difference list of Compute.
func Differences(ctx context.Context, old, cur *snapshot.Snapshot, oracle Oracle) []Difference {
	return Compute(ctx, old, cur, oracle).Differences
}

// confirmed counts an oracle error as "not changed".
func confirmed(ctx context.Context, oracle Oracle, id string) bool {
	changed, err := oracle.PluginFileChanged(ctx, id)
	if err != nil {
		logging.Warn("plugin change query failed",
			zap.String("plugin_id", id), zap.Error(err))
		return false
	}
	return changed
}
