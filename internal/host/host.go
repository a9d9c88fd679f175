// Package host defines the contract between the reloader and the
// plugin-hosting process it watches on behalf of.
package host

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnknownPlugin is returned for plugin ids the host has not loaded.
var ErrUnknownPlugin = errors.New("unknown plugin")

// Kind classifies how a plugin is backed on disk.
type Kind int

// Solo and Packed plugins are backed by a single file; Directory and
// Linked plugins by a directory; Builtin plugins live in host memory.
const (
	KindUnknown Kind = iota
	KindSolo
	KindPacked
	KindDirectory
	KindLinked
	KindBuiltin
)

var kindNames = map[Kind]string{
	KindUnknown:   "unknown",
	KindSolo:      "solo",
	KindPacked:    "packed",
	KindDirectory: "directory",
	KindLinked:    "linked",
	KindBuiltin:   "builtin",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Watched reports whether files of this kind are tracked by the scanner.
func (k Kind) Watched() bool {
	return k == KindSolo || k == KindPacked
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) Kind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return KindUnknown
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	*k = ParseKind(string(b))
	return nil
}

// Plugin is one plugin currently loaded by the host.
type Plugin struct {
	ID   string `json:"id"`
	Path string `json:"path,omitempty"` // empty when the plugin has no backing file
	Kind Kind   `json:"kind"`
}

// ChangeRequest is one batch of plugin operations.
type ChangeRequest struct {
	Load   []string `json:"load"`   // file paths
	Reload []string `json:"reload"` // plugin ids
	Unload []string `json:"unload"` // plugin ids
}

// Empty reports whether the request carries no operation.
func (r ChangeRequest) Empty() bool {
	return len(r.Load) == 0 && len(r.Reload) == 0 && len(r.Unload) == 0
}

// Host is the plugin registry and lifecycle manager.
type Host interface {
	// Plugins lists the loaded plugins.
	Plugins(ctx context.Context) ([]Plugin, error)

	// PluginDirectories lists the configured plugin directories, in order.
	PluginDirectories(ctx context.Context) ([]string, error)

	// PluginFileChanged reports whether the plugin's backing file changed
	// since the host last loaded it.
	PluginFileChanged(ctx context.Context, id string) (bool, error)

	// ApplyChanges performs a batch of operations and blocks until done.
	// It must only be called from the host's execution context.
	ApplyChanges(ctx context.Context, req ChangeRequest) error
}

// Scheduler posts work to the host's serialized execution context.
type Scheduler interface {
	// Schedule runs fn on the host's execution context. The returned
	// channel is closed once fn has returned or was dropped.
	Schedule(fn func()) <-chan struct{}
}
