// Package snapshot builds point-in-time views of the plugin files the
// reloader watches.
package snapshot

import "sort"

// FileRecord is one observed file. Path is the identity key.
type FileRecord struct {
	Path string
	// PluginID is empty for candidate files not backing a loaded plugin.
	PluginID string
	// ModTime is the modification time in nanoseconds. It is meaningless
	// unless Exists is set; a missing or unreadable file has Exists false.
	ModTime int64
	Exists  bool
}

// Owned reports whether the file backs a loaded plugin.
func (r FileRecord) Owned() bool {
	return r.PluginID != ""
}

// SameModTime reports whether two records carry the same timestamp,
// treating "no timestamp" as a value of its own.
func (r FileRecord) SameModTime(o FileRecord) bool {
	if r.Exists != o.Exists {
		return false
	}
	return !r.Exists || r.ModTime == o.ModTime
}

// Snapshot maps every observed file by path, and the files backing loaded
// plugins by plugin id. Every Plugins entry is also present in Files.
type Snapshot struct {
	Files   map[string]FileRecord
	Plugins map[string]FileRecord
}

// New returns an empty snapshot.
func New() *Snapshot {
	return &Snapshot{
		Files:   make(map[string]FileRecord),
		Plugins: make(map[string]FileRecord),
	}
}

// Add records a file, indexing it by plugin id when owned.
func (s *Snapshot) Add(r FileRecord) {
	s.Files[r.Path] = r
	if r.Owned() {
		s.Plugins[r.PluginID] = r
	}
}

// Len returns the number of observed files.
func (s *Snapshot) Len() int {
	return len(s.Files)
}

// Paths returns the observed paths in lexical order.
func (s *Snapshot) Paths() []string {
	paths := make([]string, 0, len(s.Files))
	for p := range s.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// PluginIDs returns the tracked plugin ids in lexical order.
func (s *Snapshot) PluginIDs() []string {
	ids := make([]string, 0, len(s.Plugins))
	for id := range s.Plugins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
