// Package protocol defines the request/response types of the control API
// and of the remote host API.
package protocol

import (
	"time"

	"github.com/fruitsalade/autoreload/internal/diff"
	"github.com/fruitsalade/autoreload/internal/host"
)

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

// StatusResponse is returned by GET /api/v1/status
type StatusResponse struct {
	Instance             string    `json:"instance"`
	Running              bool      `json:"running"`
	Enabled              bool      `json:"enabled"`
	NextDetection        time.Time `json:"next_detection"`
	NextDetectionPretty  string    `json:"next_detection_pretty"`
	NextDetectionSeconds float64   `json:"next_detection_seconds"`
	DetectionIntervalSec float64   `json:"detection_interval_sec"`
	ReloadDelaySec       float64   `json:"reload_delay_sec"`
	Blacklist            []string  `json:"blacklist"`
}

// IntervalRequest is the body for PUT /api/v1/interval
type IntervalRequest struct {
	IntervalSec float64 `json:"interval_sec"`
}

// BlacklistRequest is the body for PUT /api/v1/blacklist
type BlacklistRequest struct {
	Blacklist []string `json:"blacklist"`
}

// HistoryEntry is one dispatched reload.
type HistoryEntry struct {
	ID          string            `json:"id"`
	Instance    string            `json:"instance"`
	StartedAt   time.Time         `json:"started_at"`
	DurationMs  int64             `json:"duration_ms"`
	Load        []string          `json:"load"`
	Reload      []string          `json:"reload"`
	Unload      []string          `json:"unload"`
	Differences []diff.Difference `json:"differences"`
	Error       string            `json:"error,omitempty"`
}

// HistoryResponse is returned by GET /api/v1/history
type HistoryResponse struct {
	Entries []HistoryEntry `json:"entries"`
}

// PluginsResponse is returned by GET /plugins on a remote host.
type PluginsResponse struct {
	Plugins []host.Plugin `json:"plugins"`
}

// DirectoriesResponse is returned by GET /directories on a remote host.
type DirectoriesResponse struct {
	Directories []string `json:"directories"`
}

// ChangedResponse is returned by GET /plugins/{id}/changed on a remote host.
type ChangedResponse struct {
	ID      string `json:"id"`
	Changed bool   `json:"changed"`
}
