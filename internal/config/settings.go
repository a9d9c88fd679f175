package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Permission levels of the plugin host's command system.
const (
	PermissionGuest = iota
	PermissionUser
	PermissionHelper
	PermissionAdmin
	PermissionOwner
)

// ErrInvalidSettings is returned when an update would leave the settings unusable.
var ErrInvalidSettings = errors.New("invalid settings")

// Settings are the reloader knobs that can change while the worker runs.
type Settings struct {
	Enabled              bool     `yaml:"enabled" json:"enabled"`
	Permission           int      `yaml:"permission" json:"permission"`
	DetectionIntervalSec float64  `yaml:"detection_interval_sec" json:"detection_interval_sec"`
	ReloadDelaySec       float64  `yaml:"reload_delay_sec" json:"reload_delay_sec"`
	Blacklist            []string `yaml:"blacklist" json:"blacklist"`
}

// DefaultSettings returns the settings written on first start.
func DefaultSettings() Settings {
	return Settings{
		Enabled:              true,
		Permission:           PermissionOwner,
		DetectionIntervalSec: 10,
		ReloadDelaySec:       0.5,
		Blacklist:            []string{},
	}
}

// DetectionInterval is the time between two detection ticks.
func (s Settings) DetectionInterval() time.Duration {
	return seconds(s.DetectionIntervalSec)
}

// ReloadDelay is the debounce delay between the first and second check.
func (s Settings) ReloadDelay() time.Duration {
	return seconds(s.ReloadDelaySec)
}

// Blacklisted reports whether a plugin file name is excluded from scanning.
func (s Settings) Blacklisted(name string) bool {
	return slices.Contains(s.Blacklist, name)
}

// Validate checks values accepted by the control surface.
func (s Settings) Validate() error {
	if s.DetectionIntervalSec < 1 {
		return fmt.Errorf("%w: detection interval must be at least 1 second", ErrInvalidSettings)
	}
	if s.ReloadDelaySec < 0 {
		return fmt.Errorf("%w: reload delay must not be negative", ErrInvalidSettings)
	}
	if s.Permission < PermissionGuest || s.Permission > PermissionOwner {
		return fmt.Errorf("%w: permission must be between %d and %d", ErrInvalidSettings, PermissionGuest, PermissionOwner)
	}
	return nil
}

func (s Settings) clone() Settings {
	s.Blacklist = slices.Clone(s.Blacklist)
	if s.Blacklist == nil {
		s.Blacklist = []string{}
	}
	return s
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// Live holds the current Settings. Readers get copies; updates are
// validated and, when a path is set, saved before they become visible.
type Live struct {
	mu   sync.RWMutex
	cur  Settings
	path string
}

// NewLive returns an in-memory holder. Values are not validated so tests
// can use sub-second intervals.
func NewLive(s Settings) *Live {
	return &Live{cur: s.clone()}
}

// LoadSettings reads settings from path. A missing file is created with
// defaults; missing keys keep their default values. A file that fails
// Validate is rejected with ErrInvalidSettings.
func LoadSettings(path string) (*Live, error) {
	s := DefaultSettings()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := writeSettings(path, s); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("read settings %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("parse settings %s: %w", path, err)
		}
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("settings %s: %w", path, err)
		}
	}

	return &Live{cur: s.clone(), path: path}, nil
}

// Current returns a copy of the current settings.
func (l *Live) Current() Settings {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cur.clone()
}

// Update applies fn to a copy of the settings, validates and saves the
// result, then publishes it. On error the previous settings stay in effect.
func (l *Live) Update(fn func(*Settings)) (Settings, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.cur.clone()
	fn(&next)
	if err := next.Validate(); err != nil {
		return l.cur.clone(), err
	}
	if l.path != "" {
		if err := writeSettings(l.path, next); err != nil {
			return l.cur.clone(), err
		}
	}
	l.cur = next
	return next.clone(), nil
}

func writeSettings(path string, s Settings) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create settings dir: %w", err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}
