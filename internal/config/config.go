// Package config loads daemon configuration and the runtime-reloadable
// reloader settings.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "AUTORELOAD"

// Host modes.
const (
	HostLocal  = "local"
	HostRemote = "remote"
)

// Config holds daemon configuration. It is read once at startup; the
// reloader's own knobs live in Settings and can change at runtime.
type Config struct {
	// Server
	ListenAddr  string `mapstructure:"listen_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// Plugin host
	HostMode          string        `mapstructure:"host_mode"` // local or remote
	HostURL           string        `mapstructure:"host_url"`
	HostToken         string        `mapstructure:"host_token"`
	HostTimeout       time.Duration `mapstructure:"host_timeout"`
	PluginDirectories []string      `mapstructure:"plugin_directories"`

	// Runtime settings file (enabled, interval, delay, blacklist)
	SettingsFile string `mapstructure:"settings_file"`

	// Reload history (optional postgres, otherwise in-memory)
	DatabaseURL  string `mapstructure:"database_url"`
	HistoryLimit int    `mapstructure:"history_limit"`

	// Archive of applied plugin files
	Archive ArchiveConfig `mapstructure:"archive"`

	// Control API auth
	JWTSecret           string        `mapstructure:"jwt_secret"`
	TokenTTL            time.Duration `mapstructure:"token_ttl"`
	OIDCIssuerURL       string        `mapstructure:"oidc_issuer_url"`
	OIDCClientID        string        `mapstructure:"oidc_client_id"`
	OIDCPermissionClaim string        `mapstructure:"oidc_permission_claim"`
}

// ArchiveConfig selects where applied plugin files are copied.
type ArchiveConfig struct {
	Backend     string `mapstructure:"backend"` // none, local, s3
	LocalPath   string `mapstructure:"local_path"`
	S3Endpoint  string `mapstructure:"s3_endpoint"`
	S3Bucket    string `mapstructure:"s3_bucket"`
	S3Prefix    string `mapstructure:"s3_prefix"`
	S3AccessKey string `mapstructure:"s3_access_key"`
	S3SecretKey string `mapstructure:"s3_secret_key"`
	S3Region    string `mapstructure:"s3_region"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", "127.0.0.1:8765")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("host_mode", HostLocal)
	v.SetDefault("host_url", "")
	v.SetDefault("host_token", "")
	v.SetDefault("host_timeout", 30*time.Second)
	v.SetDefault("plugin_directories", []string{"plugins"})
	v.SetDefault("settings_file", "config/auto_plugin_reloader.yml")
	v.SetDefault("database_url", "")
	v.SetDefault("history_limit", 100)
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.local_path", "archive")
	v.SetDefault("archive.s3_endpoint", "http://localhost:9000")
	v.SetDefault("archive.s3_bucket", "plugin-archive")
	v.SetDefault("archive.s3_prefix", "")
	v.SetDefault("archive.s3_access_key", "")
	v.SetDefault("archive.s3_secret_key", "")
	v.SetDefault("archive.s3_region", "us-east-1")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("token_ttl", 30*24*time.Hour)
	v.SetDefault("oidc_issuer_url", "")
	v.SetDefault("oidc_client_id", "")
	v.SetDefault("oidc_permission_claim", "autoreload_permission")
}

// Load reads configuration from defaults, an optional YAML file and
// AUTORELOAD_* environment variables, in increasing precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.HostMode {
	case HostLocal:
	case HostRemote:
		if c.HostURL == "" {
			return errors.New("host_url is required when host_mode is remote")
		}
	default:
		return fmt.Errorf("unknown host_mode: %s", c.HostMode)
	}

	switch c.Archive.Backend {
	case "", "none", "local", "s3":
	default:
		return fmt.Errorf("unknown archive backend: %s", c.Archive.Backend)
	}
	return nil
}
