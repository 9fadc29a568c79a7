// Package config loads the agent configuration and its connection documents.
//
// The agent file (YAML, TOML or JSON) is read with viper and may be
// overridden from the environment:
//
//	DIRWATCH_BACKEND_KIND=http
//	DIRWATCH_BACKEND_URL=https://historian.example.com/api
//
// Connections are declared inline under "connections" or in documents
// found in each of "configuration_folders". Every document is checked
// against an embedded JSON Schema before it is decoded.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/mschirtzinger/dirwatch/internal/logging"
)

// EnvPrefix prefixes environment overrides.
const EnvPrefix = "DIRWATCH"

// Backend kinds.
const (
	BackendSQLite = "sqlite"
	BackendHTTP   = "http"
)

// BackendConfig selects and configures the store samples are written to.
type BackendConfig struct {
	// Kind is "sqlite" or "http" (default: sqlite)
	Kind string `mapstructure:"kind"`

	// Path is the sqlite database file (default: dirwatch.db)
	Path string `mapstructure:"path"`

	// URL is the HTTP backend base URL
	URL string `mapstructure:"url"`

	// Token is sent as a bearer token to the HTTP backend
	Token string `mapstructure:"token"`

	// Timeout bounds one HTTP attempt (default: 30s)
	Timeout time.Duration `mapstructure:"timeout"`

	// RetryMax is how many times a failed HTTP request is retried (default: 4)
	RetryMax int `mapstructure:"retry_max"`
}

// DashboardConfig controls the live dashboard server.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Config is the agent configuration.
type Config struct {
	Log       logging.Config  `mapstructure:"log"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`

	// ConfigurationFolders are scanned for connection documents
	ConfigurationFolders []string `mapstructure:"configuration_folders"`

	// Connections holds inline connection definitions, decoded by
	// LoadConnections
	Connections []map[string]any `mapstructure:"connections"`

	// File is the configuration file that was read, if any
	File string `mapstructure:"-"`
}

// setDefaults registers every default with v so environment overrides
// apply to keys the file leaves out.
func setDefaults(v *viper.Viper) {
	logDefaults := logging.DefaultConfig()
	v.SetDefault("log.file", logDefaults.File)
	v.SetDefault("log.max_size_mb", logDefaults.MaxSizeMB)
	v.SetDefault("log.max_backups", logDefaults.MaxBackups)
	v.SetDefault("log.max_age_days", logDefaults.MaxAgeDays)
	v.SetDefault("log.compress", logDefaults.Compress)

	v.SetDefault("backend.kind", BackendSQLite)
	v.SetDefault("backend.path", "dirwatch.db")
	v.SetDefault("backend.url", "")
	v.SetDefault("backend.token", "")
	v.SetDefault("backend.timeout", 30*time.Second)
	v.SetDefault("backend.retry_max", 4)

	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.port", 8080)

	v.SetDefault("configuration_folders", []string{})
}

// Load reads the agent configuration from path. An empty path loads
// defaults and environment overrides only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{File: path}
	err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the agent-level settings.
func (c *Config) Validate() error {
	var errs ValidationErrors
	switch c.Backend.Kind {
	case BackendSQLite:
		if c.Backend.Path == "" {
			errs.Add("backend.path", "is required for the sqlite backend")
		}
	case BackendHTTP:
		if c.Backend.URL == "" {
			errs.Add("backend.url", "is required for the http backend")
		}
	default:
		errs.Add("backend.kind", fmt.Sprintf("must be %q or %q, got %q", BackendSQLite, BackendHTTP, c.Backend.Kind))
	}
	if c.Backend.Timeout < 0 {
		errs.Add("backend.timeout", "must not be negative")
	}
	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		errs.Add("dashboard.port", fmt.Sprintf("%d is not a valid port", c.Dashboard.Port))
	}
	return errs.Err()
}
