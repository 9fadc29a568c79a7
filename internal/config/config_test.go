package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/dirwatch/internal/errkind"
)

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, BackendSQLite, cfg.Backend.Kind)
	assert.Equal(t, "dirwatch.db", cfg.Backend.Path)
	assert.Equal(t, 30*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, 4, cfg.Backend.RetryMax)
	assert.False(t, cfg.Dashboard.Enabled)
	assert.Equal(t, 8080, cfg.Dashboard.Port)
	assert.Equal(t, 50, cfg.Log.MaxSizeMB)
	assert.Empty(t, cfg.Connections)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeTemp(t, dir, "agent.yaml", `
log:
  file: /var/log/dirwatch.log
  max_backups: 2
backend:
  kind: http
  url: https://historian.example.com/api
  timeout: 10s
dashboard:
  enabled: true
  port: 9090
configuration_folders:
  - /etc/dirwatch/connections
connections:
  - Name: Lab
    Directories: [/data/lab]
    Reader: narrow
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.File)
	assert.Equal(t, "/var/log/dirwatch.log", cfg.Log.File)
	assert.Equal(t, 2, cfg.Log.MaxBackups)
	assert.Equal(t, BackendHTTP, cfg.Backend.Kind)
	assert.Equal(t, "https://historian.example.com/api", cfg.Backend.URL)
	assert.Equal(t, 10*time.Second, cfg.Backend.Timeout)
	assert.True(t, cfg.Dashboard.Enabled)
	assert.Equal(t, 9090, cfg.Dashboard.Port)
	assert.Equal(t, []string{"/etc/dirwatch/connections"}, cfg.ConfigurationFolders)
	require.Len(t, cfg.Connections, 1)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DIRWATCH_BACKEND_PATH", "/tmp/override.db")
	t.Setenv("DIRWATCH_DASHBOARD_PORT", "7070")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/override.db", cfg.Backend.Path)
	assert.Equal(t, 7070, cfg.Dashboard.Port)
}

func TestLoadInvalid(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
	}{
		{"unknown backend", "backend:\n  kind: postgres\n"},
		{"http without url", "backend:\n  kind: http\n"},
		{"bad port", "dashboard:\n  enabled: true\n  port: 70000\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTemp(t, dir, "agent.yaml", tt.content))
			require.Error(t, err)
			assert.True(t, errkind.Is(err, errkind.Config))
		})
	}

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
