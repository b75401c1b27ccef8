package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfigFrom(filepath.Join(t.TempDir(), "missing.json"), envOf(nil))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "memory", cfg.BusDriver)
	assert.Equal(t, 8, cfg.CommandWorkers)
	assert.Equal(t, 1024, cfg.CacheSize)
	assert.Equal(t, "statum.db", filepath.Base(cfg.DBPath))
	assert.Empty(t, cfg.ArchiveURL)
	assert.Empty(t, cfg.HTTPAddr)

	d, err := cfg.webhookTimeout()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, d)
}

func TestLoadConfig_Layers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"db_path": "/data/from-file.db",
		"log_level": "debug",
		"bus_driver": "redis",
		"command_workers": 4
	}`), 0o644))

	cfg, err := loadConfigFrom(path, envOf(map[string]string{
		"STATUM_LOG_LEVEL":       "warn",
		"STATUM_CACHE_SIZE":      "0",
		"STATUM_ARCHIVE_URL":     "mem://",
		"STATUM_WEBHOOK_TIMEOUT": "2s",
		"STATUM_HTTP_ADDR":       "127.0.0.1:8420",
	}))
	require.NoError(t, err)

	assert.Equal(t, "/data/from-file.db", cfg.DBPath, "file overrides default")
	assert.Equal(t, "warn", cfg.LogLevel, "env overrides file")
	assert.Equal(t, "redis", cfg.BusDriver)
	assert.Equal(t, 4, cfg.CommandWorkers)
	assert.Equal(t, 0, cfg.CacheSize)
	assert.Equal(t, "mem://", cfg.ArchiveURL)
	assert.Equal(t, "127.0.0.1:8420", cfg.HTTPAddr)
	d, _ := cfg.webhookTimeout()
	assert.Equal(t, 2*time.Second, d)
}

func TestLoadConfig_Invalid(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{not json`), 0o644))

	_, err := loadConfigFrom(bad, envOf(nil))
	assert.Error(t, err)

	missing := filepath.Join(dir, "none.json")
	tests := map[string]map[string]string{
		"bus driver":      {"STATUM_BUS_DRIVER": "kafka"},
		"workers":         {"STATUM_COMMAND_WORKERS": "many"},
		"webhook timeout": {"STATUM_WEBHOOK_TIMEOUT": "-1s"},
		"schedule":        {"STATUM_SCHEDULE_EVERY": "soon"},
	}
	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := loadConfigFrom(missing, envOf(env))
			assert.Error(t, err)
		})
	}
}
