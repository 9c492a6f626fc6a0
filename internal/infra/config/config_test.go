package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadFromFileMissingReturnsDefaults(t *testing.T) {
	cfg, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.Equal(t, Default().DBName, cfg.DBName)
	require.Equal(t, 1, cfg.SchemaVersion)
}

func TestLoadFromFileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"db_name":"x.db","schema_version":3,"sync_interval_mins":5}`), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, "x.db", cfg.DBName)
	require.Equal(t, 3, cfg.SchemaVersion)
	require.Equal(t, 5*time.Minute, cfg.SyncInterval)
}

func TestLoadFromFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store_path: /tmp/cache\nlegacy_db_path: /tmp/old.db\nstream_consent: false\n"), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/cache", cfg.StorePath)
	require.Equal(t, "/tmp/old.db", cfg.LegacyDBPath)
	require.False(t, cfg.StreamConsent)
	require.Equal(t, filepath.Join("/tmp/cache", "cache.db"), cfg.DBPath())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MSGCACHE_SCHEMA_VERSION", "7")
	t.Setenv("MSGCACHE_LOG_LEVEL", "DEBUG")
	t.Setenv("MSGCACHE_SYNC_INTERVAL", "2")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7, cfg.SchemaVersion)
	require.Equal(t, "DEBUG", cfg.LogLevel)
	require.Equal(t, 2*time.Minute, cfg.SyncInterval)
}

func TestLoadInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
