package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// Logging
	LogLevel  string `json:"log_level" yaml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format"`

	// Storage
	StorePath     string `json:"store_path" yaml:"store_path"`
	DBName        string `json:"db_name" yaml:"db_name"`
	SchemaVersion int    `json:"schema_version" yaml:"schema_version"`
	LegacyDBPath  string `json:"legacy_db_path" yaml:"legacy_db_path"`

	// Device
	DeviceName string `json:"device_name" yaml:"device_name"`

	// Sync
	SyncOnConnect    bool          `json:"sync_on_connect" yaml:"sync_on_connect"`
	SyncInterval     time.Duration `json:"-" yaml:"-"`
	SyncIntervalMins int           `json:"sync_interval_mins" yaml:"sync_interval_mins"`
	StreamMessages   bool          `json:"stream_messages" yaml:"stream_messages"`
	StreamConsent    bool          `json:"stream_consent" yaml:"stream_consent"`

	// Metrics
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultStore := filepath.Join(homeDir, ".msgcache", "store")

	return &Config{
		LogLevel:         "INFO",
		LogFormat:        "console",
		StorePath:        defaultStore,
		DBName:           "cache.db",
		SchemaVersion:    1,
		DeviceName:       "msgcache",
		SyncOnConnect:    true,
		SyncInterval:     30 * time.Minute,
		SyncIntervalMins: 30,
		StreamMessages:   true,
		StreamConsent:    true,
	}
}

// LoadFromFile loads configuration from a JSON or YAML file, chosen by
// extension.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Return defaults if file doesn't exist
		}
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, err
	}

	// Convert minutes to duration
	if cfg.SyncIntervalMins > 0 {
		cfg.SyncInterval = time.Duration(cfg.SyncIntervalMins) * time.Minute
	}

	return cfg, nil
}

// Load loads configuration from environment variables with defaults.
// If configPath is provided, loads from file first.
func Load(configPath string) (*Config, error) {
	cfg := Default()
	if configPath != "" {
		var err error
		if cfg, err = LoadFromFile(configPath); err != nil {
			return nil, err
		}
	}

	// Environment variable overrides
	if v := os.Getenv("MSGCACHE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MSGCACHE_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("MSGCACHE_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := os.Getenv("MSGCACHE_DB_NAME"); v != "" {
		cfg.DBName = v
	}
	if v := os.Getenv("MSGCACHE_SCHEMA_VERSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SchemaVersion = n
		}
	}
	if v := os.Getenv("MSGCACHE_LEGACY_DB_PATH"); v != "" {
		cfg.LegacyDBPath = v
	}
	if v := os.Getenv("MSGCACHE_DEVICE_NAME"); v != "" {
		cfg.DeviceName = v
	}
	if v := os.Getenv("MSGCACHE_SYNC_ON_CONNECT"); v != "" {
		cfg.SyncOnConnect = v == "true" || v == "1"
	}
	if v := os.Getenv("MSGCACHE_SYNC_INTERVAL"); v != "" {
		if mins, err := strconv.Atoi(v); err == nil {
			cfg.SyncInterval = time.Duration(mins) * time.Minute
		}
	}
	if v := os.Getenv("MSGCACHE_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}

	return cfg, nil
}

// DBPath returns the cache database path.
func (c *Config) DBPath() string {
	return filepath.Join(c.StorePath, c.DBName)
}

// DevicePath returns the path of the network session database.
func (c *Config) DevicePath() string {
	return filepath.Join(c.StorePath, "device.db")
}

// EnsureStorePath creates the store directory if it doesn't exist.
func (c *Config) EnsureStorePath() error {
	return os.MkdirAll(c.StorePath, 0755)
}
