package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Cache   CacheConfig   `yaml:"cache"`
	Backend BackendConfig `yaml:"backend"`
	Sync    SyncConfig    `yaml:"sync"`
	Server  ServerConfig  `yaml:"server"`
	Backup  BackupConfig  `yaml:"backup"`
	Log     LogConfig     `yaml:"log"`
}

// CacheConfig contains local store settings.
type CacheConfig struct {
	Path string   `yaml:"path"`
	TTL  Duration `yaml:"ttl"`
}

// BackendConfig contains backend connection settings.
type BackendConfig struct {
	URL     string   `yaml:"url"`
	APIKey  string   `yaml:"-"` // env-only, never in YAML
	Timeout Duration `yaml:"timeout"`
}

// SyncConfig contains sync engine settings.
type SyncConfig struct {
	DeltaEnabled bool     `yaml:"delta_enabled"`
	AutoSync     bool     `yaml:"auto_sync"`
	Interval     Duration `yaml:"interval"`
}

// ServerConfig contains dev backend server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// BackupConfig contains S3-compatible cache backup settings.
type BackupConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
	AccessKey string `yaml:"-"` // env-only, never in YAML
	SecretKey string `yaml:"-"` // env-only, never in YAML
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	// Determine config path
	configPath := getEnv("SYNCSTORE_CONFIG_PATH", "config/syncstore.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	// Load YAML file (file must exist for this function)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Cache: CacheConfig{
			Path: "data/syncstore.db",
		},
		Backend: BackendConfig{
			Timeout: Duration(30 * time.Second),
		},
		Sync: SyncConfig{
			DeltaEnabled: true,
			Interval:     Duration(5 * time.Minute),
		},
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Backup: BackupConfig{
			UseSSL: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Missing file is OK; use defaults
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Cache
	if v := os.Getenv("SYNCSTORE_CACHE_PATH"); v != "" {
		cfg.Cache.Path = v
	}
	if v := os.Getenv("SYNCSTORE_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.TTL = Duration(d)
		}
	}

	// Backend
	if v := os.Getenv("SYNCSTORE_BACKEND_URL"); v != "" {
		cfg.Backend.URL = v
	}
	if v := os.Getenv("SYNCSTORE_API_KEY"); v != "" {
		cfg.Backend.APIKey = v
	}
	if v := os.Getenv("SYNCSTORE_BACKEND_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Backend.Timeout = Duration(d)
		}
	}

	// Sync
	if v := os.Getenv("SYNCSTORE_DELTA_ENABLED"); v != "" {
		cfg.Sync.DeltaEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("SYNCSTORE_AUTO_SYNC"); v != "" {
		cfg.Sync.AutoSync = v == "true" || v == "1"
	}
	if v := os.Getenv("SYNCSTORE_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.Interval = Duration(d)
		}
	}

	// Server
	if v := os.Getenv("SYNCSTORE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SYNCSTORE_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = Duration(d)
		}
	}
	if v := os.Getenv("SYNCSTORE_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = Duration(d)
		}
	}
	if v := os.Getenv("SYNCSTORE_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}

	// Backup
	if v := os.Getenv("SYNCSTORE_BACKUP_ENABLED"); v != "" {
		cfg.Backup.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("SYNCSTORE_BACKUP_ENDPOINT"); v != "" {
		cfg.Backup.Endpoint = v
	}
	if v := os.Getenv("SYNCSTORE_BACKUP_BUCKET"); v != "" {
		cfg.Backup.Bucket = v
	}
	if v := os.Getenv("SYNCSTORE_BACKUP_USE_SSL"); v != "" {
		cfg.Backup.UseSSL = v == "true" || v == "1"
	}
	if v := os.Getenv("SYNCSTORE_BACKUP_ACCESS_KEY"); v != "" {
		cfg.Backup.AccessKey = v
	}
	if v := os.Getenv("SYNCSTORE_BACKUP_SECRET_KEY"); v != "" {
		cfg.Backup.SecretKey = v
	}

	// Log
	if v := os.Getenv("SYNCSTORE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SYNCSTORE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks that required configuration values are set.
// In dev mode (SYNCSTORE_DEV_MODE=true), backend credential validation
// is skipped so the cache can run fully offline against the dev server.
func (c *Config) validate() error {
	if c.Cache.Path == "" {
		return errors.New("cache path is required")
	}
	if c.Sync.AutoSync && time.Duration(c.Sync.Interval) <= 0 {
		return errors.New("sync interval must be positive when auto sync is enabled")
	}
	if c.Backup.Enabled {
		if c.Backup.Endpoint == "" || c.Backup.Bucket == "" {
			return errors.New("backup endpoint and bucket are required when backup is enabled")
		}
		if c.Backup.AccessKey == "" || c.Backup.SecretKey == "" {
			return errors.New("SYNCSTORE_BACKUP_ACCESS_KEY and SYNCSTORE_BACKUP_SECRET_KEY are required when backup is enabled")
		}
	}

	// Dev mode bypasses backend credential validation
	if os.Getenv("SYNCSTORE_DEV_MODE") == "true" {
		return nil
	}

	if c.Backend.URL == "" {
		return errors.New("SYNCSTORE_BACKEND_URL is required")
	}
	if c.Backend.APIKey == "" {
		return errors.New("SYNCSTORE_API_KEY is required")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
