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
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Remote     RemoteConfig     `yaml:"remote"`
	Sync       SyncConfig       `yaml:"sync"`
	Live       LiveConfig       `yaml:"live"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Snapshot   SnapshotConfig   `yaml:"snapshot"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig contains HTTP server settings for the reference remote store.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains local cache database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RemoteConfig contains remote store connection settings.
type RemoteConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"-"` // env-only, never in YAML
	UserID  string `yaml:"user_id"`
}

// SyncConfig contains sync engine settings.
type SyncConfig struct {
	Interval            Duration `yaml:"interval"`
	BatchSize           int      `yaml:"batch_size"`
	PageSize            int      `yaml:"page_size"`
	MaxRetries          int      `yaml:"max_retries"`
	RetryBase           Duration `yaml:"retry_base"`
	RetryCap            Duration `yaml:"retry_cap"`
	QuarantineThreshold int      `yaml:"quarantine_threshold"`
	PushDebounce        Duration `yaml:"push_debounce"`
}

// LiveConfig contains live update channel settings.
type LiveConfig struct {
	Enabled           bool     `yaml:"enabled"`
	MaxAttempts       int      `yaml:"max_attempts"`
	BackoffBase       Duration `yaml:"backoff_base"`
	BackoffCap        Duration `yaml:"backoff_cap"`
	ReconnectDebounce Duration `yaml:"reconnect_debounce"`
}

// EncryptionConfig contains field encryption settings.
type EncryptionConfig struct {
	Passphrase string `yaml:"-"` // env-only, never in YAML
	Salt       string `yaml:"salt"`
}

// SnapshotConfig contains cache snapshot upload settings.
type SnapshotConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Interval  Duration `yaml:"interval"`
	Endpoint  string   `yaml:"endpoint"`
	Bucket    string   `yaml:"bucket"`
	UseSSL    bool     `yaml:"use_ssl"`
	AccessKey string   `yaml:"-"` // env-only, never in YAML
	SecretKey string   `yaml:"-"` // env-only, never in YAML
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

	configPath := getEnv("SYNCD_CONFIG_PATH", "config/syncd.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/syncd.db",
		},
		Remote: RemoteConfig{
			BaseURL: "http://localhost:8080",
		},
		Sync: SyncConfig{
			Interval:            Duration(5 * time.Minute),
			BatchSize:           50,
			PageSize:            200,
			MaxRetries:          5,
			RetryBase:           Duration(500 * time.Millisecond),
			RetryCap:            Duration(30 * time.Second),
			QuarantineThreshold: 15,
			PushDebounce:        Duration(100 * time.Millisecond),
		},
		Live: LiveConfig{
			Enabled:           true,
			MaxAttempts:       8,
			BackoffBase:       Duration(1 * time.Second),
			BackoffCap:        Duration(1 * time.Minute),
			ReconnectDebounce: Duration(500 * time.Millisecond),
		},
		Snapshot: SnapshotConfig{
			Enabled:  false,
			Interval: Duration(1 * time.Hour),
			Bucket:   "syncd-snapshots",
			UseSSL:   true,
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
	// Server
	if v := os.Getenv("SYNCD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SYNCD_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = Duration(d)
		}
	}
	if v := os.Getenv("SYNCD_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = Duration(d)
		}
	}
	if v := os.Getenv("SYNCD_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}

	// Database
	if v := os.Getenv("SYNCD_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Remote
	if v := os.Getenv("SYNCD_REMOTE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := os.Getenv("SYNCD_API_KEY"); v != "" {
		cfg.Remote.APIKey = v
	}
	if v := os.Getenv("SYNCD_USER_ID"); v != "" {
		cfg.Remote.UserID = v
	}

	// Sync
	if v := os.Getenv("SYNCD_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.Interval = Duration(d)
		}
	}
	if v := os.Getenv("SYNCD_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.BatchSize = n
		}
	}
	if v := os.Getenv("SYNCD_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.PageSize = n
		}
	}
	if v := os.Getenv("SYNCD_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.MaxRetries = n
		}
	}
	if v := os.Getenv("SYNCD_RETRY_BASE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.RetryBase = Duration(d)
		}
	}
	if v := os.Getenv("SYNCD_RETRY_CAP"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.RetryCap = Duration(d)
		}
	}
	if v := os.Getenv("SYNCD_QUARANTINE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.QuarantineThreshold = n
		}
	}

	// Live
	if v := os.Getenv("SYNCD_LIVE_ENABLED"); v != "" {
		cfg.Live.Enabled = v == "true" || v == "1"
	}

	// Encryption
	if v := os.Getenv("SYNCD_PASSPHRASE"); v != "" {
		cfg.Encryption.Passphrase = v
	}
	if v := os.Getenv("SYNCD_ENCRYPTION_SALT"); v != "" {
		cfg.Encryption.Salt = v
	}

	// Snapshot
	if v := os.Getenv("SYNCD_SNAPSHOT_ENABLED"); v != "" {
		cfg.Snapshot.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("SYNCD_SNAPSHOT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Snapshot.Interval = Duration(d)
		}
	}
	if v := os.Getenv("SYNCD_SNAPSHOT_ENDPOINT"); v != "" {
		cfg.Snapshot.Endpoint = v
	}
	if v := os.Getenv("SYNCD_SNAPSHOT_BUCKET"); v != "" {
		cfg.Snapshot.Bucket = v
	}
	if v := os.Getenv("SYNCD_SNAPSHOT_ACCESS_KEY"); v != "" {
		cfg.Snapshot.AccessKey = v
	}
	if v := os.Getenv("SYNCD_SNAPSHOT_SECRET_KEY"); v != "" {
		cfg.Snapshot.SecretKey = v
	}

	// Log
	if v := os.Getenv("SYNCD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SYNCD_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks that required configuration values are set.
// In dev mode (SYNCD_DEV_MODE=true), API key validation is skipped.
func (c *Config) validate() error {
	if os.Getenv("SYNCD_DEV_MODE") == "true" {
		return nil
	}

	if c.Remote.APIKey == "" {
		return errors.New("SYNCD_API_KEY is required")
	}
	if c.Snapshot.Enabled {
		if c.Snapshot.Endpoint == "" {
			return errors.New("snapshot.endpoint is required when snapshots are enabled")
		}
		if c.Snapshot.AccessKey == "" || c.Snapshot.SecretKey == "" {
			return errors.New("SYNCD_SNAPSHOT_ACCESS_KEY and SYNCD_SNAPSHOT_SECRET_KEY are required when snapshots are enabled")
		}
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
