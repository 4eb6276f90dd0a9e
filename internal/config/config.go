// Package config handles configuration loading, validation, and hot reload
// for proctord.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config holds the complete daemon configuration.
type Config struct {
	// Server configuration for the HTTP API.
	Server ServerConfig `toml:"server" json:"server" yaml:"server"`

	// Storage configuration for persistence.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Signing configuration for ledger block signatures.
	Signing SigningConfig `toml:"signing" json:"signing" yaml:"signing"`

	// Proctoring configuration for the event pipeline.
	Proctoring ProctoringConfig `toml:"proctoring" json:"proctoring" yaml:"proctoring"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	// Addr is the listen address, host:port.
	Addr string `toml:"addr" json:"addr" yaml:"addr"`

	// ReadTimeoutSec bounds how long reading a request may take.
	ReadTimeoutSec int `toml:"read_timeout_sec" json:"read_timeout_sec" yaml:"read_timeout_sec"`

	// WriteTimeoutSec bounds how long writing a response may take.
	WriteTimeoutSec int `toml:"write_timeout_sec" json:"write_timeout_sec" yaml:"write_timeout_sec"`

	// ShutdownTimeoutSec bounds graceful shutdown.
	ShutdownTimeoutSec int `toml:"shutdown_timeout_sec" json:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// LedgerPath is the path to the audit chain database.
	LedgerPath string `toml:"ledger_path" json:"ledger_path" yaml:"ledger_path"`

	// ProctoringPath is the path to the attempts and events database.
	ProctoringPath string `toml:"proctoring_path" json:"proctoring_path" yaml:"proctoring_path"`
}

// SigningConfig holds block signing configuration.
type SigningConfig struct {
	// Enabled turns ed25519 block signing on.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// KeyPath is the path to the ed25519 private key. Raw seed, raw
	// private key, and OpenSSH formats are accepted.
	KeyPath string `toml:"key_path" json:"key_path" yaml:"key_path"`
}

// ProctoringConfig holds the event pipeline configuration.
type ProctoringConfig struct {
	// ThrottleWindowMs suppresses duplicate (attempt, event type) signals
	// arriving within this window.
	ThrottleWindowMs int `toml:"throttle_window_ms" json:"throttle_window_ms" yaml:"throttle_window_ms"`

	// WarnAfter moves an attempt to warned after this many occurrences of
	// the same medium-severity event type. 0 disables warnings.
	WarnAfter int `toml:"warn_after" json:"warn_after" yaml:"warn_after"`

	// AutoTerminate maps event types to the occurrence count that ends the
	// attempt. Empty means the built-in default table.
	AutoTerminate map[string]int `toml:"auto_terminate" json:"auto_terminate" yaml:"auto_terminate"`

	// SuspicionThreshold is the default confidence cutoff for the
	// suspicious-attempts report.
	SuspicionThreshold float64 `toml:"suspicion_threshold" json:"suspicion_threshold" yaml:"suspicion_threshold"`

	// SuspicionMinEvents is the default minimum event count for the
	// suspicious-attempts report.
	SuspicionMinEvents int `toml:"suspicion_min_events" json:"suspicion_min_events" yaml:"suspicion_min_events"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", or "file".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file path when Output is "file".
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Server: ServerConfig{
			Addr:               "127.0.0.1:8443",
			ReadTimeoutSec:     10,
			WriteTimeoutSec:    30,
			ShutdownTimeoutSec: 10,
		},
		Storage: StorageConfig{
			LedgerPath:     filepath.Join(dir, "ledger.db"),
			ProctoringPath: filepath.Join(dir, "proctoring.db"),
		},
		Signing: SigningConfig{
			Enabled: false,
			KeyPath: filepath.Join(dir, "signing_key"),
		},
		Proctoring: ProctoringConfig{
			ThrottleWindowMs:   2000,
			WarnAfter:          3,
			AutoTerminate:      nil, // built-in table
			SuspicionThreshold: 0.7,
			SuspicionMinEvents: 3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// DataDir returns the base proctord data directory, honoring the
// PROCTORD_DATA_DIR environment override.
func DataDir() string {
	if envDir := os.Getenv("PROCTORD_DATA_DIR"); envDir != "" {
		return envDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".proctord"
	}
	return filepath.Join(home, ".proctord")
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return cfg, nil
}

// loadConfigFromFile reads and parses a config file based on its extension.
func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()

	switch filepath.Ext(path) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if err := autoDetectAndParse(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	return cfg, nil
}

// autoDetectAndParse attempts to parse the config in multiple formats.
func autoDetectAndParse(data []byte, cfg *Config) error {
	if _, err := toml.Decode(string(data), cfg); err == nil {
		return nil
	}
	if err := json.Unmarshal(data, cfg); err == nil {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err == nil {
		return nil
	}
	return fmt.Errorf("unable to parse config file (tried TOML, JSON, YAML)")
}

// ApplyEnvOverrides applies environment variable overrides to the
// configuration. Variables are prefixed with PROCTORD_.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("PROCTORD_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("PROCTORD_LEDGER_PATH"); v != "" {
		c.Storage.LedgerPath = v
	}
	if v := os.Getenv("PROCTORD_PROCTORING_PATH"); v != "" {
		c.Storage.ProctoringPath = v
	}
	if v := os.Getenv("PROCTORD_SIGNING_KEY_PATH"); v != "" {
		c.Signing.KeyPath = v
		c.Signing.Enabled = true
	}
	if v := os.Getenv("PROCTORD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PROCTORD_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

// EnsureDirectories creates all directories the daemon writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.LedgerPath),
		filepath.Dir(c.Storage.ProctoringPath),
	}
	if c.Logging.Output == "file" && c.Logging.FilePath != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	if c.Proctoring.AutoTerminate != nil {
		clone.Proctoring.AutoTerminate = make(map[string]int, len(c.Proctoring.AutoTerminate))
		for k, v := range c.Proctoring.AutoTerminate {
			clone.Proctoring.AutoTerminate[k] = v
		}
	}
	return &clone
}
