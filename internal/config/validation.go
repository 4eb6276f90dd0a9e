package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Validation errors.
var (
	ErrInvalidAddr     = errors.New("config: invalid server address")
	ErrInvalidLogLevel = errors.New("config: invalid log level")
	ErrInvalidPath     = errors.New("config: invalid storage path")
)

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"text": true,
	"json": true,
}

var validLogOutputs = map[string]bool{
	"stdout": true,
	"stderr": true,
	"file":   true,
}

// Validate checks the configuration for errors. All problems are collected
// and reported together.
func (c *Config) Validate() error {
	var errs []error

	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		errs = append(errs, fmt.Errorf("%w: %q: %v", ErrInvalidAddr, c.Server.Addr, err))
	}
	if c.Server.ReadTimeoutSec < 0 || c.Server.WriteTimeoutSec < 0 || c.Server.ShutdownTimeoutSec < 0 {
		errs = append(errs, errors.New("config: server timeouts must not be negative"))
	}

	if strings.TrimSpace(c.Storage.LedgerPath) == "" {
		errs = append(errs, fmt.Errorf("%w: ledger_path is empty", ErrInvalidPath))
	}
	if strings.TrimSpace(c.Storage.ProctoringPath) == "" {
		errs = append(errs, fmt.Errorf("%w: proctoring_path is empty", ErrInvalidPath))
	}
	if c.Storage.LedgerPath != "" && c.Storage.LedgerPath == c.Storage.ProctoringPath {
		errs = append(errs, errors.New("config: ledger_path and proctoring_path must differ"))
	}

	if c.Signing.Enabled && strings.TrimSpace(c.Signing.KeyPath) == "" {
		errs = append(errs, errors.New("config: signing enabled but key_path is empty"))
	}

	if c.Proctoring.ThrottleWindowMs < 0 {
		errs = append(errs, errors.New("config: throttle_window_ms must not be negative"))
	}
	if c.Proctoring.WarnAfter < 0 {
		errs = append(errs, errors.New("config: warn_after must not be negative"))
	}
	for eventType, limit := range c.Proctoring.AutoTerminate {
		if limit < 1 {
			errs = append(errs, fmt.Errorf("config: auto_terminate[%s] must be >= 1, got %d", eventType, limit))
		}
	}
	if c.Proctoring.SuspicionThreshold < 0 || c.Proctoring.SuspicionThreshold > 1 {
		errs = append(errs, errors.New("config: suspicion_threshold must be in [0, 1]"))
	}
	if c.Proctoring.SuspicionMinEvents < 0 {
		errs = append(errs, errors.New("config: suspicion_min_events must not be negative"))
	}

	if !validLogLevels[c.Logging.Level] {
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Logging.Level))
	}
	if !validLogFormats[c.Logging.Format] {
		errs = append(errs, fmt.Errorf("config: invalid log format %q", c.Logging.Format))
	}
	if !validLogOutputs[c.Logging.Output] {
		errs = append(errs, fmt.Errorf("config: invalid log output %q", c.Logging.Output))
	}
	if c.Logging.Output == "file" && strings.TrimSpace(c.Logging.FilePath) == "" {
		errs = append(errs, errors.New("config: log output is file but file_path is empty"))
	}

	return errors.Join(errs...)
}
