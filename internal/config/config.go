// Package config provides configuration types, defaults, and persistence for
// scopekit.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/scopekit/internal/log"
	"github.com/zjrosen/scopekit/internal/scope"
)

// Config holds all configuration options for scopekit.
type Config struct {
	Scope   ScopeConfig     `mapstructure:"scope"`
	Log     LogConfig       `mapstructure:"log"`
	Tracing TracingConfig   `mapstructure:"tracing"`
	Flags   map[string]bool `mapstructure:"flags"`
}

// ScopeConfig holds the timing knobs for scope arbitration and teardown.
// Durations are expressed in milliseconds so the YAML stays plain integers.
type ScopeConfig struct {
	// DisposeWaitMS bounds how long a closing scope waits for in-flight
	// installs before deferring their cleanup to late hooks.
	// Default: 300
	DisposeWaitMS int `mapstructure:"dispose_wait_ms"`

	// ResolveTimeoutMS bounds how long a borrower waits for a concurrent
	// install to become resolvable.
	// Default: 3000
	ResolveTimeoutMS int `mapstructure:"resolve_timeout_ms"`

	// ResolvePollMS is the interval between borrower resolution attempts.
	// Default: 25
	ResolvePollMS int `mapstructure:"resolve_poll_ms"`
}

// Runtime converts the millisecond knobs into the scope package's config.
// Zero or missing values fall back to the scope defaults.
func (s ScopeConfig) Runtime() scope.Config {
	cfg := scope.DefaultConfig()
	if s.DisposeWaitMS > 0 {
		cfg.DisposeWait = time.Duration(s.DisposeWaitMS) * time.Millisecond
	}
	if s.ResolveTimeoutMS > 0 {
		cfg.ResolveTimeout = time.Duration(s.ResolveTimeoutMS) * time.Millisecond
	}
	if s.ResolvePollMS > 0 {
		cfg.ResolvePoll = time.Duration(s.ResolvePollMS) * time.Millisecond
	}
	return cfg
}

// LogConfig holds structured logging configuration.
type LogConfig struct {
	// Enabled turns file logging on.
	// Default: false
	Enabled bool `mapstructure:"enabled"`

	// Path is the log file location.
	// Default: ~/.config/scopekit/debug.log
	Path string `mapstructure:"path"`

	// Level is the minimum level written: "debug", "info", "warn", "error".
	// Default: "info"
	Level string `mapstructure:"level"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether tracing is active.
	// Default: false
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp"
	// Default: "file"
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for the "file" exporter.
	// Default: ~/.config/scopekit/traces/traces.jsonl
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for the "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	// Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate"`
}

// DefaultTracesFilePath returns the default path for trace file export.
// Returns ~/.config/scopekit/traces/traces.jsonl or empty string if the home
// dir is unavailable.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "scopekit", "traces", "traces.jsonl")
}

// DefaultLogPath returns the default log file location.
func DefaultLogPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "scopekit", "debug.log")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Scope: ScopeConfig{
			DisposeWaitMS:    300,
			ResolveTimeoutMS: 3000,
			ResolvePollMS:    25,
		},
		Log: LogConfig{
			Enabled: false,
			Path:    DefaultLogPath(),
			Level:   "info",
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     "", // Derived from config dir at runtime
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
		Flags: map[string]bool{
			"event-stream":     true,
			"teardown-summary": true,
		},
	}
}

// Validate checks the full configuration for errors.
func (c Config) Validate() error {
	if err := ValidateScope(c.Scope); err != nil {
		return err
	}
	if err := ValidateLog(c.Log); err != nil {
		return err
	}
	return ValidateTracing(c.Tracing)
}

// ValidateScope checks the scope timing configuration for errors.
// Returns nil if values are valid or zero (will use defaults).
func ValidateScope(s ScopeConfig) error {
	if s.DisposeWaitMS < 0 {
		return fmt.Errorf("scope.dispose_wait_ms must not be negative, got %d", s.DisposeWaitMS)
	}
	if s.ResolveTimeoutMS < 0 {
		return fmt.Errorf("scope.resolve_timeout_ms must not be negative, got %d", s.ResolveTimeoutMS)
	}
	if s.ResolvePollMS < 0 {
		return fmt.Errorf("scope.resolve_poll_ms must not be negative, got %d", s.ResolvePollMS)
	}
	if s.ResolveTimeoutMS > 0 && s.ResolvePollMS > s.ResolveTimeoutMS {
		return fmt.Errorf("scope.resolve_poll_ms (%d) must not exceed scope.resolve_timeout_ms (%d)",
			s.ResolvePollMS, s.ResolveTimeoutMS)
	}
	return nil
}

// ValidateLog checks the logging configuration for errors.
func ValidateLog(l LogConfig) error {
	if l.Level != "" {
		switch l.Level {
		case "debug", "info", "warn", "error":
			// Valid
		default:
			return fmt.Errorf("log.level must be \"debug\", \"info\", \"warn\", or \"error\", got %q", l.Level)
		}
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tracing TracingConfig) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
			// Valid
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}

	// Only validate path requirements when tracing is enabled
	if tracing.Enabled {
		if tracing.Exporter == "file" && tracing.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# Scopekit Configuration

# Scope lifecycle timing
scope:
  # How long a closing scope waits for in-flight installs before handing
  # their cleanup to late hooks (milliseconds)
  dispose_wait_ms: 300

  # How long a borrower waits for a concurrent install to become resolvable
  # (milliseconds)
  resolve_timeout_ms: 3000

  # Interval between borrower resolution attempts (milliseconds)
  resolve_poll_ms: 25

# Structured logging
log:
  enabled: false
  # path: ~/.config/scopekit/debug.log
  level: info  # debug, info, warn, or error

# Feature flags
flags:
  event-stream: true      # Surface lifecycle events to observers
  teardown-summary: true  # Print a registry summary after playground teardowns

# Distributed tracing configuration
# tracing:
#   enabled: false                 # Enable/disable tracing (default: false)
#   exporter: file                 # Export backend: none, file, stdout, otlp (default: file)
#   file_path: ~/.config/scopekit/traces/traces.jsonl  # Output file for file exporter
#   otlp_endpoint: localhost:4317  # OTLP collector endpoint (for otlp exporter)
#   sample_rate: 1.0               # Trace sampling rate 0.0-1.0 (default: 1.0)
#
# Example: Send traces to Jaeger via OTLP
# tracing:
#   enabled: true
#   exporter: otlp
#   otlp_endpoint: jaeger.internal:4317
#   sample_rate: 0.1  # Sample 10% of traces
`
}

// WriteDefaultConfig creates a config file at the given path with default
// settings and comments. Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
