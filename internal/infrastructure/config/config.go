// Package config provides configuration structs and utilities for the codexmonitor daemon.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Config represents the root configuration for the codexmonitor daemon.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Codex         CodexConfig         `yaml:"codex"`
	Terminal      TerminalConfig      `yaml:"terminal"`
	Browser       BrowserConfig       `yaml:"browser"`
	Storage       StorageConfig       `yaml:"storage"`
	AutoMemory    AutoMemoryConfig    `yaml:"auto_memory"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds configuration for the client gateway.
type ServerConfig struct {
	ListenAddr            string        `yaml:"listen_addr"`
	Token                 string        `yaml:"token"`
	MaxLineBytes          int           `yaml:"max_line_bytes"`          // Largest accepted request line
	MaxConcurrentRequests int           `yaml:"max_concurrent_requests"` // Per connection
	WriteQueueSize        int           `yaml:"write_queue_size"`        // Outbound frames buffered per connection
	SubscriberBuffer      int           `yaml:"subscriber_buffer"`       // Hub events buffered per connection
	ShutdownTimeout       time.Duration `yaml:"shutdown_timeout"`
}

// CodexConfig holds configuration for codex app-server sessions.
type CodexConfig struct {
	Bin            string        `yaml:"bin"`
	ExtraArgs      []string      `yaml:"extra_args"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	KillGrace      time.Duration `yaml:"kill_grace"`
}

// TerminalConfig holds configuration for PTY terminal sessions.
type TerminalConfig struct {
	Shell string `yaml:"shell"` // Empty means $SHELL, then /bin/sh
}

// BrowserConfig holds configuration for the browser-automation worker.
type BrowserConfig struct {
	Command        string        `yaml:"command"` // Empty disables the browser surface
	Args           []string      `yaml:"args"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// StorageConfig holds file locations.
type StorageConfig struct {
	DBPath       string `yaml:"db_path"`
	SettingsPath string `yaml:"settings_path"`
}

// AutoMemoryConfig holds runtime knobs of the auto-memory coordinator that
// are not user-editable app settings.
type AutoMemoryConfig struct {
	SummarizerTimeout time.Duration `yaml:"summarizer_timeout"`
	EvictionHorizon   time.Duration `yaml:"eviction_horizon"`
}

// LoggingConfig holds configuration for application logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// ObservabilityConfig holds configuration for observability features.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`       // Whether tracing is enabled
	ExporterType string  `yaml:"exporter_type"` // none, stdout, otlp
	OTLPEndpoint string  `yaml:"otlp_endpoint"` // OTLP collector endpoint
	SampleRate   float64 `yaml:"sample_rate"`   // Sampling rate (0.0 to 1.0)
	ServiceName  string  `yaml:"service_name"`  // Service name for traces
}

// Default configuration values.
const (
	DefaultListenAddr            = "127.0.0.1:4732"
	DefaultMaxLineBytes          = 8 * 1024 * 1024
	DefaultMaxConcurrentRequests = 64
	DefaultWriteQueueSize        = 1024
	DefaultSubscriberBuffer      = 1024
	DefaultShutdownTimeout       = 10 * time.Second

	DefaultCodexBin            = "codex"
	DefaultCodexRequestTimeout = 5 * time.Minute
	DefaultKillGrace           = 3 * time.Second

	DefaultBrowserRequestTimeout = 60 * time.Second

	DefaultSummarizerTimeout = 60 * time.Second
	DefaultEvictionHorizon   = 24 * time.Hour

	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"

	DefaultTracingEnabled      = false
	DefaultTracingExporterType = "none"
	DefaultTracingSampleRate   = 1.0
	DefaultTracingServiceName  = "codexmonitord"
)

// Valid log levels.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Valid log formats.
var validLogFormats = map[string]bool{
	"json": true,
	"text": true,
}

// Valid tracing exporter types.
var validTracingExporterTypes = map[string]bool{
	"none":   true,
	"stdout": true,
	"otlp":   true,
}

// ErrTokenRequired is returned by RequireToken when no shared token is set.
var ErrTokenRequired = errors.New("server.token is required (set CODEXMONITOR_SERVER_TOKEN or --token)")

// NewDefaultConfig creates a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:            DefaultListenAddr,
			MaxLineBytes:          DefaultMaxLineBytes,
			MaxConcurrentRequests: DefaultMaxConcurrentRequests,
			WriteQueueSize:        DefaultWriteQueueSize,
			SubscriberBuffer:      DefaultSubscriberBuffer,
			ShutdownTimeout:       DefaultShutdownTimeout,
		},
		Codex: CodexConfig{
			Bin:            DefaultCodexBin,
			RequestTimeout: DefaultCodexRequestTimeout,
			KillGrace:      DefaultKillGrace,
		},
		Browser: BrowserConfig{
			RequestTimeout: DefaultBrowserRequestTimeout,
		},
		AutoMemory: AutoMemoryConfig{
			SummarizerTimeout: DefaultSummarizerTimeout,
			EvictionHorizon:   DefaultEvictionHorizon,
		},
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:      DefaultTracingEnabled,
				ExporterType: DefaultTracingExporterType,
				SampleRate:   DefaultTracingSampleRate,
				ServiceName:  DefaultTracingServiceName,
			},
		},
	}
}

// Validate checks if the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("server: %w", err))
	}
	if err := c.Codex.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("codex: %w", err))
	}
	if err := c.Browser.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("browser: %w", err))
	}
	if err := c.AutoMemory.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("auto_memory: %w", err))
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	if err := c.Observability.Tracing.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("observability: tracing: %w", err))
	}

	return errors.Join(errs...)
}

// Validate checks if the ServerConfig is valid.
func (s *ServerConfig) Validate() error {
	var errs []error

	if _, _, err := net.SplitHostPort(s.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("invalid listen_addr %q: %w", s.ListenAddr, err))
	}
	if strings.ContainsAny(s.Token, "\r\n") {
		errs = append(errs, errors.New("token must be a single line"))
	}
	if s.MaxLineBytes < 1024 {
		errs = append(errs, errors.New("max_line_bytes must be at least 1024"))
	}
	if s.MaxConcurrentRequests <= 0 {
		errs = append(errs, errors.New("max_concurrent_requests must be positive"))
	}
	if s.WriteQueueSize <= 0 {
		errs = append(errs, errors.New("write_queue_size must be positive"))
	}
	if s.SubscriberBuffer <= 0 {
		errs = append(errs, errors.New("subscriber_buffer must be positive"))
	}
	if s.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("shutdown_timeout must be non-negative"))
	}

	return errors.Join(errs...)
}

// RequireToken reports ErrTokenRequired when the shared token is empty.
func (s *ServerConfig) RequireToken() error {
	if strings.TrimSpace(s.Token) == "" {
		return ErrTokenRequired
	}
	return nil
}

// Validate checks if the CodexConfig is valid.
func (c *CodexConfig) Validate() error {
	var errs []error

	if c.Bin == "" {
		errs = append(errs, errors.New("bin is required"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request_timeout must be positive"))
	}
	if c.KillGrace < 0 {
		errs = append(errs, errors.New("kill_grace must be non-negative"))
	}

	return errors.Join(errs...)
}

// Validate checks if the BrowserConfig is valid.
func (b *BrowserConfig) Validate() error {
	if b.Command != "" && b.RequestTimeout <= 0 {
		return errors.New("request_timeout must be positive when a command is set")
	}
	return nil
}

// Enabled reports whether a browser worker command is configured.
func (b *BrowserConfig) Enabled() bool {
	return b.Command != ""
}

// Validate checks if the AutoMemoryConfig is valid.
func (a *AutoMemoryConfig) Validate() error {
	var errs []error

	if a.SummarizerTimeout <= 0 {
		errs = append(errs, errors.New("summarizer_timeout must be positive"))
	}
	if a.EvictionHorizon <= 0 {
		errs = append(errs, errors.New("eviction_horizon must be positive"))
	}

	return errors.Join(errs...)
}

// Validate checks if the LoggingConfig is valid.
func (l *LoggingConfig) Validate() error {
	var errs []error

	if l.Level != "" && !validLogLevels[l.Level] {
		errs = append(errs, fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", l.Level))
	}

	if l.Format != "" && !validLogFormats[l.Format] {
		errs = append(errs, fmt.Errorf("invalid log format %q: must be one of json, text", l.Format))
	}

	return errors.Join(errs...)
}

// Validate checks if the TracingConfig is valid.
func (t *TracingConfig) Validate() error {
	var errs []error

	if t.Enabled {
		if t.ExporterType != "" && !validTracingExporterTypes[t.ExporterType] {
			errs = append(errs, fmt.Errorf("invalid exporter_type %q: must be one of none, stdout, otlp", t.ExporterType))
		}
		if t.ExporterType == "otlp" && t.OTLPEndpoint == "" {
			errs = append(errs, errors.New("otlp_endpoint is required when exporter_type is 'otlp'"))
		}
		if t.SampleRate < 0 || t.SampleRate > 1 {
			errs = append(errs, errors.New("sample_rate must be between 0.0 and 1.0"))
		}
		if t.ServiceName == "" {
			errs = append(errs, errors.New("service_name is required when tracing is enabled"))
		}
	}

	return errors.Join(errs...)
}
