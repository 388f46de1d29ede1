// Package config provides configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. CODEXMONITOR_SERVER_TOKEN.
const EnvPrefix = "CODEXMONITOR"

// Loader handles loading configuration from files.
type Loader struct {
	configDir string
}

// NewLoader creates a new configuration loader.
// If configDir is empty, it defaults to ~/.codexmonitor.
func NewLoader(configDir string) (*Loader, error) {
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".codexmonitor")
	}

	return &Loader{configDir: configDir}, nil
}

// Load loads configuration from the specified file or default location.
// If the file doesn't exist, returns the default configuration. Relative
// storage paths are resolved against the config directory.
func (l *Loader) Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = l.DefaultConfigPath()
	}

	cfg := NewDefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	l.resolvePaths(cfg)
	return cfg, nil
}

// Save saves configuration to the specified file or default location.
func (l *Loader) Save(cfg *Config, configPath string) error {
	if configPath == "" {
		configPath = l.DefaultConfigPath()
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := "# codexmonitord configuration\n#\n"
	// The file holds the shared token.
	if err := os.WriteFile(configPath, []byte(header+string(data)), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func (l *Loader) resolvePaths(cfg *Config) {
	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = filepath.Join(l.configDir, "codexmonitor.db")
	} else if !filepath.IsAbs(cfg.Storage.DBPath) {
		cfg.Storage.DBPath = filepath.Join(l.configDir, cfg.Storage.DBPath)
	}
	if cfg.Storage.SettingsPath == "" {
		cfg.Storage.SettingsPath = filepath.Join(l.configDir, "settings.json")
	} else if !filepath.IsAbs(cfg.Storage.SettingsPath) {
		cfg.Storage.SettingsPath = filepath.Join(l.configDir, cfg.Storage.SettingsPath)
	}
}

// ConfigDir returns the configuration directory path.
func (l *Loader) ConfigDir() string {
	return l.configDir
}

// DefaultConfigPath returns the default configuration file path.
func (l *Loader) DefaultConfigPath() string {
	return filepath.Join(l.configDir, "config.yaml")
}

// NewViper returns a viper instance reading CODEXMONITOR_* environment
// variables. Nested keys map to underscores: server.listen_addr is read from
// CODEXMONITOR_SERVER_LISTEN_ADDR. Callers bind cobra flags onto it.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Override keys understood by ApplyOverrides.
const (
	KeyListenAddr     = "server.listen_addr"
	KeyToken          = "server.token"
	KeyCodexBin       = "codex.bin"
	KeyCodexTimeout   = "codex.request_timeout"
	KeyBrowserCommand = "browser.command"
	KeyTerminalShell  = "terminal.shell"
	KeyDBPath         = "storage.db_path"
	KeySettingsPath   = "storage.settings_path"
	KeyLogLevel       = "logging.level"
	KeyLogFormat      = "logging.format"
	KeyTracing        = "observability.tracing.enabled"
	KeyTracingType    = "observability.tracing.exporter_type"
	KeyOTLPEndpoint   = "observability.tracing.otlp_endpoint"
)

// ApplyOverrides copies every key set in v (environment or a changed bound
// flag) over cfg. File values stay in place for keys that are not set.
func ApplyOverrides(cfg *Config, v *viper.Viper) {
	strs := map[string]*string{
		KeyListenAddr:     &cfg.Server.ListenAddr,
		KeyToken:          &cfg.Server.Token,
		KeyCodexBin:       &cfg.Codex.Bin,
		KeyBrowserCommand: &cfg.Browser.Command,
		KeyTerminalShell:  &cfg.Terminal.Shell,
		KeyDBPath:         &cfg.Storage.DBPath,
		KeySettingsPath:   &cfg.Storage.SettingsPath,
		KeyLogLevel:       &cfg.Logging.Level,
		KeyLogFormat:      &cfg.Logging.Format,
		KeyTracingType:    &cfg.Observability.Tracing.ExporterType,
		KeyOTLPEndpoint:   &cfg.Observability.Tracing.OTLPEndpoint,
	}
	for key, dst := range strs {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}

	if v.IsSet(KeyCodexTimeout) {
		cfg.Codex.RequestTimeout = v.GetDuration(KeyCodexTimeout)
	}
	if v.IsSet(KeyTracing) {
		cfg.Observability.Tracing.Enabled = v.GetBool(KeyTracing)
	}
}
