package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jbctechsolutions/codexmonitor/internal/application"
	"github.com/jbctechsolutions/codexmonitor/internal/infrastructure/config"
)

// serveFlag maps a serve flag onto a config override key.
type serveFlag struct {
	name  string
	key   string
	usage string
	kind  string // string, duration, bool
}

var serveFlags = []serveFlag{
	{"listen", config.KeyListenAddr, "TCP listen address", "string"},
	{"token", config.KeyToken, "shared client token", "string"},
	{"codex-bin", config.KeyCodexBin, "default codex binary", "string"},
	{"codex-timeout", config.KeyCodexTimeout, "app-server request timeout", "duration"},
	{"browser-command", config.KeyBrowserCommand, "browser worker command (empty disables the browser surface)", "string"},
	{"shell", config.KeyTerminalShell, "shell for terminal sessions", "string"},
	{"db", config.KeyDBPath, "memory database path", "string"},
	{"settings", config.KeySettingsPath, "settings.json path", "string"},
	{"log-level", config.KeyLogLevel, "log level: debug, info, warn, error", "string"},
	{"log-format", config.KeyLogFormat, "log format: text, json", "string"},
	{"tracing", config.KeyTracing, "enable request tracing", "bool"},
	{"tracing-exporter", config.KeyTracingType, "trace exporter: stdout, otlp", "string"},
	{"otlp-endpoint", config.KeyOTLPEndpoint, "OTLP HTTP endpoint", "string"},
}

// NewServeCmd creates the serve command.
func NewServeCmd(flags *GlobalFlags) *cobra.Command {
	v := config.NewViper()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		Long: `Run the daemon in the foreground. Settings come from the config file,
then CODEXMONITOR_* environment variables, then the flags below. The
daemon refuses to start without a shared token.

Send SIGINT or SIGTERM to shut down; running sessions are terminated.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, flags, v)
		},
	}

	if err := bindServeFlags(cmd.Flags(), v); err != nil {
		panic(err)
	}

	return cmd
}

func bindServeFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	for _, f := range serveFlags {
		switch f.kind {
		case "duration":
			fs.Duration(f.name, 0, f.usage)
		case "bool":
			fs.Bool(f.name, false, f.usage)
		default:
			fs.String(f.name, "", f.usage)
		}
		if err := v.BindPFlag(f.key, fs.Lookup(f.name)); err != nil {
			return fmt.Errorf("bind --%s: %w", f.name, err)
		}
	}
	return nil
}

// resolveServeConfig layers environment and flag overrides on the file
// config and validates the result.
func resolveServeConfig(flags *GlobalFlags, v *viper.Viper) (*config.Config, error) {
	cfg, err := flags.loadConfig()
	if err != nil {
		return nil, err
	}
	config.ApplyOverrides(cfg, v)
	if flags.Verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Server.RequireToken(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, flags *GlobalFlags, v *viper.Viper) error {
	cfg, err := resolveServeConfig(flags, v)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	container, err := application.NewContainer(ctx, cfg, application.Options{
		Version: Version,
		Verbose: flags.Verbose,
	})
	if err != nil {
		return err
	}
	defer container.Close()

	return container.ListenAndServe(ctx)
}
