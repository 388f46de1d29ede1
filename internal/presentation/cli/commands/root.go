// Package commands implements the codexmonitord command line.
package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jbctechsolutions/codexmonitor/internal/infrastructure/config"
	"github.com/jbctechsolutions/codexmonitor/internal/presentation/cli/output"
)

// Version information - set at build time via ldflags.
var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// GlobalFlags holds the global CLI flags.
type GlobalFlags struct {
	ConfigDir  string
	ConfigFile string
	Output     string
	Verbose    bool
}

// NewRootCmd creates the root command tree. Each call has its own
// GlobalFlags, so tests can build independent trees.
func NewRootCmd() *cobra.Command {
	flags := &GlobalFlags{}

	rootCmd := &cobra.Command{
		Use:   "codexmonitord",
		Short: "Headless Codex monitor daemon",
		Long: `codexmonitord supervises codex app-server processes, terminals and a
browser-automation worker per workspace, and serves them to remote clients
over a token-authenticated line-delimited JSON protocol on TCP.

It also keeps an auto-memory store: when a thread's context window fills
up, recent turns are summarized into durable notes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&flags.ConfigDir, "config-dir", "", "configuration directory (default: ~/.codexmonitor)")
	rootCmd.PersistentFlags().StringVarP(&flags.ConfigFile, "config", "c", "", "config file path (default: <config-dir>/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&flags.Output, "output", "o", "text", "output format: text, json")
	rootCmd.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(NewVersionCmd(flags))
	rootCmd.AddCommand(NewInitCmd(flags))
	rootCmd.AddCommand(NewServeCmd(flags))
	rootCmd.AddCommand(NewConsoleCmd(flags))

	return rootCmd
}

// formatter builds the formatter selected by --output.
func (f *GlobalFlags) formatter(cmd *cobra.Command) *output.Formatter {
	format, err := output.ParseFormat(f.Output)
	if err != nil {
		format = output.FormatText
	}
	return output.NewFormatter(
		output.WithWriter(cmd.OutOrStdout()),
		output.WithFormat(format),
		output.WithColor(format != output.FormatJSON && output.IsColorSupported()),
	)
}

// loader returns the config loader for --config-dir.
func (f *GlobalFlags) loader() (*config.Loader, error) {
	loader, err := config.NewLoader(f.ConfigDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create config loader: %w", err)
	}
	return loader, nil
}

// loadConfig loads the config file, falling back to defaults when it is
// missing.
func (f *GlobalFlags) loadConfig() (*config.Config, error) {
	loader, err := f.loader()
	if err != nil {
		return nil, err
	}
	return loader.Load(f.ConfigFile)
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command's
// context, which shuts the daemon down gracefully.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		output.NewFormatter(output.WithWriter(os.Stderr), output.WithColor(output.IsColorSupported())).
			Error("%s", err.Error())
		stop()
		os.Exit(1)
	}
}
