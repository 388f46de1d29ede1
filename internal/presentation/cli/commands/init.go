package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jbctechsolutions/codexmonitor/internal/infrastructure/config"
	"github.com/jbctechsolutions/codexmonitor/internal/presentation/cli/output"
)

// InitResult holds the result of the init command for JSON output.
type InitResult struct {
	ConfigDir   string `json:"config_dir"`
	ConfigFile  string `json:"config_file"`
	Token       string `json:"token"`
	Initialized bool   `json:"initialized"`
}

// NewInitCmd creates the init command.
func NewInitCmd(flags *GlobalFlags) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a configuration with a fresh shared token",
		Long: `Create the configuration directory and write config.yaml with default
settings and a newly generated shared token. Clients authenticate with
this token. An existing file is left alone unless --force is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(flags, flags.formatter(cmd), force)
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite existing configuration")

	return cmd
}

func runInit(flags *GlobalFlags, formatter *output.Formatter, force bool) error {
	loader, err := flags.loader()
	if err != nil {
		return err
	}
	path := flags.ConfigFile
	if path == "" {
		path = loader.DefaultConfigPath()
	}

	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	cfg := config.NewDefaultConfig()
	cfg.Server.Token = uuid.NewString()
	if err := loader.Save(cfg, path); err != nil {
		return err
	}

	result := InitResult{
		ConfigDir:   filepath.Dir(path),
		ConfigFile:  path,
		Token:       cfg.Server.Token,
		Initialized: true,
	}
	if formatter.Format() == output.FormatJSON {
		return formatter.JSON(result)
	}
	formatter.Success("Wrote %s", path)
	formatter.Item("Listen", cfg.Server.ListenAddr)
	formatter.Item("Token", cfg.Server.Token)
	return nil
}
