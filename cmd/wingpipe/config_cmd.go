package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/wingpipe/wingpipe-go/internal/cli/output"
	"github.com/wingpipe/wingpipe-go/internal/config"
)

func (a *app) newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and create configuration files",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a sample configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path := config.GetConfigPath(a.flags.dataDir)
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return output.NewStructuredError(output.ErrCodeConfigInvalid,
					fmt.Sprintf("config file %s already exists", path)).
					WithRecoveryCommand("wingpipe config init --force")
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			if err := config.CreateSampleConfig(path); err != nil {
				return err
			}
			_, err := fmt.Fprintf(a.stdout, "Wrote %s\n", path)
			return err
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			// Nested sections do not fit the field table.
			if output.ResolveFormat(a.flags.output, a.flags.jsonOutput) == "table" {
				a.flags.output = "json"
			}
			return a.print(cfg)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(a.stdout, "Configuration is valid (%d endpoints, backend %s)\n",
				len(cfg.Listener.Endpoints), cfg.Backend)
			return err
		},
	}

	cmd.AddCommand(initCmd, showCmd, validateCmd)
	return cmd
}
