package root

import (
	"errors"
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/pubwiki/wikidesigner/pkg/config"
)

func newConfigCmd(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the server configuration",
		Long:  "View and create the wikidesigner configuration stored in ~/.config/wikidesigner/config.yaml",
		Example: `  # Show the effective configuration
  wikidesigner config show

  # Write the default configuration
  wikidesigner config init`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfigShow(cmd, root)
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Long:  "Display the configuration, with environment overrides applied, in YAML format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfigShow(cmd, root)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show the path to the config file",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), root.configPath)
		},
	})
	cmd.AddCommand(newConfigInitCmd(root))

	return cmd
}

func newConfigInitCmd(root *rootFlags) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := root.configPath
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("failed to check config file: %w", err)
			}

			if err := config.Default().Save(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config file")

	return cmd
}

func runConfigShow(cmd *cobra.Command, root *rootFlags) error {
	cfg, err := config.Load(root.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	data, err := yaml.MarshalWithOptions(cfg, yaml.IndentSequence(true), yaml.UseSingleQuote(false))
	if err != nil {
		return fmt.Errorf("failed to format config: %w", err)
	}

	fmt.Fprint(cmd.OutOrStdout(), string(data))
	return nil
}
