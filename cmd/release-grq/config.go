package main

import (
	"fmt"

	"github.com/govready/release-grq/internal/config"
	"github.com/spf13/cobra"
)

// createConfigCommand creates the config subcommand
func createConfigCommand() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `Manage the release-grq configuration file.

Available commands:
  init    Initialize a new configuration file with default values`,
	}

	configCmd.AddCommand(createConfigInitCommand())

	return configCmd
}

// createConfigInitCommand creates the config init subcommand
func createConfigInitCommand() *cobra.Command {
	initCmd := &cobra.Command{
		Use:   "init [config-file]",
		Short: "Initialize a new configuration file",
		Long: `Initialize a new configuration file with default values.

If no path is specified, the config will be created in the current directory as release-grq.yml

Examples:
  # Create config in current directory
  release-grq config init

  # Create config in the user's config directory
  release-grq config init ~/.config/release-grq/config.yml`,
		Args:        cobra.MaximumNArgs(1),
		Annotations: map[string]string{skipConfig: "true"},
		RunE:        executeConfigInit,
	}

	return initCmd
}

// executeConfigInit handles the config init command logic
func executeConfigInit(cmd *cobra.Command, args []string) error {
	configPath := "release-grq.yml"
	if len(args) > 0 {
		configPath = args[0]
	}

	defaultConfig := config.DefaultGlobalConfig()
	if err := defaultConfig.SaveGlobalConfigWithComments(configPath); err != nil {
		return fmt.Errorf("failed to save config file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration file created at: %s\n", configPath)
	fmt.Fprintf(out, "\nDefault configuration settings:\n")
	fmt.Fprintf(out, "  Timeout: %ds\n", defaultConfig.Timeout)
	fmt.Fprintf(out, "  Work Directory: %s\n", defaultConfig.WorkDir)
	fmt.Fprintf(out, "  Metadata URL: %s\n", defaultConfig.Release.MetadataURL)
	fmt.Fprintf(out, "  Checksum Command: %v\n", defaultConfig.Checksum.Command)
	fmt.Fprintf(out, "  Log Level: %s\n", defaultConfig.Logging.Level)
	fmt.Fprintf(out, "\nEdit the configuration file to customize these settings.\n")

	return nil
}
