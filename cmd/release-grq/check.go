package main

import (
	"fmt"
	"strings"

	"github.com/govready/release-grq/internal/config"
	"github.com/govready/release-grq/internal/fetcher"
	"github.com/govready/release-grq/internal/integrity"
	"github.com/govready/release-grq/internal/utils/slice"
	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"
)

// createCheckCommand creates the check subcommand
func createCheckCommand() *cobra.Command {
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Check that the host can publish a release",
		Long: `Check that the configured checksum program is installed and report the
settings a publishing run would use, without contacting the network.`,
		Args: cobra.NoArgs,
		RunE: executeCheck,
	}

	checkCmd.Flags().BoolVarP(&userMode, "user", "u", false,
		"Check the checksum invocation with --user")

	return checkCmd
}

// executeCheck handles the check command logic
func executeCheck(cmd *cobra.Command, args []string) error {
	cfg := config.Global()
	reporter := &integrity.Reporter{Command: cfg.Checksum.Command, User: userMode}
	checksumArgs := reporter.Args("<file>")
	probeErr := reporter.Probe(cmd.Context())

	workDir, err := cfg.WorkDirAbs()
	if err != nil {
		return err
	}
	token := "not set"
	if cfg.Token() != "" {
		token = "set"
	}
	configSource := actualConfigFile
	if configSource == "" {
		configSource = "built-in defaults"
	}

	table := uitable.New()
	table.MaxColWidth = 80
	table.AddRow("SETTING", "VALUE")
	table.AddRow("config", configSource)
	table.AddRow("checksum command", fmt.Sprintf("%v", checksumArgs))
	status := "found"
	if probeErr != nil {
		status = "missing"
	}
	table.AddRow("checksum program", status)
	table.AddRow("timeout", fmt.Sprintf("%ds", cfg.Timeout))
	table.AddRow("work directory", workDir)
	table.AddRow("metadata URL", cfg.Release.MetadataURL)
	table.AddRow("archive formats", strings.Join(slice.Map(fetcher.Formats(), func(f fetcher.Format) string {
		return cfg.Release.FilePrefix + "<tag>" + string(f)
	}), ", "))
	table.AddRow("API token ("+cfg.Release.TokenEnv+")", token)
	fmt.Fprintln(cmd.OutOrStdout(), table)

	return probeErr
}
