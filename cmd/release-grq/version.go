package main

import (
	"fmt"

	"github.com/govready/release-grq/internal/config/version"
	"github.com/spf13/cobra"
)

// createVersionCommand creates the version subcommand
func createVersionCommand() *cobra.Command {
	versionCmd := &cobra.Command{
		Use:         "version",
		Short:       "Display version information",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfig: "true"},
		Run:         executeVersion,
	}

	return versionCmd
}

// executeVersion handles the version command logic
func executeVersion(cmd *cobra.Command, args []string) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s v%s\n", version.Toolname, version.Version)
	fmt.Fprintf(out, "Build Date: %s\n", version.BuildDate)
	fmt.Fprintf(out, "Commit: %s\n", version.CommitSHA)
	fmt.Fprintf(out, "Organization: %s\n", version.Organization)
}
