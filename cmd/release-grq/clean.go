package main

import (
	"fmt"

	"github.com/govready/release-grq/internal/cache"
	"github.com/govready/release-grq/internal/config"
	"github.com/govready/release-grq/internal/failure"
	"github.com/spf13/cobra"
)

func createCleanCommand() *cobra.Command {
	var (
		opts cache.CleanOptions
		all  bool
	)

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove downloaded archives or manifests",
		Long: `Remove the archives and manifests earlier runs left in the work directory.

By default, the command removes downloaded archives, including partial
downloads of interrupted runs. Use flags to remove the manifests as well.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			artifactsFlag := cmd.Flags().Changed("artifacts")
			manifestsFlag := cmd.Flags().Changed("manifests")

			if all {
				opts.Artifacts = true
				opts.Manifests = true
			} else if !artifactsFlag && !manifestsFlag {
				opts.Artifacts = true
			}

			if !opts.Artifacts && !opts.Manifests {
				return &failure.HaltedError{Reason: "nothing to clean: specify --artifacts or --manifests"}
			}

			cfg := config.Global()
			dir, err := cfg.WorkDirAbs()
			if err != nil {
				return err
			}
			opts.WorkDir = dir
			opts.FilePrefix = cfg.Release.FilePrefix

			result, err := cache.Clean(opts)
			if err != nil && result == nil {
				return err
			}

			output := []string{}
			if opts.DryRun {
				output = append(output, "Dry run: no files were deleted.")
			}

			if len(result.RemovedPaths) > 0 {
				header := "Removed paths:"
				if opts.DryRun {
					header = "Would remove:"
				}
				output = append(output, header)
				output = append(output, indentPaths(result.RemovedPaths)...)
			}

			if len(result.RemovedPaths) == 0 && len(result.SkippedPaths) == 0 {
				output = append(output, fmt.Sprintf("Nothing to clean in %s.", dir))
			}

			if len(result.SkippedPaths) > 0 {
				output = append(output, "Skipped (not found):")
				output = append(output, indentPaths(result.SkippedPaths)...)
			}

			writer := cmd.OutOrStdout()
			for _, line := range output {
				fmt.Fprintln(writer, line)
			}

			return err
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Remove both archives and manifests")
	cmd.Flags().BoolVar(&opts.Artifacts, "artifacts", false, "Remove downloaded archives")
	cmd.Flags().BoolVar(&opts.Manifests, "manifests", false, "Remove SHA256SUMS, its signature and the release manifest")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Show what would be removed without deleting anything")

	return cmd
}

func indentPaths(values []string) []string {
	lines := make([]string, len(values))
	for i, v := range values {
		lines[i] = "  " + v
	}
	return lines
}
