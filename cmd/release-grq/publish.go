package main

import (
	"fmt"
	"io"
	"os"

	"github.com/govready/release-grq/internal/config"
	"github.com/govready/release-grq/internal/failure"
	"github.com/govready/release-grq/internal/publisher"
	"github.com/govready/release-grq/internal/utils/logger"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// Publish flags
var (
	nonInteractive bool = false
	timeout        int  = config.DefaultTimeout // overrides the config value only when given
	userMode       bool = false
	dockerMode     bool = false
	noManifest     bool = false
)

// createPublishCommand creates the root command, which publishes the
// latest release.
func createPublishCommand() *cobra.Command {
	publishCmd := &cobra.Command{
		Use:   "release-grq",
		Short: "Produce download page rows for the latest GovReady-Q release",
		Long: `release-grq looks up the latest GovReady-Q release, downloads its .zip and
.tar.gz source archives, checksums them with shasum and prints one HTML table
row per archive for the download page. Each row is followed by a spacer so rows
can be pasted one at a time.

Rows are printed on stdout; logs and diagnostics go to stderr. A checksum list
(SHA256SUMS) and a release manifest are written next to the archives.

Use 'release-grq --help' to see available commands.
Use 'release-grq <command> --help' for more information about a command.`,
		Args: cobra.NoArgs,
		RunE: executePublish,
	}

	publishCmd.Flags().BoolVarP(&nonInteractive, "non-interactive", "n", false,
		"Never prompt and never draw progress bars")
	publishCmd.Flags().IntVarP(&timeout, "timeout", "t", config.DefaultTimeout,
		"Seconds an external program may run before it is stopped")
	publishCmd.Flags().BoolVarP(&userMode, "user", "u", false,
		"Run the checksum tool with --user")
	publishCmd.Flags().BoolVarP(&dockerMode, "docker", "d", false,
		"Record the run as a docker install in the release manifest")
	publishCmd.Flags().BoolVar(&noManifest, "no-manifest", false,
		"Do not write SHA256SUMS or the release manifest")

	return publishCmd
}

// executePublish handles the publish command execution logic
func executePublish(cmd *cobra.Command, args []string) error {
	if cmd.Flags().Changed("timeout") {
		if timeout <= 0 {
			return &failure.HaltedError{Reason: fmt.Sprintf("--timeout must be a positive number of seconds, got %d", timeout)}
		}
		currentConfig := config.Global()
		currentConfig.Timeout = timeout
		config.SetGlobal(currentConfig)
	}

	log := logger.Logger()
	opts := publisher.Options{
		Verbose:        verbosity > 0,
		User:           userMode,
		Docker:         dockerMode,
		NonInteractive: nonInteractive,
		NoManifest:     noManifest,
		Out:            cmd.OutOrStdout(),
		Console:        cmd.ErrOrStderr(),
		Progress:       progressWriter(cmd.ErrOrStderr()),
	}

	p, err := publisher.New(config.Global(), opts)
	if err != nil {
		return err
	}

	report, err := p.Run(cmd.Context())
	if err != nil {
		return err
	}
	log.Infof("Published %d artifacts of release %s in %.1fs", len(report.Rows), report.Release.ID, report.Elapsed.Seconds())
	return nil
}

// progressWriter returns w when it is a terminal, so progress bars never
// end up in redirected output.
func progressWriter(w io.Writer) io.Writer {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return nil
	}
	return w
}
