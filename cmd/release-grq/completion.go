package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/govready/release-grq/internal/failure"
	"github.com/govready/release-grq/internal/utils/security"
	"github.com/spf13/cobra"
)

// createInstallCompletionCommand creates the install-completion subcommand
func createInstallCompletionCommand() *cobra.Command {
	installCompletionCmd := &cobra.Command{
		Use:   "install-completion",
		Short: "Install shell completion script",
		Long: `Install shell completion script for Bash, Zsh or Fish.
The shell is detected from $SHELL unless --shell is given. With --stdout the
script is printed instead of installed.`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfig: "true"},
		RunE:        executeInstallCompletion,
	}

	installCompletionCmd.Flags().String("shell", "", "Specify shell type (bash, zsh, fish)")
	installCompletionCmd.Flags().Bool("force", false, "Force overwrite existing completion files")
	installCompletionCmd.Flags().Bool("stdout", false, "Print the completion script instead of installing it")

	return installCompletionCmd
}

// executeInstallCompletion handles installation of shell completion scripts
func executeInstallCompletion(cmd *cobra.Command, args []string) error {
	shellType, _ := cmd.Flags().GetString("shell")
	userForce, _ := cmd.Flags().GetBool("force")
	toStdout, _ := cmd.Flags().GetBool("stdout")

	if shellType == "" {
		var err error
		if shellType, err = detectShell(os.Getenv("SHELL")); err != nil {
			return err
		}
	}

	var buf bytes.Buffer
	switch shellType {
	case "bash":
		if err := cmd.Root().GenBashCompletion(&buf); err != nil {
			return fmt.Errorf("error generating Bash completion: %w", err)
		}
	case "zsh":
		if err := cmd.Root().GenZshCompletion(&buf); err != nil {
			return fmt.Errorf("error generating Zsh completion: %w", err)
		}
	case "fish":
		if err := cmd.Root().GenFishCompletion(&buf, true); err != nil {
			return fmt.Errorf("error generating Fish completion: %w", err)
		}
	default:
		return fmt.Errorf("unsupported shell type: %s", shellType)
	}

	if toStdout {
		_, err := cmd.OutOrStdout().Write(buf.Bytes())
		return err
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("could not determine home directory: %v", err)
	}
	targetPath := completionPath(homeDir, shellType)

	if _, err := os.Stat(targetPath); err == nil && !userForce {
		return &failure.HaltedError{Reason: fmt.Sprintf("completion file already exists at %s; use --force to overwrite", targetPath)}
	}
	if err := os.MkdirAll(filepath.Dir(targetPath), 0700); err != nil {
		return fmt.Errorf("could not create directory %s: %v", filepath.Dir(targetPath), err)
	}
	if err := security.SafeWriteFile(targetPath, buf.Bytes(), 0644, security.RejectSymlinks); err != nil {
		return fmt.Errorf("failed to write completion file: %v", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Shell completion installed for %s at %s\n", shellType, targetPath)
	if shellType == "bash" {
		fmt.Fprintf(cmd.OutOrStdout(), "Add this line to your ~/.bashrc to enable it:\n  source %s\n", targetPath)
	}
	return nil
}

func detectShell(shellEnv string) (string, error) {
	switch {
	case shellEnv == "":
		return "", fmt.Errorf("could not detect shell. Please specify with --shell flag")
	case strings.Contains(shellEnv, "bash"):
		return "bash", nil
	case strings.Contains(shellEnv, "zsh"):
		return "zsh", nil
	case strings.Contains(shellEnv, "fish"):
		return "fish", nil
	}
	return "", fmt.Errorf("unsupported shell: %s. Please specify shell with --shell flag", shellEnv)
}

func completionPath(homeDir, shellType string) string {
	switch shellType {
	case "zsh":
		return filepath.Join(homeDir, ".zsh", "completion", "_release-grq")
	case "fish":
		return filepath.Join(homeDir, ".config", "fish", "completions", "release-grq.fish")
	}
	return filepath.Join(homeDir, ".bash_completion.d", "release-grq")
}
