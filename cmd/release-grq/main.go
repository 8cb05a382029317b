package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/govready/release-grq/internal/config"
	"github.com/govready/release-grq/internal/failure"
	"github.com/govready/release-grq/internal/utils/logger"
	"github.com/govready/release-grq/internal/utils/security"
	"github.com/spf13/cobra"
)

// Command-line flags that can override config file settings
var (
	configFile string = "" // Path to config file
	logLevel   string = "" // Empty means use config file value
	workDir    string = "" // Empty means use config file value
	verbosity  int    = 0  // -v count; any value raises logging to debug
)

var (
	actualConfigFile string // Config file that was loaded, "" for defaults
	loggerCleanup    func()
)

// skipConfig marks commands that must work without a readable config file.
const skipConfig = "release-grq/skip-config"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the command line and turns its outcome into an exit code.
// Diagnostics go to stderr; stdout carries only the rendered rows.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cobra.EnableTraverseRunHooks = true

	rootCmd := createRootCommand()
	security.AttachRecursive(rootCmd, security.DefaultLimits())
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	previous := logger.ReplaceStderrWriter(stderr)
	defer logger.ReplaceStderrWriter(previous)

	err := rootCmd.ExecuteContext(ctx)
	if loggerCleanup != nil {
		loggerCleanup()
		loggerCleanup = nil
	}

	d := failure.Classify(err)
	if !d.Quiet && d.Message != "" {
		fmt.Fprintln(stderr, d.String())
	}
	return d.ExitCode
}

// createRootCommand creates and configures the root cobra command with all subcommands
func createRootCommand() *cobra.Command {
	rootCmd := createPublishCommand()
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	rootCmd.PersistentPreRunE = initConfig
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &failure.HaltedError{Reason: fmt.Sprintf("%v (see '%s --help')", err, cmd.CommandPath())}
	})

	// Add global flags
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&workDir, "work-dir", "",
		"Directory artifacts and manifests are written to")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v",
		"Stream external program output, report timings and log at debug level")

	// Add all subcommands
	rootCmd.AddCommand(createVersionCommand())
	rootCmd.AddCommand(createConfigCommand())
	rootCmd.AddCommand(createValidateCommand())
	rootCmd.AddCommand(createCheckCommand())
	rootCmd.AddCommand(createCleanCommand())
	rootCmd.AddCommand(createInstallCompletionCommand())

	return rootCmd
}

// initConfig loads the configuration, applies flag overrides and sets up
// logging before any command runs.
func initConfig(cmd *cobra.Command, args []string) error {
	if cmd.Annotations[skipConfig] != "" {
		level := logLevel
		if level == "" {
			level = "info"
		}
		logger.Logger()
		logger.SetLogLevel(logger.LevelForVerbosity(level, verbosity))
		return nil
	}

	configFilePath := configFile
	if configFilePath == "" {
		configFilePath = config.FindConfigFile()
	}

	globalConfig, err := config.LoadGlobalConfig(configFilePath)
	if err != nil {
		return &failure.HaltedError{Reason: fmt.Sprintf("the configuration could not be loaded: %v", err)}
	}
	if logLevel != "" {
		globalConfig.Logging.Level = logLevel
	}
	if cmd.Flags().Changed("work-dir") {
		globalConfig.WorkDir = workDir
	}
	config.SetGlobal(globalConfig)
	actualConfigFile = configFilePath

	level := logger.LevelForVerbosity(globalConfig.Logging.Level, verbosity)
	if logLevel != "" {
		level = logLevel
	}
	_, cleanup, err := logger.InitWithConfig(logger.Config{Level: level, FilePath: globalConfig.Logging.File})
	if err != nil {
		return &failure.HaltedError{Reason: err.Error()}
	}
	loggerCleanup = cleanup

	log := logger.Logger()
	if configFilePath != "" {
		log.Debugf("Using configuration from: %s", configFilePath)
	}
	log.Debugf("Config: timeout=%ds, work_dir=%s, metadata_url=%s",
		globalConfig.Timeout, globalConfig.WorkDir, globalConfig.Release.MetadataURL)
	return nil
}
