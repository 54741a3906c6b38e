// Package cmd implements the idlogsync command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/idlogsync/internal/config"
	"github.com/3leaps/idlogsync/internal/observability"
)

// exitJobFailed is returned when a job ran but did not succeed.
const exitJobFailed = 1

// VersionInfo describes the build.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

var versionInfo = VersionInfo{Version: "dev", Commit: "HEAD", BuildDate: "unknown"}

// SetVersionInfo records build metadata injected by the linker.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	configPath string
	logLevel   string
	verbose    bool

	// appConfig is loaded before every command runs.
	appConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "idlogsync",
	Short: "Collect identity-provider audit logs through a remote search backend",
	Long: `idlogsync submits asynchronous searches for identity-provider audit logs,
waits for them with exponential backoff, fetches the results in chunks,
normalizes every record, delivers the records to an event bus and archives
the raw results.

Jobs can run end to end in one process (run) or be driven one step at a time
by an external workflow host (job submit/advance/drain/cleanup).`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override logging.level (debug|info|warn|error)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Shorthand for --log-level debug")
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	overrides := map[string]any{}
	switch {
	case verbose:
		overrides["logging"] = map[string]any{"level": "debug"}
	case logLevel != "":
		overrides["logging"] = map[string]any{"level": logLevel}
	}

	cfg, err := config.LoadWithOptions(cmd.Context(), config.Options{File: configPath}, overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	appConfig = cfg

	logger, err := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Profile)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	observability.SetCLILogger(logger.With(zap.String("version", versionInfo.Version)))
	return nil
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	_ = observability.CLILogger.Sync()
	if err == nil {
		return 0
	}

	code := exitCode(err)
	if ctx.Err() != nil && code == exitJobFailed {
		code = foundry.ExitSignalInt
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return code
}

// cliError carries the exit code for a failed command.
type cliError struct {
	code    int
	message string
	err     error
}

func (e *cliError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *cliError) Unwrap() error {
	return e.err
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	if err == nil {
		err = errors.New(message)
	}
	return &cliError{code: code, message: message, err: err}
}

// exitCode extracts the exit code from err. Errors not created by
// exitError exit with exitJobFailed.
func exitCode(err error) int {
	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	return exitJobFailed
}
