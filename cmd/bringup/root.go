package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/bringup/internal/adapters/logging"
	"github.com/felixgeelhaar/bringup/internal/app"
	"github.com/felixgeelhaar/bringup/internal/domain/engine"
	"github.com/felixgeelhaar/bringup/internal/domain/manifest"
	"github.com/felixgeelhaar/bringup/internal/domain/run"
	"github.com/felixgeelhaar/bringup/internal/domain/step"
	"github.com/felixgeelhaar/bringup/internal/ports"
)

// EnvStateDir overrides the default state location. Either form accepted
// by --state-dir works.
const EnvStateDir = "BRINGUP_STATE_DIR"

var (
	// Global flags
	stateDir  string
	verbose   bool
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "bringup",
	Short: "Resumable GPU VM bring-up",
	Long: `Bringup provisions a GPU virtual machine, installs the driver and
runtime stack, builds the model pipeline and verifies it, step by step.

Every step is recorded, so an interrupted or failed run resumes where it
stopped:
  Provision → Configure → Install → Build → Verify

Exit codes:
  0 - Run completed
  1 - A step failed
  2 - Configuration error
  3 - Interrupted; run again to resume`,
	SilenceErrors: true, // We handle error formatting ourselves
	SilenceUsage:  true, // Don't show usage on error
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "run state directory or s3://bucket/prefix (default: $"+EnvStateDir+", the manifest's state_dir, or $XDG_STATE_HOME/bringup)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text, json)")

	_ = rootCmd.RegisterFlagCompletionFunc("log-format", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{"text", "json"}, cobra.ShellCompDirectiveNoFileComp
	})

	rootCmd.AddCommand(versionCmd)
}

// resolveStateDir picks the state directory: flag, then environment, then
// the manifest's state_dir relative to the manifest, then the default.
func resolveStateDir(m *manifest.Manifest) string {
	if stateDir != "" {
		return stateDir
	}
	if env := os.Getenv(EnvStateDir); env != "" {
		return env
	}
	if m != nil && m.StateDir != "" {
		if filepath.IsAbs(m.StateDir) || strings.HasPrefix(m.StateDir, "s3://") || m.Path() == "" {
			return m.StateDir
		}
		return filepath.Join(filepath.Dir(m.Path()), m.StateDir)
	}
	return app.DefaultStateDir()
}

// manifestForState loads the manifest a read-side command was pointed at,
// so that its state_dir is honoured. An empty path yields nil.
func manifestForState(path string) (*manifest.Manifest, error) {
	if path == "" {
		return nil, nil
	}
	return manifest.Load(path)
}

// newLogger builds the stderr logger. Flags win over manifest settings.
func newLogger(m *manifest.Manifest) (ports.Logger, error) {
	level, format := "info", logFormat
	if m != nil {
		if m.Logging.Level != "" {
			level = m.Logging.Level
		}
		if format == "" {
			format = m.Logging.Format
		}
	}
	if verbose {
		level = "debug"
	}
	logger, err := logging.New(level, format, os.Stderr)
	if err != nil {
		return nil, step.NewConfigurationError(step.ErrCodeInvalidManifest, "invalid logging settings").WithUnderlying(err)
	}
	return logger, nil
}

// newApp builds the application for commands that work from stored runs.
func newApp(cmd *cobra.Command, m *manifest.Manifest) (*app.App, error) {
	logger, err := newLogger(m)
	if err != nil {
		return nil, err
	}
	return app.New(app.Options{
		StateDir: resolveStateDir(m),
		Logger:   logger,
		Out:      cmd.OutOrStdout(),
	})
}

// exitError carries an exit code decided by a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// exitCode maps an error to the process exit code.
func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	var argErr *argsError
	if errors.As(err, &argErr) {
		return engine.ExitConfig
	}
	return engine.ExitCode(err)
}

// argsError wraps cobra argument validation failures.
type argsError struct{ err error }

func (e *argsError) Error() string { return e.err.Error() }
func (e *argsError) Unwrap() error { return e.err }

// exactArgs is cobra.ExactArgs with errors mapped to exit code 2.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return &argsError{err: err}
		}
		return nil
	}
}

// formatError returns a user-friendly error message with the suggestion,
// if any, on its own paragraph.
func formatError(err error) string {
	var cfgErr *step.ConfigurationError
	if errors.As(err, &cfgErr) {
		msg := cfgErr.Message
		if cfgErr.StepID != "" {
			msg += fmt.Sprintf(" (step %s)", cfgErr.StepID)
		}
		if cfgErr.Context != "" {
			msg += fmt.Sprintf(" (at %s)", cfgErr.Context)
		}
		if cfgErr.Underlying != nil {
			msg += fmt.Sprintf(": %v", cfgErr.Underlying)
		}
		if cfgErr.Suggestion != "" {
			msg += fmt.Sprintf("\n\nSuggestion: %s", cfgErr.Suggestion)
		}
		return msg
	}
	if errors.Is(err, run.ErrRunNotFound) {
		return err.Error() + "\n\nSuggestion: If the manifest sets state_dir, pass it with --manifest or use --state-dir."
	}
	if errors.Is(err, engine.ErrNeedsConfirmation) {
		return err.Error() + "\n\nSuggestion: Check the step's effect on the machine, then run again with --confirm."
	}
	return err.Error()
}

// printError prints an error message to stderr with proper formatting.
func printError(err error) {
	printErrorTo(os.Stderr, err)
}

// printErrorTo prints an error message to the given writer.
func printErrorTo(w io.Writer, err error) {
	_, _ = fmt.Fprintf(w, "Error: %s\n", formatError(err))
}
