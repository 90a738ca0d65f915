package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/bringup/internal/app"
	"github.com/felixgeelhaar/bringup/internal/domain/engine"
	"github.com/felixgeelhaar/bringup/internal/domain/manifest"
	"github.com/felixgeelhaar/bringup/internal/ui"
)

var runCmd = &cobra.Command{
	Use:   "run <manifest>",
	Short: "Bring up the manifest's targets",
	Long: `Run drives one run per target through provisioning, driver and
runtime installation, pipeline build and verification.

A target whose latest run is unfinished or failed is resumed: finished
steps are not repeated. A completed run does nothing. A cleaned run is
refused unless --reprovision starts a new one.

Examples:
  bringup run bringup.yaml
  bringup run bringup.yaml --target trellis-a100
  bringup run bringup.yaml --dry-run
  bringup run bringup.yaml --reprovision
  bringup run bringup.yaml --confirm       # retry a cut-off non-idempotent step`,
	Args: exactArgs(1),
	RunE: runRun,
}

var (
	runTargets     []string
	runReprovision bool
	runConfirm     bool
	runDryRun      bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringSliceVarP(&runTargets, "target", "t", nil, "Targets to run (default: all)")
	runCmd.Flags().BoolVar(&runReprovision, "reprovision", false, "Start a new run for completed or cleaned targets")
	runCmd.Flags().BoolVar(&runConfirm, "confirm", false, "Retry non-idempotent steps that were interrupted")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Show the steps that would run without executing them")

	runCmd.ValidArgsFunction = func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{"yaml", "yml", "toml"}, cobra.ShellCompDirectiveFilterFileExt
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	m, err := loadManifest(args[0])
	if err != nil {
		return err
	}

	a, err := newApp(cmd, m)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	ctx, cancel := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if runDryRun {
		plans, err := a.Plan(ctx, m, runTargets)
		if err != nil {
			return err
		}
		a.PrintPlan(plans)
		return nil
	}

	results, err := a.Run(ctx, m, app.RunOptions{
		Targets:     runTargets,
		Reprovision: runReprovision,
		Confirm:     runConfirm,
	})
	if err != nil {
		return err
	}

	printResults(cmd.OutOrStdout(), results)
	return resultsError(results)
}

// loadManifest loads a manifest and runs the checks that need no run
// state.
func loadManifest(path string) (*manifest.Manifest, error) {
	m, err := manifest.Load(path)
	if err != nil {
		return nil, err
	}
	if err := m.CheckMinVersion(version); err != nil {
		return nil, err
	}
	if err := m.CheckCredentials(); err != nil {
		return nil, err
	}
	return m, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printResults(w io.Writer, results []*engine.Result) {
	st := ui.NewStyles(w)
	for _, res := range results {
		var status string
		switch res.ExitCode() {
		case engine.ExitOK:
			status = st.Success.Render("✓ completed")
		case engine.ExitInterrupted:
			status = st.Warning.Render("● interrupted")
		case engine.ExitConfig:
			status = st.Error.Render("✗ configuration error")
		default:
			status = st.Error.Render("✗ failed")
		}
		_, _ = fmt.Fprintf(w, "%s  %s  %s  %s\n",
			status, st.Subtitle.Render(res.Target), st.Muted.Render(res.RunID), res.Duration().Round(time.Second))
	}
}

// resultsError returns nil when every run completed. A single failed run
// returns its own error; several are joined with the worst exit code.
func resultsError(results []*engine.Result) error {
	var errs []error
	for _, res := range results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.Target, res.Err))
		}
	}
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return &exitError{code: engine.WorstExitCode(results), err: errors.Join(errs...)}
	}
}
