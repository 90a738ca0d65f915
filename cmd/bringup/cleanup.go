package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/bringup/internal/ui"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup <runId|target>",
	Short: "Release a run's resource and mark it cleaned",
	Long: `Cleanup deallocates the run's virtual machine through the provider's
deallocate command and moves the run to the cleaned phase. A cleaned run
is not resumed; use 'bringup run --reprovision' to start a new one.

If deallocation fails the run keeps its phase and cleanup can be retried.

The step graph comes from the manifest the run was created with, unless
--manifest names another. --manifest also selects the manifest's
state_dir.

Examples:
  bringup cleanup trellis-a100
  bringup cleanup 3f2c9a4e-8d1b-4c1e-9a55-0b6f7c2d1e90 --manifest bringup.yaml`,
	Args: exactArgs(1),
	RunE: runCleanup,
}

var cleanupManifest string

func init() {
	rootCmd.AddCommand(cleanupCmd)

	cleanupCmd.Flags().StringVarP(&cleanupManifest, "manifest", "m", "", "Manifest to take the cleanup step and state_dir from")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	m, err := manifestForState(cleanupManifest)
	if err != nil {
		return err
	}

	a, err := newApp(cmd, m)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	r, err := a.Cleanup(commandContext(cmd), args[0], m)
	if err != nil {
		return err
	}

	st := ui.NewStyles(cmd.OutOrStdout())
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n",
		st.Success.Render("✓ cleaned"), st.Subtitle.Render(r.Name), st.Muted.Render(r.ID))
	return nil
}
