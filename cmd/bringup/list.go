package main

import (
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/bringup/internal/ui"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var listManifest string

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringVarP(&listManifest, "manifest", "m", "", "Manifest whose state_dir holds the runs")
}

func runList(cmd *cobra.Command, _ []string) error {
	m, err := manifestForState(listManifest)
	if err != nil {
		return err
	}
	a, err := newApp(cmd, m)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	runs, err := a.List(commandContext(cmd))
	if err != nil {
		return err
	}
	return ui.RenderList(cmd.OutOrStdout(), runs)
}
