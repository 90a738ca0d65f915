package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/bringup/internal/domain/run"
	"github.com/felixgeelhaar/bringup/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status <runId|target>",
	Short: "Show the state of a run",
	Long: `Status shows a run's phase, its resource and every step's status,
attempts and last failure. A target name shows that target's latest run.

Runs are read from the state location 'run' used: pass the manifest with
--manifest when it sets state_dir.

Examples:
  bringup status trellis-a100
  bringup status trellis-a100 --manifest bringup.yaml
  bringup status 3f2c9a4e-8d1b-4c1e-9a55-0b6f7c2d1e90 --json`,
	Args: exactArgs(1),
	RunE: runStatus,
}

var (
	statusJSON     bool
	statusYAML     bool
	statusManifest string
)

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output the run document as JSON")
	statusCmd.Flags().BoolVar(&statusYAML, "yaml", false, "Output the run document as YAML")
	statusCmd.MarkFlagsMutuallyExclusive("json", "yaml")
	statusCmd.Flags().StringVarP(&statusManifest, "manifest", "m", "", "Manifest whose state_dir holds the run")
}

func runStatus(cmd *cobra.Command, args []string) error {
	m, err := manifestForState(statusManifest)
	if err != nil {
		return err
	}
	a, err := newApp(cmd, m)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	r, err := a.Status(commandContext(cmd), args[0])
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	switch {
	case statusJSON:
		return writeJSON(w, r)
	case statusYAML:
		return writeYAML(w, r)
	default:
		return ui.RenderRun(w, r)
	}
}

func writeJSON(w io.Writer, r *run.Run) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// writeYAML writes the JSON document as YAML, keeping its field names and
// order.
func writeYAML(w io.Writer, r *run.Run) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}
	restyle(&doc)

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}
	return enc.Close()
}

// restyle drops the flow style and quoting JSON input carries.
func restyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		restyle(c)
	}
}
