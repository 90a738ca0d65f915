package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/bringup/internal/adapters/runstore"
	"github.com/felixgeelhaar/bringup/internal/domain/engine"
	"github.com/felixgeelhaar/bringup/internal/domain/run"
	"github.com/felixgeelhaar/bringup/internal/domain/step"
	"github.com/felixgeelhaar/bringup/internal/testutil"
)

// seedRun stores a run in a fresh state directory and points the
// --state-dir flag at it.
func seedRun(t *testing.T) *run.Run {
	t.Helper()
	dir := t.TempDir()
	store := runstore.NewFileStore(dir)

	r := run.New("trellis-a100", []step.ID{"provision-vm", "install-driver"}, time.Now())
	r.Handle = &run.ResourceHandle{Name: "trellis-a100", Outputs: map[string]string{"port": "8080"}}
	r.Records["provision-vm"].Status = run.StatusSucceeded
	require.NoError(t, store.Create(context.Background(), r))

	stateDir = dir
	t.Cleanup(func() { stateDir = "" })
	return r
}

func newTestCommand() (*cobra.Command, *bytes.Buffer) {
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)
	return cmd, &buf
}

func TestStatusCommand(t *testing.T) {
	r := seedRun(t)

	t.Run("text by target", func(t *testing.T) {
		cmd, buf := newTestCommand()
		require.NoError(t, runStatus(cmd, []string{"trellis-a100"}))
		assert.Contains(t, buf.String(), r.ID)
		assert.Contains(t, buf.String(), "✓ succeeded")
		assert.Contains(t, buf.String(), "Pending")
	})

	t.Run("json by id", func(t *testing.T) {
		statusJSON = true
		t.Cleanup(func() { statusJSON = false })

		cmd, buf := newTestCommand()
		require.NoError(t, runStatus(cmd, []string{r.ID}))

		var got run.Run
		require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
		assert.Equal(t, r.ID, got.ID)
		assert.Equal(t, run.StatusSucceeded, got.Records["provision-vm"].Status)
	})

	t.Run("yaml keeps json field names", func(t *testing.T) {
		statusYAML = true
		t.Cleanup(func() { statusYAML = false })

		cmd, buf := newTestCommand()
		require.NoError(t, runStatus(cmd, []string{r.ID}))

		var doc map[string]interface{}
		require.NoError(t, yaml.Unmarshal(buf.Bytes(), &doc))
		assert.Equal(t, r.ID, doc["id"])
		assert.Equal(t, "pending", doc["phase"])
		handle := doc["handle"].(map[string]interface{})
		outputs := handle["outputs"].(map[string]interface{})
		assert.Equal(t, "8080", outputs["port"], "numeric strings stay strings")
	})

	t.Run("unknown run", func(t *testing.T) {
		cmd, _ := newTestCommand()
		err := runStatus(cmd, []string{"nope"})
		assert.ErrorIs(t, err, run.ErrRunNotFound)
		assert.Equal(t, 1, exitCode(err))
	})
}

func TestListCommand(t *testing.T) {
	r := seedRun(t)

	cmd, buf := newTestCommand()
	require.NoError(t, runList(cmd, nil))
	assert.Contains(t, buf.String(), r.ID)
	assert.Contains(t, buf.String(), "1/2 steps done")
}

func TestVersionCmd(t *testing.T) {
	t.Parallel()

	assert.Contains(t, versionCmd.Short, "version")
	assert.NotEmpty(t, version)
	assert.NotEmpty(t, commit)
	assert.NotEmpty(t, buildDate)

	cmd, buf := newTestCommand()
	versionCmd.Run(cmd, nil)
	assert.Contains(t, buf.String(), "bringup "+version)
}

func TestStatusCommand_ManifestStateDir(t *testing.T) {
	path := testutil.WriteManifest(t, testutil.NewManifestBuilder().
		WithStateDir("state").
		WithProvider(testutil.TestProvider{Name: "azure", Create: "echo QuotaExceeded; exit 1"}).
		WithTarget("gpu-a", "rg-gpu").
		Build())
	t.Cleanup(func() {
		statusManifest = ""
		listManifest = ""
	})

	cmd, _ := newTestCommand()
	err := runRun(cmd, []string{path})
	require.Error(t, err)
	assert.Equal(t, engine.ExitFailed, exitCode(err))

	entries, err := os.ReadDir(filepath.Join(filepath.Dir(path), "state", "runs"))
	require.NoError(t, err)
	assert.NotEmpty(t, entries, "runs are stored next to the manifest")

	statusManifest = path
	cmd, buf := newTestCommand()
	require.NoError(t, runStatus(cmd, []string{"gpu-a"}))
	assert.Contains(t, buf.String(), "gpu-a")
	assert.Contains(t, buf.String(), "Failed")
	assert.Contains(t, buf.String(), "quota-exhausted")

	listManifest = path
	cmd, buf = newTestCommand()
	require.NoError(t, runList(cmd, nil))
	assert.Contains(t, buf.String(), "gpu-a")
}
