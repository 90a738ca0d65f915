package app

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/bringup/internal/adapters/logging"
	"github.com/felixgeelhaar/bringup/internal/domain/executor"
	"github.com/felixgeelhaar/bringup/internal/domain/manifest"
	"github.com/felixgeelhaar/bringup/internal/domain/pipeline"
	"github.com/felixgeelhaar/bringup/internal/domain/run"
	"github.com/felixgeelhaar/bringup/internal/domain/step"
	"github.com/felixgeelhaar/bringup/internal/testutil"
)

// recordingExecutor succeeds every step and reports a public IP for steps
// that declare one.
type recordingExecutor struct {
	mu    sync.Mutex
	calls []step.ID
}

func (e *recordingExecutor) Execute(_ context.Context, s *step.Step, ec executor.Context) (*executor.Outcome, error) {
	e.mu.Lock()
	e.calls = append(e.calls, s.ID)
	e.mu.Unlock()

	out := &executor.Outcome{StepID: s.ID, Attempt: ec.Attempt}
	for _, key := range s.Action.Outputs {
		if key == run.OutputPublicIP {
			out.Outputs = map[string]string{run.OutputPublicIP: "10.0.0.4"}
		}
	}
	return out, nil
}

func (e *recordingExecutor) Probe(context.Context, *step.Step, executor.Context) (bool, error) {
	return false, nil
}

func (e *recordingExecutor) executed() []step.ID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]step.ID(nil), e.calls...)
}

func (e *recordingExecutor) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = nil
}

func newTestApp(t *testing.T) (*App, *recordingExecutor, *manifest.Manifest, *bytes.Buffer) {
	t.Helper()
	path := testutil.WriteManifest(t, testutil.NewManifestBuilder().
		WithTarget("gpu-a", "rg-gpu").
		WithTarget("gpu-b", "rg-gpu").
		Build())
	m, err := manifest.Load(path)
	require.NoError(t, err)

	exec := &recordingExecutor{}
	var out bytes.Buffer
	a, err := New(Options{
		StateDir: filepath.Join(t.TempDir(), "state"),
		Logger:   logging.NewNopLogger(),
		Out:      &out,
		Executor: exec,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a, exec, m, &out
}

func TestApp_RunAndResume(t *testing.T) {
	t.Parallel()
	a, exec, m, _ := newTestApp(t)
	ctx := context.Background()

	results, err := a.Run(ctx, m, RunOptions{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, res := range results {
		require.NoError(t, res.Err)
	}
	assert.Contains(t, exec.executed(), pipeline.ProvisionVM)
	assert.NotContains(t, exec.executed(), pipeline.Deprovision, "deprovision runs only on cleanup")

	r, err := a.Status(ctx, "gpu-a")
	require.NoError(t, err)
	testutil.RequireStoredPhase(t, a.Store(), r.ID, run.PhaseCompleted)
	testutil.AssertStepsDone(t, r, pipeline.ProvisionVM, pipeline.VerifyDriver)
	assert.Equal(t, "10.0.0.4", r.Handle.PublicIP)
	assert.Equal(t, m.Path(), r.Manifest)

	byID, err := a.Status(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, byID.ID)

	exec.reset()
	results, err = a.Run(ctx, m, RunOptions{Targets: []string{"gpu-a"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, r.ID, results[0].RunID, "the existing run is resumed")
	assert.Empty(t, exec.executed())

	runs, err := a.List(ctx)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	_, err = a.Status(ctx, "missing")
	assert.ErrorIs(t, err, run.ErrRunNotFound)
}

func TestApp_CleanupThenReprovision(t *testing.T) {
	t.Parallel()
	a, exec, m, _ := newTestApp(t)
	ctx := context.Background()

	_, err := a.Run(ctx, m, RunOptions{Targets: []string{"gpu-a"}})
	require.NoError(t, err)
	first, err := a.Status(ctx, "gpu-a")
	require.NoError(t, err)

	exec.reset()
	cleaned, err := a.Cleanup(ctx, first.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, run.PhaseCleaned, cleaned.Phase)
	testutil.AssertStepStatus(t, cleaned, pipeline.Deprovision, run.StatusSucceeded)
	assert.Equal(t, run.LifecycleDeallocated, cleaned.Handle.Lifecycle)
	assert.Equal(t, []step.ID{pipeline.Deprovision}, exec.executed())

	results, err := a.Run(ctx, m, RunOptions{Targets: []string{"gpu-a"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, run.ErrRunCleaned)
	assert.Equal(t, 2, results[0].ExitCode())

	exec.reset()
	results, err = a.Run(ctx, m, RunOptions{Targets: []string{"gpu-a"}, Reprovision: true})
	require.NoError(t, err)
	require.NoError(t, results[0].Err)
	assert.NotEqual(t, first.ID, results[0].RunID)

	calls := exec.executed()
	require.NotEmpty(t, calls)
	assert.Equal(t, pipeline.StartVM, calls[0], "the deallocated VM is started")
	assert.NotContains(t, calls, pipeline.ProvisionVM)

	latest, err := a.Status(ctx, "gpu-a")
	require.NoError(t, err)
	assert.Equal(t, first.ID, latest.PreviousRunID)
	assert.Equal(t, run.PhaseCompleted, latest.Phase)
}

func TestApp_Plan(t *testing.T) {
	t.Parallel()
	a, exec, m, out := newTestApp(t)
	ctx := context.Background()

	plans, err := a.Plan(ctx, m, []string{"gpu-b"})
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Empty(t, plans[0].RunID)
	assert.Equal(t, pipeline.ProvisionVM, plans[0].Steps[0].ID)
	assert.Equal(t, "az vm create -g rg-gpu -n gpu-b", plans[0].Steps[0].Command)

	a.PrintPlan(plans)
	assert.Contains(t, out.String(), "gpu-b (new run, pending)")
	assert.Contains(t, out.String(), "az vm create -g rg-gpu -n gpu-b")
	assert.Empty(t, exec.executed(), "planning executes nothing")

	runs, err := a.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, runs, "planning persists nothing")
}
