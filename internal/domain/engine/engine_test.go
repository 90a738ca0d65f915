package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/bringup/internal/adapters/logging"
	"github.com/felixgeelhaar/bringup/internal/adapters/runstore"
	"github.com/felixgeelhaar/bringup/internal/domain/executor"
	"github.com/felixgeelhaar/bringup/internal/domain/pipeline"
	"github.com/felixgeelhaar/bringup/internal/domain/run"
	"github.com/felixgeelhaar/bringup/internal/domain/step"
	"github.com/felixgeelhaar/bringup/internal/domain/target"
	"github.com/felixgeelhaar/bringup/internal/domain/transport"
	"github.com/felixgeelhaar/bringup/internal/domain/verify"
	"github.com/felixgeelhaar/bringup/internal/testutil/mocks"
)

// fakeExecutor returns scripted outcomes. failures[id][n] is the failure of
// the n-th attempt of id; attempts past the script succeed.
type fakeExecutor struct {
	mu        sync.Mutex
	failures  map[step.ID][]*step.Failure
	outputs   map[step.ID]map[string]string
	satisfied map[step.ID]bool
	// interrupt cancels the run while the step executes.
	interrupt map[step.ID]context.CancelFunc
	calls     []step.ID
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		failures:  make(map[step.ID][]*step.Failure),
		outputs:   make(map[step.ID]map[string]string),
		satisfied: make(map[step.ID]bool),
		interrupt: make(map[step.ID]context.CancelFunc),
	}
}

func (f *fakeExecutor) Execute(_ context.Context, s *step.Step, ec executor.Context) (*executor.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := f.count(s.ID)
	f.calls = append(f.calls, s.ID)
	out := &executor.Outcome{StepID: s.ID, Attempt: ec.Attempt, OutputRef: fmt.Sprintf("%s/%s.%d", ec.RunID, s.ID, ec.Attempt)}

	if cancel, ok := f.interrupt[s.ID]; ok {
		delete(f.interrupt, s.ID)
		cancel()
		out.Interrupted = true
		return out, nil
	}
	if script := f.failures[s.ID]; n < len(script) && script[n] != nil {
		out.Failure = script[n]
		out.ExitCode = 1
		out.Output = "line one\n" + script[n].Message + "\n"
		return out, nil
	}
	out.Outputs = f.outputs[s.ID]
	return out, nil
}

func (f *fakeExecutor) Probe(_ context.Context, s *step.Step, _ executor.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.satisfied[s.ID], nil
}

func (f *fakeExecutor) count(id step.ID) int {
	n := 0
	for _, c := range f.calls {
		if c == id {
			n++
		}
	}
	return n
}

func (f *fakeExecutor) Calls() []step.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]step.ID(nil), f.calls...)
}

func (f *fakeExecutor) CallCount(id step.ID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count(id)
}

func quickRetry(n int) step.RetryPolicy {
	return step.RetryPolicy{MaxAttempts: n, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1}
}

func testStep(id string, stage step.Stage, deps ...string) step.Step {
	prereqs := make([]step.ID, 0, len(deps))
	for _, d := range deps {
		prereqs = append(prereqs, step.ID(d))
	}
	return step.Step{
		ID:            step.ID(id),
		Description:   "do " + id,
		Stage:         stage,
		Prerequisites: prereqs,
		Action:        step.Action{Kind: step.ActionLocal, Command: "true"},
		Idempotent:    true,
		Retry:         quickRetry(3),
	}
}

func chainRegistry() *pipeline.Registry {
	return pipeline.NewRegistry().MustRegister(
		testStep("provision-vm", step.StageProvision),
		testStep("install-driver", step.StageInstall, "provision-vm"),
		testStep("verify-service", step.StageVerify, "install-driver"),
	)
}

func testTarget(t *testing.T) *target.Target {
	t.Helper()
	tg, err := target.New(target.Spec{Name: "a100", ResourceGroup: "rg-gpu", Region: "eastus"})
	require.NoError(t, err)
	return tg
}

type fixture struct {
	store *runstore.FileStore
	exec  *fakeExecutor
	eng   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := runstore.NewFileStore(t.TempDir())
	exec := newFakeExecutor()
	return &fixture{store: store, exec: exec, eng: New(store, exec, logging.NewNopLogger())}
}

func (f *fixture) newJob(t *testing.T, reg *pipeline.Registry) Job {
	t.Helper()
	order, err := reg.TopologicalOrder()
	require.NoError(t, err)
	r := run.New("a100", order, time.Now())
	require.NoError(t, f.store.Create(context.Background(), r))
	return Job{Run: r, Registry: reg, Target: testTarget(t), Provider: "azure"}
}

func (f *fixture) reload(t *testing.T, job Job) Job {
	t.Helper()
	r, err := f.store.Load(context.Background(), job.Run.ID)
	require.NoError(t, err)
	job.Run = r
	return job
}

func TestEngine_RunCompletes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.exec.outputs["provision-vm"] = map[string]string{"public_ip": "20.1.2.3"}
	job := f.newJob(t, chainRegistry())

	require.NoError(t, f.eng.Run(context.Background(), job))

	assert.Equal(t, []step.ID{"provision-vm", "install-driver", "verify-service"}, f.exec.Calls())

	stored := f.reload(t, job).Run
	assert.Equal(t, run.PhaseCompleted, stored.Phase)
	for _, id := range stored.Order {
		assert.Equal(t, run.StatusSucceeded, stored.Records[id].Status, id)
		assert.NotEmpty(t, stored.Records[id].OutputRef, id)
	}
	require.NotNil(t, stored.Handle)
	assert.Equal(t, "20.1.2.3", stored.Handle.PublicIP)
	assert.Equal(t, run.LifecycleProvisioned, stored.Handle.Lifecycle)
	assert.Equal(t, "rg-gpu", stored.Handle.ResourceGroup)
	assert.Equal(t, "azure", stored.Handle.Provider)
}

func TestEngine_CompletedRunExecutesNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	job := f.newJob(t, chainRegistry())
	require.NoError(t, f.eng.Run(context.Background(), job))
	calls := len(f.exec.Calls())

	job = f.reload(t, job)
	require.NoError(t, f.eng.Run(context.Background(), job))
	assert.Len(t, f.exec.Calls(), calls)
	assert.Equal(t, run.PhaseCompleted, f.reload(t, job).Run.Phase)
}

func TestEngine_ProbeSatisfiedSkips(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.exec.satisfied["install-driver"] = true
	job := f.newJob(t, chainRegistry())

	require.NoError(t, f.eng.Run(context.Background(), job))

	assert.Equal(t, []step.ID{"provision-vm", "verify-service"}, f.exec.Calls())
	rec := f.reload(t, job).Run.Records["install-driver"]
	assert.Equal(t, run.StatusSkipped, rec.Status)
	assert.Equal(t, SkipCheckSatisfied, rec.SkipReason)
}

func TestEngine_IdempotentStepResumesAfterCrash(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	reg := chainRegistry()
	job := f.newJob(t, reg)

	// Simulate a process that died while install-driver was running.
	r := job.Run
	require.NoError(t, r.Succeed("provision-vm", time.Now()))
	driver, _ := reg.Get("install-driver")
	_, err := r.Begin(driver, time.Now())
	require.NoError(t, err)
	require.NoError(t, f.store.Save(context.Background(), r))

	job = f.reload(t, job)
	require.NoError(t, f.eng.Run(context.Background(), job))

	assert.Equal(t, []step.ID{"install-driver", "verify-service"}, f.exec.Calls())
	stored := f.reload(t, job).Run
	assert.Equal(t, run.PhaseCompleted, stored.Phase)
	assert.Equal(t, run.StatusSucceeded, stored.Records["install-driver"].Status)
	assert.Equal(t, 1, stored.Records["install-driver"].Attempts)
}

func TestEngine_InterruptedAndResumed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	job := f.newJob(t, chainRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.exec.interrupt["install-driver"] = cancel

	err := f.eng.Run(ctx, job)
	require.ErrorIs(t, err, ErrInterrupted)
	assert.Equal(t, ExitInterrupted, ExitCode(err))

	stored := f.reload(t, job).Run
	rec := stored.Records["install-driver"]
	assert.Equal(t, run.StatusRunning, rec.Status)
	assert.True(t, rec.Interrupted)
	assert.Equal(t, run.StatusPending, stored.Records["verify-service"].Status)

	require.NoError(t, f.eng.Run(context.Background(), f.reload(t, job)))
	assert.Equal(t, []step.ID{"provision-vm", "install-driver", "install-driver", "verify-service"}, f.exec.Calls())
	assert.Equal(t, run.PhaseCompleted, f.reload(t, job).Run.Phase)
}

func TestEngine_CancelledBeforeStart(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	job := f.newJob(t, chainRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.eng.Run(ctx, job)
	require.ErrorIs(t, err, ErrInterrupted)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.exec.Calls())
}

func nonIdempotentRegistry() *pipeline.Registry {
	build := testStep("build-pipeline", step.StageBuild, "provision-vm")
	build.Idempotent = false
	return pipeline.NewRegistry().MustRegister(
		testStep("provision-vm", step.StageProvision),
		build,
		testStep("verify-service", step.StageVerify, "build-pipeline"),
	)
}

func TestEngine_NonIdempotentInterruption(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	reg := nonIdempotentRegistry()
	job := f.newJob(t, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.exec.interrupt["build-pipeline"] = cancel

	err := f.eng.Run(ctx, job)
	require.ErrorIs(t, err, ErrInterrupted)

	rec := f.reload(t, job).Run.Records["build-pipeline"]
	assert.Equal(t, run.StatusFailed, rec.Status, "partially applied work is never recorded as succeeded")
	assert.True(t, rec.Interrupted)
	require.NotNil(t, rec.LastFailure)
	assert.Equal(t, CauseInterrupted, rec.LastFailure.Cause)

	t.Run("refused without confirmation", func(t *testing.T) {
		err := f.eng.Run(context.Background(), f.reload(t, job))
		require.ErrorIs(t, err, ErrNeedsConfirmation)
		assert.Equal(t, ExitInterrupted, ExitCode(err))
		assert.Equal(t, 1, f.exec.CallCount("build-pipeline"))
	})

	t.Run("confirmed", func(t *testing.T) {
		confirmed := f.reload(t, job)
		confirmed.Confirm = true
		require.NoError(t, f.eng.Run(context.Background(), confirmed))
		assert.Equal(t, 2, f.exec.CallCount("build-pipeline"))

		stored := f.reload(t, job).Run
		assert.Equal(t, run.PhaseCompleted, stored.Phase)
		assert.True(t, stored.Records["build-pipeline"].Marker)
	})
}

func TestEngine_NonIdempotentWithMarkerIsNotRepeated(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	reg := nonIdempotentRegistry()
	job := f.newJob(t, reg)

	r := job.Run
	require.NoError(t, r.Succeed("provision-vm", time.Now()))
	build, _ := reg.Get("build-pipeline")
	rec, err := r.Begin(build, time.Now())
	require.NoError(t, err)
	rec.Marker = true
	require.NoError(t, f.store.Save(context.Background(), r))

	require.NoError(t, f.eng.Run(context.Background(), f.reload(t, job)))
	assert.Equal(t, []step.ID{"verify-service"}, f.exec.Calls())
	assert.Equal(t, run.StatusSucceeded, f.reload(t, job).Run.Records["build-pipeline"].Status)
}

func remediationRegistry() *pipeline.Registry {
	fix := testStep("disable-secure-boot", step.StageConfigure, "provision-vm")
	fix.OnDemand = true
	driver := testStep("install-driver", step.StageInstall, "provision-vm")
	driver.Remediations = []step.Remediation{
		{Kind: step.FailureEnvironment, Cause: pipeline.CauseSecureBoot, Step: "disable-secure-boot"},
	}
	return pipeline.NewRegistry().MustRegister(
		testStep("provision-vm", step.StageProvision),
		fix,
		driver,
		testStep("verify-driver", step.StageInstall, "install-driver"),
	)
}

func secureBootFailure() *step.Failure {
	return step.NewFailure(step.FailureEnvironment, pipeline.CauseSecureBoot, "modprobe: Key was rejected by service")
}

func TestEngine_RemediationInsertedOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.exec.failures["install-driver"] = []*step.Failure{secureBootFailure(), secureBootFailure()}
	job := f.newJob(t, remediationRegistry())

	err := f.eng.Run(context.Background(), job)

	var failed *RunFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, step.ID("install-driver"), failed.Step)
	assert.Equal(t, ExitFailed, ExitCode(err))

	assert.Equal(t, []step.ID{"provision-vm", "install-driver", "disable-secure-boot", "install-driver"}, f.exec.Calls())
	assert.Equal(t, 1, f.exec.CallCount("disable-secure-boot"))

	stored := f.reload(t, job).Run
	assert.Equal(t, run.PhaseFailed, stored.Phase)
	assert.Len(t, stored.Remediated, 1)
	assert.Equal(t, run.StatusSkipped, stored.Records["verify-driver"].Status)
	assert.Contains(t, stored.Error, "install-driver")
	assert.Contains(t, stored.Error, "expected: do install-driver")
	assert.Contains(t, stored.Error, "Key was rejected")
}

func TestEngine_FailedRemediationHaltsItsStep(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.exec.failures["install-driver"] = []*step.Failure{secureBootFailure()}
	f.exec.failures["disable-secure-boot"] = []*step.Failure{
		step.NewFailure(step.FailureEnvironment, "mokutil", "mokutil: EFI variables are not supported"),
	}
	job := f.newJob(t, remediationRegistry())

	err := f.eng.Run(context.Background(), job)

	var failed *RunFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, step.ID("disable-secure-boot"), failed.Step)
	assert.Equal(t, ExitFailed, ExitCode(err))
	assert.Equal(t, []step.ID{"provision-vm", "install-driver", "disable-secure-boot"}, f.exec.Calls(),
		"the step is not retried without its remediation")

	stored := f.reload(t, job).Run
	assert.Equal(t, run.PhaseFailed, stored.Phase)
	driver := stored.Records["install-driver"]
	assert.True(t, driver.Halted)
	assert.Equal(t, run.StatusFailed, driver.Status)
	assert.Equal(t, 1, driver.Attempts)
	assert.Equal(t, pipeline.CauseSecureBoot, driver.LastFailure.Cause)
	assert.Equal(t, run.StatusSkipped, stored.Records["verify-driver"].Status)
	assert.Empty(t, stored.Queue)
	assert.Empty(t, stored.Remediating)
}

func TestEngine_SecureBootRemediationScenario(t *testing.T) {
	t.Parallel()

	reg, err := pipeline.Default(pipeline.Options{
		Provider: pipeline.ProviderCommands{
			Create:     "az vm create -n {{ .Target.Name }}",
			Deallocate: "az vm deallocate -n {{ .Target.Name }}",
		},
	})
	require.NoError(t, err)

	f := newFixture(t)
	f.exec.outputs[pipeline.ProvisionVM] = map[string]string{"public_ip": "20.1.2.3"}
	f.exec.failures[pipeline.InstallDriver] = []*step.Failure{secureBootFailure()}
	job := f.newJob(t, reg)

	require.NoError(t, f.eng.Run(context.Background(), job))

	calls := f.exec.Calls()
	require.GreaterOrEqual(t, len(calls), 4)
	assert.Equal(t, []step.ID{
		pipeline.ProvisionVM,
		pipeline.InstallDriver,
		pipeline.DisableSecureBoot,
		pipeline.InstallDriver,
	}, calls[:4])
	assert.NotContains(t, calls, pipeline.Deprovision)
	assert.NotContains(t, calls, pipeline.UseAlternateAttention)

	stored := f.reload(t, job).Run
	assert.Equal(t, run.PhaseCompleted, stored.Phase)
	assert.Equal(t, run.StatusSucceeded, stored.Records[pipeline.InstallDriver].Status)
	assert.Equal(t, 2, stored.Records[pipeline.InstallDriver].Attempts)
	assert.Equal(t, run.StatusSucceeded, stored.Records[pipeline.DisableSecureBoot].Status)
	assert.Equal(t, "20.1.2.3", stored.Handle.PublicIP)
}

func TestEngine_ExhaustedRetriesHaltDependentsOnly(t *testing.T) {
	t.Parallel()

	b := testStep("install-cuda", step.StageInstall, "provision-vm")
	b.Retry = quickRetry(2)
	reg := pipeline.NewRegistry().MustRegister(
		testStep("provision-vm", step.StageProvision),
		b,
		testStep("build-pipeline", step.StageBuild, "install-cuda"),
		testStep("open-service-port", step.StageConfigure, "provision-vm"),
	)

	f := newFixture(t)
	blip := step.NewFailure(step.FailureTransient, step.CauseTimeout, "step exceeded its timeout")
	f.exec.failures["install-cuda"] = []*step.Failure{blip, blip, blip}
	job := f.newJob(t, reg)

	err := f.eng.Run(context.Background(), job)
	var failed *RunFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, step.ID("install-cuda"), failed.Step)
	assert.Equal(t, 2, failed.Attempts)

	assert.Equal(t, 2, f.exec.CallCount("install-cuda"))
	assert.Equal(t, 0, f.exec.CallCount("build-pipeline"))
	assert.Equal(t, 1, f.exec.CallCount("open-service-port"), "independent branch still runs")

	stored := f.reload(t, job).Run
	assert.Equal(t, run.PhaseFailed, stored.Phase)
	assert.Equal(t, run.StatusFailed, stored.Records["install-cuda"].Status)
	assert.True(t, stored.Records["install-cuda"].Halted)
	assert.Equal(t, run.StatusSkipped, stored.Records["build-pipeline"].Status)
	assert.Equal(t, run.SkipHalted, stored.Records["build-pipeline"].SkipReason)
	assert.Equal(t, run.StatusSucceeded, stored.Records["open-service-port"].Status)

	t.Run("failed run resumes from first unfinished step", func(t *testing.T) {
		f.exec.mu.Lock()
		f.exec.failures["install-cuda"] = nil
		f.exec.mu.Unlock()

		require.NoError(t, f.eng.Run(context.Background(), f.reload(t, job)))
		assert.Equal(t, 1, f.exec.CallCount("provision-vm"))
		assert.Equal(t, 1, f.exec.CallCount("open-service-port"))
		assert.Equal(t, 1, f.exec.CallCount("build-pipeline"))
		assert.Equal(t, run.PhaseCompleted, f.reload(t, job).Run.Phase)
	})
}

func TestEngine_FatalStopsImmediately(t *testing.T) {
	t.Parallel()

	cleanup := testStep("deprovision", step.StageCleanup, "verify-service")
	cleanup.Cleanup = true
	cleanup.OnDemand = true
	cleanup.Optional = true
	reg := pipeline.NewRegistry().MustRegister(
		testStep("provision-vm", step.StageProvision),
		testStep("install-driver", step.StageInstall, "provision-vm"),
		testStep("verify-service", step.StageVerify, "install-driver"),
		testStep("open-service-port", step.StageConfigure, "provision-vm"),
		cleanup,
	)

	f := newFixture(t)
	f.exec.failures["install-driver"] = []*step.Failure{step.NewFailure(step.FailureFatal, "disk-full", "No space left on device")}
	job := f.newJob(t, reg)
	job.CleanupOnFailure = true

	err := f.eng.Run(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, ExitFailed, ExitCode(err))

	assert.Equal(t, []step.ID{"provision-vm", "install-driver", "deprovision"}, f.exec.Calls())
	stored := f.reload(t, job).Run
	assert.Equal(t, run.PhaseFailed, stored.Phase)
	assert.Equal(t, 1, stored.Records["install-driver"].Attempts, "fatal failures are not retried")
	assert.Equal(t, run.StatusPending, stored.Records["open-service-port"].Status)
	assert.Equal(t, run.LifecycleDeallocated, stored.Handle.Lifecycle)
}

func TestEngine_ConfigurationFailureExitCode(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.exec.failures["provision-vm"] = []*step.Failure{step.NewFailure(step.FailureConfiguration, pipeline.CauseAuth, "Please run 'az login'")}
	job := f.newJob(t, chainRegistry())

	err := f.eng.Run(context.Background(), job)
	assert.Equal(t, ExitConfig, ExitCode(err))
	assert.Equal(t, 1, f.exec.CallCount("provision-vm"))
}

func TestEngine_OptionalFailureDoesNotFailRun(t *testing.T) {
	t.Parallel()

	port := testStep("open-service-port", step.StageConfigure, "provision-vm")
	port.Optional = true
	port.Retry = quickRetry(1)
	reg := pipeline.NewRegistry().MustRegister(
		testStep("provision-vm", step.StageProvision),
		port,
		testStep("install-driver", step.StageInstall, "provision-vm"),
	)

	f := newFixture(t)
	f.exec.failures["open-service-port"] = []*step.Failure{step.NewFailure(step.FailureEnvironment, "", "rule exists")}
	job := f.newJob(t, reg)

	require.NoError(t, f.eng.Run(context.Background(), job))
	stored := f.reload(t, job).Run
	assert.Equal(t, run.PhaseCompleted, stored.Phase)
	assert.Equal(t, run.StatusFailed, stored.Records["open-service-port"].Status)
}

func lifecycleRegistry() *pipeline.Registry {
	start := testStep("start-vm", step.StageProvision)
	start.OnDemand = true
	start.Reactivate = true
	cleanup := testStep("deprovision", step.StageCleanup, "verify-service")
	cleanup.Cleanup = true
	cleanup.OnDemand = true
	cleanup.Optional = true
	return pipeline.NewRegistry().MustRegister(
		testStep("provision-vm", step.StageProvision),
		start,
		testStep("install-driver", step.StageInstall, "provision-vm"),
		testStep("verify-service", step.StageVerify, "install-driver"),
		cleanup,
	)
}

func TestEngine_CleanupAndReprovision(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.exec.outputs["provision-vm"] = map[string]string{"public_ip": "20.1.2.3"}
	f.exec.outputs["start-vm"] = map[string]string{"public_ip": "20.9.9.9"}
	reg := lifecycleRegistry()
	job := f.newJob(t, reg)
	require.NoError(t, f.eng.Run(context.Background(), job))

	require.NoError(t, f.eng.Cleanup(context.Background(), f.reload(t, job)))
	cleaned := f.reload(t, job).Run
	assert.Equal(t, run.PhaseCleaned, cleaned.Phase)
	assert.Equal(t, run.LifecycleDeallocated, cleaned.Handle.Lifecycle)
	assert.Equal(t, 1, f.exec.CallCount("deprovision"))

	// Cleaning twice is a no-op.
	require.NoError(t, f.eng.Cleanup(context.Background(), f.reload(t, job)))
	assert.Equal(t, 1, f.exec.CallCount("deprovision"))

	err := f.eng.Run(context.Background(), f.reload(t, job))
	require.ErrorIs(t, err, run.ErrRunCleaned)
	assert.Equal(t, ExitConfig, ExitCode(err))

	next, err := f.eng.Reprovision(context.Background(), f.reload(t, job))
	require.NoError(t, err)
	assert.Equal(t, cleaned.ID, next.PreviousRunID)
	assert.NotEqual(t, cleaned.ID, next.ID)
	require.NotNil(t, next.Handle)
	assert.Equal(t, run.LifecycleDeallocated, next.Handle.Lifecycle)

	before := len(f.exec.Calls())
	nextJob := job
	nextJob.Run = next
	require.NoError(t, f.eng.Run(context.Background(), nextJob))

	assert.Equal(t, []step.ID{"start-vm", "install-driver", "verify-service"}, f.exec.Calls()[before:])
	stored := f.reload(t, nextJob).Run
	assert.Equal(t, run.PhaseCompleted, stored.Phase)
	assert.Equal(t, SkipProvisioned, stored.Records["provision-vm"].SkipReason)
	assert.Equal(t, run.LifecycleProvisioned, stored.Handle.Lifecycle)
	assert.Equal(t, "20.9.9.9", stored.Handle.PublicIP)
}

func TestEngine_CleanupPendingRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	job := f.newJob(t, lifecycleRegistry())

	require.NoError(t, f.eng.Cleanup(context.Background(), job))
	assert.Empty(t, f.exec.Calls(), "nothing was provisioned")
	assert.Equal(t, run.PhaseCleaned, f.reload(t, job).Run.Phase)
}

func TestEngine_CleanupFailureKeepsPhase(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	reg := lifecycleRegistry()
	job := f.newJob(t, reg)
	require.NoError(t, f.eng.Run(context.Background(), job))

	f.exec.mu.Lock()
	f.exec.failures["deprovision"] = []*step.Failure{step.NewFailure(step.FailureFatal, pipeline.CauseQuota, "denied")}
	f.exec.mu.Unlock()

	err := f.eng.Cleanup(context.Background(), f.reload(t, job))
	var failed *RunFailedError
	require.ErrorAs(t, err, &failed)
	stored := f.reload(t, job).Run
	assert.Equal(t, run.PhaseCompleted, stored.Phase)
	assert.Equal(t, run.LifecycleProvisioned, stored.Handle.Lifecycle)
}

func TestEngine_RunAllIsolatesFailures(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.exec.failures["install-driver"] = []*step.Failure{step.NewFailure(step.FailureFatal, pipeline.CauseQuota, "quota")}

	okReg := pipeline.NewRegistry().MustRegister(testStep("provision-vm", step.StageProvision))
	jobs := []Job{f.newJob(t, chainRegistry()), f.newJob(t, okReg), f.newJob(t, okReg)}

	results := f.eng.RunAll(context.Background(), jobs, 2)
	require.Len(t, results, 3)
	assert.Error(t, results[0].Err)
	assert.NoError(t, results[1].Err)
	assert.NoError(t, results[2].Err)
	assert.Equal(t, jobs[1].Run.ID, results[1].RunID)
	assert.Equal(t, ExitFailed, WorstExitCode(results))
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: ExitOK},
		{name: "configuration", err: step.NewConfigurationError(step.ErrCodeCyclicDependency, "cycle"), want: ExitConfig},
		{name: "wrapped configuration", err: fmt.Errorf("load: %w", step.NewConfigurationError(step.ErrCodeInvalidManifest, "bad")), want: ExitConfig},
		{name: "cleaned", err: fmt.Errorf("%w: r1", run.ErrRunCleaned), want: ExitConfig},
		{name: "interrupted", err: fmt.Errorf("%w: %w", ErrInterrupted, context.Canceled), want: ExitInterrupted},
		{name: "needs confirmation", err: ErrNeedsConfirmation, want: ExitInterrupted},
		{name: "step failure", err: &RunFailedError{Step: "x", Failure: step.NewFailure(step.FailureEnvironment, "", "boom")}, want: ExitFailed},
		{name: "step configuration failure", err: &RunFailedError{Step: "x", Failure: step.NewFailure(step.FailureConfiguration, "", "auth")}, want: ExitConfig},
		{name: "other", err: errors.New("disk gone"), want: ExitFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestRunFailedError_Diagnostic(t *testing.T) {
	t.Parallel()

	var out string
	for i := 0; i < 30; i++ {
		out += fmt.Sprintf("line %d\n", i)
	}
	err := &RunFailedError{
		Step:        "verify-multi-input",
		Description: "Run the multi-input smoke test",
		Attempts:    2,
		Failure:     step.NewFailure(step.FailureEnvironment, step.CauseEmptyResult, "expected gaussians to be non-empty"),
		Output:      tail(out, outputTailLines),
	}

	msg := err.Error()
	assert.Contains(t, msg, "step verify-multi-input failed after 2 attempt(s)")
	assert.Contains(t, msg, "expected: Run the multi-input smoke test")
	assert.Contains(t, msg, "line 29")
	assert.NotContains(t, msg, "line 9\n")
}

// The multi-input verification runs for real through the executor: the
// command exits 0 but writes a result with no elements.
func TestEngine_EmptyVerificationResultFails(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := runstore.NewFileStore(filepath.Join(dir, "state"))
	logger := logging.NewNopLogger()
	verifier := verify.NewRunner(verify.DefaultConfig(), logger)
	exec := executor.New(mocks.NewCommandRunner(), transport.NewConnectionPool(transport.NewLocalTransport()), verifier, store, logger)
	t.Cleanup(func() { _ = exec.Close() })
	eng := New(store, exec, logger)

	reg := pipeline.NewRegistry().MustRegister(step.Step{
		ID:          "verify-multi-input",
		Description: "Run the multi-input smoke test",
		Stage:       step.StageVerify,
		Action: step.Action{
			Kind:    step.ActionVerify,
			Command: `printf '{"gaussians": []}' > {{ .Vars.workdir }}/multi_result.json`,
			Verify: &step.VerifySpec{
				Result: &step.ResultCheck{Path: "{{ .Vars.workdir }}/multi_result.json", SizeField: "gaussians"},
			},
		},
		Idempotent: true,
		Retry:      step.Once(),
		Timeout:    time.Minute,
	})

	tg, err := target.New(target.Spec{Name: "a100", SSH: target.SSHConfig{Hostname: "127.0.0.1"}})
	require.NoError(t, err)
	order, err := reg.TopologicalOrder()
	require.NoError(t, err)
	r := run.New("a100", order, time.Now())
	require.NoError(t, store.Create(context.Background(), r))

	err = eng.Run(context.Background(), Job{
		Run:      r,
		Registry: reg,
		Target:   tg,
		Vars:     map[string]string{"workdir": dir},
	})

	var failed *RunFailedError
	require.ErrorAs(t, err, &failed)
	require.NotNil(t, failed.Failure)
	assert.Equal(t, step.FailureEnvironment, failed.Failure.Kind)
	assert.Equal(t, step.CauseEmptyResult, failed.Failure.Cause)
	assert.Equal(t, ExitFailed, ExitCode(err))

	stored, err := store.Load(context.Background(), r.ID)
	require.NoError(t, err)
	rec := stored.Records["verify-multi-input"]
	assert.Equal(t, run.StatusFailed, rec.Status)
	assert.NotEmpty(t, rec.OutputRef)
	assert.Equal(t, run.PhaseFailed, stored.Phase)
}
