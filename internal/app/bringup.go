// Package app wires the manifest, the run store and the engine together
// behind the operations the CLI exposes.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"

	"github.com/felixgeelhaar/bringup/internal/adapters/command"
	"github.com/felixgeelhaar/bringup/internal/adapters/runstore"
	"github.com/felixgeelhaar/bringup/internal/domain/engine"
	"github.com/felixgeelhaar/bringup/internal/domain/executor"
	"github.com/felixgeelhaar/bringup/internal/domain/manifest"
	"github.com/felixgeelhaar/bringup/internal/domain/run"
	"github.com/felixgeelhaar/bringup/internal/domain/step"
	"github.com/felixgeelhaar/bringup/internal/domain/transport"
	"github.com/felixgeelhaar/bringup/internal/domain/verify"
	"github.com/felixgeelhaar/bringup/internal/ports"
)

// DefaultStateDir returns the state directory used when neither a flag,
// the environment nor the manifest names one: $XDG_STATE_HOME/bringup.
func DefaultStateDir() string {
	return filepath.Join(xdg.StateHome, "bringup")
}

// Options configures an App.
type Options struct {
	// StateDir is a directory, or s3://bucket/prefix for an S3-compatible
	// bucket.
	StateDir string
	Logger   ports.Logger
	Out      io.Writer
	// Executor replaces the default command/SSH executor.
	Executor engine.StepExecutor
}

// App is the bringup application.
type App struct {
	store  run.Store
	engine *engine.Engine
	exec   engine.StepExecutor
	closer io.Closer
	logger ports.Logger
	out    io.Writer
}

// New creates an App storing its runs at opts.StateDir.
func New(opts Options) (*App, error) {
	if opts.StateDir == "" {
		opts.StateDir = DefaultStateDir()
	}
	store, err := runstore.Open(opts.StateDir)
	if err != nil {
		return nil, step.NewConfigurationError(step.ErrCodeInvalidManifest, "state location is invalid").
			WithContext(opts.StateDir).
			WithUnderlying(err)
	}

	a := &App{
		store:  store,
		exec:   opts.Executor,
		logger: opts.Logger,
		out:    opts.Out,
	}
	if a.exec == nil {
		ex := executor.New(
			command.NewRealRunner(),
			transport.NewConnectionPool(transport.NewSSHTransport()),
			verify.NewRunner(verify.DefaultConfig(), opts.Logger),
			store,
			opts.Logger,
		)
		a.exec = ex
		a.closer = ex
	}
	a.engine = engine.New(store, a.exec, opts.Logger)
	return a, nil
}

// Close releases pooled connections.
func (a *App) Close() error {
	if a.closer == nil {
		return nil
	}
	return a.closer.Close()
}

// Store returns the run store.
func (a *App) Store() run.Store {
	return a.store
}

// RunOptions selects what Run drives.
type RunOptions struct {
	Targets []string
	// Reprovision starts a new run for targets whose latest run is
	// completed or cleaned.
	Reprovision bool
	Confirm     bool
}

// Run drives one run per selected target to a terminal phase. Runs that
// already exist are resumed. The returned error covers setup problems; the
// outcome of each run is in its Result.
func (a *App) Run(ctx context.Context, m *manifest.Manifest, opts RunOptions) ([]*engine.Result, error) {
	deployments, err := m.Build(opts.Targets...)
	if err != nil {
		return nil, err
	}

	jobs := make([]engine.Job, 0, len(deployments))
	for _, d := range deployments {
		job, err := a.job(ctx, m, d, opts)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	parallel := m.Policy.Parallel
	if parallel == 0 {
		parallel = len(jobs)
	}
	return a.engine.RunAll(ctx, jobs, parallel), nil
}

func (a *App) job(ctx context.Context, m *manifest.Manifest, d *manifest.Deployment, opts RunOptions) (engine.Job, error) {
	job := engine.Job{
		Registry:         d.Registry,
		Target:           d.Target,
		Provider:         m.Provider.Name,
		Vars:             d.Vars,
		Env:              d.Env,
		WorkDir:          d.WorkDir,
		Confirm:          opts.Confirm,
		CleanupOnFailure: m.Policy.CleanupOnFailure,
	}

	r, err := a.store.FindByName(ctx, d.Target.Name())
	switch {
	case errors.Is(err, run.ErrRunNotFound):
		order, err := d.Registry.TopologicalOrder()
		if err != nil {
			return job, err
		}
		r = run.New(d.Target.Name(), order, time.Now())
		r.Manifest = manifestPath(m)
		if err := a.store.Create(ctx, r); err != nil {
			return job, fmt.Errorf("failed to create run: %w", err)
		}
		a.logger.Info(ctx, "run created", ports.F("run_id", r.ID), ports.F("target", r.Name))
	case err != nil:
		return job, err
	}
	job.Run = r

	if opts.Reprovision && (r.Phase == run.PhaseCompleted || r.Phase == run.PhaseCleaned) {
		next, err := a.engine.Reprovision(ctx, job)
		if err != nil {
			return job, err
		}
		job.Run = next
	}
	return job, nil
}

// Status returns the run named by ref: a run ID, or a target name for its
// latest run.
func (a *App) Status(ctx context.Context, ref string) (*run.Run, error) {
	r, err := a.store.Load(ctx, ref)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, run.ErrRunNotFound) {
		return nil, err
	}
	return a.store.FindByName(ctx, ref)
}

// List returns every recorded run, newest first.
func (a *App) List(ctx context.Context) ([]*run.Run, error) {
	return a.store.List(ctx)
}

// Cleanup releases the resource of the run named by ref and marks it
// cleaned. The step graph comes from m, or from the manifest the run was
// created from when m is nil.
func (a *App) Cleanup(ctx context.Context, ref string, m *manifest.Manifest) (*run.Run, error) {
	r, err := a.Status(ctx, ref)
	if err != nil {
		return nil, err
	}

	if m == nil {
		if r.Manifest == "" {
			return r, fmt.Errorf("run %s does not record its manifest; pass --manifest", r.ID)
		}
		if m, err = manifest.Load(r.Manifest); err != nil {
			return r, err
		}
	}

	deployments, err := m.Build(r.Name)
	if err != nil {
		return r, err
	}
	d := deployments[0]

	err = a.engine.Cleanup(ctx, engine.Job{
		Run:      r,
		Registry: d.Registry,
		Target:   d.Target,
		Provider: m.Provider.Name,
		Vars:     d.Vars,
		Env:      d.Env,
		WorkDir:  d.WorkDir,
	})
	return r, err
}

func manifestPath(m *manifest.Manifest) string {
	p := m.Path()
	if p == "" {
		return ""
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
