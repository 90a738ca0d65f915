package engine

import (
	"context"
	"fmt"

	"github.com/felixgeelhaar/bringup/internal/domain/run"
	"github.com/felixgeelhaar/bringup/internal/domain/step"
	"github.com/felixgeelhaar/bringup/internal/ports"
)

// Cleanup forces a run into the cleaned phase. A running resource is
// released through the registry's cleanup step first; if that step fails
// the run keeps its phase and the error is returned.
func (e *Engine) Cleanup(ctx context.Context, job Job) error {
	p := e.newPass(job)
	r := p.r
	ctx = ports.ContextWithLogger(ctx, p.log)

	if r.Phase == run.PhaseCleaned {
		p.log.Info(ctx, "run already cleaned")
		return nil
	}

	order, err := job.Registry.TopologicalOrder()
	if err != nil {
		return err
	}
	r.Ensure(order)

	if err := p.cleanupResource(ctx); err != nil {
		if serr := p.save(context.WithoutCancel(ctx)); serr != nil {
			p.log.Error(ctx, "failed to save run", ports.F("error", serr))
		}
		return err
	}

	now := p.now()
	if !r.Phase.Terminal() && r.Phase != run.PhasePending {
		if err := r.MarkFailed("cleaned up before completion", now); err != nil {
			return err
		}
	}
	if err := r.MarkCleaned(now); err != nil {
		return err
	}
	p.log.Info(ctx, "run cleaned")
	return p.save(ctx)
}

// cleanupResource runs the cleanup step against an active resource,
// retrying transient failures within the step's policy.
func (p *pass) cleanupResource(ctx context.Context) error {
	r := p.r
	if !r.Handle.Active() {
		return nil
	}
	s, ok := p.job.Registry.CleanupStep()
	if !ok {
		return step.NewConfigurationError(step.ErrCodeInvalidManifest, "no cleanup step configured").
			WithSuggestion("Set provider.deallocate in the manifest so the resource can be released.")
	}
	log := p.log.With(ports.F("step", s.ID.String()))

	for attempt := 1; ; attempt++ {
		rec, err := r.BeginCleanup(s.ID, p.now())
		if err != nil {
			return err
		}
		if err := p.save(ctx); err != nil {
			return err
		}
		log.Info(ctx, "cleanup started", ports.F("attempt", attempt))

		out, err := p.exec.Execute(ctx, s, p.execContext(rec.Attempts))
		if out == nil {
			return err
		}
		if err != nil {
			log.Warn(ctx, "step output not stored", ports.F("error", err))
		}
		rec.OutputRef = out.OutputRef

		if out.Interrupted {
			_ = r.Interrupt(s.ID, p.now())
			return p.interrupted(ctx, ctx.Err())
		}
		if out.Success() {
			p.applyOutputs(ctx, s, out)
			if err := r.Succeed(s.ID, p.now()); err != nil {
				return err
			}
			log.Info(ctx, "resource released")
			return p.save(ctx)
		}

		f := out.Failure
		if err := r.Fail(s.ID, f, p.now()); err != nil {
			return err
		}
		log.Warn(ctx, "cleanup failed", ports.F("kind", f.Kind.String()), ports.F("cause", f.Cause))
		if !f.Kind.Retryable() || attempt >= s.Retry.MaxAttempts {
			return &RunFailedError{
				RunID:       r.ID,
				Step:        s.ID,
				Description: s.Description,
				Attempts:    attempt,
				Failure:     f,
				Output:      tail(out.Output, outputTailLines),
			}
		}
		if err := p.save(ctx); err != nil {
			return err
		}
		if err := step.Wait(ctx, s.Retry.Backoff(attempt+1)); err != nil {
			return p.interrupted(ctx, err)
		}
	}
}

// Reprovision starts a new run for the same target that reuses the
// previous run's resource. A deallocated resource is restarted by the
// registry's reactivation step when the new run is driven; without one,
// the new run provisions from scratch.
func (e *Engine) Reprovision(ctx context.Context, job Job) (*run.Run, error) {
	prev := job.Run
	order, err := job.Registry.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	next := run.New(prev.Name, order, e.now())
	next.Manifest = prev.Manifest
	next.PreviousRunID = prev.ID

	if h := prev.Handle; h != nil && h.Lifecycle != run.LifecycleDeleted {
		_, canStart := job.Registry.ReactivateStep()
		if h.Active() || canStart {
			next.Handle = h.Clone()
		}
	}

	if err := e.store.Create(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	e.logger.Info(ctx, "run reprovisioned",
		ports.F("run_id", next.ID),
		ports.F("previous_run_id", prev.ID),
		ports.F("target", next.Name),
	)
	return next, nil
}
