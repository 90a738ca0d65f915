// Package engine drives runs through the step graph: it resumes
// interrupted state, picks the next ready step, executes it, and applies
// retry, remediation and halt rules until the run reaches a terminal
// phase.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/felixgeelhaar/bringup/internal/domain/executor"
	"github.com/felixgeelhaar/bringup/internal/domain/pipeline"
	"github.com/felixgeelhaar/bringup/internal/domain/run"
	"github.com/felixgeelhaar/bringup/internal/domain/step"
	"github.com/felixgeelhaar/bringup/internal/domain/target"
	"github.com/felixgeelhaar/bringup/internal/ports"
)

// Skip reasons recorded by the engine.
const (
	SkipCheckSatisfied = "check satisfied"
	SkipProvisioned    = "resource already provisioned"
)

// CauseInterrupted marks a non-idempotent step cancelled mid-flight.
const CauseInterrupted = "interrupted"

// StepExecutor runs single step attempts.
type StepExecutor interface {
	Execute(ctx context.Context, s *step.Step, ec executor.Context) (*executor.Outcome, error)
	Probe(ctx context.Context, s *step.Step, ec executor.Context) (bool, error)
}

// Job is one run together with everything needed to drive it.
type Job struct {
	Run      *run.Run
	Registry *pipeline.Registry
	Target   *target.Target
	// Provider names the resource provider on new handles.
	Provider string
	Vars     map[string]string
	Env      map[string]string
	WorkDir  string
	// Confirm allows retrying non-idempotent steps that were cut off
	// without a completion marker.
	Confirm bool
	// CleanupOnFailure runs the cleanup step after a failed run.
	CleanupOnFailure bool
}

// Engine orchestrates runs. One Engine may drive many runs concurrently;
// each run is driven by a single goroutine.
type Engine struct {
	store  run.Store
	exec   StepExecutor
	logger ports.Logger
	now    func() time.Time
}

// New creates an Engine.
func New(store run.Store, exec StepExecutor, logger ports.Logger) *Engine {
	return &Engine{
		store:  store,
		exec:   exec,
		logger: logger,
		now:    time.Now,
	}
}

// pass holds the state of one Run invocation.
type pass struct {
	*Engine
	job    Job
	r      *run.Run
	log    ports.Logger
	failed *RunFailedError
	stop   bool
}

func (e *Engine) newPass(job Job) *pass {
	return &pass{
		Engine: e,
		job:    job,
		r:      job.Run,
		log:    e.logger.With(ports.F("run_id", job.Run.ID), ports.F("target", job.Run.Name)),
	}
}

// Run drives job.Run to a terminal phase, resuming from its persisted
// state. A completed run executes nothing; a failed run is reopened and
// continues from its first unfinished step; a cleaned run is refused.
func (e *Engine) Run(ctx context.Context, job Job) error {
	p := e.newPass(job)
	r := p.r
	ctx = ports.ContextWithLogger(ctx, p.log)

	switch r.Phase {
	case run.PhaseCleaned:
		return fmt.Errorf("%w: %s; reprovision to start a new run", run.ErrRunCleaned, r.ID)
	case run.PhaseCompleted:
		p.log.Info(ctx, "run already completed")
		return nil
	case run.PhaseFailed:
		if err := r.Reopen(e.now()); err != nil {
			return err
		}
		p.log.Info(ctx, "resuming failed run")
	}

	order, err := job.Registry.TopologicalOrder()
	if err != nil {
		return err
	}
	r.Ensure(order)

	if err := p.recover(ctx); err != nil {
		return err
	}
	p.reactivate(ctx)
	if err := p.save(ctx); err != nil {
		return err
	}

	for !p.stop {
		if err := ctx.Err(); err != nil {
			return p.interrupted(ctx, err)
		}
		s := p.next()
		if s == nil {
			break
		}
		if err := p.step(ctx, s); err != nil {
			return err
		}
	}

	return p.finish(ctx)
}

// recover re-evaluates steps left running by a crash or interrupted by
// cancellation.
func (p *pass) recover(ctx context.Context) error {
	now := p.now()
	for _, id := range p.r.Interrupted() {
		s, ok := p.job.Registry.Get(id)
		if !ok {
			continue
		}
		rec := p.r.Records[id]
		switch {
		case rec.Marker:
			if err := p.r.Succeed(id, now); err != nil {
				return err
			}
			p.log.Info(ctx, "interrupted step had completed", ports.F("step", id.String()))
		case s.Idempotent, p.job.Confirm:
			if err := p.r.Resume(id, now); err != nil {
				return err
			}
			p.log.Info(ctx, "re-running interrupted step", ports.F("step", id.String()))
		default:
			return fmt.Errorf("%w: step %s of run %s is not idempotent; check its effect and rerun with --confirm",
				ErrNeedsConfirmation, id, p.r.ID)
		}
	}
	return nil
}

// reactivate schedules the provider start step when the run resumes on a
// deallocated resource.
func (p *pass) reactivate(ctx context.Context) {
	h := p.r.Handle
	if h == nil || h.Lifecycle != run.LifecycleDeallocated {
		return
	}
	s, ok := p.job.Registry.ReactivateStep()
	if !ok {
		p.log.Warn(ctx, "resource is deallocated and no start command is configured")
		return
	}
	if err := p.r.Rearm(s.ID, p.now()); err != nil {
		return
	}
	p.r.Dequeue(s.ID)
	p.r.Enqueue(s.ID)
	p.log.Info(ctx, "scheduled resource start", ports.F("step", s.ID.String()))
}

// next selects the front of the remediation queue if it is ready, else
// the earliest-ordered ready step.
func (p *pass) next() *step.Step {
	for len(p.r.Queue) > 0 {
		id := p.r.Queue[0]
		s, ok := p.job.Registry.Get(id)
		rec := p.r.Records[id]
		if !ok || rec == nil || rec.Status.Done() || rec.Halted {
			p.r.Dequeue(id)
			continue
		}
		if p.ready(s) {
			return s
		}
		break
	}

	for _, id := range p.r.Order {
		s, ok := p.job.Registry.Get(id)
		if !ok || s.OnDemand {
			continue
		}
		if p.ready(s) {
			return s
		}
	}
	return nil
}

func (p *pass) ready(s *step.Step) bool {
	rec := p.r.Records[s.ID]
	if rec == nil || rec.Halted {
		return false
	}
	switch rec.Status {
	case run.StatusPending:
	case run.StatusFailed:
		if !s.Retry.Remaining(rec.Attempts) {
			return false
		}
	default:
		return false
	}
	for _, dep := range s.Prerequisites {
		if !p.r.Satisfied(dep) {
			return false
		}
	}
	return true
}

// step runs one attempt of s and applies its outcome. It returns an error
// only for interruption or when state cannot be persisted.
func (p *pass) step(ctx context.Context, s *step.Step) error {
	r := p.r
	log := p.log.With(ports.F("step", s.ID.String()))

	if s.Stage == step.StageProvision && !s.Reactivate && r.Handle.Active() {
		if err := r.Skip(s.ID, SkipProvisioned, p.now()); err != nil {
			return err
		}
		log.Info(ctx, "step skipped", ports.F("reason", SkipProvisioned))
		return p.save(ctx)
	}

	if err := r.Advance(s.Stage); err != nil {
		return err
	}

	rec := r.Records[s.ID]
	satisfied, err := p.exec.Probe(ctx, s, p.execContext(rec.Attempts+1))
	if err != nil {
		if ctx.Err() != nil {
			return p.interrupted(ctx, ctx.Err())
		}
		log.Warn(ctx, "check failed to run", ports.F("error", err))
	}
	if satisfied {
		if err := r.Skip(s.ID, SkipCheckSatisfied, p.now()); err != nil {
			return err
		}
		r.Dequeue(s.ID)
		log.Info(ctx, "step skipped", ports.F("reason", SkipCheckSatisfied))
		return p.save(ctx)
	}

	rec, err = r.Begin(s, p.now())
	if err != nil {
		return err
	}
	if err := p.save(ctx); err != nil {
		return err
	}
	log.Info(ctx, "step started", ports.F("attempt", rec.Attempts), ports.F("phase", string(r.Phase)))

	out, err := p.exec.Execute(ctx, s, p.execContext(rec.Attempts))
	if out == nil {
		return err
	}
	if err != nil {
		log.Warn(ctx, "step output not stored", ports.F("error", err))
	}
	rec.OutputRef = out.OutputRef

	if out.Interrupted {
		now := p.now()
		if s.Idempotent {
			_ = r.Interrupt(s.ID, now)
		} else {
			_ = r.Fail(s.ID, step.NewFailure(step.FailureTransient, CauseInterrupted, "cancelled while running"), now)
			rec.Interrupted = true
		}
		return p.interrupted(ctx, ctx.Err())
	}

	if out.Success() {
		return p.succeed(ctx, s, out, log)
	}
	return p.fail(ctx, s, out, log)
}

func (p *pass) succeed(ctx context.Context, s *step.Step, out *executor.Outcome, log ports.Logger) error {
	r := p.r
	p.applyOutputs(ctx, s, out)

	if !s.Idempotent {
		r.Records[s.ID].Marker = true
		if err := p.save(ctx); err != nil {
			return err
		}
	}

	if err := r.Succeed(s.ID, p.now()); err != nil {
		return err
	}
	r.Dequeue(s.ID)
	log.Info(ctx, "step succeeded",
		ports.F("attempt", out.Attempt),
		ports.F("duration", out.Duration.Round(time.Millisecond).String()),
	)
	return p.save(ctx)
}

// applyOutputs merges step outputs into the resource handle and moves
// its lifecycle for provisioning and cleanup steps.
func (p *pass) applyOutputs(ctx context.Context, s *step.Step, out *executor.Outcome) {
	r := p.r
	if r.Handle == nil {
		if s.Stage != step.StageProvision && len(out.Outputs) == 0 {
			return
		}
		r.Handle = p.newHandle()
	}
	r.Handle.Merge(out.Outputs)

	var to run.Lifecycle
	switch {
	case s.Cleanup:
		to = run.LifecycleDeallocated
	case s.Stage == step.StageProvision:
		to = run.LifecycleProvisioned
	default:
		return
	}
	if err := r.Handle.Transition(to); err != nil {
		p.log.Warn(ctx, "resource lifecycle not updated", ports.F("step", s.ID.String()), ports.F("error", err))
	}
}

func (p *pass) newHandle() *run.ResourceHandle {
	h := &run.ResourceHandle{Provider: p.job.Provider, Name: p.r.Name}
	if tg := p.job.Target; tg != nil {
		h.Name = tg.Name()
		h.ResourceGroup = tg.ResourceGroup()
		h.Region = tg.Region()
	}
	return h
}

func (p *pass) fail(ctx context.Context, s *step.Step, out *executor.Outcome, log ports.Logger) error {
	r := p.r
	f := out.Failure
	rec := r.Records[s.ID]
	if err := r.Fail(s.ID, f, p.now()); err != nil {
		return err
	}
	log.Warn(ctx, "step failed",
		ports.F("attempt", rec.Attempts),
		ports.F("kind", f.Kind.String()),
		ports.F("cause", f.Cause),
		ports.F("message", f.Message),
	)

	if f.Kind.Terminal() {
		return p.halt(ctx, s, out, !s.Optional)
	}

	if rem, ok := step.FindRemediation(s.Remediations, f); ok && s.Retry.Remaining(rec.Attempts) {
		if _, known := p.job.Registry.Get(rem.Step); known && r.Remediate(rem.Key(s.ID), rem.Step) {
			if err := r.Rearm(rem.Step, p.now()); err != nil {
				return err
			}
			r.Schedule(rem.Step, s.ID)
			log.Info(ctx, "remediation scheduled", ports.F("remediation", rem.Step.String()), ports.F("cause", f.Cause))
			return p.save(ctx)
		}
		log.Debug(ctx, "remediation already applied", ports.F("remediation", rem.Step.String()))
	}

	if f.Kind.Retryable() && s.Retry.Remaining(rec.Attempts) {
		if err := p.save(ctx); err != nil {
			return err
		}
		wait := s.Retry.Backoff(rec.Attempts + 1)
		log.Info(ctx, "retrying step", ports.F("backoff", wait.String()))
		if err := step.Wait(ctx, wait); err != nil {
			return p.interrupted(ctx, err)
		}
		return nil
	}

	return p.halt(ctx, s, out, false)
}

// halt stops s for the rest of the run and skips its dependents. A
// required step fails the run; stopAll also ends the walk at once. A
// failed remediation halts the step it was inserted for.
func (p *pass) halt(ctx context.Context, s *step.Step, out *executor.Outcome, stopAll bool) error {
	r := p.r
	owner, remediating := r.Owner(s.ID)
	dependents := p.job.Registry.Dependents(s.ID)
	if err := r.Halt(s.ID, dependents, p.now()); err != nil {
		return err
	}

	if s.Optional {
		p.log.Warn(ctx, "optional step failed", ports.F("step", s.ID.String()))
		return p.save(ctx)
	}

	if p.failed == nil {
		p.failed = &RunFailedError{
			RunID:       r.ID,
			Step:        s.ID,
			Description: s.Description,
			Attempts:    r.Records[s.ID].Attempts,
			Failure:     out.Failure,
			Output:      tail(out.Output, outputTailLines),
		}
	}
	p.stop = p.stop || stopAll
	p.log.Error(ctx, "step halted",
		ports.F("step", s.ID.String()),
		ports.F("kind", out.Failure.Kind.String()),
		ports.F("skipped_dependents", len(dependents)),
	)
	if remediating {
		return p.haltOwner(ctx, owner, stopAll)
	}
	return p.save(ctx)
}

func (p *pass) haltOwner(ctx context.Context, id step.ID, stopAll bool) error {
	s, ok := p.job.Registry.Get(id)
	rec := p.r.Records[id]
	if !ok || rec == nil || rec.Status.Done() || rec.Halted {
		return p.save(ctx)
	}
	f := rec.LastFailure
	if f == nil {
		f = step.NewFailure(step.FailureEnvironment, "remediation-failed", "remediation did not succeed")
	}
	return p.halt(ctx, s, &executor.Outcome{StepID: id, Attempt: rec.Attempts, Failure: f}, stopAll)
}

// finish moves the run to its terminal phase.
func (p *pass) finish(ctx context.Context) error {
	r := p.r
	if p.failed == nil {
		p.failed = p.unfinished()
	}

	if p.failed != nil {
		if err := r.MarkFailed(p.failed.Error(), p.now()); err != nil {
			return err
		}
		if err := p.save(ctx); err != nil {
			return err
		}
		p.log.Error(ctx, "run failed", ports.F("step", p.failed.Step.String()))
		if p.job.CleanupOnFailure {
			if err := p.cleanupResource(ctx); err != nil {
				p.log.Warn(ctx, "best-effort cleanup failed", ports.F("error", err))
			}
			if err := p.save(ctx); err != nil {
				return err
			}
		}
		return p.failed
	}

	if err := r.Complete(p.now()); err != nil {
		return err
	}
	p.log.Info(ctx, "run completed")
	return p.save(ctx)
}

// unfinished reports a required step that never became ready.
func (p *pass) unfinished() *RunFailedError {
	for _, id := range p.r.Order {
		s, ok := p.job.Registry.Get(id)
		if !ok || s.OnDemand {
			continue
		}
		rec := p.r.Records[id]
		if rec.Status.Done() || (rec.Halted && s.Optional) {
			continue
		}
		return &RunFailedError{
			RunID:       p.r.ID,
			Step:        id,
			Description: s.Description,
			Attempts:    rec.Attempts,
			Failure:     rec.LastFailure,
		}
	}
	return nil
}

func (p *pass) interrupted(ctx context.Context, cause error) error {
	if err := p.save(context.WithoutCancel(ctx)); err != nil {
		p.log.Error(ctx, "failed to save interrupted run", ports.F("error", err))
	}
	p.log.Warn(ctx, "run interrupted; rerun to resume")
	return fmt.Errorf("%w: run %s: %w", ErrInterrupted, p.r.ID, cause)
}

func (p *pass) execContext(attempt int) executor.Context {
	tg := p.job.Target
	if h := p.r.Handle; tg != nil && h != nil && h.PublicIP != "" {
		tg = tg.WithHostname(h.PublicIP)
	}
	return executor.Context{
		RunID:   p.r.ID,
		Target:  tg,
		Handle:  p.r.Handle,
		Vars:    p.job.Vars,
		Env:     p.job.Env,
		WorkDir: p.job.WorkDir,
		Attempt: attempt,
	}
}

func (p *pass) save(ctx context.Context) error {
	p.r.UpdatedAt = p.now()
	if err := p.store.Save(ctx, p.r); err != nil {
		return fmt.Errorf("failed to save run %s: %w", p.r.ID, err)
	}
	return nil
}
