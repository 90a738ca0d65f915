// Package run holds the durable record of one orchestration attempt
// against one target: per-step status, the resource handle, the
// remediation queue and the run phase.
package run

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/bringup/internal/domain/step"
)

// Status is the status of one step within a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Done reports whether the status satisfies dependents.
func (s Status) Done() bool {
	return s == StatusSucceeded || s == StatusSkipped
}

var (
	// ErrPrerequisitesUnmet is returned when a step is started before all
	// of its prerequisites succeeded or were skipped.
	ErrPrerequisitesUnmet = errors.New("prerequisites not satisfied")
	// ErrAttemptsExhausted is returned when a step would exceed its
	// attempt limit.
	ErrAttemptsExhausted = errors.New("attempt limit reached")
	// ErrUnknownStep is returned for a step the run has no record of.
	ErrUnknownStep = errors.New("step not part of run")
)

// StepRecord is the persisted state of one step in a run.
type StepRecord struct {
	StepID      step.ID       `json:"step_id"`
	Status      Status        `json:"status"`
	Attempts    int           `json:"attempts"`
	LastFailure *step.Failure `json:"last_failure,omitempty"`
	StartedAt   time.Time     `json:"started_at,omitzero"`
	FinishedAt  time.Time     `json:"finished_at,omitzero"`
	OutputRef   string        `json:"output_ref,omitempty"`
	// Marker is set once the action itself has completed, before the
	// record is finalized. A non-idempotent step with a marker is not
	// re-executed on resume.
	Marker bool `json:"marker,omitempty"`
	// Interrupted is set when cancellation stopped the step mid-flight.
	Interrupted bool `json:"interrupted,omitempty"`
	// SkipReason explains a skipped status.
	SkipReason string `json:"skip_reason,omitempty"`
	// Halted is set when a failure stopped the step for good in this
	// attempt of the run. Reopen clears it.
	Halted bool `json:"halted,omitempty"`
}

// SkipHalted is the skip reason of steps whose prerequisite halted.
const SkipHalted = "prerequisite failed"

// Duration returns how long the last attempt took.
func (r *StepRecord) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Run is one orchestration attempt against one target.
type Run struct {
	ID       string                  `json:"id"`
	Name     string                  `json:"name"`
	Manifest string                  `json:"manifest,omitempty"`
	Phase    Phase                   `json:"phase"`
	Handle   *ResourceHandle         `json:"handle,omitempty"`
	Records  map[step.ID]*StepRecord `json:"records"`
	Order    []step.ID               `json:"order"`
	Queue    []step.ID               `json:"queue,omitempty"`
	// Remediated maps "step|kind|cause" to the remediation applied, so a
	// remediation is inserted at most once per failure signature.
	Remediated map[string]step.ID `json:"remediated,omitempty"`
	// Remediating maps a queued remediation to the step it was inserted
	// for.
	Remediating map[step.ID]step.ID `json:"remediating,omitempty"`
	// PreviousRunID links a reprovisioned run to the run it replaces.
	PreviousRunID string    `json:"previous_run_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	Error         string    `json:"error,omitempty"`
}

// New creates a pending run for target name with a record per step in
// order.
func New(name string, order []step.ID, now time.Time) *Run {
	r := &Run{
		ID:         uuid.New().String(),
		Name:       name,
		Phase:      PhasePending,
		Records:    make(map[step.ID]*StepRecord, len(order)),
		Order:      append([]step.ID(nil), order...),
		Remediated: make(map[string]step.ID),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, id := range order {
		r.Records[id] = &StepRecord{StepID: id, Status: StatusPending}
	}
	return r
}

// Record returns the record for id.
func (r *Run) Record(id step.ID) (*StepRecord, error) {
	rec, ok := r.Records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStep, id)
	}
	return rec, nil
}

// Satisfied reports whether id succeeded or was skipped.
func (r *Run) Satisfied(id step.ID) bool {
	rec, ok := r.Records[id]
	return ok && rec.Status.Done()
}

// Begin marks a step running and counts the attempt. It refuses to start
// a step whose prerequisites are not all satisfied or whose attempts would
// exceed maxAttempts.
func (r *Run) Begin(s *step.Step, now time.Time) (*StepRecord, error) {
	rec, err := r.Record(s.ID)
	if err != nil {
		return nil, err
	}
	for _, dep := range s.Prerequisites {
		if !r.Satisfied(dep) {
			return nil, fmt.Errorf("%w: %s needs %s", ErrPrerequisitesUnmet, s.ID, dep)
		}
	}
	if rec.Attempts >= s.Retry.MaxAttempts {
		return nil, fmt.Errorf("%w: %s after %d attempts", ErrAttemptsExhausted, s.ID, rec.Attempts)
	}

	rec.Status = StatusRunning
	rec.Attempts++
	rec.StartedAt = now
	rec.FinishedAt = time.Time{}
	rec.Interrupted = false
	rec.Marker = false
	r.UpdatedAt = now
	return rec, nil
}

// Succeed marks a step succeeded.
func (r *Run) Succeed(id step.ID, now time.Time) error {
	rec, err := r.Record(id)
	if err != nil {
		return err
	}
	rec.Status = StatusSucceeded
	rec.LastFailure = nil
	rec.FinishedAt = now
	r.UpdatedAt = now
	return nil
}

// Fail records a classified failure of the current attempt.
func (r *Run) Fail(id step.ID, f *step.Failure, now time.Time) error {
	rec, err := r.Record(id)
	if err != nil {
		return err
	}
	rec.Status = StatusFailed
	rec.LastFailure = f
	rec.FinishedAt = now
	r.UpdatedAt = now
	return nil
}

// Skip marks a step skipped with a reason.
func (r *Run) Skip(id step.ID, reason string, now time.Time) error {
	rec, err := r.Record(id)
	if err != nil {
		return err
	}
	rec.Status = StatusSkipped
	rec.SkipReason = reason
	rec.FinishedAt = now
	r.UpdatedAt = now
	return nil
}

// BeginCleanup marks the cleanup step running regardless of prerequisites
// and attempt count. Cleanup is forced by the operator and may run on a
// run that never reached the step.
func (r *Run) BeginCleanup(id step.ID, now time.Time) (*StepRecord, error) {
	rec, err := r.Record(id)
	if err != nil {
		return nil, err
	}
	rec.Status = StatusRunning
	rec.Attempts++
	rec.StartedAt = now
	rec.FinishedAt = time.Time{}
	rec.Interrupted = false
	rec.Marker = false
	rec.Halted = false
	r.UpdatedAt = now
	return rec, nil
}

// Halt stops a failed step for the rest of the run and marks every step
// in dependents skipped unless it already finished.
func (r *Run) Halt(id step.ID, dependents []step.ID, now time.Time) error {
	rec, err := r.Record(id)
	if err != nil {
		return err
	}
	rec.Halted = true
	r.Dequeue(id)
	for _, dep := range dependents {
		d, ok := r.Records[dep]
		if !ok || d.Status.Done() {
			continue
		}
		d.Status = StatusSkipped
		d.SkipReason = SkipHalted
		d.FinishedAt = now
	}
	r.UpdatedAt = now
	return nil
}

// Rearm returns a step to pending with a fresh attempt budget.
func (r *Run) Rearm(id step.ID, now time.Time) error {
	rec, err := r.Record(id)
	if err != nil {
		return err
	}
	rearm(rec)
	r.UpdatedAt = now
	return nil
}

func rearm(rec *StepRecord) {
	rec.Status = StatusPending
	rec.Attempts = 0
	rec.LastFailure = nil
	rec.Marker = false
	rec.Interrupted = false
	rec.Halted = false
	rec.SkipReason = ""
}

// Reopen resumes a failed run: halted and failed steps get a fresh
// attempt budget and steps skipped because of them return to pending.
// Succeeded steps and the remediation history are kept.
func (r *Run) Reopen(now time.Time) error {
	if err := r.transition((*PhaseTracker).Resume); err != nil {
		return err
	}
	for _, id := range r.Order {
		rec := r.Records[id]
		if rec == nil {
			continue
		}
		if rec.Status == StatusFailed || rec.Halted || (rec.Status == StatusSkipped && rec.SkipReason == SkipHalted) {
			rearm(rec)
		}
	}
	r.Queue = nil
	r.Remediating = nil
	r.Error = ""
	r.UpdatedAt = now
	return nil
}

// Halted returns the steps stopped by a failure, in order.
func (r *Run) Halted() []step.ID {
	var ids []step.ID
	for _, id := range r.Order {
		if rec := r.Records[id]; rec != nil && rec.Halted {
			ids = append(ids, id)
		}
	}
	return ids
}

// Ensure adds a pending record for every id the run does not know yet.
// Manifests may gain steps between invocations of a resumed run.
func (r *Run) Ensure(order []step.ID) {
	if r.Records == nil {
		r.Records = make(map[step.ID]*StepRecord, len(order))
	}
	for _, id := range order {
		if _, ok := r.Records[id]; !ok {
			r.Records[id] = &StepRecord{StepID: id, Status: StatusPending}
		}
	}
	merged := append([]step.ID(nil), order...)
	for _, id := range r.Order {
		if !contains(order, id) {
			merged = append(merged, id)
		}
	}
	r.Order = merged
}

func contains(ids []step.ID, id step.ID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// Interrupt records that cancellation stopped a running step.
func (r *Run) Interrupt(id step.ID, now time.Time) error {
	rec, err := r.Record(id)
	if err != nil {
		return err
	}
	rec.Status = StatusRunning
	rec.Interrupted = true
	rec.FinishedAt = now
	r.UpdatedAt = now
	return nil
}

// Reset returns a step to pending, keeping its attempt count.
func (r *Run) Reset(id step.ID, now time.Time) error {
	rec, err := r.Record(id)
	if err != nil {
		return err
	}
	rec.Status = StatusPending
	rec.Interrupted = false
	r.UpdatedAt = now
	return nil
}

// Resume returns an interrupted step to pending and gives back the
// attempt it was cut off in.
func (r *Run) Resume(id step.ID, now time.Time) error {
	rec, err := r.Record(id)
	if err != nil {
		return err
	}
	if rec.Attempts > 0 {
		rec.Attempts--
	}
	rec.Status = StatusPending
	rec.Interrupted = false
	rec.LastFailure = nil
	r.UpdatedAt = now
	return nil
}

// Enqueue schedules a remediation ahead of everything else.
func (r *Run) Enqueue(id step.ID) {
	r.Queue = append([]step.ID{id}, r.Queue...)
}

// Schedule enqueues remediation on behalf of owner.
func (r *Run) Schedule(remediation, owner step.ID) {
	if r.Remediating == nil {
		r.Remediating = make(map[step.ID]step.ID)
	}
	r.Remediating[remediation] = owner
	r.Enqueue(remediation)
}

// Owner returns the step a queued remediation was inserted for.
func (r *Run) Owner(remediation step.ID) (step.ID, bool) {
	owner, ok := r.Remediating[remediation]
	return owner, ok
}

// Dequeue removes id from the remediation queue.
func (r *Run) Dequeue(id step.ID) {
	delete(r.Remediating, id)
	for i, q := range r.Queue {
		if q == id {
			r.Queue = append(r.Queue[:i], r.Queue[i+1:]...)
			return
		}
	}
}

// Remediate records that remediation applies to a failure signature key.
// It returns false if a remediation was already inserted for key.
func (r *Run) Remediate(key string, remediation step.ID) bool {
	if r.Remediated == nil {
		r.Remediated = make(map[string]step.ID)
	}
	if _, done := r.Remediated[key]; done {
		return false
	}
	r.Remediated[key] = remediation
	return true
}

// Interrupted returns the steps left running or interrupted, in order.
func (r *Run) Interrupted() []step.ID {
	var ids []step.ID
	for _, id := range r.Order {
		if rec := r.Records[id]; rec != nil && (rec.Status == StatusRunning || rec.Interrupted) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Advance moves the phase forward for a step of the given stage.
func (r *Run) Advance(stage step.Stage) error {
	target, ok := PhaseForStage(stage)
	if !ok {
		return nil
	}
	return r.transition(func(t *PhaseTracker) error { return t.AdvanceTo(target) })
}

// Complete marks the run completed.
func (r *Run) Complete(now time.Time) error {
	if err := r.transition((*PhaseTracker).Complete); err != nil {
		return err
	}
	r.UpdatedAt = now
	r.Error = ""
	return nil
}

// MarkFailed marks the run failed with a diagnostic.
func (r *Run) MarkFailed(msg string, now time.Time) error {
	r.UpdatedAt = now
	r.Error = msg
	if r.Phase == PhaseFailed {
		return nil
	}
	return r.transition((*PhaseTracker).Fail)
}

// MarkCleaned marks the run's resources released.
func (r *Run) MarkCleaned(now time.Time) error {
	r.UpdatedAt = now
	return r.transition((*PhaseTracker).Clean)
}

func (r *Run) transition(fn func(*PhaseTracker) error) error {
	t, err := RestorePhaseTracker(r.Phase)
	if err != nil {
		return err
	}
	defer t.Stop()

	if err := fn(t); err != nil {
		return err
	}
	r.Phase = t.Phase()
	return nil
}

// Summary counts records by status.
func (r *Run) Summary() map[Status]int {
	out := make(map[Status]int)
	for _, id := range r.Order {
		if rec := r.Records[id]; rec != nil {
			out[rec.Status]++
		}
	}
	return out
}
