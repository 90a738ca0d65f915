package run

import (
	"errors"
	"fmt"

	"github.com/felixgeelhaar/statekit"

	"github.com/felixgeelhaar/bringup/internal/domain/step"
)

// Phase is the coarse lifecycle state of a Run.
type Phase string

const (
	PhasePending      Phase = "pending"
	PhaseProvisioning Phase = "provisioning"
	PhaseConfiguring  Phase = "configuring"
	PhaseInstalling   Phase = "installing"
	PhaseBuilding     Phase = "building"
	PhaseVerifying    Phase = "verifying"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
	PhaseCleaned      Phase = "cleaned"
)

// Event types for the phase machine.
const (
	EventAdvance  = "ADVANCE"
	EventComplete = "COMPLETE"
	EventFail     = "FAIL"
	EventClean    = "CLEAN"
	EventResume   = "RESUME"
)

// ErrIllegalTransition is returned when the phase machine rejects an event.
var ErrIllegalTransition = errors.New("illegal phase transition")

// progression lists the non-terminal phases in order.
var progression = []Phase{
	PhasePending,
	PhaseProvisioning,
	PhaseConfiguring,
	PhaseInstalling,
	PhaseBuilding,
	PhaseVerifying,
}

// Terminal reports whether no further step runs in this phase.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCleaned
}

// rank returns the position in the progression, or -1 for terminal or
// unknown phases.
func (p Phase) rank() int {
	for i, q := range progression {
		if q == p {
			return i
		}
	}
	return -1
}

// PhaseForStage maps a step stage to the phase a run enters when a step of
// that stage starts. Cleanup steps do not move the phase.
func PhaseForStage(s step.Stage) (Phase, bool) {
	switch s {
	case step.StageProvision:
		return PhaseProvisioning, true
	case step.StageConfigure:
		return PhaseConfiguring, true
	case step.StageInstall:
		return PhaseInstalling, true
	case step.StageBuild:
		return PhaseBuilding, true
	case step.StageVerify:
		return PhaseVerifying, true
	default:
		return "", false
	}
}

// phaseContext is the statekit context type. The machine carries no data;
// it only guards which transitions are legal.
type phaseContext struct{}

// buildPhaseMachine constructs the run phase machine using statekit.
// Every non-terminal phase may fail; only finished runs may be cleaned,
// apart from a run that never started. A failed run may be resumed.
func buildPhaseMachine() (*statekit.Interpreter[phaseContext], error) {
	machine, err := statekit.NewMachine[phaseContext]("bringup-run").
		WithInitial("pending").
		WithContext(phaseContext{}).
		State("pending").
		On(EventAdvance).Target("provisioning").
		On(EventFail).Target("failed").
		On(EventClean).Target("cleaned").Done().
		State("provisioning").
		On(EventAdvance).Target("configuring").
		On(EventFail).Target("failed").Done().
		State("configuring").
		On(EventAdvance).Target("installing").
		On(EventFail).Target("failed").Done().
		State("installing").
		On(EventAdvance).Target("building").
		On(EventFail).Target("failed").Done().
		State("building").
		On(EventAdvance).Target("verifying").
		On(EventFail).Target("failed").Done().
		State("verifying").
		On(EventComplete).Target("completed").
		On(EventFail).Target("failed").Done().
		State("completed").
		On(EventClean).Target("cleaned").Done().
		State("failed").
		On(EventClean).Target("cleaned").
		On(EventResume).Target("pending").Done().
		State("cleaned").
		On(EventClean).Target("cleaned").Done().
		Build()
	if err != nil {
		return nil, err
	}
	return statekit.NewInterpreter(machine), nil
}

// PhaseTracker drives the phase machine for one run.
type PhaseTracker struct {
	interp *statekit.Interpreter[phaseContext]
}

// NewPhaseTracker starts a tracker in the pending phase.
func NewPhaseTracker() (*PhaseTracker, error) {
	interp, err := buildPhaseMachine()
	if err != nil {
		return nil, fmt.Errorf("failed to build phase machine: %w", err)
	}
	interp.Start()
	return &PhaseTracker{interp: interp}, nil
}

// RestorePhaseTracker rebuilds a tracker at a persisted phase by replaying
// the transitions that lead to it.
func RestorePhaseTracker(p Phase) (*PhaseTracker, error) {
	t, err := NewPhaseTracker()
	if err != nil {
		return nil, err
	}

	switch p {
	case "", PhasePending:
		return t, nil
	case PhaseCompleted:
		err = t.Complete()
	case PhaseFailed:
		err = t.Fail()
	case PhaseCleaned:
		if err = t.Fail(); err == nil {
			err = t.Clean()
		}
	default:
		if p.rank() < 0 {
			return nil, fmt.Errorf("unknown phase %q", p)
		}
		err = t.AdvanceTo(p)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Phase returns the current phase.
func (t *PhaseTracker) Phase() Phase {
	return Phase(t.interp.State().Value)
}

// AdvanceTo moves forward to p. A target at or behind the current phase is
// a no-op, so a run never moves back.
func (t *PhaseTracker) AdvanceTo(p Phase) error {
	target := p.rank()
	if target < 0 {
		return fmt.Errorf("%w: cannot advance to %s", ErrIllegalTransition, p)
	}
	for t.Phase().rank() >= 0 && t.Phase().rank() < target {
		if err := t.send(EventAdvance); err != nil {
			return err
		}
	}
	if t.Phase().rank() < 0 {
		return fmt.Errorf("%w: %s is terminal", ErrIllegalTransition, t.Phase())
	}
	return nil
}

// Complete walks through the remaining phases and finishes the run.
func (t *PhaseTracker) Complete() error {
	if err := t.AdvanceTo(PhaseVerifying); err != nil {
		return err
	}
	return t.send(EventComplete)
}

// Fail moves a non-terminal run to failed.
func (t *PhaseTracker) Fail() error {
	return t.send(EventFail)
}

// Clean moves a finished run to cleaned.
func (t *PhaseTracker) Clean() error {
	return t.send(EventClean)
}

// Resume reopens a failed run so its unfinished steps can be retried.
func (t *PhaseTracker) Resume() error {
	return t.send(EventResume)
}

// Stop releases the interpreter.
func (t *PhaseTracker) Stop() {
	t.interp.Stop()
}

func (t *PhaseTracker) send(event string) error {
	from := t.Phase()
	t.interp.Send(statekit.Event{Type: statekit.EventType(event)})
	if t.Phase() == from {
		return fmt.Errorf("%w: %s on %s", ErrIllegalTransition, event, from)
	}
	return nil
}
