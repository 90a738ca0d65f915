// Package step defines the unit of work the orchestrator schedules: its
// action, retry policy, failure classification and remediation table.
package step

import (
	"fmt"
	"time"
)

// Stage groups steps into the coarse phases a run moves through.
type Stage string

const (
	StageProvision Stage = "provision"
	StageConfigure Stage = "configure"
	StageInstall   Stage = "install"
	StageBuild     Stage = "build"
	StageVerify    Stage = "verify"
	StageCleanup   Stage = "cleanup"
)

// Rank orders stages; a run never moves back to a lower rank.
func (s Stage) Rank() int {
	switch s {
	case StageProvision:
		return 1
	case StageConfigure:
		return 2
	case StageInstall:
		return 3
	case StageBuild:
		return 4
	case StageVerify:
		return 5
	case StageCleanup:
		return 6
	default:
		return 0
	}
}

// ParseStage parses a stage name.
func ParseStage(s string) (Stage, error) {
	st := Stage(s)
	if st.Rank() == 0 {
		return "", fmt.Errorf("unknown stage %q", s)
	}
	return st, nil
}

// DefaultTimeout applies to steps that declare none.
const DefaultTimeout = 30 * time.Minute

// Step is one declared unit of provisioning, installation or verification.
type Step struct {
	ID            ID
	Description   string
	Stage         Stage
	Prerequisites []ID
	Action        Action
	// Idempotent steps may be re-run from scratch after an interruption.
	// Others need a completion marker or manual confirmation.
	Idempotent   bool
	Retry        RetryPolicy
	Timeout      time.Duration
	Classifier   Classifier
	Remediations []Remediation
	// OnDemand steps are only scheduled when inserted as a remediation.
	OnDemand bool
	// Optional steps may fail without failing the run.
	Optional bool
	// Cleanup marks the step run by the cleanup transition and as the
	// best-effort step after a failed run.
	Cleanup bool
	// Reactivate marks the step that starts a deallocated resource when a
	// run is reprovisioned.
	Reactivate bool
}

// Validate checks the step in isolation.
func (s *Step) Validate() error {
	invalid := NewConfigurationError(ErrCodeInvalidStep, "invalid step").WithStep(s.ID)

	if _, err := NewID(s.ID.String()); err != nil {
		return invalid.WithUnderlying(err)
	}
	if s.Stage.Rank() == 0 {
		return invalid.WithUnderlying(fmt.Errorf("unknown stage %q", s.Stage))
	}
	switch s.Action.Kind {
	case ActionLocal, ActionRemote:
		if s.Action.Command == "" {
			return invalid.WithUnderlying(fmt.Errorf("%s action requires a command", s.Action.Kind))
		}
	case ActionVerify:
		if s.Action.Verify == nil && s.Action.Command == "" {
			return invalid.WithUnderlying(fmt.Errorf("verify action requires checks or a command"))
		}
	default:
		return invalid.WithUnderlying(fmt.Errorf("unknown action kind %q", s.Action.Kind))
	}
	if s.Retry.MaxAttempts < 1 {
		return invalid.WithUnderlying(fmt.Errorf("max_attempts must be at least 1"))
	}
	if s.Timeout <= 0 {
		return invalid.WithUnderlying(fmt.Errorf("timeout must be positive"))
	}
	if len(s.Remediations) > 0 && s.Retry.MaxAttempts < 2 {
		return invalid.WithUnderlying(fmt.Errorf("steps with remediations need max_attempts >= 2 to retry after remediating")).
			WithSuggestion("Raise retry.max_attempts or drop the remediation entries.")
	}
	for _, dep := range s.Prerequisites {
		if dep == s.ID {
			return invalid.WithUnderlying(fmt.Errorf("step depends on itself"))
		}
	}
	for _, r := range s.Remediations {
		if r.Step == s.ID {
			return invalid.WithUnderlying(fmt.Errorf("step cannot remediate itself"))
		}
	}
	return nil
}

// WithDefaults fills zero-valued retry policy, timeout and classifier.
func (s Step) WithDefaults() Step {
	s.Retry = s.Retry.WithDefaults()
	if s.Timeout == 0 {
		s.Timeout = DefaultTimeout
	}
	if s.Classifier.Default == "" {
		s.Classifier.Default = FailureEnvironment
	}
	return s
}
