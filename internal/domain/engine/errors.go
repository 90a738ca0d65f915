package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/felixgeelhaar/bringup/internal/domain/run"
	"github.com/felixgeelhaar/bringup/internal/domain/step"
)

// Process exit codes.
const (
	ExitOK          = 0
	ExitFailed      = 1
	ExitConfig      = 2
	ExitInterrupted = 3
)

var (
	// ErrNeedsConfirmation is returned when a non-idempotent step was cut
	// off without a completion marker. The operator has to check its
	// effect and resume with confirmation.
	ErrNeedsConfirmation = errors.New("interrupted step needs confirmation before it is retried")
	// ErrInterrupted is returned when cancellation stopped a run. The run
	// is resumable.
	ErrInterrupted = errors.New("run interrupted")
)

// outputTailLines bounds the observed output quoted in a diagnostic.
const outputTailLines = 20

// RunFailedError reports the step that failed a run.
type RunFailedError struct {
	RunID       string
	Step        step.ID
	Description string
	Attempts    int
	Failure     *step.Failure
	// Output is the tail of the last attempt's captured output.
	Output string
}

// Error returns a diagnostic naming the step, the expected condition and
// the observed output.
func (e *RunFailedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "step %s failed after %d attempt(s)", e.Step, e.Attempts)
	if e.Failure != nil {
		fmt.Fprintf(&b, ": %s", e.Failure.Error())
	}
	if e.Description != "" {
		fmt.Fprintf(&b, "\nexpected: %s", e.Description)
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		fmt.Fprintf(&b, "\nobserved output:\n%s", out)
	}
	return b.String()
}

// Unwrap exposes the classified failure.
func (e *RunFailedError) Unwrap() error {
	if e.Failure == nil {
		return nil
	}
	return e.Failure
}

// ExitCode maps a run result to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	switch {
	case errors.Is(err, ErrNeedsConfirmation),
		errors.Is(err, ErrInterrupted),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return ExitInterrupted
	case errors.Is(err, step.ErrConfiguration), errors.Is(err, run.ErrRunCleaned):
		return ExitConfig
	}

	var failed *RunFailedError
	if errors.As(err, &failed) && failed.Failure != nil && failed.Failure.Kind == step.FailureConfiguration {
		return ExitConfig
	}
	return ExitFailed
}

// tail returns the last n lines of s.
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
