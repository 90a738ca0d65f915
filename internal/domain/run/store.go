package run

import (
	"context"
	"errors"

	"github.com/felixgeelhaar/bringup/internal/domain/step"
)

var (
	// ErrRunNotFound is returned when no run matches an ID or name.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunExists is returned when creating a run whose ID is taken.
	ErrRunExists = errors.New("run already exists")
	// ErrRunCleaned is returned when resuming a run whose resources were
	// released.
	ErrRunCleaned = errors.New("run has been cleaned up")
)

// Store persists runs. Save must be atomic with respect to concurrent
// readers of the same run: a reader sees the previous or the new document,
// never a partial one.
type Store interface {
	Create(ctx context.Context, r *Run) error
	Load(ctx context.Context, id string) (*Run, error)
	Save(ctx context.Context, r *Run) error
	// List returns all runs, newest first.
	List(ctx context.Context) ([]*Run, error)
	// FindByName returns the newest run for a target name.
	FindByName(ctx context.Context, name string) (*Run, error)
	// WriteOutput stores captured output of one attempt and returns a
	// reference for StepRecord.OutputRef.
	WriteOutput(ctx context.Context, runID string, id step.ID, attempt int, data []byte) (string, error)
	ReadOutput(ctx context.Context, ref string) ([]byte, error)
}
