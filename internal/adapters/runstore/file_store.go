// Package runstore persists runs as JSON documents, on the local
// filesystem or in an S3-compatible bucket.
package runstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/felixgeelhaar/bringup/internal/domain/run"
	"github.com/felixgeelhaar/bringup/internal/domain/step"
)

var (
	// ErrCorrupt is returned when a run document cannot be decoded.
	ErrCorrupt = errors.New("run document is corrupt")
	// ErrSaveFailed is returned when a run document cannot be written.
	ErrSaveFailed = errors.New("failed to save run")
)

// FileStore implements run.Store with one JSON document per run:
//
//	<dir>/runs/<id>.json
//	<dir>/runs/<id>/output/<step>.<attempt>.log
type FileStore struct {
	dir   string
	locks sync.Map // run id → *sync.Mutex
}

// NewFileStore creates a FileStore rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Dir returns the root directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// Create persists a new run and fails if its ID is already taken.
func (s *FileStore) Create(ctx context.Context, r *run.Run) error {
	if r.ID == "" {
		return fmt.Errorf("%w: run has no id", ErrSaveFailed)
	}
	mu := s.lock(r.ID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := os.Stat(s.runPath(r.ID)); err == nil {
		return fmt.Errorf("%w: %s", run.ErrRunExists, r.ID)
	}
	return s.write(ctx, r)
}

// Load reads a run by ID.
func (s *FileStore) Load(_ context.Context, id string) (*run.Run, error) {
	if !validID(id) {
		return nil, fmt.Errorf("%w: %q", run.ErrRunNotFound, id)
	}
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	return s.read(s.runPath(id))
}

// Save replaces the stored document. The write goes to a temporary file in
// the same directory, is synced, then renamed over the old document.
func (s *FileStore) Save(ctx context.Context, r *run.Run) error {
	mu := s.lock(r.ID)
	mu.Lock()
	defer mu.Unlock()

	return s.write(ctx, r)
}

// List returns every stored run, newest first.
func (s *FileStore) List(_ context.Context) ([]*run.Run, error) {
	entries, err := os.ReadDir(s.runsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	runs := make([]*run.Run, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		mu := s.lock(id)
		mu.Lock()
		r, err := s.read(filepath.Join(s.runsDir(), name))
		mu.Unlock()
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}

	newestFirst(runs)
	return runs, nil
}

// FindByName returns the newest run for a target name.
func (s *FileStore) FindByName(ctx context.Context, name string) (*run.Run, error) {
	runs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	return latest(runs, name)
}

// WriteOutput stores captured output for one attempt.
func (s *FileStore) WriteOutput(_ context.Context, runID string, id step.ID, attempt int, data []byte) (string, error) {
	if !validID(runID) {
		return "", fmt.Errorf("%w: invalid run id %q", ErrSaveFailed, runID)
	}
	ref := filepath.FromSlash(outputRef(runID, id, attempt))
	path := filepath.Join(s.runsDir(), ref)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write output: %w", err)
	}
	return filepath.ToSlash(ref), nil
}

// ReadOutput reads output stored by WriteOutput.
func (s *FileStore) ReadOutput(_ context.Context, ref string) ([]byte, error) {
	clean := filepath.Clean(filepath.FromSlash(ref))
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return nil, fmt.Errorf("invalid output reference %q", ref)
	}
	data, err := os.ReadFile(filepath.Join(s.runsDir(), clean))
	if err != nil {
		return nil, fmt.Errorf("failed to read output: %w", err)
	}
	return data, nil
}

func (s *FileStore) write(_ context.Context, r *run.Run) error {
	if !validID(r.ID) {
		return fmt.Errorf("%w: invalid run id %q", ErrSaveFailed, r.ID)
	}
	data, err := encode(r)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(s.runsDir(), 0o755); err != nil {
		return fmt.Errorf("%w: failed to create directory: %w", ErrSaveFailed, err)
	}

	tmp, err := os.CreateTemp(s.runsDir(), r.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSaveFailed, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: %w", ErrSaveFailed, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: %w", ErrSaveFailed, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: %w", ErrSaveFailed, err)
	}

	if err := os.Rename(tmpPath, s.runPath(r.ID)); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: %w", ErrSaveFailed, err)
	}
	return nil
}

func (s *FileStore) read(path string) (*run.Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", run.ErrRunNotFound, strings.TrimSuffix(filepath.Base(path), ".json"))
		}
		return nil, fmt.Errorf("failed to read run: %w", err)
	}

	return decode(data)
}

func (s *FileStore) lock(id string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *FileStore) runsDir() string {
	return filepath.Join(s.dir, "runs")
}

func (s *FileStore) runPath(id string) string {
	return filepath.Join(s.runsDir(), id+".json")
}

// validID rejects ids that could escape the runs directory.
func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && id != "." && id != ".."
}

// Ensure FileStore implements run.Store.
var _ run.Store = (*FileStore)(nil)
