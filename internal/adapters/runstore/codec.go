package runstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/felixgeelhaar/bringup/internal/domain/run"
	"github.com/felixgeelhaar/bringup/internal/domain/step"
)

func encode(r *run.Run) ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSaveFailed, err)
	}
	return data, nil
}

func decode(data []byte) (*run.Run, error) {
	var r run.Run
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if r.Records == nil {
		r.Records = make(map[step.ID]*run.StepRecord)
	}
	if r.Remediated == nil {
		r.Remediated = make(map[string]step.ID)
	}
	return &r, nil
}

// outputRef is the slash-separated reference of one attempt's output,
// relative to the runs directory.
func outputRef(runID string, id step.ID, attempt int) string {
	return runID + "/output/" + id.String() + "." + strconv.Itoa(attempt) + ".log"
}

func newestFirst(runs []*run.Run) {
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
}

// latest returns the first run for name in a newest-first list.
func latest(runs []*run.Run, name string) (*run.Run, error) {
	for _, r := range runs {
		if r.Name == name {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w: no run for target %q", run.ErrRunNotFound, name)
}
