package engine

import (
	"context"
	"sync"
	"time"
)

// Result is the outcome of one job driven by RunAll.
type Result struct {
	RunID     string
	Target    string
	Err       error
	StartTime time.Time
	EndTime   time.Time
}

// Duration returns how long the run took.
func (r *Result) Duration() time.Duration {
	if r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// ExitCode maps the result to a process exit code.
func (r *Result) ExitCode() int {
	return ExitCode(r.Err)
}

// RunAll drives independent runs concurrently, at most parallel at a time.
// A failing run never stops the others. Results keep the order of jobs.
func (e *Engine) RunAll(ctx context.Context, jobs []Job, parallel int) []*Result {
	if parallel < 1 {
		parallel = 1
	}
	results := make([]*Result, len(jobs))

	sem := make(chan struct{}, parallel)
	var wg sync.WaitGroup

	for i, job := range jobs {
		wg.Add(1)
		sem <- struct{}{}

		go func(i int, job Job) {
			defer wg.Done()
			defer func() { <-sem }()

			res := &Result{RunID: job.Run.ID, Target: job.Run.Name, StartTime: e.now()}
			res.Err = e.Run(ctx, job)
			res.EndTime = e.now()
			results[i] = res
		}(i, job)
	}

	wg.Wait()
	return results
}

// WorstExitCode returns the most severe exit code across results.
// Interruption outranks configuration errors, which outrank failures.
func WorstExitCode(results []*Result) int {
	worst := ExitOK
	for _, r := range results {
		if c := r.ExitCode(); c > worst {
			worst = c
		}
	}
	return worst
}
