package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/felixgeelhaar/bringup/internal/domain/executor"
	"github.com/felixgeelhaar/bringup/internal/domain/manifest"
	"github.com/felixgeelhaar/bringup/internal/domain/run"
	"github.com/felixgeelhaar/bringup/internal/domain/step"
)

// PlannedStep is one step as a run would see it next.
type PlannedStep struct {
	ID       step.ID
	Stage    step.Stage
	Kind     step.ActionKind
	Status   run.Status
	OnDemand bool
	Command  string
}

// Plan is what a run against one target would execute.
type Plan struct {
	Target string
	// RunID is empty when no run exists yet.
	RunID string
	Phase run.Phase
	Steps []PlannedStep
}

// Plan renders the step graph of each selected target against its latest
// run, without executing or persisting anything.
func (a *App) Plan(ctx context.Context, m *manifest.Manifest, targets []string) ([]*Plan, error) {
	deployments, err := m.Build(targets...)
	if err != nil {
		return nil, err
	}

	plans := make([]*Plan, 0, len(deployments))
	for _, d := range deployments {
		order, err := d.Registry.TopologicalOrder()
		if err != nil {
			return nil, err
		}

		plan := &Plan{Target: d.Target.Name(), Phase: run.PhasePending}
		ec := executor.Context{Target: d.Target, Vars: d.Vars, Env: d.Env, WorkDir: d.WorkDir, Attempt: 1}

		r, err := a.store.FindByName(ctx, d.Target.Name())
		switch {
		case err == nil:
			plan.RunID = r.ID
			plan.Phase = r.Phase
			ec.RunID = r.ID
			ec.Handle = r.Handle
		case !errors.Is(err, run.ErrRunNotFound):
			return nil, err
		}

		data := ec.Data()
		for _, id := range order {
			s, _ := d.Registry.Get(id)
			ps := PlannedStep{
				ID:       id,
				Stage:    s.Stage,
				Kind:     s.Action.Kind,
				Status:   run.StatusPending,
				OnDemand: s.OnDemand,
			}
			if r != nil {
				if rec, ok := r.Records[id]; ok {
					ps.Status = rec.Status
				}
			}
			if s.Action.Command != "" {
				cmd, err := executor.Render(string(id), s.Action.Command, data)
				if err != nil {
					return nil, step.NewConfigurationError(step.ErrCodeInvalidStep, "command template does not render").
						WithStep(id).
						WithUnderlying(err)
				}
				ps.Command = cmd
			}
			plan.Steps = append(plan.Steps, ps)
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

// PrintPlan writes a human-readable plan.
func (a *App) PrintPlan(plans []*Plan) {
	for _, p := range plans {
		label := p.RunID
		if label == "" {
			label = "new run"
		}
		a.printf("\n%s (%s, %s)\n", p.Target, label, p.Phase)
		a.printf("%s\n", strings.Repeat("=", len(p.Target)))

		for _, s := range p.Steps {
			marker := "+"
			switch {
			case s.Status.Done():
				marker = "✓"
			case s.OnDemand:
				marker = "?"
			}
			a.printf("  %s %-22s %-10s %s\n", marker, s.ID, s.Stage, s.Kind)
			if s.Command != "" && !s.Status.Done() {
				for _, line := range strings.Split(strings.TrimSpace(s.Command), "\n") {
					a.printf("      %s\n", line)
				}
			}
		}
	}
	a.printf("\n+ will run  ✓ done  ? only on remediation\n")
}

func (a *App) printf(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(a.out, format, args...)
}
