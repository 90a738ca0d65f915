// Package pipeline holds the step registry: the ordered, dependency-linked
// set of steps a run walks, and the built-in GPU bring-up pipeline.
package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/felixgeelhaar/bringup/internal/domain/step"
)

// Registry is a directed acyclic graph of steps. It remembers declaration
// order so that linearization is reproducible.
type Registry struct {
	steps      map[step.ID]*step.Step
	order      []step.ID // declaration order
	dependedBy map[step.ID][]step.ID
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		steps:      make(map[step.ID]*step.Step),
		dependedBy: make(map[step.ID][]step.ID),
	}
}

// Len returns the number of registered steps.
func (r *Registry) Len() int {
	return len(r.steps)
}

// Register adds a step. Prerequisites must already be registered, which
// keeps the graph acyclic by construction. Remediation targets may be
// declared later and are checked by Validate.
func (r *Registry) Register(s step.Step) error {
	s = s.WithDefaults()
	if err := s.Validate(); err != nil {
		return err
	}

	if _, exists := r.steps[s.ID]; exists {
		return step.NewConfigurationError(step.ErrCodeDuplicateStep, "step with this ID already exists").
			WithStep(s.ID).
			WithSuggestion("Each step needs a unique, stable ID.")
	}

	for _, dep := range s.Prerequisites {
		if _, ok := r.steps[dep]; !ok {
			return step.NewConfigurationError(step.ErrCodeUnknownDependency,
				fmt.Sprintf("prerequisite %q is not registered", dep)).
				WithStep(s.ID).
				WithSuggestion("Declare prerequisites before the steps that depend on them.")
		}
	}

	stored := s
	r.steps[s.ID] = &stored
	r.order = append(r.order, s.ID)
	for _, dep := range s.Prerequisites {
		r.dependedBy[dep] = append(r.dependedBy[dep], s.ID)
	}
	return nil
}

// MustRegister registers steps and panics on error. Use it only for
// built-in pipelines.
func (r *Registry) MustRegister(steps ...step.Step) *Registry {
	for _, s := range steps {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
	return r
}

// Get retrieves a step by ID.
func (r *Registry) Get(id step.ID) (*step.Step, bool) {
	s, ok := r.steps[id]
	return s, ok
}

// Replace swaps the definition of an already registered step, keeping its
// position. Prerequisites may only reference steps declared earlier.
func (r *Registry) Replace(s step.Step) error {
	s = s.WithDefaults()
	if err := s.Validate(); err != nil {
		return err
	}
	old, ok := r.steps[s.ID]
	if !ok {
		return step.NewConfigurationError(step.ErrCodeUnknownStep, "cannot override an unknown step").WithStep(s.ID)
	}

	pos := r.position(s.ID)
	for _, dep := range s.Prerequisites {
		if _, ok := r.steps[dep]; !ok || r.position(dep) > pos {
			return step.NewConfigurationError(step.ErrCodeUnknownDependency,
				fmt.Sprintf("prerequisite %q must be declared before this step", dep)).WithStep(s.ID)
		}
	}

	for _, dep := range old.Prerequisites {
		r.dependedBy[dep] = remove(r.dependedBy[dep], s.ID)
	}
	for _, dep := range s.Prerequisites {
		r.dependedBy[dep] = append(r.dependedBy[dep], s.ID)
	}
	stored := s
	r.steps[s.ID] = &stored
	return nil
}

// Steps returns all steps in declaration order.
func (r *Registry) Steps() []*step.Step {
	out := make([]*step.Step, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.steps[id])
	}
	return out
}

// Validate checks cross-step references: remediation targets must exist,
// must not be the cleanup step, and the graph must be acyclic.
func (r *Registry) Validate() error {
	for _, id := range r.order {
		s := r.steps[id]
		for _, rem := range s.Remediations {
			target, ok := r.steps[rem.Step]
			if !ok {
				return step.NewConfigurationError(step.ErrCodeUnknownStep,
					fmt.Sprintf("remediation step %q is not registered", rem.Step)).WithStep(id)
			}
			if target.Cleanup || target.Reactivate {
				return step.NewConfigurationError(step.ErrCodeInvalidStep,
					fmt.Sprintf("lifecycle step %q cannot be a remediation", rem.Step)).WithStep(id)
			}
		}
	}
	_, err := r.TopologicalOrder()
	return err
}

// TopologicalOrder returns every step after all of its prerequisites.
// Among steps that are ready at the same time, the one declared first
// comes first, so the order is reproducible.
func (r *Registry) TopologicalOrder() ([]step.ID, error) {
	inDegree := make(map[step.ID]int, len(r.steps))
	for _, id := range r.order {
		inDegree[id] = len(r.steps[id].Prerequisites)
	}

	ready := make([]step.ID, 0)
	for _, id := range r.order {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	sorted := make([]step.ID, 0, len(r.order))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		sorted = append(sorted, id)

		for _, dependent := range r.dependedBy[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = r.insertByDeclaration(ready, dependent)
			}
		}
	}

	if len(sorted) != len(r.order) {
		return nil, step.NewConfigurationError(step.ErrCodeCyclicDependency,
			"cyclic dependency detected: "+strings.Join(r.cycleMembers(sorted), " → "))
	}
	return sorted, nil
}

// Dependents returns every step that transitively depends on id, in
// declaration order.
func (r *Registry) Dependents(id step.ID) []step.ID {
	seen := make(map[step.ID]bool)
	stack := append([]step.ID(nil), r.dependedBy[id]...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		stack = append(stack, r.dependedBy[cur]...)
	}

	out := make([]step.ID, 0, len(seen))
	for _, sid := range r.order {
		if seen[sid] {
			out = append(out, sid)
		}
	}
	return out
}

// CleanupStep returns the step marked as cleanup, if any.
func (r *Registry) CleanupStep() (*step.Step, bool) {
	for _, id := range r.order {
		if r.steps[id].Cleanup {
			return r.steps[id], true
		}
	}
	return nil, false
}

// ReactivateStep returns the step that restarts a deallocated resource,
// if any.
func (r *Registry) ReactivateStep() (*step.Step, bool) {
	for _, id := range r.order {
		if r.steps[id].Reactivate {
			return r.steps[id], true
		}
	}
	return nil, false
}

func (r *Registry) position(id step.ID) int {
	for i, sid := range r.order {
		if sid == id {
			return i
		}
	}
	return -1
}

func (r *Registry) insertByDeclaration(ready []step.ID, id step.ID) []step.ID {
	pos := r.position(id)
	i := sort.Search(len(ready), func(i int) bool { return r.position(ready[i]) > pos })
	ready = append(ready, "")
	copy(ready[i+1:], ready[i:])
	ready[i] = id
	return ready
}

func (r *Registry) cycleMembers(sorted []step.ID) []string {
	done := make(map[step.ID]bool, len(sorted))
	for _, id := range sorted {
		done[id] = true
	}
	var members []string
	for _, id := range r.order {
		if !done[id] {
			members = append(members, id.String())
		}
	}
	return members
}

func remove(ids []step.ID, id step.ID) []step.ID {
	out := ids[:0]
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}
