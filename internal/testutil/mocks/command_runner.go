// Package mocks provides test doubles for testing.
package mocks

import (
	"context"
	"strings"
	"sync"

	"github.com/felixgeelhaar/bringup/internal/ports"
)

// CommandFunc produces the result of a scripted command.
type CommandFunc func(ctx context.Context, cmd ports.Command) (ports.CommandResult, error)

type script struct {
	match   string
	results []CommandFunc
	next    int
}

// CommandRunner is a thread-safe test double for ports.CommandRunner.
// Commands are matched by substring of their script, in registration
// order. A matched script returns its results in sequence and repeats the
// last one. Unmatched commands succeed with empty output.
type CommandRunner struct {
	mu      sync.Mutex
	scripts []*script
	calls   []ports.Command
}

// NewCommandRunner creates a new CommandRunner mock.
func NewCommandRunner() *CommandRunner {
	return &CommandRunner{}
}

// On registers results for commands containing match.
func (m *CommandRunner) On(match string, results ...ports.CommandResult) *CommandRunner {
	fns := make([]CommandFunc, 0, len(results))
	for _, r := range results {
		fns = append(fns, func(context.Context, ports.Command) (ports.CommandResult, error) { return r, nil })
	}
	return m.OnFunc(match, fns...)
}

// OnError registers an error for commands containing match.
func (m *CommandRunner) OnError(match string, err error) *CommandRunner {
	return m.OnFunc(match, func(context.Context, ports.Command) (ports.CommandResult, error) {
		return ports.CommandResult{}, err
	})
}

// OnFunc registers functions for commands containing match.
func (m *CommandRunner) OnFunc(match string, fns ...CommandFunc) *CommandRunner {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts = append(m.scripts, &script{match: match, results: fns})
	return m
}

// Run executes a mock command.
func (m *CommandRunner) Run(ctx context.Context, cmd ports.Command) (ports.CommandResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, cmd)
	var fn CommandFunc
	for _, s := range m.scripts {
		if !strings.Contains(cmd.Script, s.match) || len(s.results) == 0 {
			continue
		}
		i := s.next
		if i >= len(s.results) {
			i = len(s.results) - 1
		} else {
			s.next++
		}
		fn = s.results[i]
		break
	}
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return ports.CommandResult{}, err
	}
	if fn == nil {
		return ports.CommandResult{}, nil
	}
	return fn(ctx, cmd)
}

// Calls returns all recorded command invocations.
func (m *CommandRunner) Calls() []ports.Command {
	m.mu.Lock()
	defer m.mu.Unlock()

	calls := make([]ports.Command, len(m.calls))
	copy(calls, m.calls)
	return calls
}

// CallCount returns how many recorded scripts contain match.
func (m *CommandRunner) CallCount(match string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, c := range m.calls {
		if strings.Contains(c.Script, match) {
			n++
		}
	}
	return n
}

// Reset clears all scripted results and recorded calls.
func (m *CommandRunner) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts = nil
	m.calls = nil
}

// Ensure CommandRunner implements ports.CommandRunner.
var _ ports.CommandRunner = (*CommandRunner)(nil)
