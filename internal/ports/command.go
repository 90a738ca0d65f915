// Package ports defines interfaces for external dependencies.
package ports

import (
	"context"
	"sort"
	"strings"
)

// CommandResult represents the result of executing a shell command.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Success returns true if the command exited with code 0.
func (r CommandResult) Success() bool {
	return r.ExitCode == 0
}

// Combined returns stdout followed by stderr.
func (r CommandResult) Combined() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Command is a shell script together with the scoped environment it runs in.
// Env is merged on top of a minimal inherited environment; it is never
// written to the orchestrator's own process environment.
type Command struct {
	Script string
	Env    map[string]string
	Dir    string
}

// EnvList returns Env as sorted KEY=VALUE pairs.
func (c Command) EnvList() []string {
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+c.Env[k])
	}
	return out
}

// String returns the script with newlines collapsed, for logs.
func (c Command) String() string {
	return strings.Join(strings.Fields(c.Script), " ")
}

// CommandRunner executes shell commands on the orchestrator host.
// A non-zero exit is reported through CommandResult, not as an error;
// errors mean the command could not be run at all or was cancelled.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (CommandResult, error)
}
