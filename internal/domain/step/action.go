package step

import "time"

// ActionKind selects how a step's action is carried out.
type ActionKind string

const (
	// ActionLocal runs on the orchestrator host, e.g. the resource
	// provider CLI.
	ActionLocal ActionKind = "local"
	// ActionRemote runs over the remote execution channel on the target.
	ActionRemote ActionKind = "remote"
	// ActionVerify runs acceptance checks through the verification runner.
	ActionVerify ActionKind = "verify"
)

// Action is the executable part of a step. Command, Check and every Env
// value are Go templates rendered against the step's execution context.
type Action struct {
	Kind    ActionKind
	Command string
	// Check is an optional probe; exit 0 means the step's effect is
	// already in place and the step is skipped.
	Check   string
	Env     map[string]string
	WorkDir string
	// Outputs lists keys read from "key=value" stdout lines and merged
	// into the resource handle (e.g. public_ip).
	Outputs []string
	Verify  *VerifySpec
}

// VerifySpec declares the acceptance checks of a verify action. Every
// non-empty section must pass.
type VerifySpec struct {
	// Artifacts must exist on the target and be non-empty.
	Artifacts []string
	Result    *ResultCheck
	Service   *ServiceCheck
}

// ResultCheck inspects a structured JSON result produced on the target.
type ResultCheck struct {
	Path string
	// SizeField is a dotted path to the attribute whose size must be > 0.
	// Empty means the document root.
	SizeField string
}

// ServiceCheck polls a network service until it answers healthy.
type ServiceCheck struct {
	// Port and Path are templates, so they can reference target vars.
	Port    string
	Path    string
	Timeout time.Duration
}
