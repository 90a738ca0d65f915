// Package command provides command execution adapters.
package command

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/felixgeelhaar/bringup/internal/ports"
)

// inheritedEnv lists the host variables a local command may see. Anything
// else has to be declared on the step.
var inheritedEnv = []string{"PATH", "HOME", "USER", "LANG", "TMPDIR", "SSH_AUTH_SOCK"}

// RealRunner executes shell scripts with /bin/sh on the orchestrator host.
type RealRunner struct {
	shell      string
	killGrace  time.Duration
	inheritEnv []string
}

// NewRealRunner creates a new RealRunner.
func NewRealRunner() *RealRunner {
	return &RealRunner{
		shell:      "/bin/sh",
		killGrace:  5 * time.Second,
		inheritEnv: inheritedEnv,
	}
}

// Run executes cmd and returns the result. A cancelled context sends
// SIGTERM to the script's process group and SIGKILL after a grace period;
// no process started by the script outlives Run.
func (r *RealRunner) Run(ctx context.Context, cmd ports.Command) (ports.CommandResult, error) {
	c := exec.CommandContext(ctx, r.shell, "-c", cmd.Script)
	c.Dir = cmd.Dir
	c.Env = append(r.baseEnv(), cmd.EnvList()...)
	c.SysProcAttr = processGroupAttr()
	c.Cancel = func() error {
		return signalGroup(c, syscall.SIGTERM)
	}
	c.WaitDelay = r.killGrace

	var stdout, stderr strings.Builder
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	if ctx.Err() != nil {
		_ = signalGroup(c, syscall.SIGKILL)
	}

	result := ports.CommandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, err
	}

	return result, nil
}

func (r *RealRunner) baseEnv() []string {
	env := make([]string, 0, len(r.inheritEnv))
	for _, key := range r.inheritEnv {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}

var _ ports.CommandRunner = (*RealRunner)(nil)
