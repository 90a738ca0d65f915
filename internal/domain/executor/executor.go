// Package executor runs a single step attempt: it renders the step's
// command against a scoped context, runs it on the orchestrator host or
// over the remote channel, captures output and classifies the result.
package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/felixgeelhaar/bringup/internal/domain/step"
	"github.com/felixgeelhaar/bringup/internal/domain/transport"
	"github.com/felixgeelhaar/bringup/internal/domain/verify"
	"github.com/felixgeelhaar/bringup/internal/ports"
)

// Causes produced by the executor itself.
const (
	CauseTemplate  = "template"
	CauseNoAddress = "no-address"
	CauseExec      = "exec"
)

// probeTimeout caps how long a Check command may run.
const probeTimeout = 2 * time.Minute

// OutputWriter persists captured output.
type OutputWriter interface {
	WriteOutput(ctx context.Context, runID string, id step.ID, attempt int, data []byte) (string, error)
}

// Outcome is the explicit result of one step attempt.
type Outcome struct {
	StepID  step.ID
	Attempt int
	// Failure is nil on success.
	Failure *step.Failure
	// Interrupted is set when the parent context was cancelled while the
	// step ran. Failure is nil in that case.
	Interrupted bool
	ExitCode    int
	Output      string
	OutputRef   string
	Outputs     map[string]string
	Duration    time.Duration
}

// Success reports whether the attempt succeeded.
func (o *Outcome) Success() bool {
	return o.Failure == nil && !o.Interrupted
}

// Executor runs step attempts.
type Executor struct {
	runner   ports.CommandRunner
	pool     *transport.ConnectionPool
	verifier *verify.Runner
	outputs  OutputWriter
	logger   ports.Logger
}

// New creates an Executor.
func New(runner ports.CommandRunner, pool *transport.ConnectionPool, verifier *verify.Runner, outputs OutputWriter, logger ports.Logger) *Executor {
	return &Executor{
		runner:   runner,
		pool:     pool,
		verifier: verifier,
		outputs:  outputs,
		logger:   logger,
	}
}

// Close releases pooled connections.
func (e *Executor) Close() error {
	return e.pool.Close()
}

// Execute runs one attempt of s. The returned error is only set when the
// captured output could not be persisted; every other problem is part of
// the Outcome.
func (e *Executor) Execute(ctx context.Context, s *step.Step, ec Context) (*Outcome, error) {
	start := time.Now()
	out := &Outcome{StepID: s.ID, Attempt: ec.Attempt}

	stepCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	data := ec.Data()
	var output strings.Builder

	res, f := e.run(stepCtx, s, ec, data, &output)
	switch {
	case ctx.Err() != nil:
		out.Interrupted = true
		f = nil
	case f != nil:
	case res != nil:
		out.ExitCode = res.exitCode
		f = s.Classifier.Classify(res.exitCode, output.String())
		if f == nil && s.Action.Kind == step.ActionVerify && s.Action.Verify != nil {
			f = e.verify(stepCtx, ctx, s, ec, data, &output)
			if ctx.Err() != nil {
				out.Interrupted = true
				f = nil
			}
		}
	case s.Action.Kind == step.ActionVerify:
		f = e.verify(stepCtx, ctx, s, ec, data, &output)
		if ctx.Err() != nil {
			out.Interrupted = true
			f = nil
		}
	}

	out.Failure = f
	out.Output = output.String()
	out.Duration = time.Since(start)
	if res != nil && f == nil && !out.Interrupted {
		out.Outputs = parseOutputs(res.stdout, s.Action.Outputs)
	}

	// Persist with a fresh context so interrupted attempts keep their output.
	ref, err := e.outputs.WriteOutput(context.WithoutCancel(ctx), ec.RunID, s.ID, ec.Attempt, []byte(out.Output))
	if err != nil {
		return out, fmt.Errorf("failed to store output of %s: %w", s.ID, err)
	}
	out.OutputRef = ref

	e.log(ctx, s, out)
	return out, nil
}

type commandResult struct {
	exitCode int
	stdout   string
}

// run executes the step's command, if any. It returns a result for a
// completed process, or a failure when the process could not run.
func (e *Executor) run(ctx context.Context, s *step.Step, ec Context, data TemplateData, output *strings.Builder) (*commandResult, *step.Failure) {
	if s.Action.Command == "" {
		return nil, nil
	}

	script, err := Render(s.ID.String(), s.Action.Command, data)
	if err != nil {
		return nil, step.NewFailure(step.FailureConfiguration, CauseTemplate, err.Error())
	}
	env, err := renderEnv(ec.Env, s.Action.Env, data)
	if err != nil {
		return nil, step.NewFailure(step.FailureConfiguration, CauseTemplate, err.Error())
	}
	dir, err := Render(s.ID.String()+" workdir", s.Action.WorkDir, data)
	if err != nil {
		return nil, step.NewFailure(step.FailureConfiguration, CauseTemplate, err.Error())
	}

	if s.Action.Kind == step.ActionLocal {
		if dir == "" {
			dir = ec.WorkDir
		}
		return e.runLocal(ctx, ports.Command{Script: script, Env: env, Dir: dir}, output)
	}
	return e.runRemote(ctx, ec, remoteScript(script, dir, env), output)
}

func (e *Executor) runLocal(ctx context.Context, cmd ports.Command, output *strings.Builder) (*commandResult, *step.Failure) {
	res, err := e.runner.Run(ctx, cmd)
	output.WriteString(res.Combined())
	if err != nil {
		return nil, runError(ctx, err)
	}
	return &commandResult{exitCode: res.ExitCode, stdout: res.Stdout}, nil
}

func (e *Executor) runRemote(ctx context.Context, ec Context, script string, output *strings.Builder) (*commandResult, *step.Failure) {
	if ec.Target == nil || !ec.Target.Resolved() {
		return nil, step.NewFailure(step.FailureEnvironment, CauseNoAddress,
			"target has no address; the provisioning step must report public_ip")
	}

	conn, err := e.pool.Get(ctx, ec.Target)
	if err != nil {
		return nil, runError(ctx, err)
	}

	res, err := conn.Run(ctx, script)
	if err != nil {
		// The channel may be dead (e.g. after a reboot); reconnect next time.
		e.pool.Invalidate(ec.Target)
		return nil, runError(ctx, err)
	}
	output.Write(res.CombinedOutput())
	return &commandResult{exitCode: res.ExitCode, stdout: string(res.Stdout)}, nil
}

func (e *Executor) verify(stepCtx, parent context.Context, s *step.Step, ec Context, data TemplateData, output *strings.Builder) *step.Failure {
	spec, err := renderVerifySpec(*s.Action.Verify, data)
	if err != nil {
		return step.NewFailure(step.FailureConfiguration, CauseTemplate, err.Error())
	}
	if ec.Target == nil || !ec.Target.Resolved() {
		return step.NewFailure(step.FailureEnvironment, CauseNoAddress, "target has no address to verify against")
	}

	conn, err := e.pool.Get(stepCtx, ec.Target)
	if err != nil {
		return runError(stepCtx, err)
	}

	f, err := e.verifier.Verify(stepCtx, verify.Request{Conn: conn, Host: ec.Target.SSH().Hostname, Spec: spec})
	if err != nil {
		if parent.Err() == nil {
			e.pool.Invalidate(ec.Target)
		}
		return runError(stepCtx, err)
	}
	if f != nil {
		fmt.Fprintf(output, "\nverification failed: %s\n", f.Message)
	}
	return f
}

func renderVerifySpec(spec step.VerifySpec, data TemplateData) (step.VerifySpec, error) {
	out := step.VerifySpec{}
	for _, a := range spec.Artifacts {
		p, err := Render("artifact", a, data)
		if err != nil {
			return out, err
		}
		out.Artifacts = append(out.Artifacts, p)
	}
	if spec.Result != nil {
		p, err := Render("result path", spec.Result.Path, data)
		if err != nil {
			return out, err
		}
		out.Result = &step.ResultCheck{Path: p, SizeField: spec.Result.SizeField}
	}
	if spec.Service != nil {
		port, err := Render("service port", spec.Service.Port, data)
		if err != nil {
			return out, err
		}
		path, err := Render("service path", spec.Service.Path, data)
		if err != nil {
			return out, err
		}
		out.Service = &step.ServiceCheck{Port: port, Path: path, Timeout: spec.Service.Timeout}
	}
	return out, nil
}

// runError classifies an error from starting or talking to a process.
// The caller checks parent cancellation separately.
func runError(ctx context.Context, err error) *step.Failure {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return step.NewFailure(step.FailureTransient, step.CauseTimeout, "step exceeded its timeout")
	case errors.Is(err, transport.ErrUnreachable):
		return step.NewFailure(step.FailureTransient, step.CauseUnreachable, err.Error())
	case errors.Is(err, context.Canceled):
		return step.NewFailure(step.FailureTransient, "cancelled", err.Error())
	default:
		return step.NewFailure(step.FailureTransient, CauseExec, err.Error())
	}
}

// Probe runs the step's Check command. It returns true when the check
// exits 0, meaning the step's effect is already in place.
func (e *Executor) Probe(ctx context.Context, s *step.Step, ec Context) (bool, error) {
	if s.Action.Check == "" {
		return false, nil
	}
	data := ec.Data()
	check, err := Render(s.ID.String()+" check", s.Action.Check, data)
	if err != nil {
		return false, err
	}

	timeout := s.Timeout
	if timeout > probeTimeout {
		timeout = probeTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var exit int
	if s.Action.Kind == step.ActionLocal {
		res, err := e.runner.Run(probeCtx, ports.Command{Script: check, Env: ec.Env, Dir: ec.WorkDir})
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, nil
		}
		exit = res.ExitCode
	} else {
		if ec.Target == nil || !ec.Target.Resolved() {
			return false, nil
		}
		conn, err := e.pool.Get(probeCtx, ec.Target)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, nil
		}
		res, err := conn.Run(probeCtx, remoteScript(check, "", ec.Env))
		if err != nil {
			e.pool.Invalidate(ec.Target)
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, nil
		}
		exit = res.ExitCode
	}

	satisfied := exit == 0
	e.logger.Debug(ctx, "probe finished",
		ports.F("step", s.ID.String()),
		ports.F("satisfied", satisfied),
	)
	return satisfied, nil
}

// parseOutputs reads "key=value" lines for the declared keys. The last
// occurrence of a key wins.
func parseOutputs(stdout string, keys []string) map[string]string {
	if len(keys) == 0 {
		return nil
	}
	wanted := make(map[string]bool, len(keys))
	for _, k := range keys {
		wanted[k] = true
	}

	out := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		k, v, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if wanted[k] {
			out[k] = strings.Trim(strings.TrimSpace(v), `"'`)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (e *Executor) log(ctx context.Context, s *step.Step, out *Outcome) {
	fields := []ports.Field{
		ports.F("step", s.ID.String()),
		ports.F("attempt", out.Attempt),
		ports.F("exit_code", out.ExitCode),
		ports.F("duration", out.Duration.Round(time.Millisecond).String()),
	}
	switch {
	case out.Interrupted:
		e.logger.Warn(ctx, "step interrupted", fields...)
	case out.Failure != nil:
		fields = append(fields, ports.F("kind", out.Failure.Kind.String()), ports.F("cause", out.Failure.Cause))
		e.logger.Debug(ctx, "step attempt failed", fields...)
	default:
		e.logger.Debug(ctx, "step attempt succeeded", fields...)
	}
}
