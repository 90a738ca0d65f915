package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/felixgeelhaar/bringup/internal/domain/target"
)

// LocalTransport runs "remote" commands on this machine. It serves tests
// and single-machine bring-ups where the orchestrator runs on the target.
type LocalTransport struct {
	// Env is appended to every command's environment.
	Env []string
}

// NewLocalTransport creates a new local transport.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{}
}

// Name returns "local".
func (t *LocalTransport) Name() string {
	return "local"
}

// Connect returns a local connection.
func (t *LocalTransport) Connect(_ context.Context, tg *target.Target) (Connection, error) {
	tg.MarkOnline()
	return &LocalConnection{target: tg, env: t.Env}, nil
}

// Ping always succeeds for local.
func (t *LocalTransport) Ping(_ context.Context, tg *target.Target) error {
	tg.MarkOnline()
	return nil
}

// LocalConnection implements Connection for local execution.
type LocalConnection struct {
	target *target.Target
	env    []string
}

// Target returns the target.
func (c *LocalConnection) Target() *target.Target {
	return c.target
}

// Run executes a command locally.
func (c *LocalConnection) Run(ctx context.Context, cmdStr string) (*CommandResult, error) {
	return c.RunWithInput(ctx, cmdStr, nil)
}

// RunWithInput executes a command with stdin. Cancelling ctx sends SIGTERM
// to the command's process group and kills what is left once it returns.
func (c *LocalConnection) RunWithInput(ctx context.Context, cmdStr string, stdin io.Reader) (*CommandResult, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, "sh", "-c", cmdStr)
	cmd.SysProcAttr = processGroupAttr()
	cmd.Cancel = func() error { return signalGroup(cmd, syscall.SIGTERM) }
	cmd.WaitDelay = 5 * time.Second
	if len(c.env) > 0 {
		cmd.Env = append(os.Environ(), c.env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = stdin
	}

	err := cmd.Run()
	if ctx.Err() != nil {
		_ = signalGroup(cmd, syscall.SIGKILL)
	}
	result := &CommandResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return nil, err
		}
	}
	return result, nil
}

// Upload copies a file locally.
func (c *LocalConnection) Upload(_ context.Context, localPath, remotePath string) error {
	return copyFile(localPath, remotePath)
}

// Download copies a file locally.
func (c *LocalConnection) Download(_ context.Context, remotePath, localPath string) error {
	return copyFile(remotePath, localPath)
}

// Close is a no-op for local connections.
func (c *LocalConnection) Close() error {
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read source file: %w", err)
	}
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to stat source file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(dst, data, info.Mode().Perm()); err != nil {
		return fmt.Errorf("failed to write destination file: %w", err)
	}
	return nil
}
