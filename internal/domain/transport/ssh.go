package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/felixgeelhaar/bringup/internal/domain/target"
)

// SSHTransport implements Transport using SSH.
type SSHTransport struct {
	// DefaultTimeout is the default connection timeout.
	DefaultTimeout time.Duration
	// IdentityFiles are default identity file paths to try.
	IdentityFiles []string
}

// NewSSHTransport creates a new SSH transport with defaults.
func NewSSHTransport() *SSHTransport {
	homeDir, _ := os.UserHomeDir()
	return &SSHTransport{
		DefaultTimeout: 30 * time.Second,
		IdentityFiles: []string{
			filepath.Join(homeDir, ".ssh", "id_ed25519"),
			filepath.Join(homeDir, ".ssh", "id_rsa"),
		},
	}
}

// Name returns "ssh".
func (t *SSHTransport) Name() string {
	return "ssh"
}

// Connect establishes an SSH connection to the target.
func (t *SSHTransport) Connect(ctx context.Context, tg *target.Target) (Connection, error) {
	sshCfg := tg.SSH()
	if sshCfg.Hostname == "" {
		return nil, fmt.Errorf("%w: %s has no address yet", ErrUnreachable, tg.Name())
	}

	authMethods, closeAgent, err := t.buildAuthMethods(sshCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build auth methods: %w", err)
	}

	hostKeyCallback, err := hostKeyCallback(sshCfg)
	if err != nil {
		closeAgent()
		return nil, err
	}

	timeout := sshCfg.ConnectTimeout
	if timeout == 0 {
		timeout = t.DefaultTimeout
	}

	config := &ssh.ClientConfig{
		User:            sshCfg.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	addr := sshCfg.Address()

	var client *ssh.Client
	if sshCfg.ProxyJump != "" {
		client, err = t.connectViaProxy(ctx, addr, config, sshCfg.ProxyJump)
	} else {
		client, err = t.dial(ctx, addr, config)
	}
	if err != nil {
		closeAgent()
		tg.MarkError(err)
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}

	tg.MarkOnline()
	return &SSHConnection{
		target:     tg,
		client:     client,
		closeAgent: closeAgent,
	}, nil
}

// Ping tests SSH connectivity.
func (t *SSHTransport) Ping(ctx context.Context, tg *target.Target) error {
	conn, err := t.Connect(ctx, tg)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	result, err := conn.Run(ctx, "echo pong")
	if err != nil {
		return err
	}
	if !result.Success() {
		return fmt.Errorf("ping command failed with exit code %d", result.ExitCode)
	}
	return nil
}

func (t *SSHTransport) buildAuthMethods(cfg target.SSHConfig) ([]ssh.AuthMethod, func(), error) {
	var methods []ssh.AuthMethod
	closeAgent := func() {}

	if cfg.IdentityFile != "" {
		signer, err := loadPrivateKey(cfg.IdentityFile)
		if err != nil {
			return nil, closeAgent, fmt.Errorf("failed to load identity file %s: %w", cfg.IdentityFile, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	for _, path := range t.IdentityFiles {
		signer, err := loadPrivateKey(path)
		if err == nil {
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}

	if socket := os.Getenv("SSH_AUTH_SOCK"); socket != "" {
		if conn, err := net.Dial("unix", socket); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			closeAgent = func() { _ = conn.Close() }
		}
	}

	if len(methods) == 0 {
		return nil, closeAgent, fmt.Errorf("no authentication methods available")
	}
	return methods, closeAgent, nil
}

func hostKeyCallback(cfg target.SSHConfig) (ssh.HostKeyCallback, error) {
	if cfg.KnownHostsFile == "" {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // new VMs have no recorded host key
	}
	cb, err := knownhosts.New(expandHome(cfg.KnownHostsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load known hosts: %w", err)
	}
	return cb, nil
}

func loadPrivateKey(path string) (ssh.Signer, error) {
	key, err := os.ReadFile(expandHome(path))
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(key)
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

func (t *SSHTransport) dial(ctx context.Context, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	dialer := &net.Dialer{
		Timeout: config.Timeout,
	}

	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("SSH handshake failed: %w", err)
	}

	return ssh.NewClient(sshConn, chans, reqs), nil
}

func (t *SSHTransport) connectViaProxy(ctx context.Context, addr string, config *ssh.ClientConfig, proxyJump string) (*ssh.Client, error) {
	if !strings.Contains(proxyJump, ":") {
		proxyJump += ":22"
	}
	proxyClient, err := t.dial(ctx, proxyJump, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to proxy %s: %w", proxyJump, err)
	}

	netConn, err := proxyClient.Dial("tcp", addr)
	if err != nil {
		_ = proxyClient.Close()
		return nil, fmt.Errorf("failed to dial through proxy: %w", err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		_ = netConn.Close()
		_ = proxyClient.Close()
		return nil, fmt.Errorf("SSH handshake via proxy failed: %w", err)
	}

	return ssh.NewClient(sshConn, chans, reqs), nil
}

// SSHConnection implements Connection using SSH.
type SSHConnection struct {
	target     *target.Target
	client     *ssh.Client
	closeAgent func()
}

// Target returns the connected target.
func (c *SSHConnection) Target() *target.Target {
	return c.target
}

// Run executes a command on the target.
func (c *SSHConnection) Run(ctx context.Context, cmd string) (*CommandResult, error) {
	return c.RunWithInput(ctx, cmd, nil)
}

// RunWithInput executes a command with stdin. Cancelling ctx sends SIGTERM
// to the remote process and closes the session.
func (c *SSHConnection) RunWithInput(ctx context.Context, cmd string, stdin io.Reader) (*CommandResult, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create session: %w", ErrUnreachable, err)
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = stdin
	}

	done := make(chan error, 1)
	start := time.Now()

	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		return nil, ctx.Err()
	case err := <-done:
		result := &CommandResult{
			Stdout:   stdout.Bytes(),
			Stderr:   stderr.Bytes(),
			Duration: time.Since(start),
		}

		if err != nil {
			var exitErr *ssh.ExitError
			var missing *ssh.ExitMissingError
			switch {
			case errors.As(err, &exitErr):
				result.ExitCode = exitErr.ExitStatus()
			case errors.As(err, &missing):
				// The channel closed without a status, e.g. during reboot.
				return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
			default:
				return nil, err
			}
		}
		return result, nil
	}
}

// Upload transfers a file to the target.
func (c *SSHConnection) Upload(ctx context.Context, localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to read local file: %w", err)
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("failed to stat local file: %w", err)
	}

	cmd := fmt.Sprintf("cat > %s && chmod %o %s", ShellQuote(remotePath), info.Mode().Perm(), ShellQuote(remotePath))
	result, err := c.RunWithInput(ctx, cmd, bytes.NewReader(data))
	if err != nil {
		return err
	}
	if !result.Success() {
		return fmt.Errorf("upload failed: %s", string(result.Stderr))
	}
	return nil
}

// Download transfers a file from the target.
func (c *SSHConnection) Download(ctx context.Context, remotePath, localPath string) error {
	result, err := c.Run(ctx, "cat "+ShellQuote(remotePath))
	if err != nil {
		return err
	}
	if !result.Success() {
		return fmt.Errorf("download failed: %s", string(result.Stderr))
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(localPath, result.Stdout, 0o644); err != nil {
		return fmt.Errorf("failed to write local file: %w", err)
	}
	return nil
}

// Close closes the SSH connection.
func (c *SSHConnection) Close() error {
	if c.closeAgent != nil {
		c.closeAgent()
	}
	return c.client.Close()
}

// ShellQuote quotes s for a POSIX shell. A leading "~/" or "$HOME/" is left
// unquoted so the remote shell expands it.
func ShellQuote(s string) string {
	prefix := ""
	for _, p := range []string{"~/", "$HOME/"} {
		if strings.HasPrefix(s, p) {
			prefix, s = p, strings.TrimPrefix(s, p)
			break
		}
	}
	if s == "" {
		return prefix
	}
	return prefix + "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
