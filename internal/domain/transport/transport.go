// Package transport provides the remote execution channel to targets.
package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/felixgeelhaar/bringup/internal/domain/target"
)

// ErrUnreachable wraps failures to establish a connection.
var ErrUnreachable = errors.New("target unreachable")

// CommandResult holds the result of a remote command execution.
type CommandResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// Success returns true if the command exited with code 0.
func (r *CommandResult) Success() bool {
	return r.ExitCode == 0
}

// CombinedOutput returns stdout and stderr combined.
func (r *CommandResult) CombinedOutput() []byte {
	result := make([]byte, 0, len(r.Stdout)+len(r.Stderr))
	result = append(result, r.Stdout...)
	result = append(result, r.Stderr...)
	return result
}

// Connection represents an active connection to a target.
type Connection interface {
	// Target returns the connected target.
	Target() *target.Target

	// Run executes a shell command and returns the result. A non-zero
	// exit is reported in the result, not as an error.
	Run(ctx context.Context, cmd string) (*CommandResult, error)

	// RunWithInput executes a command with stdin input.
	RunWithInput(ctx context.Context, cmd string, stdin io.Reader) (*CommandResult, error)

	// Upload transfers a file to the target.
	Upload(ctx context.Context, localPath, remotePath string) error

	// Download transfers a file from the target.
	Download(ctx context.Context, remotePath, localPath string) error

	// Close closes the connection.
	Close() error
}

// Transport opens connections to targets.
type Transport interface {
	// Name returns the transport name (e.g., "ssh", "local").
	Name() string

	// Connect establishes a connection. Connection failures wrap
	// ErrUnreachable.
	Connect(ctx context.Context, t *target.Target) (Connection, error)

	// Ping tests connectivity without keeping a connection open.
	Ping(ctx context.Context, t *target.Target) error
}

// ConnectionPool reuses one connection per target address for the
// duration of a run.
type ConnectionPool struct {
	transport   Transport
	mu          sync.Mutex
	connections map[string]Connection
}

// NewConnectionPool creates a new connection pool.
func NewConnectionPool(transport Transport) *ConnectionPool {
	return &ConnectionPool{
		transport:   transport,
		connections: make(map[string]Connection),
	}
}

// Transport returns the underlying transport.
func (p *ConnectionPool) Transport() Transport {
	return p.transport
}

// Get returns a connection for the target, creating one if needed. Dialing
// happens outside the pool lock, so a slow target does not hold up others.
func (p *ConnectionPool) Get(ctx context.Context, t *target.Target) (Connection, error) {
	key := poolKey(t)

	p.mu.Lock()
	conn, ok := p.connections[key]
	p.mu.Unlock()
	if ok {
		return conn, nil
	}

	conn, err := p.transport.Connect(ctx, t)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.connections[key]; ok {
		_ = conn.Close()
		return existing, nil
	}
	p.connections[key] = conn
	return conn, nil
}

// Invalidate closes and forgets the connection for t, so the next Get
// reconnects. Used after a reboot or a broken channel.
func (p *ConnectionPool) Invalidate(t *target.Target) {
	key := poolKey(t)

	p.mu.Lock()
	conn, ok := p.connections[key]
	delete(p.connections, key)
	p.mu.Unlock()

	if ok {
		_ = conn.Close()
	}
}

// Close closes all connections in the pool.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for _, conn := range p.connections {
		if err := conn.Close(); err != nil {
			lastErr = err
		}
	}
	p.connections = make(map[string]Connection)
	return lastErr
}

// Size returns the number of connections in the pool.
func (p *ConnectionPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.connections)
}

func poolKey(t *target.Target) string {
	return t.Name() + "@" + t.SSH().Address()
}
