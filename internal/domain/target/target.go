// Package target describes the machines a run provisions and configures.
package target

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// namePattern validates target names: alphanumeric with hyphens and dots.
var namePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._-]{0,62}[a-zA-Z0-9]?$`)

// ValidateName checks a target name.
func ValidateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("target name cannot be empty")
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid target name %q: must be alphanumeric with hyphens/dots, 1-64 chars", name)
	}
	return nil
}

// Status is the last observed reachability of a target.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusOnline  Status = "online"
	StatusError   Status = "error"
)

// SSHConfig holds SSH connection settings for a target.
type SSHConfig struct {
	// Hostname is empty until provisioning reports the public address.
	Hostname string `yaml:"hostname,omitempty" toml:"hostname,omitempty" json:"hostname,omitempty"`
	User     string `yaml:"user" toml:"user" json:"user"`
	// Port is the SSH port (default 22).
	Port         int    `yaml:"port,omitempty" toml:"port,omitempty" json:"port,omitempty"`
	IdentityFile string `yaml:"ssh_key,omitempty" toml:"ssh_key,omitempty" json:"ssh_key,omitempty"`
	ProxyJump    string `yaml:"proxy_jump,omitempty" toml:"proxy_jump,omitempty" json:"proxy_jump,omitempty"`
	// KnownHostsFile enables host key checking. Without it any host key
	// is accepted, since a freshly created VM has no recorded key.
	KnownHostsFile string        `yaml:"known_hosts,omitempty" toml:"known_hosts,omitempty" json:"known_hosts,omitempty"`
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty" toml:"connect_timeout,omitempty" json:"connect_timeout,omitempty"`
}

// Validate validates the SSH configuration.
func (c SSHConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535")
	}
	if c.ConnectTimeout < 0 {
		return fmt.Errorf("connect_timeout must not be negative")
	}
	return nil
}

// WithDefaults returns a copy with default values applied.
func (c SSHConfig) WithDefaults() SSHConfig {
	if c.Port == 0 {
		c.Port = 22
	}
	if c.User == "" {
		c.User = "azureuser"
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	return c
}

// Address returns host:port.
func (c SSHConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Hostname, c.Port)
}

// Spec is the declarative description of a target from the manifest.
type Spec struct {
	Name          string
	ResourceGroup string
	Region        string
	Size          string
	SSH           SSHConfig
	Vars          map[string]string
}

// Target is a machine a run provisions and configures.
type Target struct {
	name          string
	resourceGroup string
	region        string
	size          string
	ssh           SSHConfig
	vars          map[string]string

	mu        sync.RWMutex
	status    Status
	lastSeen  time.Time
	lastError error
}

// New creates a target from its spec.
func New(spec Spec) (*Target, error) {
	if err := ValidateName(spec.Name); err != nil {
		return nil, err
	}
	ssh := spec.SSH.WithDefaults()
	if err := ssh.Validate(); err != nil {
		return nil, fmt.Errorf("invalid SSH config for %s: %w", spec.Name, err)
	}
	vars := make(map[string]string, len(spec.Vars))
	for k, v := range spec.Vars {
		vars[k] = v
	}
	return &Target{
		name:          spec.Name,
		resourceGroup: spec.ResourceGroup,
		region:        spec.Region,
		size:          spec.Size,
		ssh:           ssh,
		vars:          vars,
		status:        StatusUnknown,
	}, nil
}

// Name returns the target's unique name.
func (t *Target) Name() string { return t.name }

// ResourceGroup returns the provider resource group.
func (t *Target) ResourceGroup() string { return t.resourceGroup }

// Region returns the provider region.
func (t *Target) Region() string { return t.region }

// Size returns the provider machine size.
func (t *Target) Size() string { return t.size }

// SSH returns the SSH configuration.
func (t *Target) SSH() SSHConfig { return t.ssh }

// User returns the SSH user.
func (t *Target) User() string { return t.ssh.User }

// Vars returns a copy of the target's template variables.
func (t *Target) Vars() map[string]string {
	out := make(map[string]string, len(t.vars))
	for k, v := range t.vars {
		out[k] = v
	}
	return out
}

// Resolved reports whether the target has an address to connect to.
func (t *Target) Resolved() bool {
	return t.ssh.Hostname != ""
}

// WithHostname returns a copy of the target pointing at hostname. The
// original keeps its address.
func (t *Target) WithHostname(hostname string) *Target {
	c := &Target{
		name:          t.name,
		resourceGroup: t.resourceGroup,
		region:        t.region,
		size:          t.size,
		ssh:           t.ssh,
		vars:          t.vars,
		status:        StatusUnknown,
	}
	c.ssh.Hostname = hostname
	return c
}

// Status returns the last observed status.
func (t *Target) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// LastSeen returns when the target was last reached.
func (t *Target) LastSeen() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastSeen
}

// LastError returns the most recent connection error.
func (t *Target) LastError() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastError
}

// MarkOnline records a successful contact.
func (t *Target) MarkOnline() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusOnline
	t.lastSeen = time.Now()
	t.lastError = nil
}

// MarkError records a failed contact.
func (t *Target) MarkError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusError
	t.lastError = err
}

// String returns the name and address for logs.
func (t *Target) String() string {
	if !t.Resolved() {
		return t.name
	}
	return fmt.Sprintf("%s (%s@%s)", t.name, t.ssh.User, t.ssh.Address())
}
