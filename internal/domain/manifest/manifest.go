// Package manifest loads deployment manifests: the provider commands,
// policy, defaults, targets and step overrides that configure a run.
package manifest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/bringup/internal/domain/step"
)

// CurrentVersion is the manifest schema version this binary reads.
const CurrentVersion = 1

// Format is a manifest encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFromPath picks the format by file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("unsupported manifest extension %q (want .yaml, .yml or .toml)", filepath.Ext(path))
	}
}

// Duration is a time.Duration written as a Go duration string ("30m").
type Duration time.Duration

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Manifest is the root deployment configuration.
type Manifest struct {
	Version    int               `yaml:"version" toml:"version"`
	MinVersion string            `yaml:"min_version,omitempty" toml:"min_version,omitempty"`
	StateDir   string            `yaml:"state_dir,omitempty" toml:"state_dir,omitempty"`
	Logging    LoggingConfig     `yaml:"logging,omitempty" toml:"logging,omitempty"`
	Provider   ProviderConfig    `yaml:"provider" toml:"provider"`
	Policy     PolicyConfig      `yaml:"policy,omitempty" toml:"policy,omitempty"`
	Defaults   DefaultsConfig    `yaml:"defaults,omitempty" toml:"defaults,omitempty"`
	Env        map[string]string `yaml:"env,omitempty" toml:"env,omitempty"`
	Targets    []TargetConfig    `yaml:"targets" toml:"targets"`
	Steps      []StepConfig      `yaml:"steps,omitempty" toml:"steps,omitempty"`

	// path is the file the manifest was loaded from.
	path string
}

// LoggingConfig configures the console logger.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty" toml:"level,omitempty"`
	Format string `yaml:"format,omitempty" toml:"format,omitempty"`
}

// ProviderConfig holds the resource-provider command templates.
type ProviderConfig struct {
	Name            string `yaml:"name" toml:"name"`
	CredentialsFile string `yaml:"credentials_file,omitempty" toml:"credentials_file,omitempty"`
	Profile         string `yaml:"profile,omitempty" toml:"profile,omitempty"`

	Create            string `yaml:"create" toml:"create"`
	Start             string `yaml:"start,omitempty" toml:"start,omitempty"`
	Restart           string `yaml:"restart,omitempty" toml:"restart,omitempty"`
	Deallocate        string `yaml:"deallocate,omitempty" toml:"deallocate,omitempty"`
	Delete            string `yaml:"delete,omitempty" toml:"delete,omitempty"`
	OpenPort          string `yaml:"open_port,omitempty" toml:"open_port,omitempty"`
	DisableSecureBoot string `yaml:"disable_secure_boot,omitempty" toml:"disable_secure_boot,omitempty"`
}

// PolicyConfig holds orchestration policy.
type PolicyConfig struct {
	SecureBoot           string `yaml:"secure_boot,omitempty" toml:"secure_boot,omitempty"`
	Parallel             int    `yaml:"parallel,omitempty" toml:"parallel,omitempty"`
	DeprovisionOnSuccess bool   `yaml:"deprovision_on_success,omitempty" toml:"deprovision_on_success,omitempty"`
	CleanupOnFailure     bool   `yaml:"cleanup_on_failure,omitempty" toml:"cleanup_on_failure,omitempty"`
}

// RetryConfig is the manifest form of step.RetryPolicy.
type RetryConfig struct {
	MaxAttempts    int      `yaml:"max_attempts,omitempty" toml:"max_attempts,omitempty"`
	InitialBackoff Duration `yaml:"initial_backoff,omitempty" toml:"initial_backoff,omitempty"`
	MaxBackoff     Duration `yaml:"max_backoff,omitempty" toml:"max_backoff,omitempty"`
	Multiplier     float64  `yaml:"multiplier,omitempty" toml:"multiplier,omitempty"`
}

// Policy converts the config into a retry policy. Zero fields stay zero.
func (c RetryConfig) Policy() step.RetryPolicy {
	return step.RetryPolicy{
		MaxAttempts:    c.MaxAttempts,
		InitialBackoff: c.InitialBackoff.Std(),
		MaxBackoff:     c.MaxBackoff.Std(),
		Multiplier:     c.Multiplier,
	}
}

func (c RetryConfig) isZero() bool {
	return c == RetryConfig{}
}

// DefaultsConfig applies to manifest-declared steps that leave fields
// empty.
type DefaultsConfig struct {
	Timeout Duration    `yaml:"timeout,omitempty" toml:"timeout,omitempty"`
	Retry   RetryConfig `yaml:"retry,omitempty" toml:"retry,omitempty"`
}

// SSHConfig is the manifest form of target SSH settings.
type SSHConfig struct {
	Host           string   `yaml:"host,omitempty" toml:"host,omitempty"`
	User           string   `yaml:"user,omitempty" toml:"user,omitempty"`
	Port           int      `yaml:"port,omitempty" toml:"port,omitempty"`
	Key            string   `yaml:"ssh_key,omitempty" toml:"ssh_key,omitempty"`
	ProxyJump      string   `yaml:"proxy_jump,omitempty" toml:"proxy_jump,omitempty"`
	KnownHosts     string   `yaml:"known_hosts,omitempty" toml:"known_hosts,omitempty"`
	ConnectTimeout Duration `yaml:"connect_timeout,omitempty" toml:"connect_timeout,omitempty"`
}

// TargetConfig declares one GPU machine.
type TargetConfig struct {
	Name          string            `yaml:"name" toml:"name"`
	ResourceGroup string            `yaml:"resource_group,omitempty" toml:"resource_group,omitempty"`
	Region        string            `yaml:"region,omitempty" toml:"region,omitempty"`
	Size          string            `yaml:"size,omitempty" toml:"size,omitempty"`
	SSH           SSHConfig         `yaml:"ssh,omitempty" toml:"ssh,omitempty"`
	Vars          map[string]string `yaml:"vars,omitempty" toml:"vars,omitempty"`
	Env           map[string]string `yaml:"env,omitempty" toml:"env,omitempty"`
	WorkDir       string            `yaml:"workdir,omitempty" toml:"workdir,omitempty"`
}

// RuleConfig is one classifier rule.
type RuleConfig struct {
	Pattern   string `yaml:"pattern,omitempty" toml:"pattern,omitempty"`
	ExitCodes []int  `yaml:"exit_codes,omitempty" toml:"exit_codes,omitempty"`
	Kind      string `yaml:"kind" toml:"kind"`
	Cause     string `yaml:"cause,omitempty" toml:"cause,omitempty"`
}

// RemediationConfig maps a failure kind (and optional cause) to a step.
type RemediationConfig struct {
	Kind  string `yaml:"kind" toml:"kind"`
	Cause string `yaml:"cause,omitempty" toml:"cause,omitempty"`
	Step  string `yaml:"step" toml:"step"`
}

// VerifyConfig declares acceptance checks.
type VerifyConfig struct {
	Artifacts []string       `yaml:"artifacts,omitempty" toml:"artifacts,omitempty"`
	Result    *ResultConfig  `yaml:"result,omitempty" toml:"result,omitempty"`
	Service   *ServiceConfig `yaml:"service,omitempty" toml:"service,omitempty"`
}

// ResultConfig inspects a JSON result file on the target.
type ResultConfig struct {
	Path      string `yaml:"path" toml:"path"`
	SizeField string `yaml:"size_field,omitempty" toml:"size_field,omitempty"`
}

// ServiceConfig polls a service health endpoint.
type ServiceConfig struct {
	Port    string   `yaml:"port" toml:"port"`
	Path    string   `yaml:"path,omitempty" toml:"path,omitempty"`
	Timeout Duration `yaml:"timeout,omitempty" toml:"timeout,omitempty"`
}

// StepConfig adds a step or overrides fields of a built-in one. Pointer
// fields distinguish "not set" from false.
type StepConfig struct {
	ID           string              `yaml:"id" toml:"id"`
	Description  string              `yaml:"description,omitempty" toml:"description,omitempty"`
	Stage        string              `yaml:"stage,omitempty" toml:"stage,omitempty"`
	After        []string            `yaml:"after,omitempty" toml:"after,omitempty"`
	Kind         string              `yaml:"kind,omitempty" toml:"kind,omitempty"`
	Command      string              `yaml:"command,omitempty" toml:"command,omitempty"`
	Check        string              `yaml:"check,omitempty" toml:"check,omitempty"`
	Env          map[string]string   `yaml:"env,omitempty" toml:"env,omitempty"`
	WorkDir      string              `yaml:"workdir,omitempty" toml:"workdir,omitempty"`
	Outputs      []string            `yaml:"outputs,omitempty" toml:"outputs,omitempty"`
	Idempotent   *bool               `yaml:"idempotent,omitempty" toml:"idempotent,omitempty"`
	Optional     *bool               `yaml:"optional,omitempty" toml:"optional,omitempty"`
	OnDemand     *bool               `yaml:"on_demand,omitempty" toml:"on_demand,omitempty"`
	Timeout      Duration            `yaml:"timeout,omitempty" toml:"timeout,omitempty"`
	Retry        RetryConfig         `yaml:"retry,omitempty" toml:"retry,omitempty"`
	Classify     []RuleConfig        `yaml:"classify,omitempty" toml:"classify,omitempty"`
	DefaultKind  string              `yaml:"default_kind,omitempty" toml:"default_kind,omitempty"`
	Remediations []RemediationConfig `yaml:"remediations,omitempty" toml:"remediations,omitempty"`
	Verify       *VerifyConfig       `yaml:"verify,omitempty" toml:"verify,omitempty"`
}

// Path returns the file the manifest was loaded from, if any.
func (m *Manifest) Path() string {
	return m.path
}

// Load reads and validates a manifest file. The parser is picked by
// extension. Every problem is a *step.ConfigurationError.
func Load(path string) (*Manifest, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, invalid(path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, step.NewConfigurationError(step.ErrCodeInvalidManifest, "cannot read manifest").
			WithContext(path).
			WithUnderlying(err).
			WithSuggestion("Check the path passed to 'bringup run'.")
	}

	m, err := Parse(data, format)
	if err != nil {
		return nil, withContext(err, path)
	}
	m.path = path
	return m, nil
}

// Parse decodes and validates manifest bytes.
func Parse(data []byte, format Format) (*Manifest, error) {
	var m Manifest
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&m); err != nil {
			return nil, invalid("", err)
		}
	case FormatTOML:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&m); err != nil {
			return nil, invalid("", err)
		}
	default:
		return nil, invalid("", fmt.Errorf("unknown format %q", format))
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks fields that do not need the step graph.
func (m *Manifest) Validate() error {
	if m.Version != CurrentVersion {
		return invalid("version", fmt.Errorf("unsupported manifest version %d (want %d)", m.Version, CurrentVersion))
	}
	if strings.TrimSpace(m.Provider.Create) == "" {
		return step.NewConfigurationError(step.ErrCodeInvalidManifest, "provider.create is required").
			WithContext("provider").
			WithSuggestion("Give the command that creates the VM, e.g. 'az vm create ...'.")
	}
	if len(m.Targets) == 0 {
		return step.NewConfigurationError(step.ErrCodeInvalidManifest, "manifest must define at least one target").
			WithContext("targets")
	}
	if m.Policy.Parallel < 0 {
		return invalid("policy.parallel", fmt.Errorf("must not be negative"))
	}

	seen := make(map[string]bool, len(m.Targets))
	for i, t := range m.Targets {
		if t.Name == "" {
			return invalid(fmt.Sprintf("targets[%d]", i), fmt.Errorf("name is required"))
		}
		if seen[t.Name] {
			return invalid(fmt.Sprintf("targets[%d]", i), fmt.Errorf("duplicate target %q", t.Name))
		}
		seen[t.Name] = true
	}

	ids := make(map[string]bool, len(m.Steps))
	for i, s := range m.Steps {
		if s.ID == "" {
			return invalid(fmt.Sprintf("steps[%d]", i), fmt.Errorf("id is required"))
		}
		if ids[s.ID] {
			return invalid(fmt.Sprintf("steps[%d]", i), fmt.Errorf("step %q declared twice", s.ID))
		}
		ids[s.ID] = true
	}
	return nil
}

// Target returns the named target.
func (m *Manifest) Target(name string) (TargetConfig, bool) {
	for _, t := range m.Targets {
		if t.Name == name {
			return t, true
		}
	}
	return TargetConfig{}, false
}

// TargetNames returns target names in declaration order.
func (m *Manifest) TargetNames() []string {
	names := make([]string, 0, len(m.Targets))
	for _, t := range m.Targets {
		names = append(names, t.Name)
	}
	return names
}

func invalid(ctx string, err error) *step.ConfigurationError {
	e := step.NewConfigurationError(step.ErrCodeInvalidManifest, "invalid manifest").WithUnderlying(err)
	if ctx != "" {
		e = e.WithContext(ctx)
	}
	return e
}

// withContext prefixes the manifest path onto a configuration error.
func withContext(err error, path string) error {
	if ce, ok := err.(*step.ConfigurationError); ok {
		if ce.Context == "" {
			return ce.WithContext(path)
		}
		return ce.WithContext(path + ": " + ce.Context)
	}
	return err
}
