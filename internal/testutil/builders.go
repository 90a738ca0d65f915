package testutil

import (
	"fmt"
	"sort"
	"strings"
)

// TestManifest is a simplified deployment manifest for testing.
type TestManifest struct {
	Version    int
	MinVersion string
	StateDir   string
	Provider   TestProvider
	Parallel   int
	Targets    []TestTarget
	Steps      []TestStep
}

// TestProvider holds the provider command templates.
type TestProvider struct {
	Name       string
	Create     string
	Start      string
	Deallocate string
}

// TestTarget is one GPU machine.
type TestTarget struct {
	Name          string
	ResourceGroup string
	Vars          map[string]string
}

// TestStep adds a manifest step or overrides a built-in one.
type TestStep struct {
	ID       string
	Stage    string
	After    []string
	Command  string
	OnDemand bool
}

// ManifestBuilder builds test manifests.
type ManifestBuilder struct {
	manifest TestManifest
}

// NewManifestBuilder creates a builder for an azure manifest whose
// provider commands name the target's resource group and VM.
func NewManifestBuilder() *ManifestBuilder {
	return &ManifestBuilder{
		manifest: TestManifest{
			Version: 1,
			Provider: TestProvider{
				Name:       "azure",
				Create:     "az vm create -g {{ .Target.ResourceGroup }} -n {{ .Target.Name }}",
				Start:      "az vm start -n {{ .Target.Name }}",
				Deallocate: "az vm deallocate -n {{ .Target.Name }}",
			},
			Targets: make([]TestTarget, 0),
		},
	}
}

// WithVersion sets the manifest version.
func (b *ManifestBuilder) WithVersion(version int) *ManifestBuilder {
	b.manifest.Version = version
	return b
}

// WithMinVersion sets the oldest binary version allowed to run the manifest.
func (b *ManifestBuilder) WithMinVersion(v string) *ManifestBuilder {
	b.manifest.MinVersion = v
	return b
}

// WithStateDir sets where runs are stored, relative to the manifest.
func (b *ManifestBuilder) WithStateDir(dir string) *ManifestBuilder {
	b.manifest.StateDir = dir
	return b
}

// WithProvider replaces the provider command templates.
func (b *ManifestBuilder) WithProvider(p TestProvider) *ManifestBuilder {
	b.manifest.Provider = p
	return b
}

// WithParallel bounds how many targets run at once.
func (b *ManifestBuilder) WithParallel(n int) *ManifestBuilder {
	b.manifest.Parallel = n
	return b
}

// WithTarget adds a target.
func (b *ManifestBuilder) WithTarget(name, resourceGroup string) *ManifestBuilder {
	b.manifest.Targets = append(b.manifest.Targets, TestTarget{
		Name:          name,
		ResourceGroup: resourceGroup,
	})
	return b
}

// WithTargetVar sets a variable on the most recently added target.
func (b *ManifestBuilder) WithTargetVar(key, value string) *ManifestBuilder {
	if len(b.manifest.Targets) == 0 {
		return b
	}
	t := &b.manifest.Targets[len(b.manifest.Targets)-1]
	if t.Vars == nil {
		t.Vars = make(map[string]string)
	}
	t.Vars[key] = value
	return b
}

// WithStep adds a build-stage command step after the given steps.
func (b *ManifestBuilder) WithStep(id, command string, after ...string) *ManifestBuilder {
	b.manifest.Steps = append(b.manifest.Steps, TestStep{ID: id, Stage: "build", Command: command, After: after})
	return b
}

// WithRemediationStep adds a step that only runs when a failure maps to it.
func (b *ManifestBuilder) WithRemediationStep(id, command string) *ManifestBuilder {
	b.manifest.Steps = append(b.manifest.Steps, TestStep{ID: id, Stage: "install", Command: command, OnDemand: true})
	return b
}

// Build returns the constructed manifest.
func (b *ManifestBuilder) Build() TestManifest {
	return b.manifest
}

// ToYAML converts the manifest to a YAML string.
func (m TestManifest) ToYAML() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("version: %d\n", m.Version))
	if m.MinVersion != "" {
		sb.WriteString(fmt.Sprintf("min_version: %s\n", m.MinVersion))
	}
	if m.StateDir != "" {
		sb.WriteString(fmt.Sprintf("state_dir: %q\n", m.StateDir))
	}

	sb.WriteString("provider:\n")
	sb.WriteString(fmt.Sprintf("  name: %s\n", m.Provider.Name))
	for _, kv := range [][2]string{
		{"create", m.Provider.Create},
		{"start", m.Provider.Start},
		{"deallocate", m.Provider.Deallocate},
	} {
		if kv[1] != "" {
			sb.WriteString(fmt.Sprintf("  %s: %q\n", kv[0], kv[1]))
		}
	}

	if m.Parallel > 0 {
		sb.WriteString("policy:\n")
		sb.WriteString(fmt.Sprintf("  parallel: %d\n", m.Parallel))
	}

	if len(m.Targets) > 0 {
		sb.WriteString("targets:\n")
		for _, t := range m.Targets {
			sb.WriteString(fmt.Sprintf("  - name: %s\n", t.Name))
			if t.ResourceGroup != "" {
				sb.WriteString(fmt.Sprintf("    resource_group: %s\n", t.ResourceGroup))
			}
			if len(t.Vars) > 0 {
				sb.WriteString("    vars:\n")
				keys := make([]string, 0, len(t.Vars))
				for k := range t.Vars {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					sb.WriteString(fmt.Sprintf("      %s: %q\n", k, t.Vars[k]))
				}
			}
		}
	}

	if len(m.Steps) > 0 {
		sb.WriteString("steps:\n")
		for _, s := range m.Steps {
			sb.WriteString(fmt.Sprintf("  - id: %s\n", s.ID))
			if s.Stage != "" {
				sb.WriteString(fmt.Sprintf("    stage: %s\n", s.Stage))
			}
			if len(s.After) > 0 {
				sb.WriteString(fmt.Sprintf("    after: [%s]\n", strings.Join(s.After, ", ")))
			}
			if s.Command != "" {
				sb.WriteString(fmt.Sprintf("    command: %q\n", s.Command))
			}
			if s.OnDemand {
				sb.WriteString("    on_demand: true\n")
			}
		}
	}

	return sb.String()
}
