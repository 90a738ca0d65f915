package executor

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/felixgeelhaar/bringup/internal/domain/run"
	"github.com/felixgeelhaar/bringup/internal/domain/target"
	"github.com/felixgeelhaar/bringup/internal/domain/transport"
)

// Context is the scoped execution context of one step attempt. Commands
// see only what is in here, never the orchestrator's own environment.
type Context struct {
	RunID  string
	Target *target.Target
	Handle *run.ResourceHandle
	Vars   map[string]string
	// Env is added to every command of the run.
	Env map[string]string
	// WorkDir is the default directory for local actions.
	WorkDir string
	Attempt int
}

// TargetView is the target as seen by templates.
type TargetView struct {
	Name          string
	ResourceGroup string
	Region        string
	Size          string
	User          string
	Hostname      string
}

// TemplateData is the value command templates are rendered against.
type TemplateData struct {
	RunID   string
	Target  TargetView
	Handle  run.ResourceHandle
	Vars    map[string]string
	Attempt int
}

// Data builds the template data.
func (c Context) Data() TemplateData {
	d := TemplateData{RunID: c.RunID, Vars: c.Vars, Attempt: c.Attempt}
	if d.Vars == nil {
		d.Vars = map[string]string{}
	}
	if c.Target != nil {
		d.Target = TargetView{
			Name:          c.Target.Name(),
			ResourceGroup: c.Target.ResourceGroup(),
			Region:        c.Target.Region(),
			Size:          c.Target.Size(),
			User:          c.Target.User(),
			Hostname:      c.Target.SSH().Hostname,
		}
	}
	if c.Handle != nil {
		d.Handle = *c.Handle
	}
	return d
}

// Render renders one template string. Unknown keys are errors so a typo in
// a manifest fails as a configuration problem rather than running a
// half-empty command.
func Render(name, text string, data TemplateData) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse %s template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s template: %w", name, err)
	}
	return buf.String(), nil
}

// renderEnv renders env values and merges them over the run-wide env.
func renderEnv(base, step map[string]string, data TemplateData) (map[string]string, error) {
	out := make(map[string]string, len(base)+len(step))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range step {
		rendered, err := Render("env "+k, v, data)
		if err != nil {
			return nil, err
		}
		out[k] = rendered
	}
	return out, nil
}

// remoteScript prefixes a script with a directory change and env exports.
// Paths are quoted except for a leading ~/ or $HOME/, which the remote
// shell expands.
func remoteScript(script, dir string, env map[string]string) string {
	var b strings.Builder
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s\n", k, transport.ShellQuote(env[k]))
	}
	if dir != "" {
		fmt.Fprintf(&b, "cd %s || exit 1\n", transport.ShellQuote(dir))
	}
	b.WriteString(script)
	return b.String()
}
