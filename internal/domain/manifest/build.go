package manifest

import (
	"fmt"

	"github.com/felixgeelhaar/bringup/internal/domain/pipeline"
	"github.com/felixgeelhaar/bringup/internal/domain/step"
	"github.com/felixgeelhaar/bringup/internal/domain/target"
)

// Deployment is everything needed to drive runs against one target.
type Deployment struct {
	Target   *target.Target
	Registry *pipeline.Registry
	// Vars are the template variables: built-in defaults overlaid with
	// the target's vars.
	Vars    map[string]string
	Env     map[string]string
	WorkDir string
}

// PipelineOptions returns the built-in pipeline options the manifest
// selects.
func (m *Manifest) PipelineOptions() (pipeline.Options, error) {
	policy, err := pipeline.ParseSecureBootPolicy(m.Policy.SecureBoot)
	if err != nil {
		return pipeline.Options{}, invalid("policy.secure_boot", err)
	}
	p := m.Provider
	return pipeline.Options{
		SecureBoot: policy,
		Provider: pipeline.ProviderCommands{
			Create:            p.Create,
			Start:             p.Start,
			Restart:           p.Restart,
			Deallocate:        p.Deallocate,
			Delete:            p.Delete,
			OpenPort:          p.OpenPort,
			DisableSecureBoot: p.DisableSecureBoot,
		},
		DeprovisionOnSuccess: m.Policy.DeprovisionOnSuccess,
	}, nil
}

// Registry builds the step graph: the built-in pipeline with the
// manifest's step overrides and additions applied in order.
func (m *Manifest) Registry() (*pipeline.Registry, error) {
	opts, err := m.PipelineOptions()
	if err != nil {
		return nil, err
	}
	reg, err := pipeline.Default(opts)
	if err != nil {
		return nil, err
	}

	for i, sc := range m.Steps {
		ctx := fmt.Sprintf("steps[%d]", i)
		id, err := step.NewID(sc.ID)
		if err != nil {
			return nil, invalid(ctx, err)
		}

		if existing, ok := reg.Get(id); ok {
			s, err := m.applyStep(*existing, sc)
			if err != nil {
				return nil, withContext(err, ctx)
			}
			if err := reg.Replace(s); err != nil {
				return nil, withContext(err, ctx)
			}
			continue
		}

		s, err := m.applyStep(m.newStep(id), sc)
		if err != nil {
			return nil, withContext(err, ctx)
		}
		if err := reg.Register(s); err != nil {
			return nil, withContext(err, ctx)
		}
	}

	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return reg, nil
}

// newStep returns the base of a manifest-declared step.
func (m *Manifest) newStep(id step.ID) step.Step {
	return step.Step{
		ID:         id,
		Action:     step.Action{Kind: step.ActionRemote},
		Idempotent: true,
		Retry:      m.Defaults.Retry.Policy(),
		Timeout:    m.Defaults.Timeout.Std(),
		Classifier: step.NewClassifier(),
	}
}

// applyStep overlays the set fields of sc onto s.
func (m *Manifest) applyStep(s step.Step, sc StepConfig) (step.Step, error) {
	if sc.Description != "" {
		s.Description = sc.Description
	}
	if sc.Stage != "" {
		stage, err := step.ParseStage(sc.Stage)
		if err != nil {
			return s, invalid("stage", err)
		}
		s.Stage = stage
	}
	if sc.After != nil {
		s.Prerequisites = make([]step.ID, 0, len(sc.After))
		for _, dep := range sc.After {
			id, err := step.NewID(dep)
			if err != nil {
				return s, invalid("after", err)
			}
			s.Prerequisites = append(s.Prerequisites, id)
		}
	}

	if sc.Kind != "" {
		switch k := step.ActionKind(sc.Kind); k {
		case step.ActionLocal, step.ActionRemote, step.ActionVerify:
			s.Action.Kind = k
		default:
			return s, invalid("kind", fmt.Errorf("unknown action kind %q (want local, remote or verify)", sc.Kind))
		}
	}
	if sc.Command != "" {
		s.Action.Command = sc.Command
	}
	if sc.Check != "" {
		s.Action.Check = sc.Check
	}
	if len(sc.Env) > 0 {
		env := make(map[string]string, len(s.Action.Env)+len(sc.Env))
		for k, v := range s.Action.Env {
			env[k] = v
		}
		for k, v := range sc.Env {
			env[k] = v
		}
		s.Action.Env = env
	}
	if sc.WorkDir != "" {
		s.Action.WorkDir = sc.WorkDir
	}
	if sc.Outputs != nil {
		s.Action.Outputs = append([]string(nil), sc.Outputs...)
	}
	if sc.Verify != nil {
		s.Action.Verify = verifySpec(*sc.Verify)
	}

	if sc.Idempotent != nil {
		s.Idempotent = *sc.Idempotent
	}
	if sc.Optional != nil {
		s.Optional = *sc.Optional
	}
	if sc.OnDemand != nil {
		s.OnDemand = *sc.OnDemand
	}
	if sc.Timeout != 0 {
		s.Timeout = sc.Timeout.Std()
	}
	if !sc.Retry.isZero() {
		s.Retry = mergeRetry(s.Retry, sc.Retry.Policy())
	}

	if len(sc.Classify) > 0 {
		rules := make([]step.Rule, 0, len(sc.Classify))
		for _, rc := range sc.Classify {
			kind, err := step.ParseFailureKind(rc.Kind)
			if err != nil {
				return s, invalid("classify", err)
			}
			r, err := step.NewRule(rc.Pattern, kind, rc.Cause, rc.ExitCodes...)
			if err != nil {
				return s, invalid("classify", err)
			}
			rules = append(rules, r)
		}
		s.Classifier = s.Classifier.With(rules...)
	}
	if sc.DefaultKind != "" {
		kind, err := step.ParseFailureKind(sc.DefaultKind)
		if err != nil {
			return s, invalid("default_kind", err)
		}
		s.Classifier.Default = kind
	}

	if sc.Remediations != nil {
		s.Remediations = make([]step.Remediation, 0, len(sc.Remediations))
		for _, rc := range sc.Remediations {
			kind, err := step.ParseFailureKind(rc.Kind)
			if err != nil {
				return s, invalid("remediations", err)
			}
			id, err := step.NewID(rc.Step)
			if err != nil {
				return s, invalid("remediations", err)
			}
			s.Remediations = append(s.Remediations, step.Remediation{Kind: kind, Cause: rc.Cause, Step: id})
		}
	}
	return s, nil
}

// mergeRetry overlays the non-zero fields of override onto base.
func mergeRetry(base, override step.RetryPolicy) step.RetryPolicy {
	if override.MaxAttempts != 0 {
		base.MaxAttempts = override.MaxAttempts
	}
	if override.InitialBackoff != 0 {
		base.InitialBackoff = override.InitialBackoff
	}
	if override.MaxBackoff != 0 {
		base.MaxBackoff = override.MaxBackoff
	}
	if override.Multiplier != 0 {
		base.Multiplier = override.Multiplier
	}
	return base
}

func verifySpec(vc VerifyConfig) *step.VerifySpec {
	spec := &step.VerifySpec{Artifacts: append([]string(nil), vc.Artifacts...)}
	if vc.Result != nil {
		spec.Result = &step.ResultCheck{Path: vc.Result.Path, SizeField: vc.Result.SizeField}
	}
	if vc.Service != nil {
		spec.Service = &step.ServiceCheck{Port: vc.Service.Port, Path: vc.Service.Path, Timeout: vc.Service.Timeout.Std()}
	}
	return spec
}

// Build returns one deployment per selected target. An empty selection
// means every target.
func (m *Manifest) Build(names ...string) ([]*Deployment, error) {
	if len(names) == 0 {
		names = m.TargetNames()
	}

	deployments := make([]*Deployment, 0, len(names))
	for _, name := range names {
		tc, ok := m.Target(name)
		if !ok {
			return nil, step.NewConfigurationError(step.ErrCodeInvalidManifest, fmt.Sprintf("unknown target %q", name)).
				WithSuggestion(fmt.Sprintf("Known targets: %v", m.TargetNames()))
		}
		d, err := m.deployment(tc)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	return deployments, nil
}

func (m *Manifest) deployment(tc TargetConfig) (*Deployment, error) {
	vars := pipeline.DefaultVars()
	for k, v := range tc.Vars {
		vars[k] = v
	}

	tg, err := target.New(target.Spec{
		Name:          tc.Name,
		ResourceGroup: tc.ResourceGroup,
		Region:        tc.Region,
		Size:          tc.Size,
		SSH: target.SSHConfig{
			Hostname:       tc.SSH.Host,
			User:           tc.SSH.User,
			Port:           tc.SSH.Port,
			IdentityFile:   tc.SSH.Key,
			ProxyJump:      tc.SSH.ProxyJump,
			KnownHostsFile: tc.SSH.KnownHosts,
			ConnectTimeout: tc.SSH.ConnectTimeout.Std(),
		},
		Vars: vars,
	})
	if err != nil {
		return nil, invalid("targets."+tc.Name, err)
	}

	// One registry per target.
	reg, err := m.Registry()
	if err != nil {
		return nil, err
	}

	env := make(map[string]string, len(m.Env)+len(tc.Env))
	for k, v := range m.Env {
		env[k] = v
	}
	for k, v := range tc.Env {
		env[k] = v
	}

	return &Deployment{
		Target:   tg,
		Registry: reg,
		Vars:     tg.Vars(),
		Env:      env,
		WorkDir:  tc.WorkDir,
	}, nil
}
