package step

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validStep() Step {
	return Step{
		ID:     "install-driver",
		Stage:  StageInstall,
		Action: Action{Kind: ActionRemote, Command: "sudo ubuntu-drivers install"},
	}.WithDefaults()
}

func TestStep_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Step)
		ok     bool
	}{
		{name: "valid", mutate: func(*Step) {}, ok: true},
		{name: "bad id", mutate: func(s *Step) { s.ID = "bad id" }},
		{name: "unknown stage", mutate: func(s *Step) { s.Stage = "deploy" }},
		{name: "missing command", mutate: func(s *Step) { s.Action.Command = "" }},
		{name: "unknown action kind", mutate: func(s *Step) { s.Action.Kind = "ftp" }},
		{name: "verify without checks", mutate: func(s *Step) { s.Action = Action{Kind: ActionVerify} }},
		{name: "verify with checks", mutate: func(s *Step) {
			s.Action = Action{Kind: ActionVerify, Verify: &VerifySpec{Artifacts: []string{"out.glb"}}}
		}, ok: true},
		{name: "zero attempts", mutate: func(s *Step) { s.Retry.MaxAttempts = 0 }},
		{name: "zero timeout", mutate: func(s *Step) { s.Timeout = 0 }},
		{name: "self dependency", mutate: func(s *Step) { s.Prerequisites = []ID{"install-driver"} }},
		{name: "remediation needs retries", mutate: func(s *Step) {
			s.Retry.MaxAttempts = 1
			s.Remediations = []Remediation{{Kind: FailureEnvironment, Step: "disable-secure-boot"}}
		}},
		{name: "self remediation", mutate: func(s *Step) {
			s.Remediations = []Remediation{{Kind: FailureEnvironment, Step: "install-driver"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := validStep()
			tt.mutate(&s)
			err := s.Validate()
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}
}

func TestStep_WithDefaults(t *testing.T) {
	t.Parallel()

	s := Step{ID: "x", Stage: StageBuild}.WithDefaults()
	assert.Equal(t, DefaultTimeout, s.Timeout)
	assert.Equal(t, 3, s.Retry.MaxAttempts)
	assert.Equal(t, FailureEnvironment, s.Classifier.Default)

	s = Step{ID: "x", Timeout: time.Minute}.WithDefaults()
	assert.Equal(t, time.Minute, s.Timeout)
}

func TestStage(t *testing.T) {
	t.Parallel()

	assert.Less(t, StageProvision.Rank(), StageInstall.Rank())
	assert.Less(t, StageBuild.Rank(), StageVerify.Rank())

	st, err := ParseStage("verify")
	require.NoError(t, err)
	assert.Equal(t, StageVerify, st)

	_, err = ParseStage("ship")
	require.Error(t, err)
}

func TestConfigurationError(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	err := NewConfigurationError(ErrCodeUnknownDependency, "unknown prerequisite").
		WithStep("install-cuda").
		WithContext("deploy.yaml").
		WithSuggestion("declare it").
		WithUnderlying(base)

	assert.Equal(t, `deploy.yaml, step "install-cuda": unknown prerequisite: boom`, err.Error())
	assert.ErrorIs(t, err, base)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.ErrorIs(t, err, &ConfigurationError{Code: ErrCodeUnknownDependency})
	assert.NotErrorIs(t, err, &ConfigurationError{Code: ErrCodeDuplicateStep})
	assert.Equal(t, "declare it", err.Suggestion)
}

func TestFindRemediation(t *testing.T) {
	t.Parallel()

	rs := []Remediation{
		{Kind: FailureEnvironment, Step: "pin-runtime-deps"},
		{Kind: FailureEnvironment, Cause: "secure-boot-blocked", Step: "disable-secure-boot"},
	}

	r, ok := FindRemediation(rs, NewFailure(FailureEnvironment, "secure-boot-blocked", ""))
	require.True(t, ok)
	assert.Equal(t, ID("disable-secure-boot"), r.Step, "cause-specific entry wins")

	r, ok = FindRemediation(rs, NewFailure(FailureEnvironment, "version-mismatch", ""))
	require.True(t, ok)
	assert.Equal(t, ID("pin-runtime-deps"), r.Step)

	_, ok = FindRemediation(rs, NewFailure(FailureTransient, "", ""))
	assert.False(t, ok)

	_, ok = FindRemediation(rs, nil)
	assert.False(t, ok)

	assert.Equal(t, "install-driver|environment|secure-boot-blocked", rs[1].Key("install-driver"))
}
