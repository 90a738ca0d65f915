package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/bringup/internal/domain/run"
	"github.com/felixgeelhaar/bringup/internal/domain/step"
)

// AssertStepStatus asserts the recorded status of one step.
func AssertStepStatus(t testing.TB, r *run.Run, id step.ID, want run.Status, msgAndArgs ...interface{}) {
	t.Helper()

	rec, ok := r.Records[id]
	if !assert.True(t, ok, "run %s has no record for step %s", r.ID, id) {
		return
	}
	assert.Equal(t, want, rec.Status, msgAndArgs...)
}

// AssertStepsDone asserts that every listed step succeeded or was skipped.
func AssertStepsDone(t testing.TB, r *run.Run, ids ...step.ID) {
	t.Helper()

	for _, id := range ids {
		rec, ok := r.Records[id]
		if !assert.True(t, ok, "run %s has no record for step %s", r.ID, id) {
			continue
		}
		assert.True(t, rec.Status.Done(), "step %s is %s", id, rec.Status)
	}
}

// RequireStoredPhase loads a run from store and requires its phase.
func RequireStoredPhase(t testing.TB, store run.Store, id string, want run.Phase) *run.Run {
	t.Helper()

	r, err := store.Load(context.Background(), id)
	require.NoError(t, err, "failed to load run %s", id)
	require.Equal(t, want, r.Phase, "run %s: %s", id, r.Error)
	return r
}

// AssertYAMLEquals asserts that two YAML strings are semantically equal.
func AssertYAMLEquals(t testing.TB, expected, actual string, msgAndArgs ...interface{}) {
	t.Helper()

	var expectedMap, actualMap interface{}

	err := yaml.Unmarshal([]byte(expected), &expectedMap)
	require.NoError(t, err, "failed to parse expected YAML")

	err = yaml.Unmarshal([]byte(actual), &actualMap)
	require.NoError(t, err, "failed to parse actual YAML")

	assert.Equal(t, expectedMap, actualMap, msgAndArgs...)
}
