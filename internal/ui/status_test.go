package ui

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/bringup/internal/domain/run"
	"github.com/felixgeelhaar/bringup/internal/domain/step"
)

func TestTitle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"completed", "Completed"},
		{"provision-vm", "Provision Vm"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Title(tt.in))
		})
	}
}

func TestStatusIcon(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "✓", StatusIcon(run.StatusSucceeded))
	assert.Equal(t, "✗", StatusIcon(run.StatusFailed))
	assert.Equal(t, "○", StatusIcon(run.StatusPending))
}

func sampleRun(t *testing.T) *run.Run {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := run.New("trellis-a100", []step.ID{"provision-vm", "install-driver", "verify-driver"}, now)
	r.Handle = &run.ResourceHandle{Provider: "azure", ResourceGroup: "rg-gpu", Name: "trellis-a100", PublicIP: "20.1.2.3", Lifecycle: run.LifecycleProvisioned}

	r.Records["provision-vm"].Status = run.StatusSucceeded
	r.Records["provision-vm"].Attempts = 1
	r.Records["provision-vm"].StartedAt = now
	r.Records["provision-vm"].FinishedAt = now.Add(90 * time.Second)

	r.Records["install-driver"].Status = run.StatusFailed
	r.Records["install-driver"].Attempts = 3
	r.Records["install-driver"].LastFailure = step.NewFailure(step.FailureEnvironment, "apt-lock", "could not get lock\nmore")

	r.Records["verify-driver"].Status = run.StatusSkipped
	r.Records["verify-driver"].SkipReason = run.SkipHalted
	r.Phase = run.PhaseFailed
	r.Error = "step install-driver failed after 3 attempt(s)\nexpected: ..."
	return r
}

func TestRenderRun(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, RenderRun(&buf, sampleRun(t)))
	out := buf.String()

	assert.Contains(t, out, "trellis-a100")
	assert.Contains(t, out, "Failed")
	assert.Contains(t, out, "azure rg-gpu/trellis-a100 (provisioned) 20.1.2.3")
	assert.Contains(t, out, "✓ succeeded")
	assert.Contains(t, out, "1m30s")
	assert.Contains(t, out, "✗ failed")
	assert.Contains(t, out, "could not get lock")
	assert.NotContains(t, out, "more", "only the first failure line is shown")
	assert.Contains(t, out, run.SkipHalted)
	assert.Contains(t, out, "1 succeeded")
	assert.NotContains(t, out, "\x1b[", "no escape codes when writing to a buffer")
}

func TestRenderList(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, RenderList(&buf, nil))
	assert.Contains(t, buf.String(), "No runs recorded.")

	buf.Reset()
	r := sampleRun(t)
	require.NoError(t, RenderList(&buf, []*run.Run{r}))
	assert.Contains(t, buf.String(), r.ID)
	assert.Contains(t, buf.String(), "2/3 steps done")
}
