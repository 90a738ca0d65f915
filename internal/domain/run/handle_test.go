package run

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceHandle_Transition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		from Lifecycle
		to   Lifecycle
		ok   bool
	}{
		{name: "provision", from: LifecycleNone, to: LifecycleProvisioned, ok: true},
		{name: "deallocate", from: LifecycleProvisioned, to: LifecycleDeallocated, ok: true},
		{name: "reactivate", from: LifecycleDeallocated, to: LifecycleProvisioned, ok: true},
		{name: "delete deallocated", from: LifecycleDeallocated, to: LifecycleDeleted, ok: true},
		{name: "same state", from: LifecycleDeallocated, to: LifecycleDeallocated, ok: true},
		{name: "revive deleted", from: LifecycleDeleted, to: LifecycleProvisioned},
		{name: "deallocate nothing", from: LifecycleNone, to: LifecycleDeallocated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := &ResourceHandle{Name: "vm", Lifecycle: tt.from}
			err := h.Transition(tt.to)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.to, h.Lifecycle)
				return
			}
			require.ErrorIs(t, err, ErrIllegalLifecycle)
			assert.Equal(t, tt.from, h.Lifecycle)
		})
	}
}

func TestResourceHandle_Merge(t *testing.T) {
	t.Parallel()

	h := &ResourceHandle{Name: "vm"}
	h.Merge(map[string]string{"public_ip": "20.1.2.3", "vm_id": "abc"})

	assert.Equal(t, "20.1.2.3", h.PublicIP)
	assert.Equal(t, "abc", h.Outputs["vm_id"])

	c := h.Clone()
	c.Outputs["vm_id"] = "changed"
	assert.Equal(t, "abc", h.Outputs["vm_id"])

	var nilHandle *ResourceHandle
	assert.Nil(t, nilHandle.Clone())
	assert.False(t, nilHandle.Active())
}
