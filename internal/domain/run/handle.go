package run

import (
	"errors"
	"fmt"
)

// Lifecycle is the state of the provisioned resource.
type Lifecycle string

const (
	LifecycleNone        Lifecycle = ""
	LifecycleProvisioned Lifecycle = "provisioned"
	LifecycleDeallocated Lifecycle = "deallocated"
	LifecycleDeleted     Lifecycle = "deleted"
)

// ErrIllegalLifecycle is returned for a lifecycle transition that would
// move a resource backwards.
var ErrIllegalLifecycle = errors.New("illegal resource lifecycle transition")

// allowedLifecycle lists legal transitions. Deallocated may return to
// provisioned when a resource is re-activated.
var allowedLifecycle = map[Lifecycle][]Lifecycle{
	LifecycleNone:        {LifecycleProvisioned},
	LifecycleProvisioned: {LifecycleDeallocated, LifecycleDeleted},
	LifecycleDeallocated: {LifecycleProvisioned, LifecycleDeleted},
}

// Output keys with a dedicated handle field.
const (
	OutputPublicIP = "public_ip"
)

// ResourceHandle identifies the provisioned compute resource.
type ResourceHandle struct {
	Provider      string            `json:"provider,omitempty"`
	ResourceGroup string            `json:"resource_group,omitempty"`
	Name          string            `json:"name"`
	Region        string            `json:"region,omitempty"`
	PublicIP      string            `json:"public_ip,omitempty"`
	Lifecycle     Lifecycle         `json:"lifecycle,omitempty"`
	Outputs       map[string]string `json:"outputs,omitempty"`
}

// Transition moves the handle to a new lifecycle state. Moving to the
// current state is a no-op.
func (h *ResourceHandle) Transition(to Lifecycle) error {
	if h.Lifecycle == to {
		return nil
	}
	for _, next := range allowedLifecycle[h.Lifecycle] {
		if next == to {
			h.Lifecycle = to
			return nil
		}
	}
	return fmt.Errorf("%w: %q → %q", ErrIllegalLifecycle, h.Lifecycle, to)
}

// Active reports whether the resource is running.
func (h *ResourceHandle) Active() bool {
	return h != nil && h.Lifecycle == LifecycleProvisioned
}

// Merge records step outputs on the handle.
func (h *ResourceHandle) Merge(outputs map[string]string) {
	if len(outputs) == 0 {
		return
	}
	if h.Outputs == nil {
		h.Outputs = make(map[string]string, len(outputs))
	}
	for k, v := range outputs {
		h.Outputs[k] = v
		if k == OutputPublicIP {
			h.PublicIP = v
		}
	}
}

// Clone returns a deep copy.
func (h *ResourceHandle) Clone() *ResourceHandle {
	if h == nil {
		return nil
	}
	c := *h
	if h.Outputs != nil {
		c.Outputs = make(map[string]string, len(h.Outputs))
		for k, v := range h.Outputs {
			c.Outputs[k] = v
		}
	}
	return &c
}
