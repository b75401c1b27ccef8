package engine

import (
	"github.com/rendis/statum/pkg/schema"
)

// ValidStatusTransitions defines the instance lifecycle. Terminal statuses
// have no way out.
var ValidStatusTransitions = map[schema.InstanceStatus][]schema.InstanceStatus{
	schema.InstanceStatusActive:    {schema.InstanceStatusCompleted, schema.InstanceStatusCancelled},
	schema.InstanceStatusCompleted: {},
	schema.InstanceStatusCancelled: {},
}

func isValidStatusTransition(from, to schema.InstanceStatus) bool {
	for _, a := range ValidStatusTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// checkActive fails ALREADY_TERMINAL unless inst can still move.
func checkActive(inst *schema.Instance) error {
	if inst.Status == schema.InstanceStatusActive {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeAlreadyTerminal,
		"instance %q is already %s", inst.ID, inst.Status).
		WithDetails(map[string]any{"instance_id": inst.ID, "status": string(inst.Status)}).
		WithInstance(inst)
}

// checkStatusTransition validates a lifecycle move of inst to status to.
func checkStatusTransition(inst *schema.Instance, to schema.InstanceStatus) error {
	if err := checkActive(inst); err != nil {
		return err
	}
	if !isValidStatusTransition(inst.Status, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid instance status transition: %s -> %s", inst.Status, to).
			WithDetails(map[string]any{"instance_id": inst.ID, "from": string(inst.Status), "to": string(to)}).
			WithInstance(inst)
	}
	return nil
}

// lifecycleTopic maps a status to the event announcing it.
func lifecycleTopic(to schema.InstanceStatus) string {
	switch to {
	case schema.InstanceStatusActive:
		return schema.EventWorkflowStarted
	case schema.InstanceStatusCompleted:
		return schema.EventWorkflowCompleted
	case schema.InstanceStatusCancelled:
		return schema.EventWorkflowCancelled
	default:
		return ""
	}
}

// markCompleted moves inst to completed in place.
func markCompleted(inst *schema.Instance, result any, now timeSource) error {
	if err := checkStatusTransition(inst, schema.InstanceStatusCompleted); err != nil {
		return err
	}
	t := now()
	inst.Status = schema.InstanceStatusCompleted
	inst.Result = schema.DeepCopy(result)
	inst.CompletedAt = &t
	inst.UpdatedAt = t
	return nil
}

// markCancelled moves inst to cancelled in place.
func markCancelled(inst *schema.Instance, reason string, now timeSource) error {
	if err := checkStatusTransition(inst, schema.InstanceStatusCancelled); err != nil {
		return err
	}
	t := now()
	inst.Status = schema.InstanceStatusCancelled
	inst.CancelReason = reason
	inst.CancelledAt = &t
	inst.UpdatedAt = t
	return nil
}
