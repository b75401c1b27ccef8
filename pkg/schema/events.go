package schema

import "time"

// Lifecycle topics published on the event bus.
const (
	EventWorkflowStarted      = "workflow:started"
	EventWorkflowTransitioned = "workflow:transitioned"
	EventWorkflowCompleted    = "workflow:completed"
	EventWorkflowCancelled    = "workflow:cancelled"
	EventCommandRejected      = "workflow:command:rejected"
)

// LifecycleTopics lists the topics an instance moves through.
var LifecycleTopics = []string{
	EventWorkflowStarted,
	EventWorkflowTransitioned,
	EventWorkflowCompleted,
	EventWorkflowCancelled,
}

// Command topics consumed by the engine's command listener.
const (
	CommandStart      = "workflow:command:start"
	CommandTransition = "workflow:command:transition"
	CommandComplete   = "workflow:command:complete"
	CommandCancel     = "workflow:command:cancel"
)

// LifecycleEvent is the payload of every lifecycle topic. InstanceID plus Version
// identify the resulting state, so at-least-once consumers can dedupe.
type LifecycleEvent struct {
	Type            string         `json:"type"`
	InstanceID      string         `json:"instanceId"`
	WorkflowID      string         `json:"workflowId"`
	WorkflowVersion int            `json:"workflowVersion"`
	EntityID        string         `json:"entityId"`
	State           string         `json:"state"`
	FromState       string         `json:"fromState,omitempty"`
	Transition      string         `json:"transition,omitempty"`
	Status          InstanceStatus `json:"status"`
	Data            map[string]any `json:"data,omitempty"`
	Result          any            `json:"result,omitempty"`
	Reason          string         `json:"reason,omitempty"`
	Version         int64          `json:"version"`
	Timestamp       time.Time      `json:"timestamp"`
}

// Command is an inbound request delivered over the bus.
type Command struct {
	ID         string         `json:"id,omitempty"`
	WorkflowID string         `json:"workflowId,omitempty"`
	EntityID   string         `json:"entityId,omitempty"`
	InstanceID string         `json:"instanceId,omitempty"`
	Transition string         `json:"transition,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Result     any            `json:"result,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// CommandRejection is published when a bus command fails.
type CommandRejection struct {
	CommandID  string `json:"commandId,omitempty"`
	Topic      string `json:"topic"`
	InstanceID string `json:"instanceId,omitempty"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}
