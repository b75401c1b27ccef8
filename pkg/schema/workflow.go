package schema

import "encoding/json"

// WorkflowDefinition is the declarative, JSON/YAML-serializable workflow format.
// A loaded definition is immutable.
type WorkflowDefinition struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Version     int                  `json:"version"`
	Description string               `json:"description,omitempty"`
	StartState  string               `json:"startState"`
	EndStates   []string             `json:"endStates"`
	States      map[string]StateSpec `json:"states"`
	Transitions []TransitionSpec     `json:"transitions"`
	DataSchema  json.RawMessage      `json:"dataSchema,omitempty"` // JSON Schema applied to start data
	Triggers    []TriggerSpec        `json:"triggers,omitempty"`
	Metadata    map[string]any       `json:"metadata,omitempty"`
}

// StateSpec holds the hooks run when a state is entered or left.
type StateSpec struct {
	EntryActions []ActionSpec `json:"entryActions,omitempty"`
	ExitActions  []ActionSpec `json:"exitActions,omitempty"`
}

// TransitionSpec is a named, optionally guarded edge between two states.
type TransitionSpec struct {
	Name        string       `json:"name"`
	From        string       `json:"from"`
	To          string       `json:"to"`
	Condition   string       `json:"condition,omitempty"` // guard expression, e.g. inputData.approved == true
	Actions     []ActionSpec `json:"actions,omitempty"`
	ErrorPolicy ErrorPolicy  `json:"errorPolicy,omitempty"` // default for Actions without their own policy
}

// ActionType enumerates the kinds of hook actions.
type ActionType string

const (
	ActionEmitEvent      ActionType = "emit_event"
	ActionInvokeWebhook  ActionType = "invoke_webhook"
	ActionInvokeCallback ActionType = "invoke_callback"
)

// ErrorPolicy decides whether a failing action aborts the surrounding operation.
type ErrorPolicy string

const (
	PolicyAbort    ErrorPolicy = "abort"
	PolicyContinue ErrorPolicy = "continue"
)

// ActionSpec is the authoring form of a single hook action.
type ActionSpec struct {
	Type        ActionType        `json:"type"`
	Topic       string            `json:"topic,omitempty"`    // emit_event
	URL         string            `json:"url,omitempty"`      // invoke_webhook
	Method      string            `json:"method,omitempty"`   // invoke_webhook, default POST
	Headers     map[string]string `json:"headers,omitempty"`  // invoke_webhook
	Callback    string            `json:"callback,omitempty"` // invoke_callback
	Payload     any               `json:"payload,omitempty"`  // template, strings may contain ${{...}}
	Timeout     string            `json:"timeout,omitempty"`  // e.g. "5s", default 10s
	ErrorPolicy ErrorPolicy       `json:"errorPolicy,omitempty"`
}

// TriggerSpec starts a new instance on a cron schedule.
type TriggerSpec struct {
	Cron     string         `json:"cron"`
	EntityID string         `json:"entityId"`
	Data     map[string]any `json:"data,omitempty"`
}

// IsEndState reports whether name is one of the definition's end states.
func (d *WorkflowDefinition) IsEndState(name string) bool {
	for _, s := range d.EndStates {
		if s == name {
			return true
		}
	}
	return false
}
