package validation

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/statum/pkg/schema"
)

type fakeCallbacks map[string]bool

func (f fakeCallbacks) Has(name string) bool { return f[name] }

func orderDefinition() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:         "order",
		Name:       "Order fulfilment",
		Version:    1,
		StartState: "pending",
		EndStates:  []string{"shipped", "rejected"},
		States: map[string]schema.StateSpec{
			"pending": {},
			"approved": {
				EntryActions: []schema.ActionSpec{{Type: schema.ActionEmitEvent, Topic: "order.approved"}},
			},
			"shipped":  {},
			"rejected": {},
		},
		Transitions: []schema.TransitionSpec{
			{Name: "approve", From: "pending", To: "approved", Condition: "inputData.approved == true"},
			{Name: "reject", From: "pending", To: "rejected"},
			{Name: "ship", From: "approved", To: "shipped", Condition: "instanceData.amount > 0"},
		},
		DataSchema: json.RawMessage(`{"type":"object","required":["amount"],"properties":{"amount":{"type":"number"}}}`),
		Triggers:   []schema.TriggerSpec{{Cron: "*/5 * * * *", EntityID: "nightly"}},
	}
}

func newValidator(t *testing.T, cb CallbackLookup) *WorkflowValidator {
	t.Helper()
	wv, err := NewWorkflowValidator(cb)
	require.NoError(t, err)
	return wv
}

func messages(issues []schema.ValidationIssue) string {
	var b strings.Builder
	for _, i := range issues {
		b.WriteString(i.Path)
		b.WriteString(": ")
		b.WriteString(i.Message)
		b.WriteString("\n")
	}
	return b.String()
}

func TestValidate_ValidDefinition(t *testing.T) {
	wv := newValidator(t, nil)
	result := wv.Validate(orderDefinition())
	assert.True(t, result.Valid(), messages(result.Errors))
	assert.Empty(t, result.Warnings, messages(result.Warnings))
	assert.NoError(t, wv.ValidateDefinition(orderDefinition()))
}

func TestValidate_Nil(t *testing.T) {
	wv := newValidator(t, nil)
	assert.False(t, wv.Validate(nil).Valid())
}

func TestValidate_StructuralShortCircuits(t *testing.T) {
	wv := newValidator(t, nil)
	def := orderDefinition()
	def.Version = 0
	def.StartState = "nowhere"

	result := wv.Validate(def)
	require.False(t, result.Valid())
	for _, issue := range result.Errors {
		assert.NotEqual(t, "startState", issue.Path, "semantic stage must not run after structural errors")
	}
}

func TestValidate_SemanticErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *schema.WorkflowDefinition)
		path   string
	}{
		{"unknown start", func(d *schema.WorkflowDefinition) { d.StartState = "ghost" }, "startState"},
		{"unknown end", func(d *schema.WorkflowDefinition) { d.EndStates = append(d.EndStates, "ghost") }, "endStates[2]"},
		{"unknown target", func(d *schema.WorkflowDefinition) { d.Transitions[0].To = "ghost" }, "transitions[0].to"},
		{"unknown source", func(d *schema.WorkflowDefinition) { d.Transitions[2].From = "ghost" }, "transitions[2].from"},
		{"duplicate name and source", func(d *schema.WorkflowDefinition) {
			d.Transitions = append(d.Transitions, schema.TransitionSpec{Name: "approve", From: "pending", To: "rejected"})
		}, "transitions[3]"},
		{"bad guard", func(d *schema.WorkflowDefinition) { d.Transitions[0].Condition = "inputData.x +" }, "transitions[0].condition"},
		{"guard outside roots", func(d *schema.WorkflowDefinition) { d.Transitions[0].Condition = "env.HOME == 'x'" }, "transitions[0].condition"},
		{"bad action", func(d *schema.WorkflowDefinition) {
			d.Transitions[1].Actions = []schema.ActionSpec{{Type: schema.ActionInvokeWebhook, URL: "not a url"}}
		}, "transitions[1].actions[0]"},
		{"bad entry action", func(d *schema.WorkflowDefinition) {
			d.States["shipped"] = schema.StateSpec{EntryActions: []schema.ActionSpec{{Type: schema.ActionEmitEvent}}}
		}, "states.shipped.entryActions[0]"},
		{"bad cron", func(d *schema.WorkflowDefinition) { d.Triggers[0].Cron = "every day" }, "triggers[0].cron"},
		{"bad data schema", func(d *schema.WorkflowDefinition) {
			d.DataSchema = json.RawMessage(`{"type":"nonsense"}`)
		}, "dataSchema"},
	}

	wv := newValidator(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := orderDefinition()
			tt.mutate(def)
			result := wv.Validate(def)
			require.False(t, result.Valid())

			var paths []string
			for _, issue := range result.Errors {
				paths = append(paths, issue.Path)
			}
			assert.Contains(t, paths, tt.path, messages(result.Errors))
		})
	}
}

func TestValidate_SameNameDifferentSourceIsAllowed(t *testing.T) {
	wv := newValidator(t, nil)
	def := orderDefinition()
	def.Transitions = append(def.Transitions, schema.TransitionSpec{Name: "reject", From: "approved", To: "rejected"})
	result := wv.Validate(def)
	assert.True(t, result.Valid(), messages(result.Errors))
}

func TestValidate_GraphWarnings(t *testing.T) {
	wv := newValidator(t, nil)
	def := orderDefinition()
	def.States["orphan"] = schema.StateSpec{}
	def.States["trap"] = schema.StateSpec{}
	def.Transitions = append(def.Transitions,
		schema.TransitionSpec{Name: "stall", From: "pending", To: "trap"},
		schema.TransitionSpec{Name: "reopen", From: "shipped", To: "pending"},
	)

	result := wv.Validate(def)
	require.True(t, result.Valid(), messages(result.Errors))

	text := messages(result.Warnings)
	assert.Contains(t, text, `state "orphan" is unreachable`)
	assert.Contains(t, text, `no end state is reachable from state "trap"`)
	assert.Contains(t, text, `leaves end state "shipped"`)
}

func TestValidate_CallbackLookup(t *testing.T) {
	def := orderDefinition()
	def.Transitions[1].Actions = []schema.ActionSpec{{Type: schema.ActionInvokeCallback, Callback: "notify"}}

	result := newValidator(t, fakeCallbacks{}).Validate(def)
	require.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "transitions[1].actions[0].callback", result.Warnings[0].Path)

	result = newValidator(t, fakeCallbacks{"notify": true}).Validate(def)
	assert.Empty(t, result.Warnings)
}

func TestValidateDefinition_ErrorCode(t *testing.T) {
	wv := newValidator(t, nil)
	def := orderDefinition()
	def.StartState = "ghost"

	err := wv.ValidateDefinition(def)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeDefinitionInvalid, schema.CodeOf(err))

	var sErr *schema.Error
	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, "order", sErr.Details["workflow_id"])
	assert.Equal(t, 1, sErr.Details["version"])
}

func TestValidateData(t *testing.T) {
	wv := newValidator(t, nil)
	def := orderDefinition()

	assert.NoError(t, wv.ValidateData(def, map[string]any{"amount": 12.5}))

	err := wv.ValidateData(def, map[string]any{"amount": "lots"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	err = wv.ValidateData(def, nil)
	require.Error(t, err)

	def.DataSchema = nil
	assert.NoError(t, wv.ValidateData(def, map[string]any{"anything": true}))
}

func TestCompileDataSchema_Caches(t *testing.T) {
	jsv, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	raw := json.RawMessage(`{"type":"object"}`)
	a, err := jsv.CompileDataSchema(raw)
	require.NoError(t, err)
	b, err := jsv.CompileDataSchema(raw)
	require.NoError(t, err)
	assert.Same(t, a, b)
}
