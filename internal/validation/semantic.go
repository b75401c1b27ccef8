package validation

import (
	"fmt"
	"sort"

	"github.com/robfig/cron/v3"

	"github.com/rendis/statum/internal/actions"
	"github.com/rendis/statum/internal/expressions"
	"github.com/rendis/statum/pkg/schema"
)

// CallbackLookup reports whether a callback name is registered.
type CallbackLookup interface {
	Has(name string) bool
}

// validateSemantic checks what the structural schema cannot express: state
// references, (name, from) uniqueness, guards, action specs and cron triggers.
func validateSemantic(def *schema.WorkflowDefinition, callbacks CallbackLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if _, ok := def.States[def.StartState]; !ok {
		result.AddError("startState", schema.ErrCodeValidation,
			fmt.Sprintf("start state %q is not declared in states", def.StartState))
	}
	for i, s := range def.EndStates {
		if _, ok := def.States[s]; !ok {
			result.AddError(fmt.Sprintf("endStates[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("end state %q is not declared in states", s))
		}
	}

	for _, name := range sortedStateNames(def) {
		st := def.States[name]
		validateActions(fmt.Sprintf("states.%s.entryActions", name), st.EntryActions, "", callbacks, result)
		validateActions(fmt.Sprintf("states.%s.exitActions", name), st.ExitActions, "", callbacks, result)
	}

	type edgeKey struct{ name, from string }
	seen := make(map[edgeKey]int, len(def.Transitions))
	for i, tr := range def.Transitions {
		path := fmt.Sprintf("transitions[%d]", i)
		if _, ok := def.States[tr.From]; !ok {
			result.AddError(path+".from", schema.ErrCodeValidation,
				fmt.Sprintf("transition %q leaves undeclared state %q", tr.Name, tr.From))
		}
		if _, ok := def.States[tr.To]; !ok {
			result.AddError(path+".to", schema.ErrCodeValidation,
				fmt.Sprintf("transition %q targets undeclared state %q", tr.Name, tr.To))
		}

		k := edgeKey{tr.Name, tr.From}
		if prev, dup := seen[k]; dup {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("transition %q from %q duplicates transitions[%d]", tr.Name, tr.From, prev))
		} else {
			seen[k] = i
		}

		if def.IsEndState(tr.From) {
			result.AddWarning(path+".from", schema.ErrCodeValidation,
				fmt.Sprintf("transition %q leaves end state %q and can never fire", tr.Name, tr.From))
		}

		if _, err := expressions.Parse(tr.Condition); err != nil {
			result.AddError(path+".condition", schema.ErrCodeValidation, messageOf(err))
		}
		validateActions(path+".actions", tr.Actions, tr.ErrorPolicy, callbacks, result)
	}

	for i, trig := range def.Triggers {
		if _, err := cron.ParseStandard(trig.Cron); err != nil {
			result.AddError(fmt.Sprintf("triggers[%d].cron", i), schema.ErrCodeValidation,
				fmt.Sprintf("invalid cron expression %q: %s", trig.Cron, err.Error()))
		}
	}

	return result
}

func validateActions(path string, specs []schema.ActionSpec, fallback schema.ErrorPolicy, callbacks CallbackLookup, result *schema.ValidationResult) {
	for i, spec := range specs {
		p := fmt.Sprintf("%s[%d]", path, i)
		if _, err := actions.Compile(spec, fallback); err != nil {
			result.AddError(p, schema.ErrCodeValidation, messageOf(err))
			continue
		}
		if spec.Type == schema.ActionInvokeCallback && callbacks != nil && !callbacks.Has(spec.Callback) {
			result.AddWarning(p+".callback", schema.ErrCodeValidation,
				fmt.Sprintf("callback %q is not registered yet", spec.Callback))
		}
	}
}

func sortedStateNames(def *schema.WorkflowDefinition) []string {
	names := make([]string, 0, len(def.States))
	for n := range def.States {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func messageOf(err error) string {
	if e, ok := err.(*schema.Error); ok {
		return e.Message
	}
	return err.Error()
}
