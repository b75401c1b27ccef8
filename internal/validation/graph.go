package validation

import (
	"fmt"

	"github.com/rendis/statum/pkg/schema"
)

// validateGraph reports states unreachable from the start state and states
// from which no end state can be reached. Both are warnings: such definitions
// still run, but instances can get stuck.
func validateGraph(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	forward := make(map[string][]string, len(def.States))
	reverse := make(map[string][]string, len(def.States))
	for _, tr := range def.Transitions {
		if def.IsEndState(tr.From) {
			continue
		}
		forward[tr.From] = append(forward[tr.From], tr.To)
		reverse[tr.To] = append(reverse[tr.To], tr.From)
	}

	reachable := bfs([]string{def.StartState}, forward)
	canFinish := bfs(def.EndStates, reverse)

	for _, name := range sortedStateNames(def) {
		if !reachable[name] {
			result.AddWarning("states."+name, schema.ErrCodeValidation,
				fmt.Sprintf("state %q is unreachable from start state %q", name, def.StartState))
			continue
		}
		if !canFinish[name] {
			result.AddWarning("states."+name, schema.ErrCodeValidation,
				fmt.Sprintf("no end state is reachable from state %q", name))
		}
	}
	return result
}

func bfs(roots []string, edges map[string][]string) map[string]bool {
	seen := make(map[string]bool, len(edges))
	queue := make([]string, 0, len(roots))
	for _, r := range roots {
		if !seen[r] {
			seen[r] = true
			queue = append(queue, r)
		}
	}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, next := range edges[node] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}
