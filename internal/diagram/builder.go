package diagram

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rendis/statum/pkg/schema"
)

// Build constructs a DiagramModel from a definition. When inst is non-nil the
// states it visited, the transitions it took and its current state are marked.
func Build(def *schema.WorkflowDefinition, inst *schema.Instance) (*DiagramModel, error) {
	if def == nil {
		return nil, errors.New("diagram: definition is nil")
	}
	if _, ok := def.States[def.StartState]; !ok {
		return nil, fmt.Errorf("diagram: start state %q is not declared", def.StartState)
	}

	visited := map[string]bool{}
	taken := map[[2]string]bool{}
	if inst != nil {
		prev := ""
		for _, h := range inst.History {
			visited[h.State] = true
			if h.TransitionName != "" {
				taken[[2]string{h.TransitionName, prev}] = true
			}
			prev = h.State
		}
	}

	model := &DiagramModel{Title: titleFromDef(def)}
	model.Nodes = append(model.Nodes, &Node{ID: StartNodeID, Label: "Start", Kind: NodeKindStart})

	for _, name := range stateOrder(def) {
		node := &Node{ID: name, Label: name, Kind: NodeKindState, Final: def.IsEndState(name)}
		if inst != nil && (visited[name] || inst.CurrentState == name) {
			node.Status = &StatusOverlay{Visited: visited[name]}
			if inst.CurrentState == name {
				node.Status.Current = true
				node.Status.Status = string(inst.Status)
			}
		}
		model.Nodes = append(model.Nodes, node)
	}
	hasEnd := len(def.EndStates) > 0
	if hasEnd {
		model.Nodes = append(model.Nodes, &Node{ID: EndNodeID, Label: "End", Kind: NodeKindEnd})
	}

	model.Edges = append(model.Edges, Edge{From: StartNodeID, To: def.StartState, Taken: inst != nil})
	for _, tr := range def.Transitions {
		model.Edges = append(model.Edges, Edge{
			From:      tr.From,
			To:        tr.To,
			Label:     tr.Name,
			Condition: tr.Condition,
			Taken:     taken[[2]string{tr.Name, tr.From}],
		})
	}
	for _, s := range def.EndStates {
		model.Edges = append(model.Edges, Edge{
			From:  s,
			To:    EndNodeID,
			Taken: inst != nil && inst.CurrentState == s && inst.Status == schema.InstanceStatusCompleted,
		})
	}
	return model, nil
}

// stateOrder lists states breadth-first from the start state following
// transition order, then any unreachable states alphabetically.
func stateOrder(def *schema.WorkflowDefinition) []string {
	seen := map[string]bool{def.StartState: true}
	order := []string{def.StartState}
	for i := 0; i < len(order); i++ {
		for _, tr := range def.Transitions {
			if tr.From != order[i] || seen[tr.To] {
				continue
			}
			if _, ok := def.States[tr.To]; !ok {
				continue
			}
			seen[tr.To] = true
			order = append(order, tr.To)
		}
	}
	var rest []string
	for name := range def.States {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(order, rest...)
}

func titleFromDef(def *schema.WorkflowDefinition) string {
	name := def.Name
	if name == "" {
		name = def.ID
	}
	return fmt.Sprintf("%s v%d", name, def.Version)
}

// edgeLabel is the transition name with its guard, if any.
func edgeLabel(e Edge) string {
	if e.Condition == "" {
		return e.Label
	}
	return fmt.Sprintf("%s [%s]", e.Label, e.Condition)
}
