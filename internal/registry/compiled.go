package registry

import (
	"fmt"

	"github.com/rendis/statum/internal/actions"
	"github.com/rendis/statum/internal/expressions"
	"github.com/rendis/statum/pkg/schema"
)

// Compiled is a validated definition with its guards and hook actions built.
// It is immutable and shared by every caller.
type Compiled struct {
	Def *schema.WorkflowDefinition

	// Retired versions were dropped by a reload. In-flight instances pinned
	// to them can still resolve them, but new instances cannot start on them.
	Retired bool

	transitions []compiledTransition
	edges       map[edgeKey]int
	entry       map[string][]actions.Action
	exit        map[string][]actions.Action
}

// Transition is one compiled edge.
type Transition struct {
	Spec    *schema.TransitionSpec
	Guard   expressions.Expr
	Actions []actions.Action
}

type compiledTransition struct {
	guard   expressions.Expr
	actions []actions.Action
}

type edgeKey struct{ name, from string }

func compile(def *schema.WorkflowDefinition) (*Compiled, error) {
	c := &Compiled{
		Def:         def,
		transitions: make([]compiledTransition, len(def.Transitions)),
		edges:       make(map[edgeKey]int, len(def.Transitions)),
		entry:       make(map[string][]actions.Action, len(def.States)),
		exit:        make(map[string][]actions.Action, len(def.States)),
	}

	for name, st := range def.States {
		entry, err := actions.CompileAll(st.EntryActions, "")
		if err != nil {
			return nil, fmt.Errorf("state %q entryActions: %w", name, err)
		}
		exit, err := actions.CompileAll(st.ExitActions, "")
		if err != nil {
			return nil, fmt.Errorf("state %q exitActions: %w", name, err)
		}
		c.entry[name] = entry
		c.exit[name] = exit
	}

	for i := range def.Transitions {
		tr := &def.Transitions[i]
		guard, err := expressions.Parse(tr.Condition)
		if err != nil {
			return nil, fmt.Errorf("transition %q: %w", tr.Name, err)
		}
		acts, err := actions.CompileAll(tr.Actions, tr.ErrorPolicy)
		if err != nil {
			return nil, fmt.Errorf("transition %q actions: %w", tr.Name, err)
		}
		c.transitions[i] = compiledTransition{guard: guard, actions: acts}
		c.edges[edgeKey{tr.Name, tr.From}] = i
	}
	return c, nil
}

// Transition returns the unique transition named name leaving state from.
func (c *Compiled) Transition(name, from string) (Transition, bool) {
	i, ok := c.edges[edgeKey{name, from}]
	if !ok {
		return Transition{}, false
	}
	return Transition{
		Spec:    &c.Def.Transitions[i],
		Guard:   c.transitions[i].guard,
		Actions: c.transitions[i].actions,
	}, true
}

// Available lists the transition names leaving state from, in declaration order.
func (c *Compiled) Available(from string) []string {
	var names []string
	for _, tr := range c.Def.Transitions {
		if tr.From == from {
			names = append(names, tr.Name)
		}
	}
	return names
}

// EntryActions returns the compiled entry hook of state.
func (c *Compiled) EntryActions(state string) []actions.Action { return c.entry[state] }

// ExitActions returns the compiled exit hook of state.
func (c *Compiled) ExitActions(state string) []actions.Action { return c.exit[state] }

// Ref renders id@version.
func (c *Compiled) Ref() string { return fmt.Sprintf("%s@%d", c.Def.ID, c.Def.Version) }
