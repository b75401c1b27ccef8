package diagram

import (
	"fmt"
	"strings"
)

// statusTag returns a short ASCII marker for a node overlay.
func statusTag(s *StatusOverlay) string {
	switch {
	case s == nil:
		return ""
	case s.Current && s.Status != "":
		return "[" + strings.ToUpper(s.Status) + "]"
	case s.Current:
		return "[HERE]"
	case s.Visited:
		return "[SEEN]"
	default:
		return ""
	}
}

// RenderASCII renders a DiagramModel as a plain-text state list, one block
// per state with its outgoing transitions.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	out := make(map[string][]Edge)
	start := ""
	for _, e := range model.Edges {
		if e.From == StartNodeID {
			start = e.To
			continue
		}
		if e.To == EndNodeID {
			continue
		}
		out[e.From] = append(out[e.From], e)
	}

	for _, node := range model.Nodes {
		if node.Kind != NodeKindState {
			continue
		}
		var marks []string
		if node.ID == start {
			marks = append(marks, "start")
		}
		if node.Final {
			marks = append(marks, "end")
		}
		line := node.Label
		if len(marks) > 0 {
			line += " (" + strings.Join(marks, ", ") + ")"
		}
		if tag := statusTag(node.Status); tag != "" {
			line += " " + tag
		}
		b.WriteString(line + "\n")

		for _, e := range out[node.ID] {
			arrow := "-->"
			if e.Taken {
				arrow = "==>"
			}
			fmt.Fprintf(&b, "  %s %s  %s\n", arrow, e.To, edgeLabel(e))
		}
	}
	return b.String()
}
