package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid stateDiagram-v2.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("stateDiagram-v2\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		if node.Kind != NodeKindState {
			continue
		}
		fmt.Fprintf(&b, "    state %q as %s\n", mermaidEscapeLabel(node.Label), mermaidSafeID(node.ID))
	}

	for _, edge := range model.Edges {
		from, to := mermaidRef(edge.From), mermaidRef(edge.To)
		if label := edgeLabel(edge); label != "" {
			fmt.Fprintf(&b, "    %s --> %s: %s\n", from, to, mermaidEscapeLabel(label))
		} else {
			fmt.Fprintf(&b, "    %s --> %s\n", from, to)
		}
	}

	var current, visited []string
	for _, node := range model.Nodes {
		if node.Status == nil {
			continue
		}
		if node.Status.Current {
			current = append(current, mermaidSafeID(node.ID))
		} else if node.Status.Visited {
			visited = append(visited, mermaidSafeID(node.ID))
		}
	}
	if len(current)+len(visited) > 0 {
		b.WriteString("\n")
		b.WriteString("    classDef current fill:#1a5276,stroke:#0e3a52,color:#fff\n")
		b.WriteString("    classDef visited fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
		if len(visited) > 0 {
			fmt.Fprintf(&b, "    class %s visited\n", strings.Join(visited, ","))
		}
		if len(current) > 0 {
			fmt.Fprintf(&b, "    class %s current\n", strings.Join(current, ","))
		}
	}
	return b.String()
}

func mermaidRef(id string) string {
	if id == StartNodeID || id == EndNodeID {
		return "[*]"
	}
	return mermaidSafeID(id)
}

// mermaidSafeID converts a state name to a Mermaid-safe identifier.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_", ":", "_")
	return r.Replace(id)
}

// mermaidEscapeLabel drops characters Mermaid treats as syntax inside labels.
func mermaidEscapeLabel(s string) string {
	return strings.NewReplacer("\n", " ", ";", ",", "\"", "'").Replace(s)
}
