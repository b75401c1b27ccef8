package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindState NodeKind = "state"
	NodeKindStart NodeKind = "start"
	NodeKindEnd   NodeKind = "end"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is one state, or one of the virtual start/end markers.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Final  bool // declared end state
	Status *StatusOverlay
}

// StatusOverlay carries an instance's view of a state.
type StatusOverlay struct {
	Current bool
	Visited bool
	Status  string // instance status, set on the current state only
}

// Edge is a transition, or a virtual start/end link when Label is empty.
type Edge struct {
	From      string
	To        string
	Label     string
	Condition string
	Taken     bool
}

// Virtual node IDs.
const (
	StartNodeID = "__start__"
	EndNodeID   = "__end__"
)
