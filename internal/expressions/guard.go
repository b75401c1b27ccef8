package expressions

import (
	"fmt"
	"strconv"
	"strings"
)

// Guard limits. Parse and Check reject trees that exceed them.
const (
	MaxGuardDepth = 32
	MaxGuardNodes = 256
)

// Root names the data a Field reads from.
type Root string

const (
	RootInstance Root = "instanceData"
	RootInput    Root = "inputData"
)

// Expr is a node of the guard grammar. The set of implementations is closed:
// literals, field references, comparisons and the boolean connectives.
type Expr interface {
	String() string
	eval(env *Env) any
	children() []Expr
}

// Env is the data a guard is evaluated against. Neither map is modified.
type Env struct {
	Instance map[string]any
	Input    map[string]any
}

// Literal is a constant. Value is nil, bool, float64 or string.
type Literal struct {
	Value any
}

// Field reads a path from instanceData or inputData. A missing path yields nil.
type Field struct {
	Root Root
	Path []string
}

// CompareOp is a comparison operator.
type CompareOp string

const (
	OpEq CompareOp = "=="
	OpNe CompareOp = "!="
	OpLt CompareOp = "<"
	OpLe CompareOp = "<="
	OpGt CompareOp = ">"
	OpGe CompareOp = ">="
)

// Compare applies Op to two operands.
type Compare struct {
	Op          CompareOp
	Left, Right Expr
}

// And is true when every term is true. An empty And is true.
type And struct {
	Terms []Expr
}

// Or is true when any term is true. An empty Or is false.
type Or struct {
	Terms []Expr
}

// Not negates its operand.
type Not struct {
	Operand Expr
}

// Lit builds a Literal, normalizing numbers to float64.
func Lit(v any) Literal {
	if f, ok := toFloat(v); ok {
		return Literal{Value: f}
	}
	return Literal{Value: v}
}

// InstanceField references instanceData.<path...>.
func InstanceField(path ...string) Field { return Field{Root: RootInstance, Path: path} }

// InputField references inputData.<path...>.
func InputField(path ...string) Field { return Field{Root: RootInput, Path: path} }

func Eq(l, r Expr) Compare { return Compare{Op: OpEq, Left: l, Right: r} }
func Ne(l, r Expr) Compare { return Compare{Op: OpNe, Left: l, Right: r} }
func Lt(l, r Expr) Compare { return Compare{Op: OpLt, Left: l, Right: r} }
func Le(l, r Expr) Compare { return Compare{Op: OpLe, Left: l, Right: r} }
func Gt(l, r Expr) Compare { return Compare{Op: OpGt, Left: l, Right: r} }
func Ge(l, r Expr) Compare { return Compare{Op: OpGe, Left: l, Right: r} }

func AllOf(terms ...Expr) And { return And{Terms: terms} }
func AnyOf(terms ...Expr) Or { return Or{Terms: terms} }
func Negate(e Expr) Not { return Not{Operand: e} }

// Evaluate runs a guard. Only a boolean true result counts as true, so a
// guard that resolves to a non-boolean value never lets a transition through.
func Evaluate(e Expr, env *Env) bool {
	if e == nil {
		return true
	}
	if env == nil {
		env = &Env{}
	}
	b, _ := e.eval(env).(bool)
	return b
}

// Check verifies that a programmatically built tree respects the guard limits.
func Check(e Expr) error {
	nodes := 0
	return check(e, 1, &nodes)
}

func check(e Expr, depth int, nodes *int) error {
	if e == nil {
		return fmt.Errorf("nil guard node")
	}
	if depth > MaxGuardDepth {
		return fmt.Errorf("guard nesting exceeds %d levels", MaxGuardDepth)
	}
	*nodes++
	if *nodes > MaxGuardNodes {
		return fmt.Errorf("guard exceeds %d nodes", MaxGuardNodes)
	}
	if c, ok := e.(Compare); ok {
		switch c.Op {
		case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		default:
			return fmt.Errorf("unknown comparison operator %q", c.Op)
		}
	}
	if f, ok := e.(Field); ok && f.Root != RootInstance && f.Root != RootInput {
		return fmt.Errorf("unknown field root %q", f.Root)
	}
	for _, c := range e.children() {
		if err := check(c, depth+1, nodes); err != nil {
			return err
		}
	}
	return nil
}

func (l Literal) eval(*Env) any { return l.Value }
func (l Literal) children() []Expr { return nil }
func (f Field) children() []Expr { return nil }
func (c Compare) children() []Expr { return []Expr{c.Left, c.Right} }
func (a And) children() []Expr { return a.Terms }
func (o Or) children() []Expr { return o.Terms }
func (n Not) children() []Expr { return []Expr{n.Operand} }

func (f Field) eval(env *Env) any {
	var cur any
	switch f.Root {
	case RootInstance:
		cur = env.Instance
	case RootInput:
		cur = env.Input
	default:
		return nil
	}
	for _, seg := range f.Path {
		switch v := cur.(type) {
		case map[string]any:
			cur = v[seg]
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil
			}
			cur = v[idx]
		default:
			return nil
		}
	}
	if m, ok := cur.(map[string]any); ok && m == nil {
		return nil
	}
	return cur
}

func (c Compare) eval(env *Env) any {
	l, r := c.Left.eval(env), c.Right.eval(env)
	switch c.Op {
	case OpEq:
		return equal(l, r)
	case OpNe:
		return !equal(l, r)
	}
	cmp, ok := order(l, r)
	if !ok {
		return false
	}
	switch c.Op {
	case OpLt:
		return cmp < 0
	case OpLe:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	case OpGe:
		return cmp >= 0
	}
	return false
}

func (a And) eval(env *Env) any {
	for _, t := range a.Terms {
		if b, _ := t.eval(env).(bool); !b {
			return false
		}
	}
	return true
}

func (o Or) eval(env *Env) any {
	for _, t := range o.Terms {
		if b, _ := t.eval(env).(bool); b {
			return true
		}
	}
	return false
}

func (n Not) eval(env *Env) any {
	b, _ := n.Operand.eval(env).(bool)
	return !b
}

func (l Literal) String() string {
	switch v := l.Value.(type) {
	case nil:
		return "nil"
	case string:
		return strconv.Quote(v)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func (f Field) String() string {
	if len(f.Path) == 0 {
		return string(f.Root)
	}
	return string(f.Root) + "." + strings.Join(f.Path, ".")
}

func (c Compare) String() string {
	return c.Left.String() + " " + string(c.Op) + " " + c.Right.String()
}

func (a And) String() string { return join(a.Terms, " && ", "true") }
func (o Or) String() string { return join(o.Terms, " || ", "false") }

func (n Not) String() string {
	switch n.Operand.(type) {
	case Literal, Field:
		return "!" + n.Operand.String()
	}
	return "!(" + n.Operand.String() + ")"
}

func join(terms []Expr, sep, empty string) string {
	if len(terms) == 0 {
		return empty
	}
	parts := make([]string, len(terms))
	for i, t := range terms {
		switch t.(type) {
		case And, Or:
			parts[i] = "(" + t.String() + ")"
		default:
			parts[i] = t.String()
		}
	}
	return strings.Join(parts, sep)
}

func equal(l, r any) bool {
	if lf, ok := toFloat(l); ok {
		rf, ok := toFloat(r)
		return ok && lf == rf
	}
	switch lv := l.(type) {
	case nil:
		return r == nil
	case bool:
		rv, ok := r.(bool)
		return ok && lv == rv
	case string:
		rv, ok := r.(string)
		return ok && lv == rv
	}
	// Maps and slices are not comparable by value in guards.
	return false
}

// order compares two numbers or two strings. ok is false for any other pair.
func order(l, r any) (int, bool) {
	if lf, ok := toFloat(l); ok {
		rf, ok := toFloat(r)
		if !ok {
			return 0, false
		}
		switch {
		case lf < rf:
			return -1, true
		case lf > rf:
			return 1, true
		}
		return 0, true
	}
	ls, ok := l.(string)
	if !ok {
		return 0, false
	}
	rs, ok := r.(string)
	if !ok {
		return 0, false
	}
	return strings.Compare(ls, rs), true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
