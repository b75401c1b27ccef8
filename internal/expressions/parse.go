package expressions

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/rendis/statum/pkg/schema"
)

// Parse compiles a guard string such as
//
//	inputData.approved == true && instanceData.amount <= 1000
//
// into an Expr. The expr-lang parser supplies the syntax tree; anything outside
// literals, field paths, comparisons, &&, ||, ! (and their word forms) is rejected.
// An empty string yields a nil Expr, which always evaluates to true.
func Parse(src string) (Expr, error) {
	if strings.TrimSpace(src) == "" {
		return nil, nil
	}
	tree, err := parser.Parse(src)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid guard %q: %s", src, err.Error()).
			WithDetails(map[string]any{"condition": src}).WithCause(err)
	}
	c := &converter{}
	e, err := c.convert(tree.Node, 1)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid guard %q: %s", src, err.Error()).
			WithDetails(map[string]any{"condition": src})
	}
	return e, nil
}

// MustParse is like Parse but panics on error. Intended for tests and static tables.
func MustParse(src string) Expr {
	e, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return e
}

type converter struct {
	nodes int
}

func (c *converter) convert(n ast.Node, depth int) (Expr, error) {
	if depth > MaxGuardDepth {
		return nil, fmt.Errorf("nesting exceeds %d levels", MaxGuardDepth)
	}
	c.nodes++
	if c.nodes > MaxGuardNodes {
		return nil, fmt.Errorf("more than %d nodes", MaxGuardNodes)
	}

	switch node := n.(type) {
	case *ast.NilNode:
		return Literal{}, nil
	case *ast.BoolNode:
		return Literal{Value: node.Value}, nil
	case *ast.IntegerNode:
		return Literal{Value: float64(node.Value)}, nil
	case *ast.FloatNode:
		return Literal{Value: node.Value}, nil
	case *ast.StringNode:
		return Literal{Value: node.Value}, nil

	case *ast.IdentifierNode:
		// Definitions are JSON or YAML, where the nil literal is spelled null.
		if node.Value == "null" {
			return Literal{}, nil
		}
		return fieldOf(n)
	case *ast.MemberNode:
		return fieldOf(n)
	case *ast.ChainNode:
		return c.convert(node.Node, depth)

	case *ast.UnaryNode:
		switch node.Operator {
		case "!", "not":
			operand, err := c.convert(node.Node, depth+1)
			if err != nil {
				return nil, err
			}
			return Not{Operand: operand}, nil
		case "-", "+":
			operand, err := c.convert(node.Node, depth+1)
			if err != nil {
				return nil, err
			}
			lit, ok := operand.(Literal)
			f, isNum := lit.Value.(float64)
			if !ok || !isNum {
				return nil, fmt.Errorf("unary %s only applies to number literals", node.Operator)
			}
			if node.Operator == "-" {
				f = -f
			}
			return Literal{Value: f}, nil
		}
		return nil, fmt.Errorf("operator %q is not allowed", node.Operator)

	case *ast.BinaryNode:
		left, err := c.convert(node.Left, depth+1)
		if err != nil {
			return nil, err
		}
		right, err := c.convert(node.Right, depth+1)
		if err != nil {
			return nil, err
		}
		switch node.Operator {
		case "&&", "and":
			return And{Terms: flattenAnd(left, right)}, nil
		case "||", "or":
			return Or{Terms: flattenOr(left, right)}, nil
		case "==", "!=", "<", "<=", ">", ">=":
			return Compare{Op: CompareOp(node.Operator), Left: left, Right: right}, nil
		}
		return nil, fmt.Errorf("operator %q is not allowed", node.Operator)
	}

	return nil, fmt.Errorf("unsupported construct %s", strings.TrimPrefix(fmt.Sprintf("%T", n), "*ast."))
}

// flattenAnd merges nested conjunctions, so a && b && c is one And.
func flattenAnd(left, right Expr) []Expr {
	var terms []Expr
	for _, e := range []Expr{left, right} {
		if a, ok := e.(And); ok {
			terms = append(terms, a.Terms...)
			continue
		}
		terms = append(terms, e)
	}
	return terms
}

func flattenOr(left, right Expr) []Expr {
	var terms []Expr
	for _, e := range []Expr{left, right} {
		if o, ok := e.(Or); ok {
			terms = append(terms, o.Terms...)
			continue
		}
		terms = append(terms, e)
	}
	return terms
}

func fieldOf(n ast.Node) (Expr, error) {
	var path []string
	for {
		switch node := n.(type) {
		case *ast.IdentifierNode:
			root := Root(node.Value)
			if root != RootInstance && root != RootInput {
				return nil, fmt.Errorf("unknown identifier %q (use instanceData or inputData)", node.Value)
			}
			for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
				path[i], path[j] = path[j], path[i]
			}
			return Field{Root: root, Path: path}, nil
		case *ast.MemberNode:
			switch prop := node.Property.(type) {
			case *ast.StringNode:
				path = append(path, prop.Value)
			case *ast.IntegerNode:
				path = append(path, strconv.Itoa(prop.Value))
			default:
				return nil, fmt.Errorf("computed member access is not allowed")
			}
			n = node.Node
		case *ast.ChainNode:
			n = node.Node
		default:
			return nil, fmt.Errorf("field path must start with instanceData or inputData")
		}
	}
}
