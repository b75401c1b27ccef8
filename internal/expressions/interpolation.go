package expressions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rendis/statum/pkg/schema"
)

// Scope holds the data available to ${{...}} references in action payloads.
//
//	${{instance.<field>}}    id, workflowId, workflowVersion, entityId, state, status, data.<path>
//	${{input.<path>}}        input data of the operation
//	${{transition.<field>}}  name, from, to
type Scope struct {
	Instance   map[string]any
	Input      map[string]any
	Transition map[string]any
}

// Render walks a payload template and resolves every ${{...}} reference.
// A string consisting of exactly one reference is replaced by the raw value, so
// "${{input.amount}}" stays a number. References embedded in longer strings are
// stringified. The template itself is never modified.
func Render(template any, scope *Scope) (any, error) {
	if scope == nil {
		scope = &Scope{}
	}
	switch v := template.(type) {
	case string:
		return renderString(v, scope)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			r, err := Render(item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			r, err := Render(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return schema.DeepCopy(v), nil
	}
}

// HasReferences reports whether any string inside template contains ${{.
func HasReferences(template any) bool {
	switch v := template.(type) {
	case string:
		return strings.Contains(v, "${{")
	case map[string]any:
		for _, item := range v {
			if HasReferences(item) {
				return true
			}
		}
	case []any:
		for _, item := range v {
			if HasReferences(item) {
				return true
			}
		}
	}
	return false
}

// CheckReferences validates the syntax and namespaces of every reference in a
// template without resolving them. Used when a definition is loaded.
func CheckReferences(template any) error {
	switch v := template.(type) {
	case string:
		refs, err := scan(v)
		if err != nil {
			return err
		}
		for _, r := range refs {
			ns, _, _ := strings.Cut(r.expr, ".")
			if _, ok := namespaces[ns]; !ok {
				return unknownNamespace(r.expr, ns)
			}
		}
	case map[string]any:
		for _, item := range v {
			if err := CheckReferences(item); err != nil {
				return err
			}
		}
	case []any:
		for _, item := range v {
			if err := CheckReferences(item); err != nil {
				return err
			}
		}
	}
	return nil
}

var namespaces = map[string]struct{}{"instance": {}, "input": {}, "transition": {}}

type ref struct {
	start, end int // byte offsets of "${{" and one past "}}"
	expr       string
}

func scan(s string) ([]ref, error) {
	var refs []ref
	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "${{")
		if idx == -1 {
			break
		}
		start := i + idx
		closeIdx := strings.Index(s[start+3:], "}}")
		if closeIdx == -1 {
			return nil, schema.NewError(schema.ErrCodeValidation, "unclosed ${{ expression")
		}
		end := start + 3 + closeIdx
		expr := strings.TrimSpace(s[start+3 : end])
		if strings.Contains(expr, "${{") {
			return nil, schema.NewError(schema.ErrCodeValidation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}
		if expr == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "empty variable reference: ${{  }}")
		}
		refs = append(refs, ref{start: start, end: end + 2, expr: expr})
		i = end + 2
	}
	return refs, nil
}

func renderString(s string, scope *Scope) (any, error) {
	refs, err := scan(s)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return s, nil
	}
	if len(refs) == 1 && refs[0].start == 0 && refs[0].end == len(s) {
		val, err := resolve(refs[0].expr, scope)
		if err != nil {
			return nil, err
		}
		return schema.DeepCopy(val), nil
	}

	var b strings.Builder
	b.Grow(len(s))
	last := 0
	for _, r := range refs {
		b.WriteString(s[last:r.start])
		val, err := resolve(r.expr, scope)
		if err != nil {
			return nil, err
		}
		b.WriteString(inline(val))
		last = r.end
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

func resolve(expr string, scope *Scope) (any, error) {
	ns, path, _ := strings.Cut(expr, ".")
	var root map[string]any
	switch ns {
	case "instance":
		root = scope.Instance
	case "input":
		root = scope.Input
	case "transition":
		root = scope.Transition
	default:
		return nil, unknownNamespace(expr, ns)
	}
	if path == "" {
		if ns == "input" {
			return root, nil
		}
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid reference %q: expected %s.<field>", expr, ns).
			WithDetails(map[string]any{"expression": expr})
	}
	if root == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"cannot resolve %q: %s scope is empty", expr, ns).
			WithDetails(map[string]any{"expression": expr})
	}
	if val, ok := root[path]; ok {
		return val, nil
	}
	return traverse(root, path, expr)
}

func traverse(root any, path, expr string) (any, error) {
	cur := root
	for i, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"empty segment in path %q at position %d", expr, i).
				WithDetails(map[string]any{"expression": expr})
		}
		switch v := cur.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				keys := sortedKeys(v)
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"field %q not found in %q; available: [%s]", seg, expr, strings.Join(keys, ", ")).
					WithDetails(map[string]any{"expression": expr, "available_fields": keys})
			}
			cur = val
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"index %q out of range in %q (length %d)", seg, expr, len(v)).
					WithDetails(map[string]any{"expression": expr})
			}
			cur = v[idx]
		default:
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, expr, cur).
				WithDetails(map[string]any{"expression": expr})
		}
	}
	return cur, nil
}

func unknownNamespace(expr, ns string) error {
	available := []string{"instance", "input", "transition"}
	return schema.NewErrorf(schema.ErrCodeValidation,
		"unknown namespace %q in ${{%s}}; available: %s", ns, expr, strings.Join(available, ", ")).
		WithDetails(map[string]any{"expression": expr, "available_namespaces": available})
}

// inline renders a resolved value inside a longer string.
func inline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
