package expressions

import (
	"testing"

	"github.com/rendis/statum/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func renderScope() *Scope {
	return &Scope{
		Instance: map[string]any{
			"id":       "inst-1",
			"entityId": "order-9",
			"state":    "review",
			"data":     map[string]any{"amount": float64(120), "items": []any{"a", "b"}},
		},
		Input:      map[string]any{"approved": true, "note": "ok"},
		Transition: map[string]any{"name": "approve", "from": "review", "to": "approved"},
	}
}

func TestRender_NoReferences(t *testing.T) {
	tmpl := map[string]any{"a": "plain", "b": float64(1), "c": nil}
	out, err := Render(tmpl, renderScope())
	require.NoError(t, err)
	assert.Equal(t, tmpl, out)
}

func TestRender_WholeValueKeepsType(t *testing.T) {
	out, err := Render(map[string]any{
		"amount":   "${{instance.data.amount}}",
		"approved": "${{ input.approved }}",
		"items":    "${{instance.data.items}}",
	}, renderScope())
	require.NoError(t, err)
	m := out.(map[string]any)
	assert.Equal(t, float64(120), m["amount"])
	assert.Equal(t, true, m["approved"])
	assert.Equal(t, []any{"a", "b"}, m["items"])
}

func TestRender_Embedded(t *testing.T) {
	out, err := Render("order ${{instance.entityId}} moved ${{transition.from}} -> ${{transition.to}} (${{instance.data.amount}})", renderScope())
	require.NoError(t, err)
	assert.Equal(t, "order order-9 moved review -> approved (120)", out)
}

func TestRender_NestedStructures(t *testing.T) {
	out, err := Render([]any{
		map[string]any{"first": "${{instance.data.items.0}}"},
		"${{input.note}}",
	}, renderScope())
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"first": "a"}, "ok"}, out)
}

func TestRender_WholeInput(t *testing.T) {
	out, err := Render("${{input}}", renderScope())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"approved": true, "note": "ok"}, out)
}

func TestRender_DoesNotAliasScope(t *testing.T) {
	scope := renderScope()
	out, err := Render("${{instance.data.items}}", scope)
	require.NoError(t, err)
	out.([]any)[0] = "changed"
	assert.Equal(t, "a", scope.Instance["data"].(map[string]any)["items"].([]any)[0])
}

func TestRender_Errors(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		msg  string
	}{
		{"unclosed", "${{input.note", "unclosed"},
		{"empty", "${{ }}", "empty variable reference"},
		{"nested", "${{input.${{x}}}}", "nested interpolation"},
		{"unknown namespace", "${{secrets.key}}", "unknown namespace"},
		{"missing field", "${{input.missing}}", "not found"},
		{"bad index", "${{instance.data.items.7}}", "out of range"},
		{"bare namespace", "${{transition}}", "expected transition.<field>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Render(tt.tmpl, renderScope())
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestCheckReferences(t *testing.T) {
	assert.NoError(t, CheckReferences(map[string]any{"a": "${{input.x}}", "b": []any{"${{transition.name}}"}}))
	assert.Error(t, CheckReferences(map[string]any{"a": []any{"${{steps.x}}"}}))
	assert.Error(t, CheckReferences("${{input.x"))
}

func TestHasReferences(t *testing.T) {
	assert.False(t, HasReferences(map[string]any{"a": "b"}))
	assert.True(t, HasReferences([]any{1, map[string]any{"x": "${{input.y}}"}}))
}
