package expressions

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func guardEnv() *Env {
	return &Env{
		Instance: map[string]any{
			"amount":   float64(750),
			"customer": map[string]any{"tier": "gold", "tags": []any{"vip", "eu"}},
			"flagged":  false,
		},
		Input: map[string]any{
			"approved": true,
			"approver": "alice",
			"score":    42,
		},
	}
}

func TestParse_Evaluate(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want bool
	}{
		{"bool equality", "inputData.approved == true", true},
		{"bare field true", "inputData.approved", true},
		{"bare field false", "instanceData.flagged", false},
		{"not", "!instanceData.flagged", true},
		{"word not", "not instanceData.flagged", true},
		{"number ordering", "instanceData.amount <= 1000", true},
		{"int and float mix", "inputData.score == 42.0", true},
		{"negative literal", "instanceData.amount > -1", true},
		{"string equality", `inputData.approver == "alice"`, true},
		{"string ordering", `inputData.approver < "bob"`, true},
		{"nested path", `instanceData.customer.tier == "gold"`, true},
		{"slice index", `instanceData.customer.tags[1] == "eu"`, true},
		{"bracket member", `instanceData["customer"]["tier"] != "silver"`, true},
		{"and", "inputData.approved && instanceData.amount > 500", true},
		{"word and", "inputData.approved and instanceData.amount > 5000", false},
		{"or", "instanceData.flagged || inputData.score >= 40", true},
		{"grouping", "!(instanceData.flagged || inputData.score < 40) && true", true},
		{"missing field is nil", "inputData.reason == nil", true},
		{"missing nested field is nil", "instanceData.a.b.c == nil", true},
		{"null literal", "inputData.reason == null", true},
		{"present field is not null", "inputData.approver != null", true},
		{"missing field is null", "inputData.reason != null", false},
		{"missing field is not true", "inputData.reason", false},
		{"incomparable ordering is false", `inputData.approver > 3`, false},
		{"nil ordering is false", `inputData.reason < 3`, false},
		{"type mismatch equality", `inputData.score == "42"`, false},
		{"non-boolean result", `inputData.approver`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := Parse(tt.src)
			require.NoError(t, err)
			assert.Equal(t, tt.want, Evaluate(e, guardEnv()))
		})
	}
}

func TestParse_Empty(t *testing.T) {
	e, err := Parse("   ")
	require.NoError(t, err)
	assert.Nil(t, e)
	assert.True(t, Evaluate(e, nil))
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"syntax error", "inputData.approved ==="},
		{"unknown root", "env.HOME == 1"},
		{"function call", `len(inputData.approver) > 2`},
		{"method call", `inputData.approver.startsWith("a")`},
		{"arithmetic", "instanceData.amount + 1 > 2"},
		{"in operator", `inputData.approver in ["alice"]`},
		{"computed member", "instanceData[inputData.approver] == 1"},
		{"ternary", "inputData.approved ? true : false"},
		{"array literal", "[1, 2]"},
		{"unary minus on field", "-instanceData.amount < 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.src)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "VALIDATION_ERROR")
		})
	}
}

func TestParse_DepthLimit(t *testing.T) {
	src := strings.Repeat("!(", MaxGuardDepth+1) + "true" + strings.Repeat(")", MaxGuardDepth+1)
	_, err := Parse(src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nesting")
}

func TestParse_NodeLimit(t *testing.T) {
	terms := make([]string, MaxGuardNodes)
	for i := range terms {
		terms[i] = "true"
	}
	_, err := Parse(strings.Join(terms, " || "))
	require.Error(t, err)
}

func TestParse_FlattensConnectives(t *testing.T) {
	e := MustParse("inputData.a && inputData.b && inputData.c || inputData.d")
	or, ok := e.(Or)
	require.True(t, ok)
	require.Len(t, or.Terms, 2)
	and, ok := or.Terms[0].(And)
	require.True(t, ok)
	assert.Len(t, and.Terms, 3)
}

func TestBuilders(t *testing.T) {
	e := AllOf(
		Eq(InputField("approved"), Lit(true)),
		AnyOf(Lt(InstanceField("amount"), Lit(1000)), Negate(InstanceField("flagged"))),
	)
	require.NoError(t, Check(e))
	assert.True(t, Evaluate(e, guardEnv()))
	assert.Equal(t, "inputData.approved == true && (instanceData.amount < 1000 || !instanceData.flagged)", e.String())
}

func TestCheck_Rejects(t *testing.T) {
	assert.Error(t, Check(Compare{Op: "=~", Left: Lit(1), Right: Lit(1)}))
	assert.Error(t, Check(Field{Root: "env"}))
	assert.Error(t, Check(Not{}))

	var deep Expr = Lit(true)
	for i := 0; i < MaxGuardDepth+1; i++ {
		deep = Negate(deep)
	}
	assert.Error(t, Check(deep))
}

func TestString_RoundTrip(t *testing.T) {
	srcs := []string{
		`inputData.approved == true`,
		`instanceData.customer.tier != "gold" || !instanceData.flagged`,
		`!(inputData.a && inputData.b)`,
		`instanceData.amount >= -2.5`,
	}
	for _, src := range srcs {
		e := MustParse(src)
		again := MustParse(e.String())
		assert.Equal(t, e, again, src)
	}
}

func TestEvaluate_DoesNotMutateEnv(t *testing.T) {
	env := guardEnv()
	Evaluate(MustParse(`instanceData.customer.tier == "gold" && inputData.x.y == nil`), env)
	assert.Equal(t, guardEnv(), env)
}
