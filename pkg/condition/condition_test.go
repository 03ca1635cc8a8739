package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/studyhub/automation/pkg/models"
)

func testContext() map[string]any {
	return map[string]any{
		"email":  "ada@example.com",
		"role":   "admin",
		"amount": 250.0,
		"count":  "12",
		"user": map[string]any{
			"plan":     "premium",
			"verified": true,
		},
		"charge": map[string]any{"status": 201.0},
	}
}

func TestEvaluate_Operators(t *testing.T) {
	ev := New()

	tests := []struct {
		name string
		cfg  models.ConditionConfig
		want bool
	}{
		{"regex match", models.ConditionConfig{Field: "email", Operator: "regex", Pattern: `^[^@\s]+@[^@\s]+\.[a-z]+$`}, true},
		{"regex no match", models.ConditionConfig{Field: "role", Operator: "matches", Value: `^user$`}, false},
		{"regex on non string", models.ConditionConfig{Field: "amount", Operator: "regex", Pattern: `.*`}, false},
		{"in", models.ConditionConfig{Field: "user.plan", Operator: "in", Values: []any{"basic", "premium"}}, true},
		{"in via value list", models.ConditionConfig{Field: "role", Operator: "in", Value: []any{"owner"}}, false},
		{"not in", models.ConditionConfig{Field: "role", Operator: "not_in", Values: []any{"guest"}}, true},
		{"eq string", models.ConditionConfig{Field: "role", Operator: "eq", Value: "admin"}, true},
		{"eq symbol", models.ConditionConfig{Field: "user.verified", Operator: "==", Value: true}, true},
		{"eq numeric across types", models.ConditionConfig{Field: "charge.status", Operator: "eq", Value: 201}, true},
		{"neq", models.ConditionConfig{Field: "role", Operator: "!=", Value: "admin"}, false},
		{"gt", models.ConditionConfig{Field: "amount", Operator: "gt", Value: 100}, true},
		{"gte equal", models.ConditionConfig{Field: "amount", Operator: ">=", Value: 250}, true},
		{"lt", models.ConditionConfig{Field: "amount", Operator: "<", Value: 100}, false},
		{"lte numeric string", models.ConditionConfig{Field: "count", Operator: "lte", Value: "12"}, true},
		{"contains", models.ConditionConfig{Field: "email", Operator: "contains", Value: "@example"}, true},
		{"exists", models.ConditionConfig{Field: "user.plan", Operator: "exists"}, true},
		{"exists missing", models.ConditionConfig{Field: "user.phone", Operator: "exists"}, false},
		{"not exists", models.ConditionConfig{Field: "user.phone", Operator: "not_exists"}, true},
		{"expr", models.ConditionConfig{Operator: "expr", Expression: `amount > 100 && user.plan == "premium"`}, true},
		{"bare expression", models.ConditionConfig{Expression: `role == "guest"`}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ev.Evaluate(tt.cfg, testContext())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_Compound(t *testing.T) {
	ev := New()
	isAdmin := models.ConditionConfig{Field: "role", Operator: "eq", Value: "admin"}
	isGuest := models.ConditionConfig{Field: "role", Operator: "eq", Value: "guest"}
	bigAmount := models.ConditionConfig{Field: "amount", Operator: "gt", Value: 200}

	ok, err := ev.Evaluate(models.ConditionConfig{All: []models.ConditionConfig{isAdmin, bigAmount}}, testContext())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ev.Evaluate(models.ConditionConfig{All: []models.ConditionConfig{isAdmin, isGuest}}, testContext())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = ev.Evaluate(models.ConditionConfig{Any: []models.ConditionConfig{isGuest, bigAmount}}, testContext())
	require.NoError(t, err)
	assert.True(t, ok)

	missing := models.ConditionConfig{Field: "nope", Operator: "eq", Value: 1}
	ok, err = ev.Evaluate(models.ConditionConfig{Any: []models.ConditionConfig{missing, isAdmin}}, testContext())
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = ev.Evaluate(models.ConditionConfig{Any: []models.ConditionConfig{missing, isGuest}}, testContext())
	assert.ErrorIs(t, err, ErrMissingContextField)
}

func TestEvaluate_Errors(t *testing.T) {
	ev := New()

	tests := []struct {
		name string
		cfg  models.ConditionConfig
		kind error
	}{
		{"unknown operator fails closed", models.ConditionConfig{Field: "role", Operator: "sounds_like", Value: "admin"}, ErrUnsupportedOperator},
		{"unknown operator on missing field", models.ConditionConfig{Field: "nope", Operator: "sounds_like"}, ErrUnsupportedOperator},
		{"missing field", models.ConditionConfig{Field: "user.phone", Operator: "eq", Value: "1"}, ErrMissingContextField},
		{"non numeric comparison", models.ConditionConfig{Field: "role", Operator: "gt", Value: 1}, ErrInvalidCondition},
		{"bad regex", models.ConditionConfig{Field: "role", Operator: "regex", Pattern: "("}, ErrInvalidCondition},
		{"membership without list", models.ConditionConfig{Field: "role", Operator: "in", Value: "admin"}, ErrInvalidCondition},
		{"expr unknown name", models.ConditionConfig{Expression: `missing_var > 1`}, ErrMissingContextField},
		{"expr syntax", models.ConditionConfig{Expression: `amount >`}, ErrInvalidCondition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := ev.Evaluate(tt.cfg, testContext())
			require.Error(t, err)
			assert.False(t, ok)
			assert.ErrorIs(t, err, tt.kind)

			var evalErr *EvalError
			assert.ErrorAs(t, err, &evalErr)
		})
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	ev := New()
	cfg := models.ConditionConfig{Any: []models.ConditionConfig{
		{Field: "email", Operator: "regex", Pattern: `@example\.com$`},
		{Expression: `amount < 10`},
	}}

	first, err := ev.Evaluate(cfg, testContext())
	require.NoError(t, err)

	for range 20 {
		again, err := ev.Evaluate(cfg, testContext())
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}
