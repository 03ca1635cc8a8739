package script

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAction_Execute(t *testing.T) {
	run := map[string]any{
		"amount": 120.0,
		"items":  []any{"a", "b", "c"},
	}

	tests := []struct {
		name   string
		source string
		want   any
	}{
		{name: "expression result", source: `$.amount * 2`, want: 240.0},
		{name: "object result", source: `({count: $.items.length, big: $.amount > 100})`, want: map[string]any{"count": 3.0, "big": true}},
		{name: "statement returns context", source: `$.total = $.amount + 5; undefined`, want: map[string]any{"amount": 120.0, "items": []any{"a", "b", "c"}, "total": 125.0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action, err := NewActionFactory().Create(map[string]any{"script": tt.source})
			require.NoError(t, err)

			got, err := action.Execute(context.Background(), run, slog.Default())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, mutated := run["total"]
	assert.False(t, mutated, "scripts must not modify the caller's context")
}

func TestAction_Errors(t *testing.T) {
	_, err := NewAction(map[string]any{})
	assert.Error(t, err)

	action, err := NewAction(map[string]any{"script": `throw new Error("nope")`})
	require.NoError(t, err)

	_, err = action.Execute(context.Background(), map[string]any{}, slog.Default())
	assert.ErrorContains(t, err, "nope")
}

func TestAction_Interrupted(t *testing.T) {
	action, err := NewAction(map[string]any{"script": `while (true) {}`})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = action.Execute(ctx, map[string]any{}, slog.Default())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
