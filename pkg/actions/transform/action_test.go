package transform

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/studyhub/automation/pkg/template"
)

func TestNewAction(t *testing.T) {
	_, err := NewAction(map[string]any{})
	assert.Error(t, err)

	action, err := NewActionFactory().Create(map[string]any{"input": "order", "expression": "{{ .total }}"})
	require.NoError(t, err)
	assert.Equal(t, &Action{Input: "order", Expression: "{{ .total }}"}, action)
}

func TestAction_Execute(t *testing.T) {
	run := map[string]any{
		"order": map[string]any{"total": 99.5, "currency": "EUR"},
		"user":  map[string]any{"name": "Ada"},
	}

	tests := []struct {
		name   string
		params map[string]any
		want   any
	}{
		{
			name:   "scalar from input",
			params: map[string]any{"input": "order", "expression": "{{ .total }}"},
			want:   99.5,
		},
		{
			name:   "object from whole context",
			params: map[string]any{"expression": `{"customer": "{{ .user.name }}", "charge": "{{ .order.total }} {{ .order.currency }}"}`},
			want:   map[string]any{"customer": "Ada", "charge": "99.5 EUR"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action, err := NewAction(tt.params)
			require.NoError(t, err)

			got, err := action.Execute(context.Background(), run, slog.Default())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAction_ExecuteMissingInput(t *testing.T) {
	action, err := NewAction(map[string]any{"input": "invoice", "expression": "{{ . }}"})
	require.NoError(t, err)

	_, err = action.Execute(context.Background(), map[string]any{}, slog.Default())
	assert.ErrorIs(t, err, template.ErrMissingField)
}
