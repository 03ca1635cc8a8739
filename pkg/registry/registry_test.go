package registry

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/studyhub/automation/pkg/protocol"
)

type mockAction struct {
	params map[string]any
}

func (m *mockAction) Execute(context.Context, map[string]any, *slog.Logger) (any, error) {
	return m.params, nil
}

type mockFactory struct {
	id string
}

func (f *mockFactory) ID() string {
	return f.id
}

func (f *mockFactory) Create(params map[string]any) (protocol.Action, error) {
	return &mockAction{params: params}, nil
}

func TestRegistry_Actions(t *testing.T) {
	r := NewRegistry(slog.Default())
	r.RegisterAction(&mockFactory{id: "notify"})
	r.RegisterAction(&mockFactory{id: "archive"})

	assert.True(t, r.HasAction("notify"))
	assert.False(t, r.HasAction("missing"))
	assert.Equal(t, []string{"archive", "notify"}, r.ActionIDs())

	action, err := r.CreateAction("notify", map[string]any{"to": "ops"})
	require.NoError(t, err)

	out, err := action.Execute(context.Background(), nil, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"to": "ops"}, out)

	_, err = r.CreateAction("missing", nil)
	assert.EqualError(t, err, "action type 'missing' not registered")
}

func TestRegistry_LoadActionPluginsEmptyDir(t *testing.T) {
	r := NewRegistry(slog.Default())

	n, err := r.LoadActionPlugins(t.TempDir())
	require.NoError(t, err)
	assert.Zero(t, n)
}
