package cmd

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePersistenceProvider(t *testing.T) {
	assert.Equal(t, "postgresql", parsePersistenceProvider("postgres://u:p@db/automation"))
	assert.Equal(t, "postgresql", parsePersistenceProvider("postgresql://db/automation"))
	assert.Equal(t, "file", parsePersistenceProvider("file:///var/lib/automation"))
	assert.Equal(t, "file", parsePersistenceProvider("./data"))
}

func TestNewPersistence_File(t *testing.T) {
	p, err := NewPersistence(t.Context(), slog.Default(), "file://"+t.TempDir())
	require.NoError(t, err)
	require.NoError(t, p.HealthCheck(t.Context()))
}

func TestNewEventBus(t *testing.T) {
	bus, err := NewEventBus("gochannel", "", "automation", slog.Default())
	require.NoError(t, err)
	assert.NoError(t, bus.Close())

	_, err = NewEventBus("kafka", "", "automation", slog.Default())
	assert.Error(t, err)

	_, err = NewEventBus("rabbitmq", "", "automation", slog.Default())
	assert.EqualError(t, err, "unsupported event bus provider: rabbitmq")
}

func TestNewRegistry(t *testing.T) {
	reg, err := NewRegistry(slog.Default(), t.TempDir()+"/missing")
	require.NoError(t, err)
	assert.Equal(t, []string{"log", "script", "transform"}, reg.ActionIDs())
}
