package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_CompilesOncePerVersion(t *testing.T) {
	cache := NewCache(0)
	wf := workflow(action("a", "b"), action("b"))

	first, err := cache.Get(wf)
	require.NoError(t, err)

	second, err := cache.Get(wf)
	require.NoError(t, err)
	assert.Same(t, first, second)

	wf.Version = 2
	third, err := cache.Get(wf)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Equal(t, 2, cache.Len())

	cache.Invalidate(wf.ID, 1)
	assert.Equal(t, 1, cache.Len())
}

func TestCache_DoesNotStoreFailures(t *testing.T) {
	cache := NewCache(0)

	_, err := cache.Get(workflow(action("a", "a")))
	assert.ErrorIs(t, err, ErrCycleDetected)
	assert.Equal(t, 0, cache.Len())
}
