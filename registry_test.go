package spikenet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerRegistry(t *testing.T) {
	r := NewWorkerRegistry()

	require.NoError(t, r.Add(7, 30))
	require.NoError(t, r.Add(2, 31))
	require.NoError(t, r.Add(5, 32))

	assert.ErrorIs(t, r.Add(7, 40), ErrDuplicateGroup)
	assert.ErrorIs(t, r.Add(8, 31), ErrDuplicateHandle)
	assert.Error(t, r.Add(9, NoWorker))

	h, ok := r.HandleOf(2)
	assert.True(t, ok)
	assert.Equal(t, WorkerHandle(31), h)

	g, ok := r.GroupOf(32)
	assert.True(t, ok)
	assert.Equal(t, GroupID(5), g)

	_, ok = r.GroupOf(99)
	assert.False(t, ok)

	assert.Equal(t, []WorkerHandle{30, 31, 32}, r.Handles(), "spawn order")
	assert.Equal(t, map[GroupID]WorkerHandle{7: 30, 2: 31, 5: 32}, r.Snapshot())
	assert.Equal(t, 3, r.Len())

	r.Clear()
	assert.Zero(t, r.Len())
	assert.Empty(t, r.Handles())
	_, ok = r.HandleOf(7)
	assert.False(t, ok)

	require.NoError(t, r.Add(7, 30), "cleared entries can be reused")
}
