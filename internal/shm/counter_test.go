package shm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterIncrementsAcrossHandles(t *testing.T) {
	dir := t.TempDir()

	c1, err := OpenCounter(dir, "c")
	require.NoError(t, err)
	defer c1.Close()

	c2, err := OpenCounter(dir, "c")
	require.NoError(t, err)
	defer c2.Close()

	assert.Equal(t, uint32(1), c1.Next())
	assert.Equal(t, uint32(2), c2.Next())
	assert.Equal(t, uint32(3), c1.Next())
}
