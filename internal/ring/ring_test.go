package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shmipc/shmipc/internal/ipcerr"
)

func TestRingCapacityAndSlotSize(t *testing.T) {
	dir := t.TempDir()
	r, err := OpenRing(dir, "/ring1")
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, uint32(SlotCount), r.Capacity())
}

func TestWriterConnectDisconnect(t *testing.T) {
	dir := t.TempDir()
	r, err := OpenRing(dir, "/ring2")
	require.NoError(t, err)
	defer r.Close()

	id, err := r.ConnectWriter()
	require.NoError(t, err)
	assert.Equal(t, uint32(1)<<id, r.ConnectedWriters())

	r.DisconnectWriter(id)
	assert.Equal(t, uint32(0), r.ConnectedWriters())
}

func TestWriterExhaustion(t *testing.T) {
	dir := t.TempDir()
	r, err := OpenRing(dir, "/ring3")
	require.NoError(t, err)
	defer r.Close()

	for i := 0; i < MaxWriters; i++ {
		_, err := r.ConnectWriter()
		require.NoError(t, err)
	}
	_, err = r.ConnectWriter()
	assert.True(t, ipcerr.Is(err, ipcerr.NoBitAvailable))
}

func TestClaimAssignsIncreasingTicketsAndEpochs(t *testing.T) {
	dir := t.TempDir()
	r, err := OpenRing(dir, "/ring4")
	require.NoError(t, err)
	defer r.Close()

	first, stuck := r.tryClaim()
	require.False(t, stuck)
	second, stuck := r.tryClaim()
	require.False(t, stuck)
	assert.Equal(t, first.ticket+1, second.ticket)
	assert.Equal(t, uint32(0), first.idx)
	assert.Equal(t, uint32(1), second.idx)
	assert.Equal(t, uint32(0), first.epoch)
}

func TestClaimReportsStuckSlotOnWrap(t *testing.T) {
	dir := t.TempDir()
	r, err := OpenRing(dir, "/ring5")
	require.NoError(t, err)
	defer r.Close()

	_, err = r.ConnectReader()
	require.NoError(t, err)

	for i := 0; i < SlotCount; i++ {
		tk, stuck := r.tryClaim()
		require.False(t, stuck)
		r.publishFragment(tk, 1, []byte("x"), true)
	}

	// The reader never consumed anything: the slot the cursor wraps back
	// onto still carries that reader's bit in its rc mask, so the next
	// claim must report stuck instead of silently reusing it.
	_, stuck := r.tryClaim()
	assert.True(t, stuck)

	r.evictStuck(0)
	_, stuck = r.tryClaim()
	assert.False(t, stuck)
}
