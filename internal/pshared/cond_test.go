package pshared

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shmipc/shmipc/internal/ipcerr"
)

func TestCondWaitTimesOutWithoutNotify(t *testing.T) {
	dir := t.TempDir()
	m, err := OpenMutex(dir, "m")
	require.NoError(t, err)
	defer m.Close()
	c, err := OpenCond(dir, "c")
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, m.Lock(time.Second))
	err = c.Wait(m, 20*time.Millisecond)
	assert.True(t, ipcerr.Is(err, ipcerr.TimedOut))
	// Wait must leave the mutex held again even on timeout.
	assert.Error(t, m.TryLock())
	require.NoError(t, m.Unlock())
}

func TestCondNotifyWakesWaiter(t *testing.T) {
	dir := t.TempDir()
	m, err := OpenMutex(dir, "m")
	require.NoError(t, err)
	defer m.Close()
	c, err := OpenCond(dir, "c")
	require.NoError(t, err)
	defer c.Close()

	done := make(chan error, 1)
	require.NoError(t, m.Lock(time.Second))
	go func() {
		done <- c.Wait(m, time.Second)
	}()

	// Give Wait time to release the mutex and start polling.
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, uint32(1), c.Waiters())
	c.Notify()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Notify")
	}
	require.NoError(t, m.Unlock())
}
