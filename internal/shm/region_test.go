package shm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shmipc/shmipc/internal/ipcerr"
)

func TestAcquireCreateOnlyThenAlreadyExists(t *testing.T) {
	dir := t.TempDir()

	r1, err := Acquire(dir, "r", 64, CreateOnly)
	require.NoError(t, err)
	assert.True(t, r1.Created())
	defer r1.Release()

	_, err = Acquire(dir, "r", 64, CreateOnly)
	assert.True(t, ipcerr.Is(err, ipcerr.AlreadyExists))
}

func TestAcquireOpenOnlyNotFound(t *testing.T) {
	dir := t.TempDir()

	_, err := Acquire(dir, "missing", 64, OpenOnly)
	assert.True(t, ipcerr.Is(err, ipcerr.NotFound))
}

func TestAcquireRefCounting(t *testing.T) {
	dir := t.TempDir()

	r1, err := Acquire(dir, "r", 64, OpenOrCreate)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), r1.GetRef())

	r2, err := Acquire(dir, "r", 64, OpenOrCreate)
	require.NoError(t, err)
	assert.False(t, r2.Created())
	assert.Equal(t, uint32(2), r1.GetRef())
	assert.Equal(t, uint32(2), r2.GetRef())

	require.NoError(t, r2.Release())
	assert.Equal(t, uint32(1), r1.GetRef())

	require.NoError(t, r1.Release())

	// Last releaser unlinked the name: opening OpenOnly now fails.
	_, err = Acquire(dir, "r", 64, OpenOnly)
	assert.True(t, ipcerr.Is(err, ipcerr.NotFound))
}

func TestSharedMapping(t *testing.T) {
	dir := t.TempDir()

	r1, err := Acquire(dir, "r", 64, OpenOrCreate)
	require.NoError(t, err)
	defer r1.Release()

	r2, err := Acquire(dir, "r", 64, OpenOrCreate)
	require.NoError(t, err)
	defer r2.Release()

	r1.Data()[0] = 0x42
	assert.Equal(t, byte(0x42), r2.Data()[0])
}

func TestReleaseIsIdempotent(t *testing.T) {
	dir := t.TempDir()

	r, err := Acquire(dir, "r", 64, OpenOrCreate)
	require.NoError(t, err)

	require.NoError(t, r.Release())
	require.NoError(t, r.Release())
}

func TestClearStorageThenFreshOpen(t *testing.T) {
	dir := t.TempDir()

	r, err := Acquire(dir, "r", 64, OpenOrCreate)
	require.NoError(t, err)
	r.Data()[0] = 0xFF
	require.NoError(t, r.Release())

	require.NoError(t, ClearStorage(dir, "r"))

	r2, err := Acquire(dir, "r", 64, CreateOnly)
	require.NoError(t, err)
	defer r2.Release()
	assert.Equal(t, byte(0), r2.Data()[0])
}

func TestInvalidArgument(t *testing.T) {
	dir := t.TempDir()

	_, err := Acquire(dir, "", 64, OpenOrCreate)
	assert.True(t, ipcerr.Is(err, ipcerr.InvalidArgument))

	_, err = Acquire(dir, "r", 0, OpenOrCreate)
	assert.True(t, ipcerr.Is(err, ipcerr.InvalidArgument))
}
