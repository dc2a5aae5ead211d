package ring

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shmipc/shmipc/internal/ipcerr"
)

func TestRoundTripInline(t *testing.T) {
	dir := t.TempDir()
	sender, err := Open(dir, "ns", "r1")
	require.NoError(t, err)
	defer sender.Close()

	receiver, err := Open(dir, "ns", "r1")
	require.NoError(t, err)
	defer receiver.Close()

	conn, err := receiver.ConnectReader(receiver.NewIdentity())
	require.NoError(t, err)

	require.NoError(t, sender.Send(sender.NewIdentity(), []byte("hello"), time.Second))

	got, err := receiver.Recv(conn.ID, conn.Generation, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestBroadcastToMultipleReaders(t *testing.T) {
	dir := t.TempDir()
	sender, err := Open(dir, "ns", "r2")
	require.NoError(t, err)
	defer sender.Close()

	r1, err := Open(dir, "ns", "r2")
	require.NoError(t, err)
	defer r1.Close()
	r2, err := Open(dir, "ns", "r2")
	require.NoError(t, err)
	defer r2.Close()

	c1, err := r1.ConnectReader(r1.NewIdentity())
	require.NoError(t, err)
	c2, err := r2.ConnectReader(r2.NewIdentity())
	require.NoError(t, err)
	assert.NotEqual(t, c1.Generation, c2.Generation)

	require.NoError(t, sender.Send(sender.NewIdentity(), []byte("fanout"), time.Second))

	got1, err := r1.Recv(c1.ID, c1.Generation, time.Second)
	require.NoError(t, err)
	got2, err := r2.Recv(c2.ID, c2.Generation, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("fanout"), got1)
	assert.Equal(t, []byte("fanout"), got2)
}

func TestLargeMessagePath(t *testing.T) {
	dir := t.TempDir()
	sender, err := Open(dir, "ns", "r3")
	require.NoError(t, err)
	defer sender.Close()

	receiver, err := Open(dir, "ns", "r3")
	require.NoError(t, err)
	defer receiver.Close()

	conn, err := receiver.ConnectReader(receiver.NewIdentity())
	require.NoError(t, err)

	big := make([]byte, SlotPayloadSize*3)
	for i := range big {
		big[i] = byte(i)
	}
	require.NoError(t, sender.Send(sender.NewIdentity(), big, time.Second))

	got, err := receiver.Recv(conn.ID, conn.Generation, time.Second)
	require.NoError(t, err)
	assert.Equal(t, big, got)
}

func TestReaderOnlySeesFutureMessages(t *testing.T) {
	dir := t.TempDir()
	sender, err := Open(dir, "ns", "r4")
	require.NoError(t, err)
	defer sender.Close()

	err = sender.Send(sender.NewIdentity(), []byte("before"), time.Second)
	assert.True(t, ipcerr.Is(err, ipcerr.NoReader), "a send with nobody connected must fail fast instead of publishing")

	receiver, err := Open(dir, "ns", "r4")
	require.NoError(t, err)
	defer receiver.Close()
	conn, err := receiver.ConnectReader(receiver.NewIdentity())
	require.NoError(t, err)

	require.NoError(t, sender.Send(sender.NewIdentity(), []byte("after"), time.Second))

	got, err := receiver.Recv(conn.ID, conn.Generation, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("after"), got)
}

func TestRecvTimesOutWithNoData(t *testing.T) {
	dir := t.TempDir()
	receiver, err := Open(dir, "ns", "r5")
	require.NoError(t, err)
	defer receiver.Close()

	conn, err := receiver.ConnectReader(receiver.NewIdentity())
	require.NoError(t, err)

	_, err = receiver.Recv(conn.ID, conn.Generation, 20*time.Millisecond)
	assert.True(t, ipcerr.Is(err, ipcerr.TimedOut))
}

func TestSlowReaderIsEvictedAfterFullLap(t *testing.T) {
	dir := t.TempDir()
	sender, err := Open(dir, "ns", "r6")
	require.NoError(t, err)
	defer sender.Close()

	receiver, err := Open(dir, "ns", "r6")
	require.NoError(t, err)
	defer receiver.Close()
	conn, err := receiver.ConnectReader(receiver.NewIdentity())
	require.NoError(t, err)

	// A reader that never consumes fills the ring after SlotCount sends:
	// the SlotCount+1'th claim finds its slot still held by that reader and
	// must park until the deadline rather than silently reusing it, then
	// time out and evict. A further send then finds zero readers connected
	// and fails fast with NoReader instead of parking again.
	for i := 0; i < SlotCount; i++ {
		require.NoError(t, sender.Send(sender.NewIdentity(), []byte(fmt.Sprintf("m%d", i)), time.Second))
	}

	err = sender.Send(sender.NewIdentity(), []byte("stuck"), 50*time.Millisecond)
	assert.True(t, ipcerr.Is(err, ipcerr.TimedOut))

	err = sender.Send(sender.NewIdentity(), []byte("after-eviction"), time.Second)
	assert.True(t, ipcerr.Is(err, ipcerr.NoReader))

	_, err = receiver.Recv(conn.ID, conn.Generation, 20*time.Millisecond)
	assert.True(t, ipcerr.Is(err, ipcerr.NoSender))
}

func TestWaitForReadersUnblocksOnConnect(t *testing.T) {
	dir := t.TempDir()
	sender, err := Open(dir, "ns", "r7")
	require.NoError(t, err)
	defer sender.Close()

	done := make(chan error, 1)
	go func() {
		done <- sender.WaitForReaders(time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	receiver, err := Open(dir, "ns", "r7")
	require.NoError(t, err)
	defer receiver.Close()
	_, err = receiver.ConnectReader(receiver.NewIdentity())
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitForReaders did not unblock after a reader connected")
	}
}

func TestConnectReaderExhaustion(t *testing.T) {
	dir := t.TempDir()
	ep, err := Open(dir, "ns", "r8")
	require.NoError(t, err)
	defer ep.Close()

	for i := 0; i < MaxReaders; i++ {
		_, err := ep.ConnectReader(ep.NewIdentity())
		require.NoError(t, err)
	}
	_, err = ep.ConnectReader(ep.NewIdentity())
	assert.True(t, ipcerr.Is(err, ipcerr.NoBitAvailable))
}

func TestDuplexEndpointSkipsItsOwnPosts(t *testing.T) {
	dir := t.TempDir()
	peer, err := Open(dir, "ns", "r9")
	require.NoError(t, err)
	defer peer.Close()

	identity := peer.NewIdentity()
	wconn, err := peer.ConnectWriter(identity)
	require.NoError(t, err)
	rconn, err := peer.ConnectReader(identity)
	require.NoError(t, err)
	assert.Equal(t, wconn.Generation, rconn.Generation)

	other, err := Open(dir, "ns", "r9")
	require.NoError(t, err)
	defer other.Close()
	otherConn, err := other.ConnectReader(other.NewIdentity())
	require.NoError(t, err)

	require.NoError(t, peer.Send(identity, []byte("mine"), time.Second))

	got, err := peer.Recv(rconn.ID, identity, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, got, "a duplex endpoint must not receive back its own publish")

	got, err = other.Recv(otherConn.ID, otherConn.Generation, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("mine"), got, "an unrelated reader must still see the same message")
}
