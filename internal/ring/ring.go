// Package ring implements component G, the broadcast ring transport both
// the route and channel public types are built on: a fixed 256-slot
// circular buffer of 80-byte slots, published by one or more writers and
// drained independently by up to 32 concurrently connected readers.
//
// A slow reader stalls a writer for at most the writer's send timeout.
// When the writer's cursor wraps onto a slot a connected reader hasn't
// finished, the writer parks until the slot frees up or its deadline
// passes; on the deadline that reader is evicted from the stale slot's own
// reference-count mask and from the ring-wide connection mask
// (bitset.Mask32.ClearBits on each), the same way the corpus evicts a dead
// worker from a connection mask rather than blocking the control plane on
// it.
package ring

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"

	"github.com/shmipc/shmipc/internal/bitset"
	"github.com/shmipc/shmipc/internal/ipcerr"
	"github.com/shmipc/shmipc/internal/shm"
)

// SlotCount is the ring's fixed depth. Not configurable: spec.md excludes
// resizable rings from this transport's scope.
const SlotCount = 256

// SlotSize is the fixed size of one ring slot in bytes.
const SlotSize = 80

// slotHeaderSize: epoch(4) + ccID(4) + rc(4) + length-and-flags(4).
const slotHeaderSize = 16

// SlotPayloadSize is how much of a slot is available for an inline
// message; anything larger is written to the slab and referenced instead,
// or split across consecutive slots when no slab class fits it or its
// class is exhausted.
const SlotPayloadSize = SlotSize - slotHeaderSize

// MaxReaders is the largest number of concurrently connected readers a
// ring supports, the width of the readers bitmask.
const MaxReaders = 32

// MaxWriters bounds concurrently connected writers on a channel. A route
// never uses more than bit 0.
const MaxWriters = 32

// ringHeaderSize: capacity(4) + slotSize(4) + writerCursor(4) + readers(4)
// + writers(4) + reserved(4).
const ringHeaderSize = 24

const readerCursorsOffset = ringHeaderSize
const readerCursorsSize = MaxReaders * 4
const slotsOffset = readerCursorsOffset + readerCursorsSize

// RegionSize is the total shared-memory footprint of a ring.
const RegionSize = slotsOffset + SlotCount*SlotSize

// Ring is a handle on a named ring's shared region.
type Ring struct {
	region *shm.Region
}

// OpenRing opens or creates the named ring.
func OpenRing(dir, key string) (*Ring, error) {
	r, err := shm.Acquire(dir, key, RegionSize, shm.OpenOrCreate)
	if err != nil {
		return nil, err
	}
	ring := &Ring{region: r}
	if r.Created() {
		ring.capacityField().Store(SlotCount)
		ring.slotSizeField().Store(SlotSize)
	}
	return ring, nil
}

// ClearStorage removes a ring's backing region unconditionally.
func ClearStorage(dir, key string) error {
	return shm.ClearStorage(dir, key)
}

// Close releases this handle's reference to the region.
func (r *Ring) Close() error { return r.region.Release() }

func (r *Ring) word(offset uint32) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&r.region.Data()[offset]))
}

func (r *Ring) capacityField() *atomic.Uint32  { return r.word(0) }
func (r *Ring) slotSizeField() *atomic.Uint32  { return r.word(4) }
func (r *Ring) writerCursor() *atomic.Uint32   { return r.word(8) }
func (r *Ring) readersMask() *bitset.Mask32    { return bitset.At(r.region.Data()[12:]) }
func (r *Ring) writersMask() *bitset.Mask32    { return bitset.At(r.region.Data()[16:]) }

func (r *Ring) readerCursor(connID uint32) *atomic.Uint32 {
	return r.word(readerCursorsOffset + connID*4)
}

// Capacity returns the ring's slot count, read back from shared memory so
// a mismatched build can be detected rather than silently corrupting data.
func (r *Ring) Capacity() uint32 { return r.capacityField().Load() }

// ConnectedReaders reports the current reader connection mask.
func (r *Ring) ConnectedReaders() uint32 { return r.readersMask().Load() }

// ConnectedWriters reports the current writer connection mask.
func (r *Ring) ConnectedWriters() uint32 { return r.writersMask().Load() }

// PublishedCount returns the total number of slots ever claimed by a
// writer, i.e. the ever-increasing publish ticket. It wraps at 2^32 the
// same way the underlying counter does.
func (r *Ring) PublishedCount() uint32 { return r.writerCursor().Load() }

// ConnectReader claims a reader slot and starts that reader's cursor at
// the ring's current write position: a newly connected reader sees
// everything published from here on, not the existing backlog, matching a
// live-broadcast channel rather than a replay log.
func (r *Ring) ConnectReader() (connID uint32, err error) {
	connID, ok := r.readersMask().ClaimLowestClear()
	if !ok {
		return 0, ipcerr.New(ipcerr.NoBitAvailable, "ring.ConnectReader")
	}
	r.readerCursor(connID).Store(r.writerCursor().Load())
	return connID, nil
}

// DisconnectReader releases a reader's bit and clears it from every slot's
// reference-count mask so no in-flight publish keeps waiting on a reader
// that will never come back.
func (r *Ring) DisconnectReader(connID uint32) {
	r.readersMask().Clear(connID)
	bit := uint32(1) << connID
	for i := uint32(0); i < SlotCount; i++ {
		r.slot(i).rc().ClearBits(bit)
	}
}

// ConnectWriter claims a writer slot. Routes (single-writer) call this
// once at construction; channels call it per attached sender.
func (r *Ring) ConnectWriter() (connID uint32, err error) {
	connID, ok := r.writersMask().ClaimLowestClear()
	if !ok {
		return 0, ipcerr.New(ipcerr.NoBitAvailable, "ring.ConnectWriter")
	}
	return connID, nil
}

// DisconnectWriter releases a writer's bit.
func (r *Ring) DisconnectWriter(connID uint32) {
	r.writersMask().Clear(connID)
}

// largeRef packs a slab size class and chunk index into a slot's payload
// area for the large-message path.
type largeRef struct {
	class uint32
	chunk uint32
}

func putLargeRef(payload []byte, ref largeRef) {
	binary.LittleEndian.PutUint32(payload[0:4], ref.class)
	binary.LittleEndian.PutUint32(payload[4:8], ref.chunk)
}

func getLargeRef(payload []byte) largeRef {
	return largeRef{
		class: binary.LittleEndian.Uint32(payload[0:4]),
		chunk: binary.LittleEndian.Uint32(payload[4:8]),
	}
}
