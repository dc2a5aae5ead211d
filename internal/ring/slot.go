package ring

import (
	"sync/atomic"
	"unsafe"

	"github.com/shmipc/shmipc/internal/bitset"
)

// slot is a view onto one 80-byte ring entry: epoch(4), ccID(4), rc(4),
// size(4), then SlotPayloadSize bytes of either inline fragment bytes or a
// packed largeRef. ccID mirrors the publishing endpoint's cc_id (spec.md
// §3) so a reader that shares that identity (a duplex channel reading back
// its own writes) can filter them out instead of looping a message back to
// itself.
type slot struct {
	data []byte
}

// size word layout: low 30 bits = fragment length (for a large message,
// the full payload length held in the slab), bit 30 = large-message flag,
// bit 31 = last-fragment flag.
const (
	sizeLastFragmentFlag uint32 = 1 << 31
	sizeLargeFlag        uint32 = 1 << 30
	sizeLengthMask       uint32 = sizeLargeFlag - 1
)

func (r *Ring) slot(idx uint32) slot {
	off := slotsOffset + idx*SlotSize
	return slot{data: r.region.Data()[off : off+SlotSize]}
}

func (s slot) epoch() *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&s.data[0]))
}

func (s slot) ccID() *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&s.data[4]))
}

func (s slot) rc() *bitset.Mask32 {
	return bitset.At(s.data[8:])
}

func (s slot) sizeWord() *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&s.data[12]))
}

func (s slot) payload() []byte {
	return s.data[slotHeaderSize:]
}

// claimTicket is an ever-increasing publish sequence number. idx and
// epoch are both derived from it: idx = ticket % SlotCount, epoch =
// ticket / SlotCount. Storing the epoch in the slot lets a reader tell a
// slot that hasn't been published yet apart from one that has already
// wrapped past it, and lets a fresh claim of a reused slot naturally look
// like a new generation to any reader still expecting the old one, with no
// separate epoch counter needed.
type claimTicket struct {
	ticket uint32
	idx    uint32
	epoch  uint32
}

// stuckMask reports which of a slot's currently connected readers (if any)
// have not yet acknowledged the message already sitting in it. A zero
// result means the slot is free to claim for a new generation: either no
// reader was ever owed a read of it, or every reader that was has cleared
// its bit via ack. There is deliberately no epoch check here — a slot
// being claimed into a new epoch is exactly the case this exists to guard,
// so comparing against the slot's previous epoch would always mismatch
// and never report stuck.
func (r *Ring) stuckMask(idx uint32) uint32 {
	s := r.slot(idx)
	return r.readersMask().Load() & s.rc().Load()
}

// tryClaim attempts to claim the next slot in turn without blocking. If
// the slot is still held by a live reader that hasn't consumed it
// (spec.md §4.G step 2), it reports stuck=true and the ticket that was
// found stuck, so the caller can park on writer-park and retry. Otherwise
// it commits the claim by advancing the ring's write cursor with a CAS,
// so concurrent writers racing for the same ticket only ever let one of
// them through; the loser simply retries against whatever ticket the
// cursor has moved to.
func (r *Ring) tryClaim() (t claimTicket, stuck bool) {
	for {
		ticket := r.writerCursor().Load()
		idx := ticket % SlotCount
		epoch := ticket / SlotCount

		if r.stuckMask(idx) != 0 {
			return claimTicket{ticket: ticket, idx: idx, epoch: epoch}, true
		}

		if !r.writerCursor().CompareAndSwap(ticket, ticket+1) {
			continue
		}
		r.slot(idx).epoch().Store(epoch)
		return claimTicket{ticket: ticket, idx: idx, epoch: epoch}, false
	}
}

// advancePastStuck commits the ticket a timed-out claim gave up on: the
// payload that triggered the claim is discarded (the caller reports
// TimedOut, not success), but the slot's generation still needs to move
// past it. Without this, a reader already evicted from the slot's rc mask
// would keep a cursor whose epoch still matches the slot's stored one, and
// a later Recv would replay the stale message instead of reporting that it
// fell behind.
func (r *Ring) advancePastStuck(t claimTicket) {
	r.writerCursor().CompareAndSwap(t.ticket, t.ticket+1)
	r.slot(t.idx).epoch().Store(t.epoch)
}

// evictStuck clears every reader bit still set in a stuck slot's rc mask,
// both from the slot itself and from the ring's live readers mask, per
// spec.md §5 ("Eviction"): a sender that gave up waiting on a slot forces
// those readers off the ring rather than blocking on them forever. The
// slot's claim is left to the writer's next attempt, which will now find
// it unstuck.
func (r *Ring) evictStuck(idx uint32) {
	s := r.slot(idx)
	stuck := s.rc().Load()
	if stuck == 0 {
		return
	}
	s.rc().ClearBits(stuck)
	r.readersMask().ClearBits(stuck)
}

// publishFragment writes one fragment of a message into a claimed slot.
// last marks the final fragment of the message (spec.md §3's size bit 31);
// a single-fragment message is published with last = true on its only
// claim.
func (r *Ring) publishFragment(t claimTicket, ccID uint32, payload []byte, last bool) {
	s := r.slot(t.idx)
	n := copy(s.payload(), payload)
	s.ccID().Store(ccID)
	word := uint32(n) & sizeLengthMask
	if last {
		word |= sizeLastFragmentFlag
	}
	s.sizeWord().Store(word)
	s.rc().Store(r.readersMask().Load())
}

// publishLargeRef writes a reference to slab-held storage into the slot.
// A large message always occupies exactly one slot, so it is always its
// own last fragment.
func (r *Ring) publishLargeRef(t claimTicket, ccID uint32, ref largeRef, length uint32) {
	s := r.slot(t.idx)
	putLargeRef(s.payload(), ref)
	s.ccID().Store(ccID)
	s.sizeWord().Store((length & sizeLengthMask) | sizeLargeFlag | sizeLastFragmentFlag)
	s.rc().Store(r.readersMask().Load())
}

// readResult describes what a reader found at its cursor.
type readResult struct {
	idx      uint32
	large    bool
	last     bool
	ref      largeRef
	length   uint32
	ccID     uint32
	evicted  bool
	hasEntry bool
}

// tryRead inspects the slot a reader's cursor currently points at without
// advancing the cursor. Call ack after consuming the result.
func (r *Ring) tryRead(connID uint32) readResult {
	cursor := r.readerCursor(connID).Load()
	writerPos := r.writerCursor().Load()
	if cursor >= writerPos {
		return readResult{}
	}

	idx := cursor % SlotCount
	expectedEpoch := cursor / SlotCount
	s := r.slot(idx)

	if s.epoch().Load() != expectedEpoch {
		// The writer lapped this reader before it got here: resync to the
		// writer's current position and report the gap rather than
		// silently replaying the wrong generation of this slot.
		r.readerCursor(connID).Store(writerPos)
		return readResult{evicted: true}
	}

	word := s.sizeWord().Load()
	res := readResult{
		idx:      idx,
		large:    word&sizeLargeFlag != 0,
		last:     word&sizeLastFragmentFlag != 0,
		length:   word & sizeLengthMask,
		ccID:     s.ccID().Load(),
		hasEntry: true,
	}
	if res.large {
		res.ref = getLargeRef(s.payload())
	}
	return res
}

// inlinePayload returns the slot's inline fragment bytes for a non-large
// read.
func (r *Ring) inlinePayload(idx, length uint32) []byte {
	return r.slot(idx).payload()[:length]
}

// ack advances a reader's cursor past the slot it just consumed and
// clears its bit from that slot's reference count. It returns the slot's
// remaining rc mask, the large-message ref if any, and whether the slot
// was a large-message reference at all, so the caller can decide whether
// to recycle a slab chunk.
func (r *Ring) ack(connID, idx uint32) (remaining uint32, large bool, ref largeRef) {
	r.readerCursor(connID).Add(1)
	s := r.slot(idx)
	large = s.sizeWord().Load()&sizeLargeFlag != 0
	if large {
		ref = getLargeRef(s.payload())
	}
	remaining = s.rc().Clear(connID)
	return remaining, large, ref
}
