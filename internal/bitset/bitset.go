// Package bitset implements the 32-bit reader/connection masks used
// throughout the ring transport: ring.connections, a slot's rc.remaining,
// and the large-message slab's per-chunk reader bitmask all share this
// type. Specialized from the corpus's generic multi-word TinyBitset down to
// a single atomic 32-bit word, since no mask in this transport ever needs
// more than 32 bits (spec.md caps concurrent readers per endpoint at 32).
package bitset

import (
	"math/bits"
	"sync/atomic"
	"unsafe"
)

// Mask32 is a lock-free 32-bit bitset backed by an atomic word.
type Mask32 struct {
	word atomic.Uint32
}

// At overlays a Mask32 directly onto a shared-memory mapping at a
// 4-byte-aligned offset, the same trick internal/pshared uses for its own
// atomic words. mmap always returns page-aligned memory, so any offset
// that is itself a multiple of 4 is safe to cast this way.
func At(b []byte) *Mask32 {
	if len(b) < 4 {
		panic("bitset: short slice for Mask32")
	}
	return (*Mask32)(unsafe.Pointer(&b[0]))
}

// Load returns the current value of the mask.
func (m *Mask32) Load() uint32 {
	return m.word.Load()
}

// Store sets the mask outright.
func (m *Mask32) Store(v uint32) {
	m.word.Store(v)
}

// Count returns the number of bits currently set (popcount).
func (m *Mask32) Count() int {
	return bits.OnesCount32(m.word.Load())
}

// Set atomically sets bit idx and returns the mask's new value.
func (m *Mask32) Set(idx uint32) uint32 {
	for {
		old := m.word.Load()
		next := old | (1 << idx)
		if m.word.CompareAndSwap(old, next) {
			return next
		}
	}
}

// Clear atomically clears bit idx and returns the mask's new value.
func (m *Mask32) Clear(idx uint32) uint32 {
	for {
		old := m.word.Load()
		next := old &^ (1 << idx)
		if m.word.CompareAndSwap(old, next) {
			return next
		}
	}
}

// ClearBits atomically clears every bit set in pattern and returns the
// mask's new value. Used to evict a set of stuck readers in one CAS instead
// of clearing bits one at a time.
func (m *Mask32) ClearBits(pattern uint32) uint32 {
	for {
		old := m.word.Load()
		next := old &^ pattern
		if m.word.CompareAndSwap(old, next) {
			return next
		}
	}
}

// ClaimLowestClear finds the lowest unset bit, sets it, and returns its
// index. Returns ok=false if all 32 bits are taken (no-bit-available).
//
// This is the reader connect path: conn_id is a one-hot bit, and the lowest
// free slot is reused as soon as some other reader disconnects.
func (m *Mask32) ClaimLowestClear() (idx uint32, ok bool) {
	for {
		old := m.word.Load()
		if old == ^uint32(0) {
			return 0, false
		}

		idx = uint32(bits.TrailingZeros32(^old))
		next := old | (1 << idx)
		if m.word.CompareAndSwap(old, next) {
			return idx, true
		}
	}
}

// Traverse visits every set bit from least to most significant, stopping
// early if fn returns false.
func Traverse(word uint32, fn func(uint32) bool) {
	w := word
	for w != 0 {
		// Isolates the lowest set bit; combined with the xor-style clear
		// below this compiles to a single BLSR on amd64.
		t := w & -w
		idx := uint32(bits.TrailingZeros32(w))
		w ^= t

		if !fn(idx) {
			return
		}
	}
}
