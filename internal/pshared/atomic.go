package pshared

import (
	"sync/atomic"
	"unsafe"
)

// atomicU32 is a *atomic.Uint32 overlaid directly onto a shared mapping.
// Every caller in this package slices regions at 4-byte-aligned offsets, so
// the cast below is safe: mmap always returns page-aligned memory.
type atomicU32 = atomic.Uint32

func newAtomicU32(b []byte) *atomicU32 {
	if len(b) < 4 {
		panic("pshared: short slice for atomic word")
	}
	return (*atomic.Uint32)(unsafe.Pointer(&b[0]))
}
