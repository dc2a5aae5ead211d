package shm

import (
	"sync/atomic"
	"unsafe"
)

// counterRegionSize holds a single atomic 32-bit word.
const counterRegionSize = 4

// Counter is a named, process-shared monotonically increasing counter,
// used to stamp each reader/writer connection with a generation number
// that survives bit-index reuse: two connections that happen to claim the
// same bitmask slot in sequence still get distinguishable identities in
// logs and diagnostics.
type Counter struct {
	region *Region
}

// OpenCounter opens or creates the named counter region.
func OpenCounter(dir, key string) (*Counter, error) {
	r, err := Acquire(dir, key, counterRegionSize, OpenOrCreate)
	if err != nil {
		return nil, err
	}
	return &Counter{region: r}, nil
}

func (c *Counter) word() *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&c.region.Data()[0]))
}

// Next atomically increments and returns the counter's new value. The
// first call on a freshly created counter returns 1, reserving 0 to mean
// "no generation assigned" for callers that want a zero value sentinel.
func (c *Counter) Next() uint32 {
	return c.word().Add(1)
}

// Close releases this handle's reference to the region.
func (c *Counter) Close() error { return c.region.Release() }
