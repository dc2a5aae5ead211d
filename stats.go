package shmipc

import (
	"math/bits"

	"github.com/c2h5oh/datasize"

	"github.com/shmipc/shmipc/internal/ring"
)

// RingStats is a point-in-time snapshot of a Route or Channel's underlying
// ring, useful for metrics export or diagnostics logging.
type RingStats struct {
	// Capacity is the ring's fixed slot count (always 256).
	Capacity uint32
	// ReaderCount is the number of currently connected readers.
	ReaderCount int
	// WriterCount is the number of currently connected writers (always at
	// most 1 for a Route).
	WriterCount int
	// Published is the total number of ring slots ever claimed by a writer:
	// a fragmented message counts once per fragment, and a claim abandoned
	// on a send timeout counts too.
	Published uint64
	// RingFootprint is the shared-memory footprint of the ring region
	// itself, excluding any slab pools a large message may have touched.
	RingFootprint datasize.ByteSize
}

func statsFromEndpoint(s ring.Stats) RingStats {
	return RingStats{
		Capacity:      s.Capacity,
		ReaderCount:   bits.OnesCount32(s.ConnectedReaders),
		WriterCount:   bits.OnesCount32(s.ConnectedWriters),
		Published:     uint64(s.Published),
		RingFootprint: datasize.ByteSize(ring.RegionSize),
	}
}
