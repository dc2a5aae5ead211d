package ring

import (
	"sync"
	"time"

	"github.com/shmipc/shmipc/internal/clock"
	"github.com/shmipc/shmipc/internal/ipcerr"
	"github.com/shmipc/shmipc/internal/pshared"
	"github.com/shmipc/shmipc/internal/shm"
	"github.com/shmipc/shmipc/internal/slab"
)

// Endpoint bundles a ring together with the process-shared parking
// primitives senders and readers block on, and a process-local registry of
// the slab size-class pools this ring's large messages have touched so
// far. Route and Channel (the root package's public types) are both thin
// wrappers over an Endpoint; the difference between them is only in how
// many writer connections they permit.
type Endpoint struct {
	dir, namespace, name string

	ring *Ring

	// writerPark wakes a sender blocked in WaitForReaders when a reader
	// connects, and a sender blocked in Send on a held slot when a reader
	// acknowledges a slot or disconnects; readerPark wakes a reader blocked
	// in Recv when a sender publishes.
	writerPark *pshared.Waiter
	readerPark *pshared.Waiter
	connectMu  *pshared.Mutex
	ccCounter  *shm.Counter

	connectTimeout time.Duration

	slabsMu sync.Mutex
	slabs   map[uint32]*slab.Slab
}

// defaultConnectLockTimeout bounds how long a Connect/Disconnect call
// waits to acquire the connect-park mutex guarding the ring's connection
// masks, used when Open is called without an explicit timeout.
const defaultConnectLockTimeout = 5 * time.Second

// Connection identifies a claimed reader or writer slot: ID is the
// bitmask index (reused once the holder disconnects), Generation is the
// identity passed to Connect (see NewIdentity), drawn from a counter shared
// by every process that opens this name, so logs and diagnostics can tell
// two different endpoints that happened to land on the same bitmask index
// apart. A duplex handle's writer and reader connections share one
// Generation.
type Connection struct {
	ID         uint32
	Generation uint32
}

// Open opens or creates every shared region an endpoint needs: the ring
// itself and the three park primitives used to coordinate connect/publish
// notifications, using the default connect-lock timeout.
func Open(dir, namespace, name string) (*Endpoint, error) {
	return OpenWithTimeout(dir, namespace, name, defaultConnectLockTimeout)
}

// OpenWithTimeout is Open with an explicit bound on how long Connect and
// Disconnect calls wait to acquire the endpoint's connect-park mutex.
func OpenWithTimeout(dir, namespace, name string, connectTimeout time.Duration) (*Endpoint, error) {
	r, err := OpenRing(dir, shm.KeyRing(namespace, name))
	if err != nil {
		return nil, err
	}

	wMu, err := pshared.OpenMutex(dir, shm.KeyWriterPark(namespace, name))
	if err != nil {
		return nil, err
	}
	wCond, err := pshared.OpenCond(dir, shm.KeyWriterPark(namespace, name)+"_c")
	if err != nil {
		return nil, err
	}

	rMu, err := pshared.OpenMutex(dir, shm.KeyReaderPark(namespace, name))
	if err != nil {
		return nil, err
	}
	rCond, err := pshared.OpenCond(dir, shm.KeyReaderPark(namespace, name)+"_c")
	if err != nil {
		return nil, err
	}

	connectMu, err := pshared.OpenMutex(dir, shm.KeyConnectPark(namespace, name))
	if err != nil {
		return nil, err
	}

	ccCounter, err := shm.OpenCounter(dir, shm.KeyCCCounter(namespace, name))
	if err != nil {
		return nil, err
	}

	return &Endpoint{
		dir:            dir,
		namespace:      namespace,
		name:           name,
		ring:           r,
		writerPark:     pshared.NewWaiter(wMu, wCond),
		readerPark:     pshared.NewWaiter(rMu, rCond),
		connectMu:      connectMu,
		ccCounter:      ccCounter,
		connectTimeout: connectTimeout,
		slabs:          make(map[uint32]*slab.Slab),
	}, nil
}

// ClearStorage removes every region scoped to one route/channel name: the
// ring itself, its cc_id counter, its writer-park and reader-park
// mutex/cond pairs, and its connect mutex. Slab pools are
// deliberately left alone, since spec.md describes them as shared across
// every route/channel in a namespace rather than owned by any one of
// them — tearing one connection's storage down must not yank shared
// large-message pools out from under unrelated connections still using
// them.
func ClearStorage(dir, namespace, name string) error {
	keys := []string{
		shm.KeyRing(namespace, name),
		shm.KeyCCCounter(namespace, name),
		shm.KeyWriterPark(namespace, name),
		shm.KeyWriterPark(namespace, name) + "_c",
		shm.KeyReaderPark(namespace, name),
		shm.KeyReaderPark(namespace, name) + "_c",
		shm.KeyConnectPark(namespace, name),
	}
	for _, k := range keys {
		if err := shm.ClearStorage(dir, k); err != nil {
			return err
		}
	}
	return nil
}

func (e *Endpoint) slabFor(class uint32) (*slab.Slab, error) {
	e.slabsMu.Lock()
	defer e.slabsMu.Unlock()

	if s, ok := e.slabs[class]; ok {
		return s, nil
	}
	s, err := slab.OpenClass(e.dir, e.namespace, class)
	if err != nil {
		return nil, err
	}
	e.slabs[class] = s
	return s, nil
}

// NewIdentity draws a fresh cc_id from this endpoint's shared monotonic
// counter. A caller that opens both a writer and a reader on the same
// handle (a duplex channel) must call this exactly once and pass the same
// identity to both Connect calls, so Recv can tell its own publishes apart
// from a peer's and skip them, matching spec.md §4.G's receive loop.
func (e *Endpoint) NewIdentity() uint32 {
	return e.ccCounter.Next()
}

// ConnectWriter claims a writer connection tagged with identity. Channels
// call it once per attached sender; a route uses ConnectExclusiveWriter
// instead.
func (e *Endpoint) ConnectWriter(identity uint32) (Connection, error) {
	if err := e.connectMu.Lock(e.connectTimeout); err != nil {
		return Connection{}, err
	}
	defer e.connectMu.Unlock()

	id, err := e.ring.ConnectWriter()
	if err != nil {
		return Connection{}, err
	}
	return Connection{ID: id, Generation: identity}, nil
}

// ConnectExclusiveWriter claims the writer connection only if none is
// currently held, atomically with respect to other ConnectWriter and
// ConnectExclusiveWriter callers. Used by Route, which permits exactly one
// writer at a time, unlike Channel.
func (e *Endpoint) ConnectExclusiveWriter(identity uint32) (Connection, error) {
	if err := e.connectMu.Lock(e.connectTimeout); err != nil {
		return Connection{}, err
	}
	defer e.connectMu.Unlock()

	if e.ring.ConnectedWriters() != 0 {
		return Connection{}, ipcerr.New(ipcerr.AlreadyExists, "ring.Endpoint.ConnectExclusiveWriter")
	}
	id, err := e.ring.ConnectWriter()
	if err != nil {
		return Connection{}, err
	}
	return Connection{ID: id, Generation: identity}, nil
}

// DisconnectWriter releases a writer connection.
func (e *Endpoint) DisconnectWriter(connID uint32) error {
	if err := e.connectMu.Lock(e.connectTimeout); err != nil {
		return err
	}
	defer e.connectMu.Unlock()
	e.ring.DisconnectWriter(connID)
	return nil
}

// ConnectReader claims a reader connection tagged with identity and wakes
// any sender parked in WaitForReaders.
func (e *Endpoint) ConnectReader(identity uint32) (Connection, error) {
	if err := e.connectMu.Lock(e.connectTimeout); err != nil {
		return Connection{}, err
	}
	connID, err := e.ring.ConnectReader()
	e.connectMu.Unlock()
	if err != nil {
		return Connection{}, err
	}
	e.writerPark.Broadcast()
	return Connection{ID: connID, Generation: identity}, nil
}

// DisconnectReader releases a reader connection and wakes any sender
// parked in claimSlot on a slot that reader still held.
func (e *Endpoint) DisconnectReader(connID uint32) error {
	if err := e.connectMu.Lock(e.connectTimeout); err != nil {
		return err
	}
	e.ring.DisconnectReader(connID)
	e.connectMu.Unlock()
	e.writerPark.Broadcast()
	return nil
}

// WaitForReaders blocks until at least one reader is connected.
func (e *Endpoint) WaitForReaders(timeout time.Duration) error {
	return e.writerPark.WaitIf(timeout, func() bool {
		return e.ring.ConnectedReaders() != 0
	})
}

// claimSlot claims the next ring slot for a publish, parking on
// writer-park while the slot is still held by a live reader (spec.md
// §4.G step 2) and evicting those readers once deadline elapses without
// the slot having freed up. hasDeadline=false blocks indefinitely.
//
// It returns ipcerr.TimedOut on a claim that had to give up — the caller
// publishes nothing for this attempt; per spec.md's scenario 6, the
// eviction that accompanies a timed-out claim does not retroactively turn
// that same call into "no-reader" even if it leaves zero readers
// connected; a *subsequent* Send will observe that and fail with
// NoReader via the check at the top of Send.
func (e *Endpoint) claimSlot(deadline time.Time, hasDeadline bool) (claimTicket, error) {
	const op = "ring.Endpoint.Send"

	for {
		t, stuck := e.ring.tryClaim()
		if !stuck {
			return t, nil
		}

		waitTimeout := clock.Forever
		if hasDeadline {
			waitTimeout = time.Until(deadline)
			if waitTimeout < 0 {
				e.ring.evictStuck(t.idx)
				e.ring.advancePastStuck(t)
				return claimTicket{}, ipcerr.New(ipcerr.TimedOut, op)
			}
		}

		err := e.writerPark.WaitIf(waitTimeout, func() bool {
			return e.ring.stuckMask(t.idx) == 0
		})
		if err != nil {
			if ipcerr.Is(err, ipcerr.TimedOut) {
				e.ring.evictStuck(t.idx)
				e.ring.advancePastStuck(t)
			}
			return claimTicket{}, err
		}
	}
}

// fragmentRanges splits a payload into the consecutive [off, end) ranges
// it must be sent as, each at most SlotPayloadSize bytes, per spec.md
// §4.G ("A buffer of size L > 64 is sent ... as ⌈L/64⌉ consecutive
// fragments"). A zero-length payload is still one (empty) fragment.
func fragmentRanges(length int) [][2]int {
	if length == 0 {
		return [][2]int{{0, 0}}
	}
	ranges := make([][2]int, 0, (length+SlotPayloadSize-1)/SlotPayloadSize)
	for off := 0; off < length; off += SlotPayloadSize {
		end := off + SlotPayloadSize
		if end > length {
			end = length
		}
		ranges = append(ranges, [2]int{off, end})
	}
	return ranges
}

// trySendLarge attempts the single-slot slab path for an oversized
// payload. sent reports whether the message was either fully published or
// failed with a terminal error; sent=false tells the caller to fall back
// to fragmentation instead, either because no size class can hold this
// payload at all (spec.md §9: "A payload larger than the largest class
// forces fragmentation") or because the matching class's pool is
// exhausted (spec.md §4.G: "falling back to fragmentation on slab
// exhaustion").
func (e *Endpoint) trySendLarge(ccID uint32, payload []byte, deadline time.Time, hasDeadline bool) (sent bool, err error) {
	const op = "ring.Endpoint.Send"

	class, ok := slab.ClassFor(len(payload))
	if !ok {
		return false, nil
	}

	s, err := e.slabFor(class)
	if err != nil {
		return true, ipcerr.Wrap(ipcerr.OSError, op, err)
	}

	chunk, buf, err := s.Acquire(len(payload))
	if err != nil {
		if ipcerr.Is(err, ipcerr.NoBitAvailable) {
			return false, nil
		}
		return true, err
	}
	copy(buf, payload)
	s.ReaderMask(chunk).Store(e.ring.ConnectedReaders())

	t, err := e.claimSlot(deadline, hasDeadline)
	if err != nil {
		s.Recycle(chunk)
		return true, err
	}
	e.ring.publishLargeRef(t, ccID, largeRef{class: class, chunk: chunk}, uint32(len(payload)))
	e.readerPark.Broadcast()
	return true, nil
}

// Send publishes payload to every currently connected reader within
// timeout, tagged with ccID (the publishing connection's identity, see
// NewIdentity) so a reader sharing that identity can filter it back out.
// It fails immediately with NoReader if nobody is connected to receive
// it (spec.md §4.G step 1), without claiming a slot. A payload that fits
// in one slot is sent inline; a larger one prefers the slab's
// single-slot large-message path, falling back to consecutive fragments
// across multiple slots when no size class fits it or its class is
// exhausted.
func (e *Endpoint) Send(ccID uint32, payload []byte, timeout time.Duration) error {
	if e.ring.ConnectedReaders() == 0 {
		return ipcerr.New(ipcerr.NoReader, "ring.Endpoint.Send")
	}

	deadline, hasDeadline := clock.Deadline(time.Now(), timeout)

	if len(payload) > SlotPayloadSize {
		if sent, err := e.trySendLarge(ccID, payload, deadline, hasDeadline); sent {
			return err
		}
	}

	ranges := fragmentRanges(len(payload))
	for i, rg := range ranges {
		t, err := e.claimSlot(deadline, hasDeadline)
		if err != nil {
			return err
		}
		e.ring.publishFragment(t, ccID, payload[rg[0]:rg[1]], i == len(ranges)-1)
	}

	e.readerPark.Broadcast()
	return nil
}

// Recv blocks until a full message is available for connID or timeout
// elapses, then returns a copy of its payload. A fragmented message's
// pieces are assembled across successive slots before returning; a large
// message is read out of the slab in one shot, and its chunk is recycled
// once every reader that was supposed to see it has acknowledged it.
// timeout bounds the whole call, not any one fragment.
//
// ownCCID is this reader's own identity (see NewIdentity). A duplex
// channel reads back its own writer's publishes through the same ring it
// writes to; per spec.md §4.G's receive loop step 7, every slot of a
// message whose ccID matches ownCCID is still acknowledged (so the writer
// isn't stalled on it and the reader's cursor advances past it) but the
// assembled payload is discarded instead of being handed back to the
// caller, exactly as if nothing had been received on this pass.
func (e *Endpoint) Recv(connID uint32, ownCCID uint32, timeout time.Duration) ([]byte, error) {
	const op = "ring.Endpoint.Recv"

	deadline, hasDeadline := clock.Deadline(time.Now(), timeout)

	var assembly []byte
	for {
		var res readResult
		for {
			res = e.ring.tryRead(connID)
			if res.hasEntry || res.evicted {
				break
			}

			waitTimeout := clock.Forever
			if hasDeadline {
				waitTimeout = time.Until(deadline)
				if waitTimeout < 0 {
					return nil, ipcerr.New(ipcerr.TimedOut, op)
				}
			}
			err := e.readerPark.WaitIf(waitTimeout, func() bool {
				r := e.ring.tryRead(connID)
				return r.hasEntry || r.evicted
			})
			if err != nil {
				return nil, err
			}
		}

		if res.evicted {
			return nil, ipcerr.New(ipcerr.NoSender, op+": reader fell behind and was evicted")
		}

		// A message's cc_id never changes across its fragments (spec.md
		// invariant 6), so re-deriving ownPost every iteration is
		// equivalent to deciding it once at the message's first fragment.
		ownPost := res.ccID == ownCCID

		if !ownPost {
			if res.large {
				s, err := e.slabFor(res.ref.class)
				if err != nil {
					return nil, ipcerr.Wrap(ipcerr.OSError, op, err)
				}
				assembly = append(assembly, s.Find(res.ref.chunk)...)
			} else {
				assembly = append(assembly, e.ring.inlinePayload(res.idx, res.length)...)
			}
		}

		_, large, ref := e.ring.ack(connID, res.idx)
		if large {
			if s, err := e.slabFor(ref.class); err == nil {
				if mask := s.ReaderMask(ref.chunk); mask.Clear(connID) == 0 {
					s.Recycle(ref.chunk)
				}
			}
		}
		// A sender parked in claimSlot may be waiting on exactly this slot.
		e.writerPark.Broadcast()

		if !res.last {
			continue
		}
		if ownPost {
			return nil, nil
		}
		return assembly, nil
	}
}

// Stats snapshots the ring's current occupancy and traffic counters.
type Stats struct {
	Capacity         uint32
	ConnectedReaders uint32
	ConnectedWriters uint32
	Published        uint32
}

// Stats returns a snapshot of the underlying ring's counters.
func (e *Endpoint) Stats() Stats {
	return Stats{
		Capacity:         e.ring.Capacity(),
		ConnectedReaders: e.ring.ConnectedReaders(),
		ConnectedWriters: e.ring.ConnectedWriters(),
		Published:        e.ring.PublishedCount(),
	}
}

// Close releases every shared handle this endpoint holds.
func (e *Endpoint) Close() error {
	e.slabsMu.Lock()
	for _, s := range e.slabs {
		_ = s.Close()
	}
	e.slabsMu.Unlock()

	_ = e.writerPark.Close()
	_ = e.readerPark.Close()
	_ = e.connectMu.Close()
	_ = e.ccCounter.Close()
	return e.ring.Close()
}
