package pshared

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/shmipc/shmipc/internal/clock"
	"github.com/shmipc/shmipc/internal/ipcerr"
	"github.com/shmipc/shmipc/internal/shm"
)

// condRegionSize is a monotonic sequence counter (4 bytes) plus a waiter
// count (4 bytes), mirroring the generation-counter condition variables
// used where a real futex isn't available: a waiter snapshots the sequence
// before releasing the mutex, then only stops polling once the sequence it
// observes differs from its snapshot, which closes the classic
// check-then-sleep lost-wakeup race without needing an atomic
// compare-and-block primitive shared across processes.
const condRegionSize = 8

// Cond is a process-shared condition variable, always used together with a
// Mutex the caller already holds when calling Wait.
type Cond struct {
	region *shm.Region
}

// OpenCond opens or creates the named condition-variable region.
func OpenCond(dir, key string) (*Cond, error) {
	r, err := shm.Acquire(dir, key, condRegionSize, shm.OpenOrCreate)
	if err != nil {
		return nil, err
	}
	return &Cond{region: r}, nil
}

// Init is idempotent for the same reason as Mutex.Init: a fresh region is
// already zero, which is a valid starting sequence.
func (c *Cond) Init() error { return nil }

// ClearStorageCond removes a condition variable's backing region unconditionally.
func ClearStorageCond(dir, key string) error {
	return shm.ClearStorage(dir, key)
}

// Close releases this handle's reference to the region.
func (c *Cond) Close() error { return c.region.Release() }

func (c *Cond) seq() *atomicU32     { return newAtomicU32(c.region.Data()[0:4]) }
func (c *Cond) waiters() *atomicU32 { return newAtomicU32(c.region.Data()[4:8]) }

// Wait releases mu, blocks until Notify/Broadcast bumps the sequence or
// timeout elapses, then reacquires mu before returning. As with any
// condition variable, callers must re-check their predicate in a loop:
// Wait can return on a stale wakeup.
func (c *Cond) Wait(mu *Mutex, timeout time.Duration) error {
	const op = "pshared.Cond.Wait"

	before := c.seq().Load()
	c.waiters().Add(1)
	defer c.waiters().Add(^uint32(0))

	if err := mu.Unlock(); err != nil {
		return err
	}

	deadline, hasDeadline := clock.Deadline(time.Now(), timeout)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Microsecond
	bo.MaxInterval = 2 * time.Millisecond

	var waitErr error
	for {
		if c.seq().Load() != before {
			break
		}
		if hasDeadline && time.Now().After(deadline) {
			waitErr = ipcerr.New(ipcerr.TimedOut, op)
			break
		}
		d, err := bo.NextBackOff()
		if err != nil {
			waitErr = ipcerr.New(ipcerr.TimedOut, op)
			break
		}
		if hasDeadline {
			if remaining := time.Until(deadline); remaining < d {
				d = remaining
			}
		}
		time.Sleep(d)
	}

	// The caller expects mu held on return, timeout or not, so the relock
	// itself has no deadline.
	if err := mu.Lock(clock.Forever); err != nil {
		if waitErr == nil {
			waitErr = err
		}
	}

	return waitErr
}

// Notify bumps the sequence so at least one Wait-ing process observes a
// change. Under the polling model every waiter wakes to re-check its
// predicate regardless, same as Broadcast; the distinction is kept for API
// parity with the primitive this is grounded on.
func (c *Cond) Notify() {
	c.seq().Add(1)
}

// Broadcast bumps the sequence so every waiting process observes a change.
func (c *Cond) Broadcast() {
	c.seq().Add(1)
}

// Waiters reports the number of processes currently parked in Wait, mostly
// useful for diagnostics and tests.
func (c *Cond) Waiters() uint32 {
	return c.waiters().Load()
}
