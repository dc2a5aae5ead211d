package pshared

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/shmipc/shmipc/internal/clock"
	"github.com/shmipc/shmipc/internal/ipcerr"
	"github.com/shmipc/shmipc/internal/shm"
)

// semaClosed is the all-ones sentinel value meaning "this semaphore has
// been torn down"; it's not reachable by ordinary Post traffic since that
// would require posting four billion outstanding permits.
const semaClosed uint32 = 0xFFFFFFFF

const semaRegionSize = 4

// Sema is a process-shared counting semaphore.
type Sema struct {
	region *shm.Region
}

// OpenSema opens or creates the named semaphore region.
func OpenSema(dir, key string) (*Sema, error) {
	r, err := shm.Acquire(dir, key, semaRegionSize, shm.OpenOrCreate)
	if err != nil {
		return nil, err
	}
	return &Sema{region: r}, nil
}

// Init is idempotent: a fresh region starts at zero permits, which is
// already the correct empty state.
func (s *Sema) Init() error { return nil }

// ClearStorageSema removes a semaphore's backing region unconditionally.
func ClearStorageSema(dir, key string) error {
	return shm.ClearStorage(dir, key)
}

// Close releases this handle's reference to the region.
func (s *Sema) Close() error { return s.region.Release() }

func (s *Sema) count() *atomicU32 { return newAtomicU32(s.region.Data()[0:4]) }

// Post adds n permits, waking any Wait-ers polling for them.
func (s *Sema) Post(n uint32) error {
	for {
		cur := s.count().Load()
		if cur == semaClosed {
			return ipcerr.New(ipcerr.Closed, "pshared.Sema.Post")
		}
		if s.count().CompareAndSwap(cur, cur+n) {
			return nil
		}
	}
}

// Wait blocks until a permit is available, consumes exactly one, and
// returns. Pass clock.Forever to block indefinitely.
func (s *Sema) Wait(timeout time.Duration) error {
	const op = "pshared.Sema.Wait"

	deadline, hasDeadline := clock.Deadline(time.Now(), timeout)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Microsecond
	bo.MaxInterval = 2 * time.Millisecond

	for {
		cur := s.count().Load()
		if cur == semaClosed {
			return ipcerr.New(ipcerr.Closed, op)
		}
		if cur > 0 && s.count().CompareAndSwap(cur, cur-1) {
			return nil
		}

		if hasDeadline && time.Now().After(deadline) {
			return ipcerr.New(ipcerr.TimedOut, op)
		}
		d, err := bo.NextBackOff()
		if err != nil {
			return ipcerr.New(ipcerr.TimedOut, op)
		}
		if hasDeadline {
			if remaining := time.Until(deadline); remaining < d {
				d = remaining
			}
		}
		time.Sleep(d)
	}
}

// TryWait attempts to consume one permit without blocking.
func (s *Sema) TryWait() error {
	cur := s.count().Load()
	if cur == semaClosed {
		return ipcerr.New(ipcerr.Closed, "pshared.Sema.TryWait")
	}
	if cur > 0 && s.count().CompareAndSwap(cur, cur-1) {
		return nil
	}
	return ipcerr.New(ipcerr.WouldBlock, "pshared.Sema.TryWait")
}

// Clear marks the semaphore closed: every current and future Wait returns
// a Closed error instead of blocking. Used when tearing down a connection
// whose peer may be parked in Wait.
func (s *Sema) Clear() {
	s.count().Store(semaClosed)
}

// Value reports the current permit count, or false if the semaphore has
// been closed.
func (s *Sema) Value() (uint32, bool) {
	cur := s.count().Load()
	if cur == semaClosed {
		return 0, false
	}
	return cur, true
}
