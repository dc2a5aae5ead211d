// Package pshared implements the process-shared synchronization primitives
// the transport core is built on: a mutex (component B), a condition
// variable (component C), a counting semaphore (component D), and a
// "waiter" parking primitive (component E) composed from the first two.
//
// None of these can rely on pthread's PTHREAD_PROCESS_SHARED robust-mutex
// machinery (it isn't exposed from Go, and the corpus never links against
// libpthread directly either), so each primitive keeps its own small state
// machine in shared memory and recovers from a dead holder by probing its
// recorded owner PID with a zero signal, the same liveness check the
// corpus's controlplane health checks use against dataplane worker PIDs.
package pshared

import (
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sys/unix"

	"github.com/shmipc/shmipc/internal/clock"
	"github.com/shmipc/shmipc/internal/ipcerr"
	"github.com/shmipc/shmipc/internal/shm"
)

// Mutex states. Kept as a plain uint32 rather than an iota-typed value
// because it's read and CAS'd directly out of shared memory.
const (
	mutexUnlocked          uint32 = 0
	mutexLockedNoWaiters   uint32 = 1
	mutexLockedWithWaiters uint32 = 2
)

// mutexRegionSize is state (4 bytes) + owner PID (4 bytes).
const mutexRegionSize = 8

// Mutex is a process-shared mutual-exclusion lock backed by a named region.
// The zero value is not usable; construct with OpenMutex.
type Mutex struct {
	region *shm.Region
}

// OpenMutex opens or creates the named mutex region. A freshly created
// region is zero-filled by the allocator, which already is the unlocked
// state, so Init below has nothing to do beyond existing for symmetry with
// the other primitives' lifecycle.
func OpenMutex(dir, key string) (*Mutex, error) {
	r, err := shm.Acquire(dir, key, mutexRegionSize, shm.OpenOrCreate)
	if err != nil {
		return nil, err
	}
	return &Mutex{region: r}, nil
}

// Init is idempotent: the backing region is zero-filled on first creation,
// which is already the unlocked state, so there's no distinct state to
// establish here. It exists so callers don't need to special-case mutexes
// among the primitives that do need one-time setup.
func (m *Mutex) Init() error { return nil }

// ClearStorageMutex removes a mutex's backing region unconditionally.
func ClearStorageMutex(dir, key string) error {
	return shm.ClearStorage(dir, key)
}

// Close releases this handle's reference to the region.
func (m *Mutex) Close() error { return m.region.Release() }

func (m *Mutex) state() *atomicU32 { return newAtomicU32(m.region.Data()[0:4]) }
func (m *Mutex) owner() *atomicU32 { return newAtomicU32(m.region.Data()[4:8]) }

// TryLock attempts to acquire the mutex without blocking.
func (m *Mutex) TryLock() error {
	if m.state().CompareAndSwap(mutexUnlocked, mutexLockedNoWaiters) {
		m.owner().Store(uint32(os.Getpid()))
		return nil
	}
	if m.reapDeadHolder() {
		return m.TryLock()
	}
	return ipcerr.New(ipcerr.WouldBlock, "pshared.Mutex.TryLock")
}

// Lock blocks until the mutex is acquired or timeout elapses. Pass
// clock.Forever to block indefinitely.
//
// The acquire loop alternates a short bounded exponential backoff (cheap,
// avoids hammering the cache line under light contention) with exactly one
// liveness probe of the recorded owner per iteration: kill(pid, 0) returning
// ESRCH means the holder died without unlocking, so the waiter steals the
// lock on its behalf rather than waiting out the full timeout.
func (m *Mutex) Lock(timeout time.Duration) error {
	const op = "pshared.Mutex.Lock"

	deadline, hasDeadline := clock.Deadline(time.Now(), timeout)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Microsecond
	bo.MaxInterval = 5 * time.Millisecond

	for {
		if m.state().CompareAndSwap(mutexUnlocked, mutexLockedNoWaiters) {
			m.owner().Store(uint32(os.Getpid()))
			return nil
		}
		// Someone else holds it; flag that a waiter showed up so the
		// current holder knows to expect contention. A harmless no-op if
		// it already raced to unlocked or already carries the flag.
		m.state().CompareAndSwap(mutexLockedNoWaiters, mutexLockedWithWaiters)

		if m.reapDeadHolder() {
			continue
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

// Unlock releases the mutex. Unlocking a mutex this handle's process does
// not hold returns a NotOwner error rather than corrupting shared state.
func (m *Mutex) Unlock() error {
	const op = "pshared.Mutex.Unlock"

	if m.owner().Load() != uint32(os.Getpid()) {
		return ipcerr.New(ipcerr.NotOwner, op)
	}
	m.owner().Store(0)
	m.state().Store(mutexUnlocked)
	return nil
}

// reapDeadHolder probes the recorded owner PID and, if it no longer exists,
// forces the mutex back to unlocked so the next acquire attempt succeeds.
// It reports whether it performed a recovery.
func (m *Mutex) reapDeadHolder() bool {
	pid := m.owner().Load()
	if pid == 0 {
		return false
	}
	err := unix.Kill(int(pid), 0)
	if err != unix.ESRCH {
		return false
	}
	m.state().Store(mutexUnlocked)
	m.owner().Store(0)
	return true
}
