package pshared

import (
	"sync/atomic"
	"time"

	"github.com/shmipc/shmipc/internal/clock"
	"github.com/shmipc/shmipc/internal/ipcerr"
)

// Waiter is the parking primitive the ring transport blocks on: a mutex
// guarding a condition variable, plus a process-local quit flag so a
// connection's own teardown can wake anything parked on it without
// touching shared memory (another process tearing down its own endpoint
// must not be able to spuriously unstick this one).
type Waiter struct {
	mu   *Mutex
	cond *Cond
	quit atomic.Bool
}

// NewWaiter composes a Waiter out of an already-open mutex and condition
// variable. The two are expected to share a namespace (e.g. a route's
// writer-park pair) but ownership of closing them stays with the caller.
func NewWaiter(mu *Mutex, cond *Cond) *Waiter {
	return &Waiter{mu: mu, cond: cond}
}

// WaitIf blocks until predicate reports true, the waiter is quit, or
// timeout elapses, whichever comes first. predicate is evaluated while mu
// is held so its result can't race a concurrent state change that a
// Notify/Broadcast is trying to signal.
func (w *Waiter) WaitIf(timeout time.Duration, predicate func() bool) error {
	const op = "pshared.Waiter.WaitIf"

	deadline, hasDeadline := clock.Deadline(time.Now(), timeout)

	lockTimeout := timeout
	if hasDeadline {
		lockTimeout = time.Until(deadline)
		if lockTimeout < 0 {
			lockTimeout = 0
		}
	}
	if err := w.mu.Lock(lockTimeout); err != nil {
		return err
	}
	defer w.mu.Unlock()

	for !predicate() {
		if w.quit.Load() {
			return ipcerr.New(ipcerr.Closed, op)
		}

		waitTimeout := clock.Forever
		if hasDeadline {
			waitTimeout = time.Until(deadline)
			if waitTimeout < 0 {
				return ipcerr.New(ipcerr.TimedOut, op)
			}
		}
		if err := w.cond.Wait(w.mu, waitTimeout); err != nil {
			return err
		}
	}
	return nil
}

// Notify and Broadcast take the mutex before signaling so the state change
// a caller made just before calling them is visible to anyone re-checking
// its predicate inside WaitIf: a signal sent without that barrier can slip
// between a waiter's predicate check and its call into Cond.Wait and be
// lost entirely.
func (w *Waiter) Notify() {
	_ = w.mu.Lock(clock.Forever)
	w.cond.Notify()
	_ = w.mu.Unlock()
}

// Broadcast wakes every process parked in WaitIf.
func (w *Waiter) Broadcast() {
	_ = w.mu.Lock(clock.Forever)
	w.cond.Broadcast()
	_ = w.mu.Unlock()
}

// Quit marks the waiter as shutting down: any current or future WaitIf
// call returns a Closed error instead of blocking. This is process-local
// and does not affect other processes parked on the same shared mutex and
// condition variable.
func (w *Waiter) Quit() {
	w.quit.Store(true)
	w.Broadcast()
}

// Close releases the underlying mutex and condition variable handles.
func (w *Waiter) Close() error {
	condErr := w.cond.Close()
	muErr := w.mu.Close()
	if condErr != nil {
		return condErr
	}
	return muErr
}
