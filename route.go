// Package shmipc is a cross-platform shared-memory IPC library offering
// two broadcast primitives: Route, a single-writer multi-reader stream,
// and Channel, a multi-writer multi-reader one. Both are built on a fixed
// 256-slot ring buffer in shared memory, coordinated with atomic
// bitmasks and process-shared mutexes and condition variables instead of
// a message queue daemon, so sends and receives never leave
// the calling process.
package shmipc

import (
	"time"

	"go.uber.org/zap"

	"github.com/shmipc/shmipc/internal/ipcerr"
	"github.com/shmipc/shmipc/internal/ring"
	"github.com/shmipc/shmipc/internal/shm"
)

// Route is a single-writer, multi-reader broadcast stream: exactly one
// process may hold the writer side at a time, and any number of processes
// (up to 32) can attach as readers and each see every message published
// after they connect.
type Route struct {
	ep     *ring.Endpoint
	log    *zap.SugaredLogger
	cfg    config
	name   string
	connID uint32
	ccID   uint32
	isSend bool
	closed bool
}

// OpenRouteSender opens name as the writing side of a route. It fails with
// AlreadyExists if another process already holds the writer side.
func OpenRouteSender(name string, opts ...Option) (*Route, error) {
	return openRoute(name, true, opts)
}

// OpenRouteReceiver opens name as a reading side of a route.
func OpenRouteReceiver(name string, opts ...Option) (*Route, error) {
	return openRoute(name, false, opts)
}

func openRoute(name string, asSender bool, opts []Option) (*Route, error) {
	const op = "shmipc.OpenRoute"
	if name == "" {
		return nil, ipcerr.New(ipcerr.InvalidArgument, op)
	}

	cfg := applyOptions(opts)
	dir := cfg.baseDir
	if dir == "" {
		dir = shm.DefaultDir()
	}

	ep, err := ring.OpenWithTimeout(dir, cfg.namespace, name, cfg.connectTimeout)
	if err != nil {
		return nil, err
	}

	r := &Route{ep: ep, log: cfg.logger, cfg: cfg, name: name, isSend: asSender}
	identity := ep.NewIdentity()
	r.ccID = identity

	if asSender {
		conn, err := ep.ConnectExclusiveWriter(identity)
		if err != nil {
			_ = ep.Close()
			return nil, err
		}
		r.connID = conn.ID
		r.log.Debugw("route sender connected", "route", name, "generation", conn.Generation)
	} else {
		conn, err := ep.ConnectReader(identity)
		if err != nil {
			_ = ep.Close()
			return nil, err
		}
		r.connID = conn.ID
		r.log.Debugw("route reader connected", "route", name, "connID", conn.ID, "generation", conn.Generation)
	}

	return r, nil
}

// Send publishes payload to every currently connected reader, waiting up
// to timeout for a slot still held by a slow reader to free up. It returns
// NoReader immediately if nobody is connected, and TimedOut if no slot
// frees up within timeout. Only valid on the sender side; calling it on a
// reader-opened Route returns PermissionDenied.
func (r *Route) Send(payload []byte, timeout time.Duration) error {
	if !r.isSend {
		return ipcerr.New(ipcerr.PermissionDenied, "shmipc.Route.Send")
	}
	if len(payload) >= int(r.cfg.largeMessageWarnAt) {
		r.log.Warnw("publishing message larger than warn threshold",
			"route", r.name, "size", len(payload))
	}
	return r.ep.Send(r.ccID, payload, timeout)
}

// SendDefault calls Send with the timeout configured via
// WithDefaultSendTimeout (non-blocking unless overridden).
func (r *Route) SendDefault(payload []byte) error {
	return r.Send(payload, r.cfg.defaultSendTimeout)
}

// WaitForReaders blocks until at least one reader is connected, or
// timeout elapses. Only valid on the sender side.
func (r *Route) WaitForReaders(timeout time.Duration) error {
	if !r.isSend {
		return ipcerr.New(ipcerr.PermissionDenied, "shmipc.Route.WaitForReaders")
	}
	return r.ep.WaitForReaders(timeout)
}

// Recv blocks until a message is available or timeout elapses. Only valid
// on a reader-opened Route.
func (r *Route) Recv(timeout time.Duration) ([]byte, error) {
	if r.isSend {
		return nil, ipcerr.New(ipcerr.PermissionDenied, "shmipc.Route.Recv")
	}
	return r.ep.Recv(r.connID, r.ccID, timeout)
}

// RecvDefault calls Recv with the timeout configured via
// WithDefaultRecvTimeout (non-blocking unless overridden).
func (r *Route) RecvDefault() ([]byte, error) {
	return r.Recv(r.cfg.defaultRecvTimeout)
}

// Stats returns a snapshot of this route's underlying ring.
func (r *Route) Stats() RingStats {
	return statsFromEndpoint(r.ep.Stats())
}

// Close disconnects and releases this endpoint's shared resources. It is
// idempotent.
func (r *Route) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	var err error
	if r.isSend {
		err = r.ep.DisconnectWriter(r.connID)
	} else {
		err = r.ep.DisconnectReader(r.connID)
	}
	if closeErr := r.ep.Close(); err == nil {
		err = closeErr
	}
	return err
}
