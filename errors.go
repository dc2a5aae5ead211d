package shmipc

import (
	"github.com/shmipc/shmipc/internal/ipcerr"
	"github.com/shmipc/shmipc/internal/ring"
	"github.com/shmipc/shmipc/internal/shm"
)

// ClearStorage removes a route or channel's backing shared-memory regions
// unconditionally, regardless of whether any process still holds them
// open. Use this to recover from a prior crash that left stale regions
// behind; it is not safe to call while another process is actively using
// the same name. Slab pools, which are shared across every route/channel
// in a namespace, are left untouched.
func ClearStorage(name string, opts ...Option) error {
	cfg := applyOptions(opts)
	dir := cfg.baseDir
	if dir == "" {
		dir = shm.DefaultDir()
	}
	return ring.ClearStorage(dir, cfg.namespace, name)
}

// Error kinds returned by Route and Channel operations. Kept as aliases of
// internal/ipcerr's taxonomy so callers can use IsKind(err, shmipc.KindTimedOut)
// without reaching into an internal package.
type (
	// Kind categorizes a failure the way callers are expected to branch on.
	Kind = ipcerr.Kind
)

const (
	KindInvalidArgument  = ipcerr.InvalidArgument
	KindOSError          = ipcerr.OSError
	KindAlreadyExists    = ipcerr.AlreadyExists
	KindNotFound         = ipcerr.NotFound
	KindNoBitAvailable   = ipcerr.NoBitAvailable
	KindNoReader         = ipcerr.NoReader
	KindNoSender         = ipcerr.NoSender
	KindTimedOut         = ipcerr.TimedOut
	KindPermissionDenied = ipcerr.PermissionDenied
	KindWouldBlock       = ipcerr.WouldBlock
	KindNotOwner         = ipcerr.NotOwner
	KindClosed           = ipcerr.Closed
)

// IsKind reports whether err (or something it wraps) carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return ipcerr.Is(err, kind)
}
