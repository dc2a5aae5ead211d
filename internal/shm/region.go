// Package shm implements component A of the transport core: a named,
// reference-counted shared-memory region addressable by any process that
// knows its name.
//
// Adapted from the attach/detach handle shape of the corpus's
// controlplane/ffi/shm.go (SharedMemory.Attach/Detach), but where that code
// called into a C library over cgo, this implementation owns the mapping
// itself via golang.org/x/sys/unix: a region is a regular file opened under
// a shared directory and mapped MAP_SHARED, which gives every process that
// opens the same path the same physical pages — the same approach
// POSIX shm_open-backed IPC libraries use outside of /dev/shm.
package shm

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/shmipc/shmipc/internal/ipcerr"
)

// Mode selects the acquire semantics for a named region.
type Mode int

const (
	// OpenOrCreate creates the region if absent, or opens it if present.
	OpenOrCreate Mode = iota
	// CreateOnly fails with already-exists if the region is already present.
	CreateOnly
	// OpenOnly fails with not-found if the region does not exist.
	OpenOnly
)

// refCounterSize is the trailing 32-bit atomic reference count appended to
// every region, per spec.md §3 ("Named region").
const refCounterSize = 4

// Region is a handle to a named shared-memory region. The byte slice
// returned by Data() has exactly the caller's requested size; the trailing
// reference counter lives past the end of that slice and is never exposed.
type Region struct {
	dir      string
	key      string
	path     string
	userSize uint32
	fd       int
	mapping  []byte
	created  bool
	released atomic.Bool
}

// DefaultDir is used when an Options.BaseDir is not supplied. It mirrors a
// /dev/shm-style shared directory without assuming one exists on non-Linux
// hosts.
func DefaultDir() string {
	return filepath.Join(os.TempDir(), "shmipc")
}

// Acquire opens or creates a named region sized to hold exactly userSize
// bytes of caller payload plus the trailing reference counter.
//
// The acquire path must cope with the allocator rounding the backing file's
// reported size up to a page boundary (common on mmap-backed storage): the
// reference-counter offset is always computed from userSize, the value the
// caller asked for, never from a stat() of the mapped file. This is what
// lets two processes that agree on a size out-of-band agree on the
// counter's address too, even if the kernel rounds the file's actual
// allocation up.
func Acquire(dir, key string, userSize uint32, mode Mode) (*Region, error) {
	const op = "shm.Acquire"

	if key == "" || userSize == 0 {
		return nil, ipcerr.New(ipcerr.InvalidArgument, op)
	}

	if dir == "" {
		dir = DefaultDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ipcerr.Wrap(ipcerr.OSError, op, err)
	}

	path := filepath.Join(dir, sanitizeForFilesystem(key))
	regionSize := int64(userSize) + refCounterSize

	flags := unix.O_RDWR
	created := false

	switch mode {
	case CreateOnly:
		flags |= unix.O_CREAT | unix.O_EXCL
	case OpenOnly:
		// no O_CREAT: fails below with ENOENT if missing.
	case OpenOrCreate:
		flags |= unix.O_CREAT
	}

	fd, err := unix.Open(path, flags, 0o644)
	if err != nil {
		switch err {
		case unix.EEXIST:
			return nil, ipcerr.New(ipcerr.AlreadyExists, op)
		case unix.ENOENT:
			return nil, ipcerr.New(ipcerr.NotFound, op)
		default:
			return nil, ipcerr.Wrap(ipcerr.OSError, op, err)
		}
	}

	if mode != OpenOnly {
		st, err := unix.Fstat(fd)
		if err != nil {
			unix.Close(fd)
			return nil, ipcerr.Wrap(ipcerr.OSError, op, err)
		}
		if st.Size == 0 {
			created = true
			if err := unix.Ftruncate(fd, regionSize); err != nil {
				unix.Close(fd)
				return nil, ipcerr.Wrap(ipcerr.OSError, op, err)
			}
		}
	}

	mapping, err := unix.Mmap(fd, 0, int(regionSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, ipcerr.Wrap(ipcerr.OSError, op, err)
	}

	r := &Region{
		dir:      dir,
		key:      key,
		path:     path,
		userSize: userSize,
		fd:       fd,
		mapping:  mapping,
		created:  created,
	}

	r.refCounter().Add(1)

	return r, nil
}

// Data returns the caller-visible payload: exactly userSize bytes, never
// including the trailing reference counter.
func (r *Region) Data() []byte {
	return r.mapping[:r.userSize]
}

// Path reports the backing file path, useful for diagnostics/logging.
func (r *Region) Path() string { return r.path }

// Created reports whether this Acquire call is the one that created the
// region (the first opener), matching spec.md's "first opener creates and
// sizes it".
func (r *Region) Created() bool { return r.created }

func (r *Region) refCounter() *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&r.mapping[r.userSize]))
}

// GetRef returns the current reference count.
func (r *Region) GetRef() uint32 {
	return r.refCounter().Load()
}

// Release decrements the reference count and, if it reaches zero, unlinks
// the backing file so the next Acquire with CreateOnly starts fresh. The
// mapping and file descriptor are always torn down, even on the last
// releaser's unlink failure (best effort, matching spec.md §5: "A handle
// must release on destruction").
func (r *Region) Release() error {
	if !r.released.CompareAndSwap(false, true) {
		return nil
	}

	remaining := r.refCounter().Add(^uint32(0)) // atomic decrement by 1

	var unlinkErr error
	if remaining == 0 {
		unlinkErr = unix.Unlink(r.path)
		if unlinkErr == unix.ENOENT {
			unlinkErr = nil
		}
	}

	_ = unix.Munmap(r.mapping)
	closeErr := unix.Close(r.fd)

	if unlinkErr != nil {
		return ipcerr.Wrap(ipcerr.OSError, "shm.Release", unlinkErr)
	}
	if closeErr != nil {
		return ipcerr.Wrap(ipcerr.OSError, "shm.Release", closeErr)
	}
	return nil
}

// ClearStorage unlinks a region's backing file unconditionally, regardless
// of its reference count, so a caller can force a clean restart. Missing
// files are not an error.
func ClearStorage(dir, key string) error {
	if dir == "" {
		dir = DefaultDir()
	}
	path := filepath.Join(dir, sanitizeForFilesystem(key))
	if err := unix.Unlink(path); err != nil && err != unix.ENOENT {
		return ipcerr.Wrap(ipcerr.OSError, "shm.ClearStorage", err)
	}
	return nil
}

// sanitizeForFilesystem strips the leading '/' conventionally used for
// POSIX shared-memory identifiers, since here the identifier is a plain
// filename under dir.
func sanitizeForFilesystem(key string) string {
	if len(key) > 0 && key[0] == '/' {
		return key[1:]
	}
	return key
}
