// Package backend provides a uniform interface over the platform's
// readiness/completion facility: epoll (Linux), kqueue (Darwin/BSD), IOCP
// (Windows), io_uring (Linux, opt-in), and a portable select-based
// fallback. See the root flowrt package for how a Loop drives a Backend.
package backend

import "errors"

// Events is a bitmask of {readable, writable, error, hangup} reported on a
// registered file descriptor.
type Events uint32

const (
	// Readable means the fd is ready for reading.
	Readable Events = 1 << iota
	// Writable means the fd is ready for writing.
	Writable
	// Err means an error condition was reported on the fd.
	Err
	// Hangup means the peer closed its end.
	Hangup
)

// Callback is invoked once per reported event for a registered fd. After
// Poll returns, every event produced has been reported through exactly one
// call on the affected fd, even if the kernel signaled the same readiness
// multiple times.
type Callback func(fd int, events Events)

// Type identifies a concrete Backend implementation.
type Type int

const (
	// TypeAuto lets New pick the platform default.
	TypeAuto Type = iota
	// TypeEpoll is the Linux readiness-based, edge-triggered backend.
	TypeEpoll
	// TypeKqueue is the BSD/Darwin readiness-based, level-triggered backend.
	TypeKqueue
	// TypeIOCP is the Windows completion-port backend.
	TypeIOCP
	// TypeURing is the Linux io_uring completion-based backend.
	TypeURing
	// TypeSelect is the portable, O(n) select-based fallback. Correct but
	// slow; never the auto-selected default.
	TypeSelect
)

// String returns the backend type's name.
func (t Type) String() string {
	switch t {
	case TypeAuto:
		return "auto"
	case TypeEpoll:
		return "epoll"
	case TypeKqueue:
		return "kqueue"
	case TypeIOCP:
		return "iocp"
	case TypeURing:
		return "uring"
	case TypeSelect:
		return "select"
	default:
		return "unknown"
	}
}

// Backend is the abstract interface every concrete I/O multiplexer
// implements. The backend type is immutable for a Loop's lifetime once
// chosen by New.
type Backend interface {
	// Register starts monitoring fd for events, invoking cb on each
	// reported readiness/completion.
	Register(fd int, events Events, cb Callback) error
	// Modify changes the event mask for an already-registered fd.
	Modify(fd int, events Events) error
	// Unregister stops monitoring fd. The io_uring backend submits a
	// POLL_REMOVE for fd and returns without waiting for it or for an
	// in-flight completion; a completion that arrives later finds no active
	// registration and is not dispatched.
	Unregister(fd int) error
	// Poll is the single blocking call per Loop iteration. timeoutMs < 0
	// blocks indefinitely; 0 polls without blocking.
	Poll(timeoutMs int) (int, error)
	// Name returns a short identifier, e.g. "epoll".
	Name() string
	// Type returns the backend's Type.
	Type() Type
	// Close releases the backend's kernel resources.
	Close() error
}

// ErrUnsupportedBackend is returned by New when an explicitly requested
// Type has no implementation on the current platform.
var ErrUnsupportedBackend = errors.New("backend: requested backend type not supported on this platform")

// New selects a Backend per the selection policy: if pref names a concrete
// type, that implementation is used (or ErrUnsupportedBackend if this
// platform lacks it); otherwise the platform default is used. If the
// platform default cannot be created its error is returned; the select
// backend is used only when TypeSelect is requested.
func New(pref Type) (Backend, error) {
	if pref == TypeAuto {
		return newDefault()
	}
	if pref == TypeSelect {
		return newSelectBackend()
	}
	return newPreferred(pref)
}

// fdEntry is the per-fd registration record shared by every backend
// implementation (epoll, kqueue, select, and the completion-based IOCP and
// io_uring backends).
type fdEntry struct {
	callback Callback
	events   Events
	active   bool
}
