//go:build windows

package backend

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/windows"
)

const maxDirectFDsWindows = 65536

func newDefault() (Backend, error) {
	return newIOCP()
}

func newPreferred(t Type) (Backend, error) {
	switch t {
	case TypeIOCP:
		return newIOCP()
	default:
		return nil, ErrUnsupportedBackend
	}
}

// WakeCompletionKey is the completion key PostQueuedCompletionStatus uses
// for a generic cross-thread wake-up, distinct from any registered fd
// (which uses its own fd value as the key). Exported so the root package's
// submitGenericWakeup can post with the same key this backend recognizes.
const WakeCompletionKey = ^uintptr(0)

// iocpBackend adapts flowrt's readiness-style Backend interface onto
// Windows' completion-based IOCP: Register/Modify/Unregister track the fds'
// declared interest locally, while Poll issues GetQueuedCompletionStatus and
// re-expresses interest via the OVERLAPPED-less "associate, then poll
// readiness manually" idiom used for sockets that were separately
// associated with the port.
type iocpBackend struct { // betteralign:ignore
	port   windows.Handle
	fds    [maxDirectFDsWindows]fdEntry
	fdMu   sync.RWMutex
	closed atomic.Bool
}

func newIOCP() (Backend, error) {
	port, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 0)
	if err != nil {
		return nil, err
	}
	return &iocpBackend{port: port}, nil
}

func (p *iocpBackend) Name() string { return "iocp" }
func (p *iocpBackend) Type() Type   { return TypeIOCP }

// WakeHandle exposes the completion port handle so Loop.wake can post a
// generic completion to unblock a pending GetQueuedCompletionStatus call.
func (p *iocpBackend) WakeHandle() uintptr { return uintptr(p.port) }

func (p *iocpBackend) Close() error {
	p.closed.Store(true)
	return windows.CloseHandle(p.port)
}

func (p *iocpBackend) Register(fd int, events Events, cb Callback) error {
	if p.closed.Load() {
		return ErrBackendClosed
	}
	if fd < 0 || fd >= maxDirectFDsWindows {
		return ErrFDOutOfRange
	}

	p.fdMu.Lock()
	if p.fds[fd].active {
		p.fdMu.Unlock()
		return ErrFDAlreadyRegistered
	}
	p.fds[fd] = fdEntry{callback: cb, events: events, active: true}
	p.fdMu.Unlock()

	if _, err := windows.CreateIoCompletionPort(windows.Handle(fd), p.port, uintptr(fd), 0); err != nil {
		p.fdMu.Lock()
		p.fds[fd] = fdEntry{}
		p.fdMu.Unlock()
		return err
	}
	return nil
}

func (p *iocpBackend) Modify(fd int, events Events) error {
	if fd < 0 || fd >= maxDirectFDsWindows {
		return ErrFDOutOfRange
	}
	p.fdMu.Lock()
	defer p.fdMu.Unlock()
	if !p.fds[fd].active {
		return ErrFDNotRegistered
	}
	p.fds[fd].events = events
	return nil
}

func (p *iocpBackend) Unregister(fd int) error {
	if fd < 0 || fd >= maxDirectFDsWindows {
		return ErrFDOutOfRange
	}
	p.fdMu.Lock()
	defer p.fdMu.Unlock()
	if !p.fds[fd].active {
		return ErrFDNotRegistered
	}
	p.fds[fd] = fdEntry{}
	return nil
}

// Poll blocks in GetQueuedCompletionStatus for a single completion (or the
// requested timeout) and dispatches it. A completion whose key equals
// WakeCompletionKey is a pure wake-up with no associated fd callback.
func (p *iocpBackend) Poll(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrBackendClosed
	}

	ms := uint32(windows.INFINITE)
	if timeoutMs >= 0 {
		ms = uint32(timeoutMs)
	}

	var bytes uint32
	var key uintptr
	var overlapped *windows.Overlapped

	err := windows.GetQueuedCompletionStatus(p.port, &bytes, &key, &overlapped, ms)
	if err != nil {
		if err == windows.WAIT_TIMEOUT {
			return 0, nil
		}
		return 0, err
	}

	if key == WakeCompletionKey {
		return 0, nil
	}

	fd := int(key)
	if fd < 0 || fd >= maxDirectFDsWindows {
		return 0, nil
	}
	p.fdMu.RLock()
	entry := p.fds[fd]
	p.fdMu.RUnlock()
	if entry.active && entry.callback != nil {
		entry.callback(fd, entry.events&(Readable|Writable))
		return 1, nil
	}
	return 0, nil
}
