//go:build linux

package backend

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// maxDirectFDs bounds the direct-indexed fd array; above this, registration
// fails with a resource-exhausted style error rather than growing
// unbounded.
const maxDirectFDs = 65536

func newDefault() (Backend, error) {
	return newEpoll()
}

func newPreferred(t Type) (Backend, error) {
	switch t {
	case TypeEpoll:
		return newEpoll()
	case TypeURing:
		return newURing()
	default:
		return nil, ErrUnsupportedBackend
	}
}

// epollBackend is the Linux readiness, edge-triggered implementation.
// Every fd is registered with EPOLLET and without EPOLLONESHOT, so it stays
// armed until Unregister; Modify only replaces its event mask.
type epollBackend struct { // betteralign:ignore
	epfd     int32
	version  atomic.Uint64
	eventBuf [256]unix.EpollEvent
	fds      [maxDirectFDs]fdEntry
	fdMu     sync.RWMutex
	closed   atomic.Bool
}

func newEpoll() (Backend, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollBackend{epfd: int32(fd)}, nil
}

func (p *epollBackend) Name() string { return "epoll" }
func (p *epollBackend) Type() Type   { return TypeEpoll }

func (p *epollBackend) Close() error {
	p.closed.Store(true)
	return unix.Close(int(p.epfd))
}

func (p *epollBackend) Register(fd int, events Events, cb Callback) error {
	if p.closed.Load() {
		return ErrBackendClosed
	}
	if fd < 0 || fd >= maxDirectFDs {
		return ErrFDOutOfRange
	}

	p.fdMu.Lock()
	if p.fds[fd].active {
		p.fdMu.Unlock()
		return ErrFDAlreadyRegistered
	}
	p.fds[fd] = fdEntry{callback: cb, events: events, active: true}
	p.version.Add(1)
	p.fdMu.Unlock()

	ev := &unix.EpollEvent{Events: toEpoll(events) | unix.EPOLLET, Fd: int32(fd)}
	if err := unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		p.fdMu.Lock()
		p.fds[fd] = fdEntry{}
		p.fdMu.Unlock()
		return err
	}
	return nil
}

func (p *epollBackend) Modify(fd int, events Events) error {
	if fd < 0 || fd >= maxDirectFDs {
		return ErrFDOutOfRange
	}
	p.fdMu.Lock()
	if !p.fds[fd].active {
		p.fdMu.Unlock()
		return ErrFDNotRegistered
	}
	p.fds[fd].events = events
	p.version.Add(1)
	p.fdMu.Unlock()

	ev := &unix.EpollEvent{Events: toEpoll(events) | unix.EPOLLET, Fd: int32(fd)}
	return unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_MOD, fd, ev)
}

func (p *epollBackend) Unregister(fd int) error {
	if fd < 0 || fd >= maxDirectFDs {
		return ErrFDOutOfRange
	}
	p.fdMu.Lock()
	if !p.fds[fd].active {
		p.fdMu.Unlock()
		return ErrFDNotRegistered
	}
	p.fds[fd] = fdEntry{}
	p.version.Add(1)
	p.fdMu.Unlock()

	return unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollBackend) Poll(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrBackendClosed
	}

	n, err := unix.EpollWait(int(p.epfd), p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)
		if fd < 0 || fd >= maxDirectFDs {
			continue
		}
		p.fdMu.RLock()
		entry := p.fds[fd]
		p.fdMu.RUnlock()
		if entry.active && entry.callback != nil {
			entry.callback(fd, fromEpoll(p.eventBuf[i].Events))
		}
	}
	return n, nil
}

func toEpoll(events Events) uint32 {
	var e uint32
	if events&Readable != 0 {
		e |= unix.EPOLLIN
	}
	if events&Writable != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func fromEpoll(e uint32) Events {
	var events Events
	if e&unix.EPOLLIN != 0 {
		events |= Readable
	}
	if e&unix.EPOLLOUT != 0 {
		events |= Writable
	}
	if e&unix.EPOLLERR != 0 {
		events |= Err
	}
	if e&unix.EPOLLHUP != 0 {
		events |= Hangup
	}
	return events
}
