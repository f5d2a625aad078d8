//go:build darwin

package backend

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const initialFDCapacity = 1024

func newDefault() (Backend, error) {
	return newKqueue()
}

func newPreferred(t Type) (Backend, error) {
	switch t {
	case TypeKqueue:
		return newKqueue()
	default:
		return nil, ErrUnsupportedBackend
	}
}

// kqueueBackend is the BSD/Darwin readiness, level-triggered
// implementation: on every Poll, events are re-reported as long as the
// current intent mask still wants them, so unlike epollBackend there is no
// re-arm step on Modify beyond adjusting the kevent filter set.
type kqueueBackend struct { // betteralign:ignore
	kq       int32
	eventBuf [256]unix.Kevent_t
	fds      []fdEntry
	fdMu     sync.RWMutex
	closed   atomic.Bool
}

func newKqueue() (Backend, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)
	return &kqueueBackend{kq: int32(kq), fds: make([]fdEntry, initialFDCapacity)}, nil
}

func (p *kqueueBackend) Name() string { return "kqueue" }
func (p *kqueueBackend) Type() Type   { return TypeKqueue }

func (p *kqueueBackend) Close() error {
	p.closed.Store(true)
	return unix.Close(int(p.kq))
}

func (p *kqueueBackend) grow(fd int) {
	if fd < len(p.fds) {
		return
	}
	newFds := make([]fdEntry, fd*2+1)
	copy(newFds, p.fds)
	p.fds = newFds
}

func (p *kqueueBackend) Register(fd int, events Events, cb Callback) error {
	if p.closed.Load() {
		return ErrBackendClosed
	}
	if fd < 0 {
		return ErrFDOutOfRange
	}

	p.fdMu.Lock()
	p.grow(fd)
	if p.fds[fd].active {
		p.fdMu.Unlock()
		return ErrFDAlreadyRegistered
	}
	p.fds[fd] = fdEntry{callback: cb, events: events, active: true}
	p.fdMu.Unlock()

	kevents := toKevents(fd, events, unix.EV_ADD|unix.EV_ENABLE)
	if len(kevents) > 0 {
		if _, err := unix.Kevent(int(p.kq), kevents, nil, nil); err != nil {
			p.fdMu.Lock()
			p.fds[fd] = fdEntry{}
			p.fdMu.Unlock()
			return err
		}
	}
	return nil
}

func (p *kqueueBackend) Modify(fd int, events Events) error {
	if fd < 0 {
		return ErrFDOutOfRange
	}
	p.fdMu.Lock()
	if fd >= len(p.fds) || !p.fds[fd].active {
		p.fdMu.Unlock()
		return ErrFDNotRegistered
	}
	old := p.fds[fd].events
	p.fds[fd].events = events
	p.fdMu.Unlock()

	if removed := old &^ events; removed != 0 {
		if k := toKevents(fd, removed, unix.EV_DELETE); len(k) > 0 {
			_, _ = unix.Kevent(int(p.kq), k, nil, nil)
		}
	}
	if added := events &^ old; added != 0 {
		if k := toKevents(fd, added, unix.EV_ADD|unix.EV_ENABLE); len(k) > 0 {
			if _, err := unix.Kevent(int(p.kq), k, nil, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *kqueueBackend) Unregister(fd int) error {
	if fd < 0 {
		return ErrFDOutOfRange
	}
	p.fdMu.Lock()
	if fd >= len(p.fds) || !p.fds[fd].active {
		p.fdMu.Unlock()
		return ErrFDNotRegistered
	}
	events := p.fds[fd].events
	p.fds[fd] = fdEntry{}
	p.fdMu.Unlock()

	if k := toKevents(fd, events, unix.EV_DELETE); len(k) > 0 {
		_, _ = unix.Kevent(int(p.kq), k, nil, nil)
	}
	return nil
}

func (p *kqueueBackend) Poll(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrBackendClosed
	}

	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{Sec: int64(timeoutMs / 1000), Nsec: int64((timeoutMs % 1000) * 1_000_000)}
	}

	n, err := unix.Kevent(int(p.kq), nil, p.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Ident)
		if fd < 0 {
			continue
		}
		p.fdMu.RLock()
		var entry fdEntry
		if fd < len(p.fds) {
			entry = p.fds[fd]
		}
		p.fdMu.RUnlock()
		if entry.active && entry.callback != nil {
			entry.callback(fd, fromKevent(&p.eventBuf[i]))
		}
	}
	return n, nil
}

func toKevents(fd int, events Events, flags uint16) []unix.Kevent_t {
	var kevents []unix.Kevent_t
	if events&Readable != 0 {
		kevents = append(kevents, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if events&Writable != 0 {
		kevents = append(kevents, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	return kevents
}

func fromKevent(kev *unix.Kevent_t) Events {
	var events Events
	switch kev.Filter {
	case unix.EVFILT_READ:
		events |= Readable
	case unix.EVFILT_WRITE:
		events |= Writable
	}
	if kev.Flags&unix.EV_ERROR != 0 {
		events |= Err
	}
	if kev.Flags&unix.EV_EOF != 0 {
		events |= Hangup
	}
	return events
}
