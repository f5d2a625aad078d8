//go:build !windows

package backend

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// selectBackend is the portable, O(n)-per-poll fallback used when no native
// readiness/completion facility is requested. It exists for platforms or
// sandboxes where epoll/kqueue/io_uring registration is unavailable;
// correctness over throughput.
type selectBackend struct { // betteralign:ignore
	mu     sync.RWMutex
	fds    map[int]fdEntry
	closed atomic.Bool
}

func newSelectBackend() (Backend, error) {
	return &selectBackend{fds: make(map[int]fdEntry)}, nil
}

func (p *selectBackend) Name() string { return "select" }
func (p *selectBackend) Type() Type   { return TypeSelect }

func (p *selectBackend) Close() error {
	p.closed.Store(true)
	return nil
}

func (p *selectBackend) Register(fd int, events Events, cb Callback) error {
	if p.closed.Load() {
		return ErrBackendClosed
	}
	if fd < 0 {
		return ErrFDOutOfRange
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.fds[fd]; ok {
		return ErrFDAlreadyRegistered
	}
	p.fds[fd] = fdEntry{callback: cb, events: events, active: true}
	return nil
}

func (p *selectBackend) Modify(fd int, events Events) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.fds[fd]
	if !ok {
		return ErrFDNotRegistered
	}
	entry.events = events
	p.fds[fd] = entry
	return nil
}

func (p *selectBackend) Unregister(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.fds[fd]; !ok {
		return ErrFDNotRegistered
	}
	delete(p.fds, fd)
	return nil
}

// Poll builds fd_sets from the current registration table and calls
// select(2) once. Registrations changed concurrently from within a
// dispatched callback are only picked up on the next Poll call. With no fd
// registered it returns 0 at once, whatever timeoutMs is.
func (p *selectBackend) Poll(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrBackendClosed
	}

	p.mu.RLock()
	snapshot := make(map[int]fdEntry, len(p.fds))
	maxFd := -1
	var readSet, writeSet unix.FdSet
	for fd, entry := range p.fds {
		snapshot[fd] = entry
		if fd > maxFd {
			maxFd = fd
		}
		if entry.events&Readable != 0 {
			fdSetBit(&readSet, fd)
		}
		if entry.events&Writable != 0 {
			fdSetBit(&writeSet, fd)
		}
	}
	p.mu.RUnlock()

	if maxFd < 0 {
		if timeoutMs < 0 {
			return 0, nil
		}
		return 0, nil
	}

	var tv *unix.Timeval
	if timeoutMs >= 0 {
		t := unix.NsecToTimeval(int64(timeoutMs) * 1_000_000)
		tv = &t
	}

	n, err := unix.Select(maxFd+1, &readSet, &writeSet, nil, tv)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	dispatched := 0
	for fd, entry := range snapshot {
		var events Events
		if fdSetIsSet(&readSet, fd) {
			events |= Readable
		}
		if fdSetIsSet(&writeSet, fd) {
			events |= Writable
		}
		if events != 0 && entry.callback != nil {
			entry.callback(fd, events)
			dispatched++
		}
	}
	return dispatched, nil
}

func fdSetBit(set *unix.FdSet, fd int) {
	idx := fd / 64
	bit := uint(fd % 64)
	set.Bits[idx] |= 1 << bit
}

func fdSetIsSet(set *unix.FdSet, fd int) bool {
	idx := fd / 64
	bit := uint(fd % 64)
	return set.Bits[idx]&(1<<bit) != 0
}
