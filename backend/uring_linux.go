//go:build linux

package backend

import (
	"sync"
	"sync/atomic"

	"github.com/pawelgaczynski/giouring"
)

const uringQueueDepth = 256

// uringBackend adapts flowrt's readiness-style Backend interface onto Linux
// io_uring's completion model: Register submits a POLL_ADD SQE for the
// requested event mask, and Poll re-submits a POLL_ADD for every fd whose
// CQE it dispatched, after that batch's callbacks have run, so interest
// stays armed until Unregister despite io_uring's one-shot poll semantics.
type uringBackend struct { // betteralign:ignore
	ring   *giouring.Ring
	mu     sync.Mutex
	fds    [maxDirectFDs]fdEntry
	fdMu   sync.RWMutex
	closed atomic.Bool
}

func newURing() (Backend, error) {
	ring, err := giouring.CreateRing(uringQueueDepth)
	if err != nil {
		return nil, err
	}
	return &uringBackend{ring: ring}, nil
}

func (p *uringBackend) Name() string { return "io_uring" }
func (p *uringBackend) Type() Type   { return TypeURing }

func (p *uringBackend) Close() error {
	p.closed.Store(true)
	p.ring.QueueExit()
	return nil
}

const (
	pollIn  = 0x001
	pollOut = 0x004
	pollErr = 0x008
	pollHup = 0x010
)

func toPollMask(events Events) uint32 {
	var mask uint32
	if events&Readable != 0 {
		mask |= pollIn
	}
	if events&Writable != 0 {
		mask |= pollOut
	}
	return mask
}

// submitPollLocked enqueues a POLL_ADD SQE for fd and submits it
// immediately. Called with p.mu held.
func (p *uringBackend) submitPollLocked(fd int, events Events) error {
	sqe := p.ring.GetSQE()
	if sqe == nil {
		if _, err := p.ring.Submit(); err != nil {
			return err
		}
		sqe = p.ring.GetSQE()
		if sqe == nil {
			return ErrBackendClosed
		}
	}
	sqe.PrepPollAdd(int32(fd), toPollMask(events))
	sqe.UserData = uint64(fd)
	_, err := p.ring.Submit()
	return err
}

func (p *uringBackend) submitPoll(fd int, events Events) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submitPollLocked(fd, events)
}

func (p *uringBackend) Register(fd int, events Events, cb Callback) error {
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
	p.fdMu.Unlock()

	if err := p.submitPoll(fd, events); err != nil {
		p.fdMu.Lock()
		p.fds[fd] = fdEntry{}
		p.fdMu.Unlock()
		return err
	}
	return nil
}

func (p *uringBackend) Modify(fd int, events Events) error {
	if fd < 0 || fd >= maxDirectFDs {
		return ErrFDOutOfRange
	}
	p.fdMu.Lock()
	if !p.fds[fd].active {
		p.fdMu.Unlock()
		return ErrFDNotRegistered
	}
	p.fds[fd].events = events
	p.fdMu.Unlock()

	return p.submitPoll(fd, events)
}

func (p *uringBackend) Unregister(fd int) error {
	if fd < 0 || fd >= maxDirectFDs {
		return ErrFDOutOfRange
	}
	p.fdMu.Lock()
	if !p.fds[fd].active {
		p.fdMu.Unlock()
		return ErrFDNotRegistered
	}
	p.fds[fd] = fdEntry{}
	p.fdMu.Unlock()

	p.mu.Lock()
	sqe := p.ring.GetSQE()
	if sqe != nil {
		sqe.PrepPollRemove(uint64(fd))
		_, _ = p.ring.Submit()
	}
	p.mu.Unlock()
	return nil
}

// Poll waits for at least one completion (or the timeout) and dispatches
// every completion already queued, re-arming each fd's poll request before
// returning.
func (p *uringBackend) Poll(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrBackendClosed
	}

	var cqe *giouring.CompletionQueueEvent
	var err error
	switch {
	case timeoutMs < 0:
		cqe, err = p.ring.WaitCQE()
	case timeoutMs == 0:
		cqe, err = p.ring.PeekCQE()
	default:
		cqe, err = p.ring.WaitCQETimeout(uint64(timeoutMs) * 1_000_000)
	}
	if err != nil {
		return 0, nil
	}

	n := 0
	rearm := make(map[int]Events)
	for cqe != nil {
		fd := int(cqe.UserData)
		p.ring.CQESeen(cqe)
		n++

		if fd >= 0 && fd < maxDirectFDs {
			p.fdMu.RLock()
			entry := p.fds[fd]
			p.fdMu.RUnlock()
			if entry.active && entry.callback != nil {
				entry.callback(fd, fromPollMask(cqe.Res))
			}
			if entry.active {
				rearm[fd] = entry.events
			}
		}

		cqe, err = p.ring.PeekCQE()
		if err != nil {
			break
		}
	}

	for fd, events := range rearm {
		_ = p.submitPoll(fd, events)
	}
	return n, nil
}

func fromPollMask(res int32) Events {
	var events Events
	mask := uint32(res)
	if mask&pollIn != 0 {
		events |= Readable
	}
	if mask&pollOut != 0 {
		events |= Writable
	}
	if mask&pollErr != 0 {
		events |= Err
	}
	if mask&pollHup != 0 {
		events |= Hangup
	}
	return events
}
