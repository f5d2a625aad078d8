package flowrt

import "sync/atomic"

// Tag classifies what kind of loop-managed object a Handle backs.
type Tag int

const (
	// TagStream backs a TCP/TLS byte stream (flowrt/stream.Stream).
	TagStream Tag = iota
	// TagDatagram backs a UDP endpoint (flowrt/stream.Datagram).
	TagDatagram
	// TagTimer backs a Timer.
	TagTimer
	// TagPoll backs a raw registered file descriptor with no higher-level
	// framing (used internally by stream/datagram handles).
	TagPoll
	// TagAsyncWake backs the loop's own wake handle; never exposed to
	// user code.
	TagAsyncWake
	// TagProcess is reserved for a future process-spawning facility; no
	// operations are implemented against it (see DESIGN.md).
	TagProcess
	// TagFSRequest is reserved for filesystem jobs; nothing in flowrt
	// creates or dispatches handles with this tag.
	TagFSRequest
)

// String returns the tag's name.
func (t Tag) String() string {
	switch t {
	case TagStream:
		return "stream"
	case TagDatagram:
		return "datagram"
	case TagTimer:
		return "timer"
	case TagPoll:
		return "poll"
	case TagAsyncWake:
		return "async-wake"
	case TagProcess:
		return "process"
	case TagFSRequest:
		return "fs-request"
	default:
		return "unknown"
	}
}

// LifecycleState is a Handle's position in the init → active → closing →
// closed state machine (§4.3).
type LifecycleState int32

const (
	// LifecycleInit means the handle exists but has not yet registered
	// interest with the backend.
	LifecycleInit LifecycleState = iota
	// LifecycleActive means the handle has registered with the backend
	// (or, for a timer, with the timer heap) and counts toward the loop's
	// active-handle count.
	LifecycleActive
	// LifecycleClosing means Close has been called; backend interest has
	// been released and the handle is waiting for the next iteration's
	// close phase.
	LifecycleClosing
	// LifecycleClosed is terminal: the close callback has fired and the
	// handle must not be used again.
	LifecycleClosed
)

// Handle is every loop-managed object's shared envelope: a tag, a
// back-pointer to its owning Loop, the lifecycle state, an optional close
// callback, and a user-data slot. Stream, Datagram, and Timer embed a
// *Handle rather than duplicating this bookkeeping.
type Handle struct {
	id   uint64
	tag  Tag
	loop *Loop

	state atomic.Int32

	onClose  func()
	UserData any

	// eventMask records which backend events are currently of interest;
	// meaningful only for TagPoll-tagged handles.
	eventMask uint32
}

// newHandle creates a handle in LifecycleInit and registers it with loop's
// registry, but does not mark it active — callers do that once the handle
// actually registers with the backend or timer heap.
func newHandle(loop *Loop, tag Tag) *Handle {
	h := &Handle{tag: tag, loop: loop}
	h.state.Store(int32(LifecycleInit))
	h.id = loop.registry.register(h)
	return h
}

// ID returns the handle's stable registry id.
func (h *Handle) ID() uint64 { return h.id }

// Tag returns the handle's kind.
func (h *Handle) Tag() Tag { return h.tag }

// Loop returns the handle's owning Loop.
func (h *Handle) Loop() *Loop { return h.loop }

// State returns the handle's current lifecycle state.
func (h *Handle) State() LifecycleState {
	return LifecycleState(h.state.Load())
}

// checkUsable returns ErrHandleClosed if the handle is closing or closed.
func (h *Handle) checkUsable() error {
	switch h.State() {
	case LifecycleClosing, LifecycleClosed:
		return ErrHandleClosed
	default:
		return nil
	}
}

// CheckUsable is the exported form of checkUsable, for packages outside
// flowrt (stream, coroutine, protocol/*) that embed *Handle and need to
// reject operations on a closing/closed handle per §4.3.
func (h *Handle) CheckUsable() error { return h.checkUsable() }

// activate transitions init → active, incrementing the loop's active-handle
// count exactly once. A no-op if already active.
func (h *Handle) activate() {
	if h.state.CompareAndSwap(int32(LifecycleInit), int32(LifecycleActive)) {
		h.loop.activeCount.Add(1)
	}
}

// Activate is the exported form of activate.
func (h *Handle) Activate() { h.activate() }

// CloseHandle is the exported form of close, for packages outside flowrt
// that embed *Handle.
func (h *Handle) CloseHandle(unregister func(), onDone func()) bool {
	return h.close(unregister, onDone)
}

// close transitions active (or init) → closing, unregisters backend
// interest via unregister (may be nil, e.g. for timers which have their own
// removal path), and schedules onClose to run in a later iteration's close
// phase. Returns false if the handle was already closing or closed.
func (h *Handle) close(unregister func(), onDone func()) bool {
	for {
		cur := LifecycleState(h.state.Load())
		if cur == LifecycleClosing || cur == LifecycleClosed {
			return false
		}
		if h.state.CompareAndSwap(int32(cur), int32(LifecycleClosing)) {
			if cur == LifecycleActive {
				h.loop.activeCount.Add(-1)
			}
			break
		}
	}

	if unregister != nil {
		unregister()
	}

	h.loop.closingHandles = append(h.loop.closingHandles, h)
	combined := h.onClose
	h.onClose = func() {
		if combined != nil {
			combined()
		}
		if onDone != nil {
			onDone()
		}
	}
	return true
}

// finishClose runs in the close phase: marks the handle closed, fires the
// close callback exactly once, and removes it from the registry.
func (h *Handle) finishClose() {
	h.state.Store(int32(LifecycleClosed))
	if h.onClose != nil {
		cb := h.onClose
		h.onClose = nil
		safeExecute(h.loop, cb)
	}
	h.loop.registry.remove(h.id)
}
