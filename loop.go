package flowrt

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowrt/flowrt/arena"
	"github.com/flowrt/flowrt/backend"
	"github.com/flowrt/flowrt/pool"
	"github.com/rs/zerolog"
)

// RunMode selects how Run drives the loop for one call.
type RunMode int

const (
	// RunDefault runs iterations until there are no active handles, no
	// pending work, and no external references.
	RunDefault RunMode = iota
	// RunOnce performs exactly one full iteration then returns.
	RunOnce
	// RunNoWait polls the backend without blocking and returns
	// immediately after one iteration.
	RunNoWait
)

// Loop is the scheduler that drives I/O readiness, timers, cross-thread
// wake-ups, pending work, and orderly handle close for one OS thread. See
// the package doc for the full architecture.
type Loop struct {
	state *FastState

	now time.Time

	timers   timerHeap
	timerSeq uint64

	crossThreadQueue *RingQueue
	immediateQueue   *RingQueue

	registry *registry

	closingHandles   []*Handle
	deferredFinalize []*Handle

	activeCount      atomic.Int32
	externalRefCount atomic.Int32
	stopRequested    atomic.Bool

	backend backend.Backend
	arena   arena.Arena
	pool    *pool.Pool
	logger  zerolog.Logger

	wakeFd      int
	wakeWriteFd int

	maxEvents int

	runMu sync.Mutex

	scavengeCounter int
}

// New creates a Loop with the given options. Unspecified fields use
// defaults: auto-selected backend, a slab arena, a 4-worker thread pool,
// and a disabled logger.
func New(opts ...Option) (*Loop, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	be, err := backend.New(cfg.backendPreference)
	if errors.Is(err, backend.ErrUnsupportedBackend) {
		be, err = backend.New(backend.TypeAuto)
	}
	if err != nil {
		return nil, NewError(KindResourceExhausted, "create backend", err)
	}

	wakeFd, wakeWriteFd, err := createWakeFd(0, EFD_CLOEXEC|EFD_NONBLOCK)
	if err != nil {
		_ = be.Close()
		return nil, NewError(KindResourceExhausted, "create wake fd", err)
	}

	l := &Loop{
		state:            NewFastState(),
		now:              time.Now(),
		crossThreadQueue: NewRingQueue(),
		immediateQueue:   NewRingQueue(),
		registry:         newRegistry(),
		backend:          be,
		arena:            cfg.arena,
		logger:           cfg.logger,
		wakeFd:           wakeFd,
		wakeWriteFd:      wakeWriteFd,
		maxEvents:        cfg.maxEvents,
	}

	if cfg.threadPoolSize > 0 {
		l.pool = pool.New(cfg.threadPoolSize)
	}

	if wakeFd >= 0 {
		newHandle(l, TagAsyncWake)
		if err := l.backend.Register(wakeFd, backend.Readable, func(int, backend.Events) {
			_ = drainWakeFd(wakeFd)
		}); err != nil {
			_ = be.Close()
			return nil, NewError(KindResourceExhausted, "register wake fd", err)
		}
	}

	return l, nil
}

// Now returns the monotonic timestamp captured at the start of the current
// iteration (or at Loop creation, before the first iteration runs).
func (l *Loop) Now() time.Time {
	return l.now
}

// Arena returns the arena this Loop was configured with.
func (l *Loop) Arena() arena.Arena {
	return l.arena
}

// Backend returns the loop's I/O backend, for packages outside flowrt
// (stream, protocol/*) that register their own file descriptors directly.
func (l *Loop) Backend() backend.Backend {
	return l.backend
}

// NewHandleFor creates a new Handle of the given tag owned by this loop, in
// LifecycleInit. Used by packages outside flowrt (stream, coroutine,
// protocol/*) that embed *Handle in their own connection/endpoint types.
func (l *Loop) NewHandleFor(tag Tag) *Handle {
	return newHandle(l, tag)
}

// Pool returns the loop's thread pool, or nil if WithThreadPoolSize(0) was
// used.
func (l *Loop) Pool() *pool.Pool {
	return l.pool
}

// Logger returns the loop's structured logger.
func (l *Loop) Logger() *zerolog.Logger {
	return &l.logger
}

// Ref increments the external reference count, which (like a pending
// coroutine await) keeps RunDefault from exiting even with no active
// handles. Thread-safe.
func (l *Loop) Ref() {
	l.externalRefCount.Add(1)
}

// Unref decrements the external reference count and wakes the loop so a
// blocked RunDefault can observe that it may exit. Thread-safe.
func (l *Loop) Unref() {
	l.externalRefCount.Add(-1)
	l.wake()
}

// QueueWork schedules cb to run during the cross-thread work phase of the
// next iteration. Thread-safe; this, QueueWorkImmediate, Stop, Ref, and
// Unref are the only operations safe to call off the loop goroutine.
func (l *Loop) QueueWork(cb func()) error {
	if !l.state.CanAcceptWork() {
		return ErrLoopTerminated
	}
	l.crossThreadQueue.Push(cb)
	l.wake()
	return nil
}

// QueueWorkImmediate schedules cb to run before the next I/O poll of the
// current iteration (or the next iteration, if called from outside the
// loop goroutine). Thread-safe.
func (l *Loop) QueueWorkImmediate(cb func()) error {
	if !l.state.CanAcceptWork() {
		return ErrLoopTerminated
	}
	l.immediateQueue.Push(cb)
	l.wake()
	return nil
}

// Stop sets the stop flag; the current iteration finishes and Run returns.
// Thread-safe.
func (l *Loop) Stop() {
	l.stopRequested.Store(true)
	l.wake()
}

// wake signals the backend's blocking poll call to return promptly. Safe
// from any goroutine.
func (l *Loop) wake() {
	if l.wakeWriteFd >= 0 {
		_, _ = writeFD(l.wakeWriteFd, []byte{1})
		return
	}
	if h, ok := l.backend.(interface{ WakeHandle() uintptr }); ok {
		_ = submitGenericWakeup(h.WakeHandle())
	}
}

func drainWakeFd(fd int) error {
	var buf [64]byte
	for {
		n, err := readFD(fd, buf[:])
		if err != nil || n <= 0 {
			return nil
		}
	}
}

// Run drives the loop according to mode. It is an error to call Run
// concurrently from two goroutines, or while another Run call on this loop
// is already in progress.
func (l *Loop) Run(mode RunMode) error {
	if !l.runMu.TryLock() {
		return ErrLoopAlreadyRunning
	}
	defer l.runMu.Unlock()

	if l.state.IsTerminal() {
		return ErrLoopTerminated
	}

	switch mode {
	case RunOnce, RunNoWait:
		l.tick(mode)
		return nil
	default:
		for {
			l.tick(RunDefault)
			if l.stopRequested.Load() {
				return nil
			}
			if l.activeCount.Load() == 0 && l.externalRefCount.Load() == 0 &&
				l.crossThreadQueue.IsEmpty() && l.immediateQueue.IsEmpty() &&
				len(l.timers) == 0 && len(l.closingHandles) == 0 && len(l.deferredFinalize) == 0 {
				return nil
			}
		}
	}
}

// tick runs exactly one iteration: update time, expire timers, poll I/O,
// drain work queues, run the close phase. See §4.1.
func (l *Loop) tick(mode RunMode) {
	l.state.TryTransition(StateAwake, StateRunning)
	l.state.TransitionAny([]LoopState{StateSleeping}, StateRunning)

	l.now = time.Now()

	l.expireTimers()

	timeoutMs := l.computeTimeout(mode)

	l.state.TryTransition(StateRunning, StateSleeping)
	n, err := l.backend.Poll(timeoutMs)
	l.state.TryTransition(StateSleeping, StateRunning)
	if err != nil {
		l.logger.Error().Err(err).Msg("backend poll failed")
	}
	_ = n

	l.drainQueue(l.crossThreadQueue)
	l.drainQueue(l.immediateQueue)

	l.closePhase()

	l.scavengeCounter++
	if l.scavengeCounter%64 == 0 {
		l.registry.scavenge(256)
	}
}

// computeTimeout implements §4.1 step 3: min(next-timer-deadline-now, 0 if
// immediate work queued, infinite otherwise); 0 if stopping or nowait, and
// 0 when no active handle or external reference could produce an event.
func (l *Loop) computeTimeout(mode RunMode) int {
	if mode == RunNoWait || l.stopRequested.Load() {
		return 0
	}
	if l.activeCount.Load() == 0 && l.externalRefCount.Load() == 0 {
		return 0
	}
	if !l.immediateQueue.IsEmpty() || !l.crossThreadQueue.IsEmpty() {
		return 0
	}
	if deadline, ok := l.nextTimerDeadline(); ok {
		d := deadline.Sub(l.now)
		if d <= 0 {
			return 0
		}
		ms := int(d / time.Millisecond)
		if ms == 0 {
			ms = 1
		}
		return ms
	}
	return -1 // block indefinitely
}

// drainQueue pops and runs every task that was in q at the start of the
// call. Tasks pushed by a running task (re-entrant QueueWork from within a
// callback) are not drained in this same pass, matching "an I/O readiness
// event observed in iteration k is dispatched in iteration k, before any
// iteration-k+1 work."
func (l *Loop) drainQueue(q *RingQueue) {
	n := q.Length()
	for i := 0; i < n; i++ {
		task := q.Pop()
		if task == nil {
			break
		}
		safeExecute(l, task)
	}
}

// closePhase implements §4.1 step 6: finalize handles queued by the
// previous iteration's close phase (their close callbacks run now, one
// full iteration after close() was called), then move this iteration's
// newly-closing handles into the deferred list for next time.
func (l *Loop) closePhase() {
	for _, h := range l.deferredFinalize {
		h.finishClose()
	}
	l.deferredFinalize = l.closingHandles
	l.closingHandles = nil
}

// safeExecute runs cb on the loop goroutine. Per §4.1's failure model, a
// panicking callback is fatal to the loop: this never recovers.
func safeExecute(l *Loop, cb func()) {
	cb()
}

// Shutdown forcibly tears the loop down: every active handle is closed and
// its close callback run (no error is delivered to operations still
// pending on it), the thread pool (if any) is stopped, and the
// backend and wake fd are released. After Shutdown returns, every
// operation other than a second Shutdown call returns ErrLoopTerminated.
func (l *Loop) Shutdown() error {
	if !l.state.TransitionAny([]LoopState{StateAwake, StateRunning, StateSleeping}, StateTerminating) {
		return nil
	}

	var errs []error

	l.registry.forEach(func(h *Handle) {
		if h.State() == LifecycleActive {
			h.close(nil, nil)
		}
	})
	l.closePhase()
	l.closePhase() // also finalize what the line above just deferred

	if l.pool != nil {
		l.pool.Close()
	}

	if err := l.backend.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := closeWakeFd(l.wakeFd, l.wakeWriteFd); err != nil {
		errs = append(errs, err)
	}

	l.state.Store(StateTerminated)

	if len(errs) > 0 {
		return &AggregateError{Errors: errs}
	}
	return nil
}
