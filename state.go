package flowrt

import "sync/atomic"

// LoopState represents the current state of a Loop.
//
//	Awake (0)       --Run()-->        Running (3)
//	Running (3)     --poll() CAS-->   Sleeping (2)
//	Sleeping (2)    --poll() wake-->  Running (3)
//	Awake/Running/Sleeping --Shutdown()--> Terminating (4)
//	Terminating (4) --drain done-->   Terminated (1)
//
// Running and Sleeping are transient states reached only via
// [FastState.TryTransition] (CAS); Terminated is irreversible and set via
// [FastState.Store].
type LoopState uint64

const (
	// StateAwake means the loop has been created but Run has not been
	// called yet; after a Run call returns the state stays Running.
	StateAwake LoopState = 0
	// StateTerminated means Shutdown has completed; the loop is inert.
	StateTerminated LoopState = 1
	// StateSleeping means the loop is blocked inside the backend's poll call.
	StateSleeping LoopState = 2
	// StateRunning means the loop is executing a phase of its iteration.
	StateRunning LoopState = 3
	// StateTerminating means Shutdown has been requested but the current
	// iteration has not yet finished unwinding.
	StateTerminating LoopState = 4
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// FastState is a lock-free state machine with cache-line padding to avoid
// false sharing with neighboring fields on a Loop.
type FastState struct { // betteralign:ignore
	_ [64]byte      //nolint:unused
	v atomic.Uint64
	_ [56]byte //nolint:unused
}

// NewFastState creates a new state machine in the Awake state.
func NewFastState() *FastState {
	s := &FastState{}
	s.v.Store(uint64(StateAwake))
	return s
}

// Load returns the current state atomically.
func (s *FastState) Load() LoopState {
	return LoopState(s.v.Load())
}

// Store atomically stores a new state. Only valid for the irreversible
// Terminated state; transient states must go through TryTransition.
func (s *FastState) Store(state LoopState) {
	s.v.Store(uint64(state))
}

// TryTransition attempts to atomically transition from one state to
// another. Returns true if the transition succeeded.
func (s *FastState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

// TransitionAny attempts to transition from any of validFrom to to.
func (s *FastState) TransitionAny(validFrom []LoopState, to LoopState) bool {
	for _, from := range validFrom {
		if s.v.CompareAndSwap(uint64(from), uint64(to)) {
			return true
		}
	}
	return false
}

// IsTerminal returns true if the loop has fully shut down.
func (s *FastState) IsTerminal() bool {
	return s.Load() == StateTerminated
}

// IsRunning returns true if the loop is currently running or sleeping.
func (s *FastState) IsRunning() bool {
	state := s.Load()
	return state == StateRunning || state == StateSleeping
}

// CanAcceptWork returns true if the loop can accept new queued work.
func (s *FastState) CanAcceptWork() bool {
	state := s.Load()
	return state == StateAwake || state == StateRunning || state == StateSleeping
}
