//go:build windows

package flowrt

import (
	"golang.org/x/sys/windows"

	"github.com/flowrt/flowrt/backend"
)

// EFD_CLOEXEC and EFD_NONBLOCK are the Unix eventfd flag names. They are
// unused on Windows but must exist so createWakeFd's call site in loop.go
// compiles on every platform.
const (
	EFD_CLOEXEC  = 0
	EFD_NONBLOCK = 0
)

// createWakeFd returns -1, -1 on Windows: wake-ups are delivered by posting
// a NULL completion to the backend's IOCP handle
// (windows.PostQueuedCompletionStatus), not through a pipe or eventfd. The
// loop treats a negative wakeFd as "use submitGenericWakeup instead".
func createWakeFd(initval uint, flags int) (int, int, error) {
	return -1, -1, nil
}

// closeWakeFd is a no-op on Windows; there is no wake fd to close.
func closeWakeFd(wakeFd, wakeWriteFd int) error {
	return nil
}

// isWakeFdSupported returns false on Windows.
func isWakeFdSupported() bool {
	return false
}

// drainWakeUpPipe is a no-op on Windows; PostQueuedCompletionStatus doesn't
// buffer data that needs draining.
func drainWakeUpPipe() error {
	return nil
}

// submitGenericWakeup posts a completion keyed backend.WakeCompletionKey to
// the IOCP handle so that GetQueuedCompletionStatus returns immediately;
// the backend's Poll recognizes that key as a wake-up rather than an I/O
// event.
func submitGenericWakeup(iocpHandle uintptr) error {
	return windows.PostQueuedCompletionStatus(
		windows.Handle(iocpHandle),
		0,
		backend.WakeCompletionKey,
		nil,
	)
}
