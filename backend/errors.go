package backend

import "errors"

// Errors common to every concrete Backend implementation.
var (
	ErrFDOutOfRange        = errors.New("backend: fd out of range")
	ErrFDAlreadyRegistered = errors.New("backend: fd already registered")
	ErrFDNotRegistered     = errors.New("backend: fd not registered")
	ErrBackendClosed       = errors.New("backend: closed")
)
