package stream

import "net"

// fdFromConn extracts the raw file descriptor from a *net.TCPConn so it can
// be registered directly with the loop's backend. The net.Conn keeps
// ownership of the fd (via its finalizer-protected *os.File); flowrt only
// ever reads/writes through conn, never closes the fd directly except via
// conn.Close.
func fdFromConn(conn *net.TCPConn) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	ctlErr := raw.Control(func(f uintptr) {
		fd = int(f)
	})
	if ctlErr != nil {
		return -1, ctlErr
	}
	return fd, nil
}

func fdFromListener(ln *net.TCPListener) (int, error) {
	raw, err := ln.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	ctlErr := raw.Control(func(f uintptr) {
		fd = int(f)
	})
	if ctlErr != nil {
		return -1, ctlErr
	}
	return fd, nil
}
