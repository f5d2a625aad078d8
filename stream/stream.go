// Package stream implements the TCP and TLS byte-stream contract: bind,
// listen, connect, buffered reads with backpressure-aware writes, shutdown,
// and close, all driven by a flowrt.Loop.
package stream

import (
	"net"
	"sync"
	"time"

	"github.com/flowrt/flowrt"
	"github.com/flowrt/flowrt/backend"
)

// DefaultHighWaterMark is the write-queue byte threshold above which
// Stream reports backpressure via the writable-pending return from Write.
const DefaultHighWaterMark = 1 << 20 // 1 MiB

// AllocFunc returns a buffer for the runtime to read into; cap(b) bounds
// how many bytes a single read_start callback can receive.
type AllocFunc func(suggestedSize int) []byte

// ReadFunc is invoked once per readable event. n < 0 is an error (err is
// set), n == 0 means the peer closed its write side, n > 0 is data in
// buf[:n].
type ReadFunc func(n int, buf []byte, err error)

// ConnectFunc fires exactly once for Connect, success or failure.
type ConnectFunc func(err error)

// AcceptFunc fires once per inbound connection accepted by a listener.
type AcceptFunc func(conn *Stream)

// config holds options collected via functional Option values, mirroring
// the root package's options pattern.
type config struct {
	highWaterMark int
}

// Option configures a Stream or Listener at construction time.
type Option interface{ apply(*config) }

type optionFunc func(*config)

func (f optionFunc) apply(c *config) { f(c) }

// WithHighWaterMark overrides DefaultHighWaterMark for one stream.
func WithHighWaterMark(n int) Option {
	return optionFunc(func(c *config) { c.highWaterMark = n })
}

func resolveConfig(opts []Option) *config {
	c := &config{highWaterMark: DefaultHighWaterMark}
	for _, o := range opts {
		o.apply(c)
	}
	return c
}

// Stream is a bidirectional byte stream (a connected TCP socket, or a TLS
// stream layered over one) bound to a flowrt.Loop.
type Stream struct {
	*flowrt.Handle

	loop *flowrt.Loop
	fd   int
	conn net.Conn // carries the stream's reads, writes, half-close and close

	mu         sync.Mutex
	readActive bool
	allocFn    AllocFunc
	readFn     ReadFunc

	writeQueue    []pendingWrite
	highWaterMark int
	backpressure  bool

	shutdownDone func(error)
	closeDone    func(error)
}

type pendingWrite struct {
	buf    []byte
	offset int
	onDone func(error)
}

// Listener accepts inbound Stream connections.
type Listener struct {
	*flowrt.Handle

	loop *flowrt.Loop
	ln   *net.TCPListener
	fd   int
	onAccept AcceptFunc
}

// Bind creates a TCP listener bound to addr without yet accepting
// connections; call Listen to start accepting.
func Bind(loop *flowrt.Loop, addr string) (*Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, flowrt.NewError(flowrt.KindInvalidArgument, "resolve bind address", err)
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, flowrt.NewError(flowrt.KindAddressInUse, "bind", err)
	}
	fd, err := fdFromListener(ln)
	if err != nil {
		_ = ln.Close()
		return nil, flowrt.NewError(flowrt.KindIOError, "extract listener fd", err)
	}
	return &Listener{loop: loop, ln: ln, fd: fd}, nil
}

// Listen transitions the listener to active and begins invoking onConn
// once per inbound connection.
func (l *Listener) Listen(backlogHint int, onConn AcceptFunc) error {
	l.Handle = l.loop.NewHandleFor(flowrt.TagStream)
	l.onAccept = onConn
	l.Handle.Activate()

	return l.loop.Backend().Register(l.fd, backend.Readable, func(int, backend.Events) {
		l.acceptLoop()
	})
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.AcceptTCP()
		if err != nil {
			return
		}
		fd, err := fdFromConn(conn)
		if err != nil {
			_ = conn.Close()
			continue
		}
		s := &Stream{loop: l.loop, conn: conn, fd: fd, highWaterMark: DefaultHighWaterMark}
		s.Handle = l.loop.NewHandleFor(flowrt.TagStream)
		s.Handle.Activate()
		if l.onAccept != nil {
			l.onAccept(s)
		}
	}
}

// Close closes the listener; onDone (if non-nil) fires one iteration later
// per the handle close-phase contract.
func (l *Listener) Close(onDone func(error)) {
	l.Handle.CloseHandle(func() {
		_ = l.loop.Backend().Unregister(l.fd)
	}, func() {
		_ = l.ln.Close()
		if onDone != nil {
			onDone(nil)
		}
	})
}

// Connect dials addr asynchronously; onConnect fires exactly once.
func Connect(loop *flowrt.Loop, addr string, onConnect ConnectFunc, opts ...Option) (*Stream, error) {
	cfg := resolveConfig(opts)

	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, flowrt.NewError(flowrt.KindInvalidArgument, "resolve connect address", err)
	}

	s := &Stream{loop: loop, highWaterMark: cfg.highWaterMark}
	s.Handle = loop.NewHandleFor(flowrt.TagStream)
	s.Handle.Activate()

	go func() {
		conn, dialErr := net.DialTCP("tcp", nil, tcpAddr)
		_ = loop.QueueWork(func() {
			if dialErr != nil {
				if onConnect != nil {
					onConnect(flowrt.NewError(flowrt.KindConnectionRefused, "connect", dialErr))
				}
				return
			}
			fd, fdErr := fdFromConn(conn)
			if fdErr != nil {
				_ = conn.Close()
				if onConnect != nil {
					onConnect(flowrt.NewError(flowrt.KindIOError, "extract conn fd", fdErr))
				}
				return
			}
			s.conn = conn
			s.fd = fd
			if onConnect != nil {
				onConnect(nil)
			}
		})
	}()

	return s, nil
}

// ReadStart begins invoking allocFn/readFn on each readable event.
func (s *Stream) ReadStart(allocFn AllocFunc, readFn ReadFunc) error {
	if err := s.checkUsable(); err != nil {
		return err
	}
	s.mu.Lock()
	s.allocFn = allocFn
	s.readFn = readFn
	s.readActive = true
	s.mu.Unlock()

	return s.loop.Backend().Register(s.fd, backend.Readable|backend.Writable, s.onReady)
}

// ReadStop suspends read callbacks without closing the stream.
func (s *Stream) ReadStop() error {
	s.mu.Lock()
	s.readActive = false
	s.mu.Unlock()
	return nil
}

func (s *Stream) checkUsable() error {
	if s.Handle == nil {
		return nil
	}
	return s.Handle.CheckUsable()
}

func (s *Stream) onReady(fd int, events backend.Events) {
	if events&backend.Readable != 0 {
		s.doRead()
	}
	if events&backend.Writable != 0 {
		s.flushWrites()
	}
}

func (s *Stream) doRead() {
	s.mu.Lock()
	active := s.readActive
	allocFn := s.allocFn
	readFn := s.readFn
	s.mu.Unlock()
	if !active || allocFn == nil {
		return
	}

	buf := allocFn(64 * 1024)
	n, err := s.conn.Read(buf)
	if readFn == nil {
		return
	}
	switch {
	case err != nil:
		readFn(-1, nil, err)
	case n == 0:
		readFn(0, nil, nil)
	default:
		readFn(n, buf[:n], nil)
	}
}

// Write queues buf for ordered delivery. onDone fires once the kernel has
// accepted every byte, or with an error if the queue is aborted. The
// returned bool is true when the queue is at or above the high-water mark
// (backpressure); writes are still accepted in that state.
func (s *Stream) Write(buf []byte, onDone func(error)) (backpressure bool, err error) {
	if err := s.checkUsable(); err != nil {
		return false, err
	}

	cp := make([]byte, len(buf))
	copy(cp, buf)

	s.mu.Lock()
	s.writeQueue = append(s.writeQueue, pendingWrite{buf: cp, onDone: onDone})
	queued := s.queuedBytesLocked()
	s.backpressure = queued >= s.highWaterMark
	bp := s.backpressure
	s.mu.Unlock()

	s.flushWrites()
	return bp, nil
}

func (s *Stream) queuedBytesLocked() int {
	total := 0
	for _, w := range s.writeQueue {
		total += len(w.buf) - w.offset
	}
	return total
}

// flushWrites implements the write-queue algorithm: drain the queue in
// FIFO order, advancing each slice's offset by what the kernel accepts,
// stopping at the first partial send.
func (s *Stream) flushWrites() {
	for {
		s.mu.Lock()
		if len(s.writeQueue) == 0 {
			s.mu.Unlock()
			return
		}
		head := &s.writeQueue[0]
		s.mu.Unlock()

		n, err := s.conn.Write(head.buf[head.offset:])
		if err != nil {
			s.abortQueue(err)
			return
		}

		s.mu.Lock()
		head.offset += n
		done := head.offset >= len(head.buf)
		var onDone func(error)
		if done {
			onDone = head.onDone
			s.writeQueue = s.writeQueue[1:]
		}
		s.backpressure = s.queuedBytesLocked() >= s.highWaterMark
		s.mu.Unlock()

		if onDone != nil {
			onDone(nil)
		}
		if !done {
			return // partial send; wait for next writable readiness
		}
	}
}

func (s *Stream) abortQueue(err error) {
	s.mu.Lock()
	queue := s.writeQueue
	s.writeQueue = nil
	s.mu.Unlock()
	for _, w := range queue {
		if w.onDone != nil {
			w.onDone(err)
		}
	}
}

// Shutdown half-closes the write side once every queued write completes.
func (s *Stream) Shutdown(onDone func(error)) error {
	if err := s.checkUsable(); err != nil {
		return err
	}
	s.shutdownDone = onDone
	// queued writes drain via flushWrites; once empty, shutdown the socket.
	_ = s.loop.QueueWorkImmediate(func() {
		s.mu.Lock()
		empty := len(s.writeQueue) == 0
		s.mu.Unlock()
		if !empty {
			_ = s.Shutdown(onDone)
			return
		}
		err := s.conn.(interface{ CloseWrite() error }).CloseWrite()
		if onDone != nil {
			onDone(err)
		}
	})
	return nil
}

// Close closes the stream. Any pending write on_done callbacks fire with a
// cancellation error per §4.3; onDone (if non-nil) fires one iteration
// later, after the loop's close phase finalizes this handle.
func (s *Stream) Close(onDone func(error)) {
	s.abortQueue(flowrt.NewError(flowrt.KindCancelled, "stream closed", nil))
	s.Handle.CloseHandle(func() {
		_ = s.loop.Backend().Unregister(s.fd)
	}, func() {
		_ = s.conn.Close()
		if onDone != nil {
			onDone(nil)
		}
	})
}

// RemoteAddr returns the peer address, or nil before Connect/accept
// completes.
func (s *Stream) RemoteAddr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.RemoteAddr()
}

// SetDeadline is exposed for callers layering their own timeout logic atop
// the stream (e.g. HTTP keep-alive); the framer packages do not call it
// directly, preferring flowrt timers.
func (s *Stream) SetDeadline(t time.Time) error {
	if s.conn == nil {
		return flowrt.ErrHandleClosed
	}
	return s.conn.SetDeadline(t)
}
