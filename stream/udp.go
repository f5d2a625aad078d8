package stream

import (
	"net"
	"sync"

	"github.com/flowrt/flowrt"
	"github.com/flowrt/flowrt/backend"
)

// DatagramRecvFunc is invoked once per inbound packet.
type DatagramRecvFunc func(n int, buf []byte, source net.Addr, err error)

// Datagram is a UDP endpoint per §4.5: no ordering or delivery guarantees,
// sends complete when the kernel accepts the packet.
type Datagram struct {
	*flowrt.Handle

	loop *flowrt.Loop
	conn *net.UDPConn
	fd   int

	mu        sync.Mutex
	recvActive bool
	allocFn   AllocFunc
	recvFn    DatagramRecvFunc
}

// BindDatagram opens a UDP socket bound to addr.
func BindDatagram(loop *flowrt.Loop, addr string) (*Datagram, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, flowrt.NewError(flowrt.KindAddressInvalid, "resolve datagram address", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, flowrt.NewError(flowrt.KindAddressInUse, "bind datagram", err)
	}
	fd, err := fdFromUDPConn(conn)
	if err != nil {
		_ = conn.Close()
		return nil, flowrt.NewError(flowrt.KindIOError, "extract datagram fd", err)
	}

	d := &Datagram{loop: loop, conn: conn, fd: fd}
	d.Handle = loop.NewHandleFor(flowrt.TagDatagram)
	d.Handle.Activate()
	return d, nil
}

// RecvStart begins invoking allocFn/recvFn on each inbound packet.
func (d *Datagram) RecvStart(allocFn AllocFunc, recvFn DatagramRecvFunc) error {
	if err := d.Handle.CheckUsable(); err != nil {
		return err
	}
	d.mu.Lock()
	d.allocFn = allocFn
	d.recvFn = recvFn
	d.recvActive = true
	d.mu.Unlock()

	return d.loop.Backend().Register(d.fd, backend.Readable, func(int, backend.Events) {
		d.doRecv()
	})
}

// RecvStop suspends recv callbacks without closing the endpoint.
func (d *Datagram) RecvStop() error {
	d.mu.Lock()
	d.recvActive = false
	d.mu.Unlock()
	return nil
}

func (d *Datagram) doRecv() {
	for {
		d.mu.Lock()
		active := d.recvActive
		allocFn := d.allocFn
		recvFn := d.recvFn
		d.mu.Unlock()
		if !active || allocFn == nil {
			return
		}

		buf := allocFn(64 * 1024)
		n, src, err := d.conn.ReadFromUDP(buf)
		if recvFn == nil {
			return
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return
			}
			recvFn(-1, nil, nil, err)
			return
		}
		recvFn(n, buf[:n], src, nil)
	}
}

// Send writes buf to addr; onDone fires once the kernel accepts the
// packet.
func (d *Datagram) Send(buf []byte, addr net.Addr, onDone func(error)) error {
	if err := d.Handle.CheckUsable(); err != nil {
		return err
	}
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		resolved, err := net.ResolveUDPAddr("udp", addr.String())
		if err != nil {
			return flowrt.NewError(flowrt.KindAddressInvalid, "resolve send address", err)
		}
		udpAddr = resolved
	}
	_, err := d.conn.WriteToUDP(buf, udpAddr)
	if onDone != nil {
		onDone(err)
	}
	return nil
}

// Close closes the datagram endpoint.
func (d *Datagram) Close(onDone func(error)) {
	d.Handle.CloseHandle(func() {
		_ = d.loop.Backend().Unregister(d.fd)
	}, func() {
		_ = d.conn.Close()
		if onDone != nil {
			onDone(nil)
		}
	})
}

func fdFromUDPConn(conn *net.UDPConn) (int, error) {
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
