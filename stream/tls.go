package stream

import (
	"crypto/tls"

	"github.com/flowrt/flowrt"
)

// TLSStream wraps a plain Stream with a record-layer handshake, per §4.4:
// it implements the identical read_start/write/shutdown/close contract.
// Application reads/writes are redirected through the negotiated
// *tls.Conn once the handshake completes.
type TLSStream struct {
	*Stream

	tlsConn *tls.Conn
}

// ConnectTLS dials addr, then performs a TLS client handshake, surfacing
// handshake completion as the connect callback per §4.4.
func ConnectTLS(loop *flowrt.Loop, addr string, cfg *tls.Config, onConnect ConnectFunc, opts ...Option) (*TLSStream, error) {
	ts := &TLSStream{}

	inner, err := Connect(loop, addr, func(dialErr error) {
		if dialErr != nil {
			if onConnect != nil {
				onConnect(dialErr)
			}
			return
		}

		tlsConn := tls.Client(ts.Stream.conn, cfg)
		ts.tlsConn = tlsConn
		ts.Stream.conn = tlsConn

		go func() {
			hsErr := tlsConn.Handshake()
			_ = loop.QueueWork(func() {
				if onConnect != nil {
					onConnect(hsErr)
				}
			})
		}()
	}, opts...)
	if err != nil {
		return nil, err
	}

	ts.Stream = inner
	return ts, nil
}

// AcceptTLS wraps a server-accepted plain Stream with a TLS server
// handshake. onHandshake fires once the handshake completes (or fails);
// the stream must not be used for application data before then.
func AcceptTLS(conn *Stream, cfg *tls.Config, onHandshake func(*TLSStream, error)) {
	tlsConn := tls.Server(conn.conn, cfg)
	ts := &TLSStream{Stream: conn, tlsConn: tlsConn}

	go func() {
		err := tlsConn.Handshake()
		_ = conn.loop.QueueWork(func() {
			if err == nil {
				ts.Stream.conn = tlsConn
			}
			onHandshake(ts, err)
		})
	}()
}

// Handshake explicitly (re)drives the TLS handshake for a server-accepted
// stream that was not handed to AcceptTLS at accept time, per §4.4's
// alternative "explicit handshake(on_done) call" path.
func (t *TLSStream) Handshake(onDone func(error)) {
	go func() {
		err := t.tlsConn.Handshake()
		_ = t.Stream.loop.QueueWork(func() {
			if onDone != nil {
				onDone(err)
			}
		})
	}()
}
