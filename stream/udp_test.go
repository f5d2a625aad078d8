package stream

import (
	"net"
	"testing"
	"time"

	"github.com/flowrt/flowrt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatagramSendRecvRoundTrip(t *testing.T) {
	loop, err := flowrt.New()
	require.NoError(t, err)
	stop := runLoop(t, loop)
	defer stop()

	a, err := BindDatagram(loop, "127.0.0.1:0")
	require.NoError(t, err)
	b, err := BindDatagram(loop, "127.0.0.1:0")
	require.NoError(t, err)

	recvCh := make(chan string, 1)
	require.NoError(t, b.RecvStart(
		func(n int) []byte { return make([]byte, n) },
		func(n int, buf []byte, src net.Addr, err error) {
			if n > 0 {
				recvCh <- string(buf[:n])
			}
		},
	))

	require.NoError(t, a.Send([]byte("datagram payload"), b.conn.LocalAddr(), nil))

	select {
	case got := <-recvCh:
		assert.Equal(t, "datagram payload", got)
	case <-time.After(2 * time.Second):
		t.Fatal("recv did not fire")
	}

	a.Close(nil)
	b.Close(nil)
}

func TestDatagramRecvStopSuspendsDelivery(t *testing.T) {
	d := &Datagram{}
	require.NoError(t, d.RecvStop())
	assert.False(t, d.recvActive)
}
