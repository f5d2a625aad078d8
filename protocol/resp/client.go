package resp

import (
	"fmt"
	"strings"
	"sync"

	"github.com/flowrt/flowrt"
	"github.com/flowrt/flowrt/stream"
)

// ResponseFunc receives one command's response value, or err if the
// connection failed before a response arrived.
type ResponseFunc func(v Value, err error)

type inflightRequest struct {
	onResponse ResponseFunc
}

// Client holds an ordered queue of in-flight requests over one
// connection; pipelining is explicit: multiple Command calls before any
// response arrives are allowed and queue in submission order.
type Client struct {
	loop   *flowrt.Loop
	conn   *stream.Stream
	parser *Parser

	mu       sync.Mutex
	inflight []inflightRequest
}

// Dial connects to addr and returns a Client once the TCP connect
// completes. onReady fires with the Client or an error.
func Dial(loop *flowrt.Loop, addr string, onReady func(*Client, error)) {
	c := &Client{loop: loop, parser: NewParser()}
	conn, err := stream.Connect(loop, addr, func(connErr error) {
		if connErr != nil {
			onReady(nil, connErr)
			return
		}
		// c.conn was assigned synchronously below, before this callback
		// (always delivered via QueueWork) can possibly run.
		_ = c.conn.ReadStart(func(n int) []byte { return make([]byte, n) }, c.onRead)
		onReady(c, nil)
	})
	if err != nil {
		onReady(nil, err)
		return
	}
	c.conn = conn
}

func (c *Client) onRead(n int, buf []byte, err error) {
	if n <= 0 {
		c.failAll(flowrt.NewError(flowrt.KindConnectionClosed, "resp connection closed", err))
		return
	}
	c.parser.Feed(buf[:n])
	for {
		v, ok, perr := c.parser.Next()
		if perr != nil {
			c.failAll(flowrt.NewError(flowrt.KindProtocolError, "resp parse error", perr))
			return
		}
		if !ok {
			return
		}
		c.dequeueAndDeliver(v, nil)
	}
}

func (c *Client) dequeueAndDeliver(v Value, err error) {
	c.mu.Lock()
	if len(c.inflight) == 0 {
		c.mu.Unlock()
		return
	}
	req := c.inflight[0]
	c.inflight = c.inflight[1:]
	c.mu.Unlock()

	if req.onResponse != nil {
		req.onResponse(v, err)
	}
}

func (c *Client) failAll(err error) {
	c.mu.Lock()
	pending := c.inflight
	c.inflight = nil
	c.mu.Unlock()
	for _, req := range pending {
		if req.onResponse != nil {
			req.onResponse(Value{}, err)
		}
	}
}

// Command sends args as a RESP array-of-bulk-strings request and queues
// onResponse to fire when the matching reply arrives, in submission
// order.
func (c *Client) Command(onResponse ResponseFunc, args ...string) {
	c.mu.Lock()
	c.inflight = append(c.inflight, inflightRequest{onResponse: onResponse})
	c.mu.Unlock()

	_, _ = c.conn.Write(encodeCommand(args), nil)
}

func encodeCommand(args []string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "*%d\r\n", len(args))
	for _, a := range args {
		fmt.Fprintf(&b, "$%d\r\n%s\r\n", len(a), a)
	}
	return []byte(b.String())
}

// Close closes the underlying connection, failing any in-flight requests
// with a cancellation error.
func (c *Client) Close() {
	c.failAll(flowrt.NewError(flowrt.KindCancelled, "resp client closed", nil))
	c.conn.Close(nil)
}
