package resp

import (
	"fmt"
	"sync"

	"github.com/flowrt/flowrt"
)

// AcquireFunc receives the acquired Client, or an error if connecting
// failed and the pool is already at max.
type AcquireFunc func(*Client, error)

// Pool manages a bounded set of Client connections to one host:port,
// per §4.8: acquire delivers a free connection synchronously (via the
// next work drain) if one exists, else dials a new one up to max, else
// queues the waiter until one is released.
type Pool struct {
	loop *flowrt.Loop
	host string
	port int
	max  int

	mu      sync.Mutex
	free    []*Client
	current int
	waiters []AcquireFunc
}

// NewPool creates a Pool that lazily dials up to max connections to
// host:port, pre-warming initialSize of them immediately.
func NewPool(loop *flowrt.Loop, host string, port, initialSize, max int) *Pool {
	p := &Pool{loop: loop, host: host, port: port, max: max}
	for i := 0; i < initialSize; i++ {
		p.dial(func(c *Client, err error) {
			if err == nil {
				p.Release(c)
			}
		})
	}
	return p
}

func (p *Pool) addr() string {
	return fmt.Sprintf("%s:%d", p.host, p.port)
}

func (p *Pool) dial(onReady AcquireFunc) {
	p.mu.Lock()
	p.current++
	p.mu.Unlock()

	Dial(p.loop, p.addr(), func(c *Client, err error) {
		if err != nil {
			p.mu.Lock()
			p.current--
			p.mu.Unlock()
		}
		onReady(c, err)
	})
}

// Acquire delivers a connection to cb: a free one if available, a freshly
// dialed one if under max, or queues cb until Release hands one off
// directly.
func (p *Pool) Acquire(cb AcquireFunc) {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		c := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		_ = p.loop.QueueWork(func() { cb(c, nil) })
		return
	}
	if p.current < p.max {
		p.mu.Unlock()
		p.dial(cb)
		return
	}
	p.waiters = append(p.waiters, cb)
	p.mu.Unlock()
}

// Release returns c to the free list, or hands it directly to the oldest
// waiter if one is queued. A connection that failed should not be passed
// here; instead call ReplaceFailed.
func (p *Pool) Release(c *Client) {
	p.mu.Lock()
	if len(p.waiters) > 0 {
		cb := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		cb(c, nil)
		return
	}
	p.free = append(p.free, c)
	p.mu.Unlock()
}

// ReplaceFailed reports that c failed and will not be returned to the
// pool; the pool's connection count is decremented so a future Acquire
// may dial a replacement up to max.
func (p *Pool) ReplaceFailed(c *Client) {
	c.Close()
	p.mu.Lock()
	p.current--
	p.mu.Unlock()
}
