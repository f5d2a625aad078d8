// Package coroutine adapts callback-based async operations into a
// sequential-looking control flow, per §4.9: a coroutine suspends on
// Await and resumes when the awaited operation completes, without ever
// blocking the loop goroutine.
package coroutine

import (
	"sync"

	"github.com/flowrt/flowrt"
)

// ErrCancelled is returned by Await, without starting its operation, once
// Cancel has been called on the coroutine's Context.
var ErrCancelled = flowrt.NewError(flowrt.KindCancelled, "coroutine cancelled by shutdown", nil)

// EntryFunc is a coroutine's body. ctx is the coroutine's own context,
// used to Await suspending operations. userData is whatever was passed to
// Start.
type EntryFunc func(ctx *Context, userData any)

// Context is a coroutine's resume handle: its "stack" in the adapted
// sense is this struct plus whatever local state entry's goroutine holds
// on its own Go stack (never moved, since it is a real goroutine stack).
type Context struct {
	loop *flowrt.Loop

	mu        sync.Mutex
	cancelled bool

	resumeCh chan result
	stepCh   chan struct{}

	done chan struct{}
}

type result struct {
	value any
	err   error
}

// AwaitOp starts an async operation and must call resume exactly once,
// synchronously or later, with the operation's outcome.
type AwaitOp func(resume func(value any, err error))

// Start launches a new coroutine backed by a real goroutine (so its stack
// never moves) and schedules its first step via QueueWorkImmediate, per
// §4.9. The loop's external reference count is held for the coroutine's
// entire lifetime, released when entry returns.
func Start(loop *flowrt.Loop, entry EntryFunc, userData any) *Context {
	ctx := &Context{
		loop:     loop,
		resumeCh: make(chan result),
		stepCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}

	loop.Ref()

	go func() {
		defer loop.Unref()
		defer close(ctx.done)
		<-ctx.stepCh // wait for the first scheduled step
		entry(ctx, userData)
	}()

	_ = loop.QueueWorkImmediate(func() {
		ctx.stepCh <- struct{}{}
	})

	return ctx
}

// Await suspends the calling coroutine until op invokes resume. Across the
// suspension the loop's external reference count stays held (it was
// incremented once for the coroutine's whole life by Start, matching "the
// loop's external reference count is incremented by 1 so the loop will not
// exit while the coroutine is pending"). Returns ErrCancelled without
// calling op if the coroutine already observed a cancellation.
func (ctx *Context) Await(op AwaitOp) (any, error) {
	ctx.mu.Lock()
	if ctx.cancelled {
		ctx.mu.Unlock()
		return nil, ErrCancelled
	}
	ctx.mu.Unlock()

	op(func(value any, err error) {
		_ = ctx.loop.QueueWork(func() {
			ctx.resumeCh <- result{value: value, err: err}
		})
	})

	r := <-ctx.resumeCh
	return r.value, r.err
}

// Cancel marks the coroutine's context cancelled: the next Await call
// returns ErrCancelled immediately instead of starting op. An Await that is
// already suspended is not interrupted. Nothing in flowrt calls Cancel;
// Loop.Shutdown does not cancel pending coroutines.
func (ctx *Context) Cancel() {
	ctx.mu.Lock()
	ctx.cancelled = true
	ctx.mu.Unlock()
}

// Done returns a channel closed when entry has returned.
func (ctx *Context) Done() <-chan struct{} {
	return ctx.done
}
