// Package flowrt provides a cross-platform, single-process asynchronous I/O
// runtime. It multiplexes network, timer, file, and inter-thread work onto
// one event [Loop] per OS thread, and is the foundation for the protocol
// packages (flowrt/protocol/http, flowrt/protocol/ws, flowrt/protocol/resp,
// flowrt/protocol/mqtt) and the coroutine facility (flowrt/coroutine).
//
// # Architecture
//
// A [Loop] owns a timer heap, two work queues (a cross-thread queue fed by
// [Loop.QueueWork] and an immediate queue fed by [Loop.QueueWorkImmediate]),
// a registry of [Handle] values, and a pluggable flowrt/backend.Backend. Each
// iteration follows the same five phases: update time, expire timers, poll
// the backend, drain the work queues, then run the close phase for handles
// that transitioned to closing.
//
// # Platform support
//
// I/O readiness is delivered through platform-native backends selected at
// Loop creation: epoll (Linux), kqueue (Darwin/BSD), IOCP (Windows), io_uring
// (Linux, opt-in), and a portable select-based fallback. See flowrt/backend.
//
// # Thread safety
//
// A Loop runs on exactly one goroutine (the "loop goroutine"). Handle
// operations, parser feeds, and callbacks all execute there. The only
// operations safe to call from any other goroutine are [Loop.QueueWork],
// [Loop.QueueWorkImmediate], [Loop.Stop], [Loop.Ref], and [Loop.Unref].
package flowrt
