package http

import (
	"net"
	"strconv"
	"strings"
	"time"
)

// Request is the parsed inbound message the router dispatches on.
type Request struct {
	Method  string
	URL     string
	Major   int
	Minor   int
	Headers map[string][]string
	Body    []byte
}

// Header returns the first value for name (case-insensitive), or "".
func (r *Request) Header(name string) string {
	vals := r.Headers[strings.ToLower(name)]
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// ResponseWriter accumulates the status, headers, and body the caller
// builds before it is serialized onto the wire.
type ResponseWriter struct {
	Status  int
	Headers map[string][]string
	Body    []byte

	written bool
}

// WriteHeader sets the status code; the first call wins.
func (w *ResponseWriter) WriteHeader(status int) {
	if w.written {
		return
	}
	w.Status = status
	w.written = true
}

// SetHeader sets a response header, replacing any existing values.
func (w *ResponseWriter) SetHeader(name, value string) {
	w.Headers[strings.ToLower(name)] = []string{value}
}

// Write appends to the response body, implicitly setting status 200 if
// WriteHeader was never called.
func (w *ResponseWriter) Write(b []byte) {
	if !w.written {
		w.WriteHeader(200)
	}
	w.Body = append(w.Body, b...)
}

// Context carries one request/response pair and a user-data slot through
// a middleware chain.
type Context struct {
	Request  *Request
	Response *ResponseWriter
	ClientIP net.Addr
	UserData map[string]any

	startedAt time.Time
	params    map[string]string
	chain     []Handler
	index     int
}

// NewContext creates a Context ready to run chain starting at index 0.
func NewContext(req *Request, clientIP net.Addr, params map[string]string, chain []Handler) *Context {
	return &Context{
		Request:  req,
		Response: &ResponseWriter{Headers: make(map[string][]string)},
		ClientIP: clientIP,
		UserData: make(map[string]any),
		startedAt: time.Now(),
		params:    params,
		chain:     chain,
		index:     -1,
	}
}

// Param returns a path parameter captured by the router, or "".
func (ctx *Context) Param(name string) string {
	return ctx.params[name]
}

// Next advances to and runs the next handler in the chain. A handler that
// wants to short-circuit simply returns without calling Next.
func (ctx *Context) Next() {
	ctx.index++
	if ctx.index < len(ctx.chain) {
		ctx.chain[ctx.index](ctx)
	}
}

// Run executes the chain from the beginning.
func (ctx *Context) Run() {
	ctx.index = -1
	ctx.Next()
}

// Elapsed returns the time since the context was created, for logging
// middleware.
func (ctx *Context) Elapsed() time.Duration {
	return time.Since(ctx.startedAt)
}

// StatusText is a minimal status-code-to-reason-phrase map covering the
// codes the bundled middleware produces.
func StatusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 204:
		return "No Content"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 413:
		return "Payload Too Large"
	case 429:
		return "Too Many Requests"
	case 500:
		return "Internal Server Error"
	default:
		return strconv.Itoa(code)
	}
}
