package http

import (
	"fmt"
	"strings"

	"github.com/flowrt/flowrt"
	"github.com/flowrt/flowrt/stream"
)

// Server drives a Router over accepted streams: each connection gets its
// own reusable Parser, building a Request/Context pair per message and
// running it through the Router's chain, then serializing the response
// and (for HTTP/1.1 keep-alive) awaiting the next pipelined message.
type Server struct {
	loop   *flowrt.Loop
	router *Router
	ln     *stream.Listener
}

// NewServer wraps router with connection handling bound to loop.
func NewServer(loop *flowrt.Loop, router *Router) *Server {
	return &Server{loop: loop, router: router}
}

// Listen binds and starts accepting connections on addr.
func (s *Server) Listen(addr string) error {
	ln, err := stream.Bind(s.loop, addr)
	if err != nil {
		return err
	}
	s.ln = ln
	return ln.Listen(128, s.onAccept)
}

// Close closes the listener.
func (s *Server) Close(onDone func(error)) {
	if s.ln != nil {
		s.ln.Close(onDone)
	}
}

func (s *Server) onAccept(conn *stream.Stream) {
	h := newConnHandler(s.loop, s.router, conn)
	_ = conn.ReadStart(h.alloc, h.onRead)
}

type connHandler struct {
	loop   *flowrt.Loop
	router *Router
	conn   *stream.Stream
	parser *Parser

	req     *Request
	curHdr  string
	keepAlive bool
}

func newConnHandler(loop *flowrt.Loop, router *Router, conn *stream.Stream) *connHandler {
	h := &connHandler{loop: loop, router: router, conn: conn, keepAlive: true}
	h.parser = NewParser(Callbacks{
		OnMessageBegin: h.onMessageBegin,
		OnMethod:       h.onMethod,
		OnURL:          h.onURL,
		OnVersion:      h.onVersion,
		OnHeaderField:  h.onHeaderField,
		OnHeaderValue:  h.onHeaderValue,
		OnHeadersComplete: h.onHeadersComplete,
		OnBody:         h.onBody,
		OnMessageComplete: h.onMessageComplete,
	})
	return h
}

func (h *connHandler) alloc(suggested int) []byte {
	buf, err := h.loop.Arena().Alloc(suggested)
	if err != nil {
		return make([]byte, suggested)
	}
	return buf
}

func (h *connHandler) onRead(n int, buf []byte, err error) {
	if n <= 0 {
		h.conn.Close(nil)
		return
	}
	if feedErr := h.parser.Feed(buf[:n]); feedErr != nil {
		h.conn.Close(nil)
		return
	}
}

func (h *connHandler) onMessageBegin() {
	h.req = &Request{Headers: make(map[string][]string)}
}

func (h *connHandler) onMethod(method string) { h.req.Method = method }
func (h *connHandler) onURL(chunk []byte)      { h.req.URL += string(chunk) }
func (h *connHandler) onVersion(major, minor int) {
	h.req.Major, h.req.Minor = major, minor
	h.keepAlive = major > 1 || (major == 1 && minor >= 1)
}

func (h *connHandler) onHeaderField(chunk []byte) { h.curHdr = strings.ToLower(string(chunk)) }
func (h *connHandler) onHeaderValue(chunk []byte) {
	h.req.Headers[h.curHdr] = append(h.req.Headers[h.curHdr], string(chunk))
}
func (h *connHandler) onHeadersComplete() {
	if conn := h.req.Header("Connection"); conn != "" {
		h.keepAlive = strings.EqualFold(conn, "keep-alive")
	}
}
func (h *connHandler) onBody(chunk []byte) {
	h.req.Body = append(h.req.Body, chunk...)
}

func (h *connHandler) onMessageComplete() {
	chain, params, ok := h.router.Route(h.req.Method, h.req.URL)
	ctx := NewContext(h.req, h.conn.RemoteAddr(), params, chain)
	if !ok {
		ctx.Response.WriteHeader(404)
	} else {
		ctx.Run()
	}

	resp := serialize(ctx.Response, h.req.Major, h.req.Minor, h.keepAlive)
	_, _ = h.conn.Write(resp, func(err error) {
		if err != nil || !h.keepAlive {
			h.conn.Close(nil)
		}
	})

	h.parser.Reset()
}

func serialize(w *ResponseWriter, major, minor int, keepAlive bool) []byte {
	status := w.Status
	if status == 0 {
		status = 200
	}
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/%d.%d %d %s\r\n", major, minor, status, StatusText(status))
	for name, values := range w.Headers {
		for _, v := range values {
			fmt.Fprintf(&b, "%s: %s\r\n", name, v)
		}
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(w.Body))
	if !keepAlive {
		b.WriteString("Connection: close\r\n")
	}
	b.WriteString("\r\n")
	b.Write(w.Body)
	return []byte(b.String())
}
