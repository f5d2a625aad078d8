// Package http implements an incremental HTTP/1.x parser, a request
// router, and a middleware composition primitive, per §4.6.
package http

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type parserState int

const (
	stateMethod parserState = iota
	stateURI
	stateVersion
	stateHeaderName
	stateHeaderValue
	stateHeadersComplete
	stateBodyIdentity
	stateBodyChunkedSize
	stateBodyChunkedData
	stateBodyChunkedCRLF
	stateBodyChunkedTrailer
	stateMessageComplete
	stateError
)

// Callbacks receives parser events. Every field is optional; a nil
// callback is simply skipped.
type Callbacks struct {
	OnMessageBegin      func()
	OnMethod            func(method string)
	OnURL               func(chunk []byte)
	OnVersion           func(major, minor int)
	OnHeaderField       func(chunk []byte)
	OnHeaderValue       func(chunk []byte)
	OnHeadersComplete    func()
	OnBody              func(chunk []byte)
	OnMessageComplete    func()
}

// ErrProtocol is returned (wrapping a more specific message) when the
// input violates HTTP/1.x grammar; the parser becomes unusable until
// Reset.
var ErrProtocol = errors.New("http: protocol error")

// Parser is a reusable incremental HTTP/1.x message parser: after
// message-complete the caller Resets and feeds the next message on the
// same connection.
type Parser struct {
	cb    Callbacks
	state parserState

	buf bytes.Buffer // accumulates partial tokens across Feed calls

	method        string
	contentLength int64
	hasCL         bool
	hasTE         bool
	chunked       bool
	bodyRemaining int64
	chunkSize     int64

	expectMessageBegin bool
}

// NewParser returns a Parser ready to parse a request/status line.
func NewParser(cb Callbacks) *Parser {
	p := &Parser{cb: cb}
	p.Reset()
	return p
}

// Reset returns the parser to its initial state so it can parse the next
// message on the same connection. Any bytes already buffered past the
// previous message-complete boundary (a pipelined next request) are kept
// and parsed as part of the next Feed call.
func (p *Parser) Reset() {
	p.state = stateMethod
	p.method = ""
	p.contentLength = 0
	p.hasCL = false
	p.hasTE = false
	p.chunked = false
	p.bodyRemaining = 0
	p.chunkSize = 0
	p.expectMessageBegin = true
}

// Feed parses as much of data as forms complete tokens, firing callbacks
// for each boundary crossed. Any byte-boundary chunking of the same
// logical stream produces the same callback sequence. Returns ErrProtocol
// (the parser is then unusable until Reset) on a syntax violation.
func (p *Parser) Feed(data []byte) error {
	if p.state == stateError {
		return ErrProtocol
	}
	if p.expectMessageBegin && (p.buf.Len() > 0 || len(data) > 0) {
		p.expectMessageBegin = false
		if p.cb.OnMessageBegin != nil {
			p.cb.OnMessageBegin()
		}
	}

	p.buf.Write(data)

	for {
		progressed, err := p.step()
		if err != nil {
			p.state = stateError
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		if !progressed {
			return nil
		}
	}
}

// step attempts one state transition from buffered data; returns
// progressed=false when more input is needed.
func (p *Parser) step() (bool, error) {
	switch p.state {
	case stateMethod:
		return p.parseLine(func(line []byte) error {
			parts := bytes.SplitN(line, []byte(" "), 2)
			if len(parts) < 1 || len(parts[0]) == 0 {
				return errors.New("empty method")
			}
			p.method = string(parts[0])
			if p.cb.OnMethod != nil {
				p.cb.OnMethod(p.method)
			}
			rest := []byte(nil)
			if len(parts) == 2 {
				rest = parts[1]
			}
			return p.parseRequestTarget(rest)
		})
	case stateHeaderName:
		return p.parseHeaderLine()
	case stateBodyIdentity:
		return p.consumeIdentityBody()
	case stateBodyChunkedSize:
		return p.parseChunkSizeLine()
	case stateBodyChunkedData:
		return p.consumeChunkData()
	case stateBodyChunkedCRLF:
		return p.consumeChunkCRLF()
	case stateBodyChunkedTrailer:
		return p.parseTrailerLine()
	default:
		return false, nil
	}
}

// parseRequestTarget splits "<uri> HTTP/M.N" from the remainder of the
// request line (may already be fully buffered since the whole line was
// consumed by parseLine).
func (p *Parser) parseRequestTarget(rest []byte) error {
	idx := bytes.LastIndex(rest, []byte(" HTTP/"))
	if idx < 0 {
		return errors.New("missing HTTP version")
	}
	uri := rest[:idx]
	if p.cb.OnURL != nil {
		p.cb.OnURL(uri)
	}
	verStr := rest[idx+len(" HTTP/"):]
	major, minor, err := parseVersion(verStr)
	if err != nil {
		return err
	}
	if p.cb.OnVersion != nil {
		p.cb.OnVersion(major, minor)
	}
	p.state = stateHeaderName
	return nil
}

func parseVersion(b []byte) (int, int, error) {
	parts := strings.SplitN(string(b), ".", 2)
	if len(parts) != 2 {
		return 0, 0, errors.New("malformed version")
	}
	major, err1 := strconv.Atoi(parts[0])
	minor, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, errors.New("malformed version")
	}
	return major, minor, nil
}

// parseLine extracts one CRLF- or LF-terminated line from the buffer and
// hands it to fn, re-slicing the buffer to drop consumed bytes. Returns
// progressed=false if no full line is buffered yet.
func (p *Parser) parseLine(fn func(line []byte) error) (bool, error) {
	data := p.buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return false, nil
	}
	line := data[:idx]
	line = bytes.TrimSuffix(line, []byte("\r"))
	rest := data[idx+1:]

	var nb bytes.Buffer
	nb.Write(rest)

	if err := fn(line); err != nil {
		return false, err
	}
	p.buf = nb
	return true, nil
}

func (p *Parser) parseHeaderLine() (bool, error) {
	return p.parseLine(func(line []byte) error {
		if len(line) == 0 {
			return p.finishHeaders()
		}
		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			return errors.New("malformed header line")
		}
		name := bytes.TrimSpace(line[:colon])
		value := bytes.TrimSpace(line[colon+1:])

		if p.cb.OnHeaderField != nil {
			p.cb.OnHeaderField(name)
		}
		if p.cb.OnHeaderValue != nil {
			p.cb.OnHeaderValue(value)
		}

		lname := strings.ToLower(string(name))
		switch lname {
		case "content-length":
			if p.hasTE {
				return errors.New("content-length with transfer-encoding")
			}
			n, err := strconv.ParseInt(string(value), 10, 64)
			if err != nil || n < 0 {
				return errors.New("malformed content-length")
			}
			if p.hasCL && n != p.contentLength {
				return errors.New("conflicting content-length")
			}
			p.hasCL = true
			p.contentLength = n
		case "transfer-encoding":
			if p.hasCL {
				return errors.New("transfer-encoding with content-length")
			}
			if strings.Contains(strings.ToLower(string(value)), "chunked") {
				p.hasTE = true
				p.chunked = true
			}
		}
		return nil
	})
}

func (p *Parser) finishHeaders() error {
	if p.cb.OnHeadersComplete != nil {
		p.cb.OnHeadersComplete()
	}
	switch {
	case p.chunked:
		p.state = stateBodyChunkedSize
	case p.hasCL && p.contentLength > 0:
		p.bodyRemaining = p.contentLength
		p.state = stateBodyIdentity
	default:
		return p.finishMessage()
	}
	return nil
}

func (p *Parser) consumeIdentityBody() (bool, error) {
	data := p.buf.Bytes()
	if len(data) == 0 {
		return false, nil
	}
	n := int64(len(data))
	if n > p.bodyRemaining {
		n = p.bodyRemaining
	}
	if n > 0 {
		if p.cb.OnBody != nil {
			p.cb.OnBody(data[:n])
		}
		p.bodyRemaining -= n
		var nb bytes.Buffer
		nb.Write(data[n:])
		p.buf = nb
	}
	if p.bodyRemaining == 0 {
		if err := p.finishMessage(); err != nil {
			return false, err
		}
		return true, nil
	}
	return n > 0, nil
}

func (p *Parser) parseChunkSizeLine() (bool, error) {
	return p.parseLine(func(line []byte) error {
		ext := bytes.IndexByte(line, ';')
		sizeField := line
		if ext >= 0 {
			sizeField = line[:ext] // chunk-extensions are ignored
		}
		n, err := strconv.ParseInt(strings.TrimSpace(string(sizeField)), 16, 64)
		if err != nil || n < 0 {
			return errors.New("malformed chunk size")
		}
		p.chunkSize = n
		if n == 0 {
			p.state = stateBodyChunkedTrailer
		} else {
			p.bodyRemaining = n
			p.state = stateBodyChunkedData
		}
		return nil
	})
}

func (p *Parser) consumeChunkData() (bool, error) {
	data := p.buf.Bytes()
	if len(data) == 0 {
		return false, nil
	}
	n := int64(len(data))
	if n > p.bodyRemaining {
		n = p.bodyRemaining
	}
	if n > 0 {
		if p.cb.OnBody != nil {
			p.cb.OnBody(data[:n])
		}
		p.bodyRemaining -= n
		var nb bytes.Buffer
		nb.Write(data[n:])
		p.buf = nb
	}
	if p.bodyRemaining == 0 {
		p.state = stateBodyChunkedCRLF
		return true, nil
	}
	return n > 0, nil
}

func (p *Parser) consumeChunkCRLF() (bool, error) {
	return p.parseLine(func(line []byte) error {
		if len(line) != 0 {
			return errors.New("malformed chunk terminator")
		}
		p.state = stateBodyChunkedSize
		return nil
	})
}

// parseTrailerLine handles optional trailers after the terminal 0-size
// chunk: each is delivered as an additional header callback, an empty line
// ends the trailer section and completes the message.
func (p *Parser) parseTrailerLine() (bool, error) {
	return p.parseLine(func(line []byte) error {
		if len(line) == 0 {
			return p.finishMessage()
		}
		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			return errors.New("malformed trailer line")
		}
		if p.cb.OnHeaderField != nil {
			p.cb.OnHeaderField(bytes.TrimSpace(line[:colon]))
		}
		if p.cb.OnHeaderValue != nil {
			p.cb.OnHeaderValue(bytes.TrimSpace(line[colon+1:]))
		}
		return nil
	})
}

func (p *Parser) finishMessage() error {
	if p.cb.OnMessageComplete != nil {
		p.cb.OnMessageComplete()
	}
	p.state = stateMessageComplete
	return nil
}

// Done reports whether the parser has completed a message and is ready for
// Reset.
func (p *Parser) Done() bool {
	return p.state == stateMessageComplete
}
