package ws

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/flowrt/flowrt/stream"
)

// MessageFunc receives one fully-assembled message: opcode is OpText or
// OpBinary, payload is the concatenation of every fragment.
type MessageFunc func(opcode Opcode, payload []byte)

// Conn assembles frames from an underlying Stream into whole messages,
// per §4.7's fragmentation rule: continuation frames concatenate into one
// message, typed by the first fragment's opcode, completed by FIN=1.
type Conn struct {
	stream *stream.Stream
	isServer bool

	parser *Parser

	assembling   bool
	assembledOp  Opcode
	assembled    []byte

	onMessage MessageFunc
	onClose   func(code uint16, reason string)

	closeSent bool
}

// NewConn wraps an established (post-handshake) Stream. isServer controls
// masking: server-to-client frames this Conn writes are never masked;
// client-to-server frames it writes always are.
func NewConn(s *stream.Stream, isServer bool, onMessage MessageFunc, onClose func(uint16, string)) *Conn {
	c := &Conn{stream: s, isServer: isServer, parser: NewParser(), onMessage: onMessage, onClose: onClose}
	_ = s.ReadStart(func(n int) []byte { return make([]byte, n) }, c.onRead)
	return c
}

func (c *Conn) onRead(n int, buf []byte, err error) {
	if n <= 0 {
		return
	}
	c.parser.Feed(buf[:n])
	for {
		frame, ok, perr := c.parser.Next()
		if perr != nil {
			c.protocolError()
			return
		}
		if !ok {
			return
		}
		c.handleFrame(frame)
	}
}

func (c *Conn) handleFrame(f Frame) {
	switch f.Opcode {
	case OpPing:
		c.writeFrame(OpPong, f.Payload)
		return
	case OpPong:
		return
	case OpClose:
		code := CloseCode(f.Payload)
		reason := ""
		if len(f.Payload) > 2 {
			reason = string(f.Payload[2:])
		}
		c.respondClose(code)
		if c.onClose != nil {
			c.onClose(code, reason)
		}
		c.stream.Close(nil)
		return
	case OpContinuation:
		if !c.assembling {
			c.protocolError()
			return
		}
		c.assembled = append(c.assembled, f.Payload...)
	case OpText, OpBinary:
		if c.assembling {
			c.protocolError()
			return
		}
		c.assembling = true
		c.assembledOp = f.Opcode
		c.assembled = append([]byte(nil), f.Payload...)
	default:
		c.protocolError()
		return
	}

	if f.FIN {
		op := c.assembledOp
		payload := c.assembled
		c.assembling = false
		c.assembled = nil

		if op == OpText && !utf8.Valid(payload) {
			c.protocolError()
			return
		}
		if c.onMessage != nil {
			c.onMessage(op, payload)
		}
	}
}

func (c *Conn) protocolError() {
	c.respondClose(1002)
	c.stream.Close(nil)
}

func (c *Conn) respondClose(code uint16) {
	if c.closeSent {
		return
	}
	c.closeSent = true
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, code)
	c.writeFrame(OpClose, payload)
}

// SendText sends a single-frame text message.
func (c *Conn) SendText(payload []byte) {
	c.writeFrame(OpText, payload)
}

// SendBinary sends a single-frame binary message.
func (c *Conn) SendBinary(payload []byte) {
	c.writeFrame(OpBinary, payload)
}

// writeFrame encodes one unfragmented frame (FIN=1) and writes it to the
// stream, masking iff this Conn is a client.
func (c *Conn) writeFrame(opcode Opcode, payload []byte) {
	frame := encodeFrame(opcode, payload, !c.isServer)
	_, _ = c.stream.Write(frame, nil)
}

func encodeFrame(opcode Opcode, payload []byte, mask bool) []byte {
	var header []byte
	b0 := byte(0x80) | byte(opcode) // FIN=1, no fragmentation support on send path
	header = append(header, b0)

	n := len(payload)
	maskBit := byte(0)
	if mask {
		maskBit = 0x80
	}
	switch {
	case n < 126:
		header = append(header, maskBit|byte(n))
	case n <= 0xFFFF:
		header = append(header, maskBit|126)
		ext := make([]byte, 2)
		binary.BigEndian.PutUint16(ext, uint16(n))
		header = append(header, ext...)
	default:
		header = append(header, maskBit|127)
		ext := make([]byte, 8)
		binary.BigEndian.PutUint64(ext, uint64(n))
		header = append(header, ext...)
	}

	out := make([]byte, 0, len(header)+4+n)
	out = append(out, header...)
	if mask {
		var key [4]byte
		copy(key[:], randomMaskKey())
		out = append(out, key[:]...)
		masked := make([]byte, n)
		for i, b := range payload {
			masked[i] = b ^ key[i%4]
		}
		out = append(out, masked...)
	} else {
		out = append(out, payload...)
	}
	return out
}
