package mqtt

import (
	"strings"
	"sync"

	"github.com/flowrt/flowrt"
	"github.com/flowrt/flowrt/stream"
)

// Broker is a QoS 0/1 MQTT broker: CONNECT/SUBSCRIBE/PUBLISH routing over
// accepted Stream connections. QoS2 SUBSCRIBE requests are rejected with
// a protocol error; there is no persistent-session or retained-message
// store (see DESIGN.md's Open Question resolution).
type Broker struct {
	loop *flowrt.Loop
	ln   *stream.Listener

	mu          sync.Mutex
	subscribers map[string]map[*session]QoS // topic filter -> session -> granted QoS
	nextPacketID uint16
}

// NewBroker creates a Broker bound to loop.
func NewBroker(loop *flowrt.Loop) *Broker {
	return &Broker{loop: loop, subscribers: make(map[string]map[*session]QoS)}
}

// Listen binds and starts accepting MQTT client connections on addr.
func (b *Broker) Listen(addr string) error {
	ln, err := stream.Bind(b.loop, addr)
	if err != nil {
		return err
	}
	b.ln = ln
	return ln.Listen(128, b.onAccept)
}

type session struct {
	broker   *Broker
	conn     *stream.Stream
	clientID string
	buf      []byte
}

func (b *Broker) onAccept(conn *stream.Stream) {
	s := &session{broker: b, conn: conn}
	_ = conn.ReadStart(func(n int) []byte { return make([]byte, n) }, s.onRead)
}

func (s *session) onRead(n int, buf []byte, err error) {
	if n <= 0 {
		s.broker.removeSession(s)
		return
	}
	s.buf = append(s.buf, buf[:n]...)

	for {
		t, flags, payload, total, ok := DecodeFixedHeader(s.buf)
		if !ok {
			return
		}
		s.buf = s.buf[total:]
		if err := s.handlePacket(t, flags, payload); err != nil {
			s.conn.Close(nil)
			return
		}
	}
}

func (s *session) handlePacket(t PacketType, flags byte, payload []byte) error {
	switch t {
	case TypeConnect:
		c, err := ParseConnect(payload)
		if err != nil {
			return err
		}
		s.clientID = c.ClientID
		_, _ = s.conn.Write(EncodeConnAck(false, ConnAckAccepted), nil)

	case TypePublish:
		p, err := ParsePublish(flags, payload)
		if err != nil {
			return err
		}
		if p.QoS == QoS2 {
			return ErrProtocol
		}
		s.broker.publish(p)
		if p.QoS == QoS1 {
			_, _ = s.conn.Write(EncodePubAck(p.PacketID), nil)
		}

	case TypeSubscribe:
		sub, err := ParseSubscribe(payload)
		if err != nil {
			return err
		}
		granted := s.broker.subscribe(s, sub)
		_, _ = s.conn.Write(EncodeSubAck(sub.PacketID, granted), nil)

	case TypePingReq:
		_, _ = s.conn.Write(EncodePingResp(), nil)

	case TypeDisconnect:
		s.conn.Close(nil)

	default:
		return ErrProtocol
	}
	return nil
}

// subscribe registers s for each filter in sub, returning the granted QoS
// per filter in request order (min of requested and QoS1, since QoS2 is
// unsupported and already rejected by ParseSubscribe).
func (b *Broker) subscribe(s *session, sub SubscribePacket) []QoS {
	b.mu.Lock()
	defer b.mu.Unlock()

	granted := make([]QoS, 0, len(sub.Filters))
	for _, f := range sub.Filters {
		if b.subscribers[f.Topic] == nil {
			b.subscribers[f.Topic] = make(map[*session]QoS)
		}
		b.subscribers[f.Topic][s] = f.QoS
		granted = append(granted, f.QoS)
	}
	return granted
}

// publish delivers p to every session subscribed to a filter matching
// p.Topic (exact match, or a "+"/"#" wildcard segment match).
func (b *Broker) publish(p PublishPacket) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for filter, subs := range b.subscribers {
		if !topicMatches(filter, p.Topic) {
			continue
		}
		for sess, qos := range subs {
			out := p
			out.QoS = minQoS(qos, p.QoS)
			if out.QoS != QoS0 {
				b.nextPacketID++
				out.PacketID = b.nextPacketID
			}
			_, _ = sess.conn.Write(EncodePublish(out), nil)
		}
	}
}

func minQoS(a, b QoS) QoS {
	if a < b {
		return a
	}
	return b
}

// topicMatches implements MQTT topic-filter matching for "+"
// (single-level) and "#" (multi-level, only legal as the final segment).
func topicMatches(filter, topic string) bool {
	fParts := strings.Split(filter, "/")
	tParts := strings.Split(topic, "/")

	for i, fp := range fParts {
		if fp == "#" {
			return true
		}
		if i >= len(tParts) {
			return false
		}
		if fp != "+" && fp != tParts[i] {
			return false
		}
	}
	return len(fParts) == len(tParts)
}

func (b *Broker) removeSession(s *session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.subscribers {
		delete(subs, s)
	}
}

// Close closes the broker's listener.
func (b *Broker) Close(onDone func(error)) {
	if b.ln != nil {
		b.ln.Close(onDone)
	}
}
