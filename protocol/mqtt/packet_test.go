package mqtt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRemainingLengthSingleByte(t *testing.T) {
	v, n, ok := decodeRemainingLength([]byte{0x7F})
	require.True(t, ok)
	assert.Equal(t, 127, v)
	assert.Equal(t, 1, n)
}

func TestDecodeRemainingLengthMultiByte(t *testing.T) {
	// 321 encodes as 0xC1 0x02 per the MQTT spec's worked example.
	v, n, ok := decodeRemainingLength([]byte{0xC1, 0x02})
	require.True(t, ok)
	assert.Equal(t, 321, v)
	assert.Equal(t, 2, n)
}

func TestDecodeRemainingLengthNeedsMoreBytes(t *testing.T) {
	_, _, ok := decodeRemainingLength([]byte{0x80})
	assert.False(t, ok)
}

func TestEncodeDecodeRemainingLengthRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 127, 128, 321, 16383, 16384, 2097151} {
		enc := encodeRemainingLength(n)
		v, consumed, ok := decodeRemainingLength(enc)
		require.True(t, ok)
		assert.Equal(t, n, v)
		assert.Equal(t, len(enc), consumed)
	}
}

func TestParseConnectMinimalMQTT311(t *testing.T) {
	var buf []byte
	buf = append(buf, 0x00, 0x04)
	buf = append(buf, "MQTT"...)
	buf = append(buf, byte(Version311))
	buf = append(buf, 0x02) // clean start
	buf = append(buf, 0x00, 0x3C)
	buf = append(buf, 0x00, 0x05)
	buf = append(buf, "myid1"...)

	p, err := ParseConnect(buf)
	require.NoError(t, err)
	assert.Equal(t, Version311, p.Version)
	assert.True(t, p.CleanStart)
	assert.Equal(t, uint16(60), p.KeepAlive)
	assert.Equal(t, "myid1", p.ClientID)
}

func TestParseConnectRejectsUnacceptedVersion(t *testing.T) {
	var buf []byte
	buf = append(buf, 0x00, 0x04)
	buf = append(buf, "MQTT"...)
	buf = append(buf, byte(2)) // version 2, not accepted
	buf = append(buf, 0x00, 0x00, 0x3C)

	_, err := ParseConnect(buf)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestParseConnectRejectsBadProtocolName(t *testing.T) {
	var buf []byte
	buf = append(buf, 0x00, 0x03)
	buf = append(buf, "FOO"...)
	_, err := ParseConnect(buf)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestParseConnectWithUsernameAndPassword(t *testing.T) {
	var buf []byte
	buf = append(buf, 0x00, 0x04)
	buf = append(buf, "MQTT"...)
	buf = append(buf, byte(Version311))
	buf = append(buf, 0xC2) // clean start + username + password
	buf = append(buf, 0x00, 0x3C)
	buf = append(buf, 0x00, 0x02)
	buf = append(buf, "id"...)
	buf = append(buf, 0x00, 0x05)
	buf = append(buf, "alice"...)
	buf = append(buf, 0x00, 0x06)
	buf = append(buf, "secret"...)

	p, err := ParseConnect(buf)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Username)
	assert.Equal(t, "secret", string(p.Password))
}

func TestParseConnectWithWill(t *testing.T) {
	var buf []byte
	buf = append(buf, 0x00, 0x04)
	buf = append(buf, "MQTT"...)
	buf = append(buf, byte(Version311))
	buf = append(buf, 0x06) // clean start + will flag, will QoS 0
	buf = append(buf, 0x00, 0x3C)
	buf = append(buf, 0x00, 0x02)
	buf = append(buf, "id"...)
	buf = append(buf, 0x00, 0x04)
	buf = append(buf, "bye!"...)
	buf = append(buf, 0x00, 0x03)
	buf = append(buf, "gg!"...)

	p, err := ParseConnect(buf)
	require.NoError(t, err)
	assert.Equal(t, "bye!", p.WillTopic)
	assert.Equal(t, "gg!", string(p.WillPayload))
}

func TestEncodeConnAck(t *testing.T) {
	got := EncodeConnAck(true, ConnAckAccepted)
	typ, flags, payload, total, ok := DecodeFixedHeader(got)
	require.True(t, ok)
	assert.Equal(t, TypeConnAck, typ)
	assert.Equal(t, byte(0), flags)
	assert.Equal(t, []byte{0x01, 0x00}, payload)
	assert.Equal(t, len(got), total)
}

func TestEncodeParsePublishQoS0RoundTrip(t *testing.T) {
	raw := EncodePublish(PublishPacket{Topic: "a/b", Payload: []byte("hi"), QoS: QoS0})
	typ, flags, payload, total, ok := DecodeFixedHeader(raw)
	require.True(t, ok)
	assert.Equal(t, TypePublish, typ)
	assert.Equal(t, len(raw), total)

	p, err := ParsePublish(flags, payload)
	require.NoError(t, err)
	assert.Equal(t, "a/b", p.Topic)
	assert.Equal(t, "hi", string(p.Payload))
	assert.Equal(t, QoS0, p.QoS)
}

func TestEncodeParsePublishQoS1CarriesPacketID(t *testing.T) {
	raw := EncodePublish(PublishPacket{Topic: "x", Payload: []byte("y"), QoS: QoS1, PacketID: 77, Retain: true})
	_, flags, payload, _, ok := DecodeFixedHeader(raw)
	require.True(t, ok)

	p, err := ParsePublish(flags, payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(77), p.PacketID)
	assert.Equal(t, QoS1, p.QoS)
	assert.True(t, p.Retain)
}

func TestEncodePubAck(t *testing.T) {
	raw := EncodePubAck(99)
	typ, _, payload, _, ok := DecodeFixedHeader(raw)
	require.True(t, ok)
	assert.Equal(t, TypePubAck, typ)
	assert.Equal(t, []byte{0x00, 0x63}, payload)
}

func TestParseSubscribeSingleFilter(t *testing.T) {
	var buf []byte
	buf = append(buf, 0x00, 0x01) // packet ID 1
	buf = append(buf, 0x00, 0x05)
	buf = append(buf, "a/b/c"...)
	buf = append(buf, 0x01) // QoS 1

	p, err := ParseSubscribe(buf)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), p.PacketID)
	require.Len(t, p.Filters, 1)
	assert.Equal(t, "a/b/c", p.Filters[0].Topic)
	assert.Equal(t, QoS1, p.Filters[0].QoS)
}

func TestParseSubscribeMultipleFilters(t *testing.T) {
	var buf []byte
	buf = append(buf, 0x00, 0x02)
	buf = append(buf, 0x00, 0x01, 'a', 0x00)
	buf = append(buf, 0x00, 0x01, 'b', 0x01)

	p, err := ParseSubscribe(buf)
	require.NoError(t, err)
	require.Len(t, p.Filters, 2)
	assert.Equal(t, "a", p.Filters[0].Topic)
	assert.Equal(t, "b", p.Filters[1].Topic)
}

func TestParseSubscribeRejectsQoS2(t *testing.T) {
	var buf []byte
	buf = append(buf, 0x00, 0x01)
	buf = append(buf, 0x00, 0x01, 'a', 0x02)

	_, err := ParseSubscribe(buf)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestEncodeSubAck(t *testing.T) {
	raw := EncodeSubAck(5, []QoS{QoS0, QoS1})
	typ, _, payload, _, ok := DecodeFixedHeader(raw)
	require.True(t, ok)
	assert.Equal(t, TypeSubAck, typ)
	assert.Equal(t, []byte{0x00, 0x05, 0x00, 0x01}, payload)
}

func TestEncodePingResp(t *testing.T) {
	raw := EncodePingResp()
	typ, _, payload, total, ok := DecodeFixedHeader(raw)
	require.True(t, ok)
	assert.Equal(t, TypePingResp, typ)
	assert.Empty(t, payload)
	assert.Equal(t, 2, total)
}

func TestDecodeFixedHeaderNeedsMoreDataReturnsNotOk(t *testing.T) {
	_, _, _, _, ok := DecodeFixedHeader([]byte{byte(TypePublish) << 4, 0x05, 'h', 'i'})
	assert.False(t, ok)
}
