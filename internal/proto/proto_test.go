package proto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	data, err := EncodeFrame(Frame{Type: FramePacket, Payload: []byte("body")})
	require.NoError(t, err)

	f, err := DecodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, FramePacket, f.Type)
	assert.Equal(t, []byte("body"), f.Payload)
}

func TestFrameRejectsUnknownType(t *testing.T) {
	_, err := EncodeFrame(Frame{Type: 99})
	assert.ErrorIs(t, err, ErrBadFrame)

	data, err := encMode.Marshal(Frame{Type: 99})
	require.NoError(t, err)
	_, err = DecodeFrame(data)
	assert.ErrorIs(t, err, ErrBadFrame)
}

func TestDecodeFrameMalformed(t *testing.T) {
	for _, data := range [][]byte{nil, {}, {0xff, 0x00}, []byte("not cbor at all")} {
		_, err := DecodeFrame(data)
		assert.ErrorIs(t, err, ErrBadFrame)
	}
}

func TestPacketRoundTrip(t *testing.T) {
	p := Packet{ID: "pkt-1", TTL: 5, Kind: KindApp, Payload: []byte("hello")}
	data, err := EncodePacket(p)
	require.NoError(t, err)

	got, err := DecodePacket(data)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestPacketValidation(t *testing.T) {
	_, err := EncodePacket(Packet{TTL: 5, Kind: KindApp})
	assert.ErrorIs(t, err, ErrBadFrame, "missing id")

	_, err = EncodePacket(Packet{ID: "x", Kind: 0})
	assert.ErrorIs(t, err, ErrBadFrame, "bad kind")
}

func TestGossipRoundTrip(t *testing.T) {
	m := GossipMsg{
		From:      "origin",
		Adjacency: map[string][]string{"a": {"b"}, "b": {"a", "c"}},
	}
	data, err := EncodeGossip(m)
	require.NoError(t, err)

	got, err := DecodeGossip(data)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestLengthPrefixedRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteLengthPrefixed(&buf, []byte("payload")))

	got, err := ReadLengthPrefixed(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}

func TestLengthPrefixedRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	err := WriteLengthPrefixed(&buf, make([]byte, MaxFrameSize+1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	// A forged header claiming an absurd size must be rejected before any
	// allocation of that size.
	forged := []byte{0xff, 0xff, 0xff, 0xff}
	_, err = ReadLengthPrefixed(bytes.NewReader(forged))
	assert.Error(t, err)
}
