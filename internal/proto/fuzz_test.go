package proto

import (
	"testing"

	"nearmesh/internal/testutil"
)

func FuzzDecodeFrame(f *testing.F) {
	ping, _ := EncodeFrame(Frame{Type: FramePing, Payload: []byte("alice")})
	f.Add(ping)
	pkt, _ := EncodePacketFrame(Packet{ID: "id-1", TTL: 3, Kind: KindApp, Payload: []byte("hello")})
	f.Add(pkt)
	f.Add([]byte{})
	f.Add([]byte{0xa1, 0x01, 0x00})

	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, 0, func() {
			fr, err := DecodeFrame(data)
			if err != nil {
				return
			}
			// A frame that decodes must re-encode.
			if _, err := EncodeFrame(fr); err != nil {
				t.Fatalf("re-encode of valid frame failed: %v", err)
			}
		})
	})
}

func FuzzDecodePacket(f *testing.F) {
	body, _ := EncodePacket(Packet{ID: "id-2", TTL: 1, Kind: KindGossip, Payload: []byte{1, 2}})
	f.Add(body)
	f.Add([]byte{0xff})

	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, 0, func() {
			p, err := DecodePacket(data)
			if err != nil {
				return
			}
			if p.ID == "" {
				t.Fatal("decoded packet with empty id")
			}
		})
	})
}
