package proto

import (
	"fmt"
)

// PacketKind discriminates what a flooded packet carries.
type PacketKind uint8

const (
	KindApp PacketKind = iota + 1
	KindGossip
)

func (k PacketKind) String() string {
	switch k {
	case KindApp:
		return "app"
	case KindGossip:
		return "gossip"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Packet is the flood-routed unit. Identity is ID: two packets with the
// same ID are the same logical packet regardless of TTL.
type Packet struct {
	ID      string     `cbor:"1,keyasint"`
	TTL     uint8      `cbor:"2,keyasint"`
	Kind    PacketKind `cbor:"3,keyasint"`
	Payload []byte     `cbor:"4,keyasint,omitempty"`
}

func EncodePacket(p Packet) ([]byte, error) {
	if p.ID == "" {
		return nil, fmt.Errorf("%w: missing packet id", ErrBadFrame)
	}
	if p.Kind != KindApp && p.Kind != KindGossip {
		return nil, fmt.Errorf("%w: packet kind %d", ErrBadFrame, p.Kind)
	}
	return encMode.Marshal(p)
}

func DecodePacket(data []byte) (Packet, error) {
	var p Packet
	if err := cborUnmarshal(data, &p); err != nil {
		return Packet{}, err
	}
	if p.ID == "" {
		return Packet{}, fmt.Errorf("%w: missing packet id", ErrBadFrame)
	}
	if p.Kind != KindApp && p.Kind != KindGossip {
		return Packet{}, fmt.Errorf("%w: packet kind %d", ErrBadFrame, p.Kind)
	}
	return p, nil
}

// EncodePacketFrame wraps an encoded packet in a FramePacket envelope.
func EncodePacketFrame(p Packet) ([]byte, error) {
	body, err := EncodePacket(p)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(Frame{Type: FramePacket, Payload: body})
}
