// Package proto defines the wire format spoken between directly linked
// peers. Every byte payload handed to the transport is a Frame with an
// explicit type tag; frame payloads are decoded by tag, never sniffed.
package proto

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

type FrameType uint8

const (
	FramePing FrameType = iota + 1
	FramePong
	FramePacket
)

func (t FrameType) String() string {
	switch t {
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FramePacket:
		return "packet"
	default:
		return fmt.Sprintf("frame(%d)", uint8(t))
	}
}

// MaxFrameSize bounds any single frame on the wire.
const MaxFrameSize = 1 << 20

var (
	ErrFrameTooLarge = errors.New("frame too large")
	ErrBadFrame      = errors.New("malformed frame")
)

type Frame struct {
	Type    FrameType `cbor:"1,keyasint"`
	Payload []byte    `cbor:"2,keyasint,omitempty"`
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

func EncodeFrame(f Frame) ([]byte, error) {
	if f.Type < FramePing || f.Type > FramePacket {
		return nil, fmt.Errorf("%w: type %d", ErrBadFrame, f.Type)
	}
	data, err := encMode.Marshal(f)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return data, nil
}

func DecodeFrame(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, fmt.Errorf("%w: empty", ErrBadFrame)
	}
	if len(data) > MaxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}
	var f Frame
	if err := cbor.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if f.Type < FramePing || f.Type > FramePacket {
		return Frame{}, fmt.Errorf("%w: type %d", ErrBadFrame, f.Type)
	}
	return f, nil
}
