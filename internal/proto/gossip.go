package proto

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// GossipMsg carries a node's whole known adjacency view. Receivers union
// it into their own view; they never remove edges based on it.
type GossipMsg struct {
	From      string              `cbor:"1,keyasint"`
	Adjacency map[string][]string `cbor:"2,keyasint,omitempty"`
}

func EncodeGossip(m GossipMsg) ([]byte, error) {
	if m.From == "" {
		return nil, fmt.Errorf("%w: missing gossip origin", ErrBadFrame)
	}
	return encMode.Marshal(m)
}

func DecodeGossip(data []byte) (GossipMsg, error) {
	var m GossipMsg
	if err := cborUnmarshal(data, &m); err != nil {
		return GossipMsg{}, err
	}
	if m.From == "" {
		return GossipMsg{}, fmt.Errorf("%w: missing gossip origin", ErrBadFrame)
	}
	return m, nil
}

func cborUnmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty", ErrBadFrame)
	}
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	return nil
}
