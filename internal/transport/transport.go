// Package transport defines the one-hop link primitive the mesh core is
// built on: discovery/advertising, point-to-point connections, and raw
// byte delivery. Implementations are dumb pipes; everything mesh-shaped
// lives above this interface.
package transport

import (
	"context"
	"errors"
)

// PeerID identifies one physical link session. It is assigned by the
// transport and is not stable across reconnects; persistent identity is
// the advertised peer name.
type PeerID string

// Outcome reports how a connection attempt resolved.
type Outcome uint8

const (
	OutcomeOK Outcome = iota + 1
	OutcomeRejected
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeRejected:
		return "rejected"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

var (
	ErrAlreadyRunning = errors.New("operation already running")
	ErrNotRunning     = errors.New("operation not running")
	ErrUnknownPeer    = errors.New("unknown peer id")
	ErrNotConnected   = errors.New("peer not connected")
	ErrStopped        = errors.New("transport stopped")
)

// Event is the sum type of everything a transport reports upward.
type Event interface{ isEvent() }

// EndpointFound: a nearby peer advertising Name became visible as Peer.
type EndpointFound struct {
	Peer PeerID
	Name string
}

// EndpointLost: a previously found endpoint is no longer visible.
type EndpointLost struct{ Peer PeerID }

// ConnectionInitiated: an inbound connection request awaiting
// Accept/Reject.
type ConnectionInitiated struct{ Peer PeerID }

// ConnectionResult: a requested or accepted connection resolved.
type ConnectionResult struct {
	Peer    PeerID
	Outcome Outcome
}

// Disconnected: an established link went away.
type Disconnected struct{ Peer PeerID }

// PayloadReceived: raw bytes arrived on an established link.
type PayloadReceived struct {
	Peer PeerID
	Data []byte
}

func (EndpointFound) isEvent()       {}
func (EndpointLost) isEvent()        {}
func (ConnectionInitiated) isEvent() {}
func (ConnectionResult) isEvent()    {}
func (Disconnected) isEvent()        {}
func (PayloadReceived) isEvent()     {}

// Transport is the one-hop link layer. Start calls return
// ErrAlreadyRunning on a second start rather than silently ignoring it;
// callers are expected to guard restarts explicitly.
type Transport interface {
	StartAdvertising(ctx context.Context, localName string) error
	StopAdvertising() error
	StartDiscovery(ctx context.Context) error
	StopDiscovery() error

	// RequestConnection asks the remote side for a link. A synchronous
	// error means the attempt never started (the atomic failure class);
	// otherwise the result arrives as a ConnectionResult event.
	RequestConnection(ctx context.Context, localName string, peer PeerID) error
	AcceptConnection(peer PeerID) error
	RejectConnection(peer PeerID) error
	Disconnect(peer PeerID) error

	Send(peer PeerID, data []byte) error
	SendToMany(peers []PeerID, data []byte) error

	// Events delivers transport events in arrival order. The channel is
	// closed by StopAll.
	Events() <-chan Event

	StopAll() error
}
