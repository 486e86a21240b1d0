package transport

import (
	"context"
	"fmt"
	"sync"
)

// Hub wires any number of in-process MemoryTransports together. It backs
// the test suite and local simulations: every radio-level behavior the
// mesh core depends on (discovery, accept/reject handshakes, link loss,
// synchronous dial failure) can be scripted against it.
type Hub struct {
	mu        sync.Mutex
	nodes     map[string]*MemoryTransport
	nextID    int
	failNames map[string]bool
}

func NewHub() *Hub {
	return &Hub{
		nodes:     make(map[string]*MemoryTransport),
		failNames: make(map[string]bool),
	}
}

// FailConnections makes every RequestConnection targeting name fail
// synchronously, modelling the atomic/immediate dial failure class.
func (h *Hub) FailConnections(name string, fail bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if fail {
		h.failNames[name] = true
	} else {
		delete(h.failNames, name)
	}
}

func (h *Hub) allocIDLocked() PeerID {
	h.nextID++
	return PeerID(fmt.Sprintf("ep-%d", h.nextID))
}

const memoryEventBuffer = 1024

// MemoryTransport is one simulated radio attached to a Hub. The name
// passed to NewTransport is the hub-level address of this node; the
// PeerIDs it hands out are per-session and never shared between nodes.
type MemoryTransport struct {
	hub  *Hub
	name string

	events chan Event

	// All fields below are guarded by hub.mu so cross-node operations
	// stay atomic.
	advertising bool
	discovering bool
	stopped     bool
	ids         map[string]PeerID // remote node name -> ephemeral id here
	byID        map[PeerID]string
	links       map[PeerID]bool
	pendingIn   map[PeerID]bool
}

func (h *Hub) NewTransport(name string) *MemoryTransport {
	t := &MemoryTransport{
		hub:       h,
		name:      name,
		events:    make(chan Event, memoryEventBuffer),
		ids:       make(map[string]PeerID),
		byID:      make(map[PeerID]string),
		links:     make(map[PeerID]bool),
		pendingIn: make(map[PeerID]bool),
	}
	h.mu.Lock()
	h.nodes[name] = t
	h.mu.Unlock()
	return t
}

func (t *MemoryTransport) Events() <-chan Event { return t.events }

func (t *MemoryTransport) emitLocked(ev Event) {
	if t.stopped {
		return
	}
	select {
	case t.events <- ev:
	default:
		// Drop when saturated; the buffer is far larger than any test
		// produces.
	}
}

func (t *MemoryTransport) idForLocked(remoteName string) PeerID {
	if id, ok := t.ids[remoteName]; ok {
		return id
	}
	id := t.hub.allocIDLocked()
	t.ids[remoteName] = id
	t.byID[id] = remoteName
	return id
}

func (t *MemoryTransport) dropIDLocked(remoteName string) {
	if id, ok := t.ids[remoteName]; ok {
		delete(t.ids, remoteName)
		delete(t.byID, id)
		delete(t.links, id)
		delete(t.pendingIn, id)
	}
}

func (t *MemoryTransport) StartAdvertising(_ context.Context, localName string) error {
	h := t.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if t.stopped {
		return ErrStopped
	}
	if t.advertising {
		return ErrAlreadyRunning
	}
	t.advertising = true
	// A fresh advertising session means a fresh ephemeral id on every
	// observer: ids are not stable across restarts.
	for _, other := range h.nodes {
		if other == t || !other.discovering || other.stopped {
			continue
		}
		if id, ok := other.ids[t.name]; ok && !other.links[id] {
			other.dropIDLocked(t.name)
			other.emitLocked(EndpointLost{Peer: id})
		}
		id := other.idForLocked(t.name)
		other.emitLocked(EndpointFound{Peer: id, Name: localName})
	}
	return nil
}

func (t *MemoryTransport) StopAdvertising() error {
	h := t.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if t.stopped {
		return ErrStopped
	}
	if !t.advertising {
		return ErrNotRunning
	}
	t.advertising = false
	for _, other := range h.nodes {
		if other == t || other.stopped {
			continue
		}
		if id, ok := other.ids[t.name]; ok && !other.links[id] {
			other.dropIDLocked(t.name)
			other.emitLocked(EndpointLost{Peer: id})
		}
	}
	return nil
}

func (t *MemoryTransport) StartDiscovery(_ context.Context) error {
	h := t.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if t.stopped {
		return ErrStopped
	}
	if t.discovering {
		return ErrAlreadyRunning
	}
	t.discovering = true
	for _, other := range h.nodes {
		if other == t || !other.advertising || other.stopped {
			continue
		}
		id := t.idForLocked(other.name)
		t.emitLocked(EndpointFound{Peer: id, Name: other.name})
	}
	return nil
}

func (t *MemoryTransport) StopDiscovery() error {
	h := t.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if t.stopped {
		return ErrStopped
	}
	if !t.discovering {
		return ErrNotRunning
	}
	t.discovering = false
	return nil
}

func (t *MemoryTransport) RequestConnection(_ context.Context, localName string, peer PeerID) error {
	h := t.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if t.stopped {
		return ErrStopped
	}
	remoteName, ok := t.byID[peer]
	if !ok {
		return ErrUnknownPeer
	}
	if h.failNames[remoteName] {
		return fmt.Errorf("connect %s: link unavailable", remoteName)
	}
	remote, ok := h.nodes[remoteName]
	if !ok || remote.stopped {
		return fmt.Errorf("connect %s: endpoint gone", remoteName)
	}
	rid := remote.idForLocked(localName)
	remote.pendingIn[rid] = true
	remote.emitLocked(ConnectionInitiated{Peer: rid})
	return nil
}

func (t *MemoryTransport) AcceptConnection(peer PeerID) error {
	h := t.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if t.stopped {
		return ErrStopped
	}
	if !t.pendingIn[peer] {
		return ErrUnknownPeer
	}
	delete(t.pendingIn, peer)
	requesterName := t.byID[peer]
	requester, ok := h.nodes[requesterName]
	if !ok || requester.stopped {
		return fmt.Errorf("accept %s: requester gone", requesterName)
	}
	reqID := requester.idForLocked(t.name)
	t.links[peer] = true
	requester.links[reqID] = true
	t.emitLocked(ConnectionResult{Peer: peer, Outcome: OutcomeOK})
	requester.emitLocked(ConnectionResult{Peer: reqID, Outcome: OutcomeOK})
	return nil
}

func (t *MemoryTransport) RejectConnection(peer PeerID) error {
	h := t.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if t.stopped {
		return ErrStopped
	}
	if !t.pendingIn[peer] {
		return ErrUnknownPeer
	}
	delete(t.pendingIn, peer)
	requesterName := t.byID[peer]
	if requester, ok := h.nodes[requesterName]; ok && !requester.stopped {
		reqID := requester.idForLocked(t.name)
		requester.emitLocked(ConnectionResult{Peer: reqID, Outcome: OutcomeRejected})
	}
	return nil
}

func (t *MemoryTransport) Disconnect(peer PeerID) error {
	h := t.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if t.stopped {
		return ErrStopped
	}
	return t.disconnectLocked(peer)
}

func (t *MemoryTransport) disconnectLocked(peer PeerID) error {
	if !t.links[peer] {
		return ErrNotConnected
	}
	delete(t.links, peer)
	t.emitLocked(Disconnected{Peer: peer})
	remoteName := t.byID[peer]
	if remote, ok := t.hub.nodes[remoteName]; ok && !remote.stopped {
		if rid, ok := remote.ids[t.name]; ok && remote.links[rid] {
			delete(remote.links, rid)
			remote.emitLocked(Disconnected{Peer: rid})
		}
	}
	return nil
}

func (t *MemoryTransport) Send(peer PeerID, data []byte) error {
	h := t.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	return t.sendLocked(peer, data)
}

func (t *MemoryTransport) sendLocked(peer PeerID, data []byte) error {
	if t.stopped {
		return ErrStopped
	}
	if !t.links[peer] {
		return ErrNotConnected
	}
	remoteName := t.byID[peer]
	remote, ok := t.hub.nodes[remoteName]
	if !ok || remote.stopped {
		return ErrNotConnected
	}
	rid, ok := remote.ids[t.name]
	if !ok || !remote.links[rid] {
		return ErrNotConnected
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	remote.emitLocked(PayloadReceived{Peer: rid, Data: buf})
	return nil
}

func (t *MemoryTransport) SendToMany(peers []PeerID, data []byte) error {
	h := t.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	var firstErr error
	for _, p := range peers {
		if err := t.sendLocked(p, data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *MemoryTransport) StopAll() error {
	h := t.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if t.stopped {
		return ErrStopped
	}
	for id := range t.links {
		_ = t.disconnectLocked(id)
	}
	t.advertising = false
	t.discovering = false
	t.stopped = true
	delete(h.nodes, t.name)
	close(t.events)
	return nil
}
