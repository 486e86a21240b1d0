package mesh

import (
	"context"

	"nearmesh/internal/transport"
)

// Mesh is the public face of a node: start it on a transport, broadcast
// payloads, observe peers and topology. Everything else is internal
// machinery.
type Mesh struct {
	o *Orchestrator
}

func New(cfg Config, localName string, tr transport.Transport, opts Options) *Mesh {
	return &Mesh{o: NewOrchestrator(cfg, localName, tr, opts)}
}

func (m *Mesh) Start(ctx context.Context) error { return m.o.Start(ctx) }

func (m *Mesh) Stop() { m.o.Stop() }

// Broadcast floods an application payload to every reachable node.
func (m *Mesh) Broadcast(payload []byte) error { return m.o.Broadcast(payload) }

func (m *Mesh) LocalName() string { return m.o.localName }

// Peers snapshots every tracked peer in any phase.
func (m *Mesh) Peers() []PeerInfo { return m.o.reg.Snapshot() }

// ConnectedPeers snapshots only live links.
func (m *Mesh) ConnectedPeers() []PeerInfo { return m.o.reg.ConnectedPeers() }

// Topology returns the node's current belief about mesh adjacency.
func (m *Mesh) Topology() map[string][]string { return m.o.reg.Graph().Snapshot() }
