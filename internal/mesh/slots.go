package mesh

import (
	"github.com/sirupsen/logrus"

	"nearmesh/internal/transport"
)

// manageTick fills free connection slots from the potential pool.
// Candidates whose name is absent from the topology graph are dialed
// first: an unknown name means a node outside this component, and one
// link to it merges two islands. When every slot is taken, a small
// random fraction of ticks sacrifices a leaf neighbor for a foreign
// candidate so neighboring islands eventually fuse instead of saturating
// separately.
func (o *Orchestrator) manageTick() {
	connected, connecting := o.occupancy()
	free := o.cfg.MaxConnections - connected - connecting

	if free <= 0 {
		if connected >= o.cfg.MaxConnections {
			o.tryIslandBreak()
		}
		return
	}

	foreign, domestic := o.splitCandidates()
	for _, c := range foreign {
		if free <= 0 {
			return
		}
		o.connectTo(c.ID, c.Name)
		free--
	}
	for _, c := range domestic {
		if free <= 0 {
			return
		}
		o.connectTo(c.ID, c.Name)
		free--
	}
}

// rotateTick drops one leaf neighbor when all slots are full. Slow
// rotation keeps a saturated mesh from ossifying into a fixed topology
// that never makes room for newcomers.
func (o *Orchestrator) rotateTick() {
	if o.reg.ConnectedCount() < o.cfg.MaxConnections {
		return
	}
	victim, ok := o.findLeafVictim()
	if !ok {
		return
	}
	o.log.WithField("peer", victim).Debug("rotating out leaf neighbor")
	o.evict(victim, evictRotation)
}

func (o *Orchestrator) tryIslandBreak() {
	if o.cfg.IslandBreakProb <= 0 || o.randFloat64() >= o.cfg.IslandBreakProb {
		return
	}
	foreign, _ := o.splitCandidates()
	if len(foreign) == 0 {
		return
	}
	// Any connected peer may be sacrificed. In a saturated clique no
	// neighbor is a leaf, and insisting on one would keep two full
	// clusters mutually invisible forever. Only free the slot here; the
	// disconnect completes asynchronously and the next manage tick
	// dials foreign candidates first anyway.
	peers := o.reg.ConnectedPeers()
	if len(peers) == 0 {
		return
	}
	victim := peers[o.randInt63n(int64(len(peers)))].ID
	o.log.WithFields(logrus.Fields{"victim": victim, "target": foreign[0].Name}).Info("breaking toward foreign island")
	o.evict(victim, evictIsland)
}

func (o *Orchestrator) occupancy() (connected, connecting int) {
	for _, info := range o.reg.Snapshot() {
		switch info.Phase {
		case PhaseConnected:
			connected++
		case PhaseConnecting:
			connecting++
		}
	}
	return connected, connecting
}

// splitCandidates partitions the potential pool into names absent from
// the known topology (foreign) and names already in it (domestic).
func (o *Orchestrator) splitCandidates() (foreign, domestic []Candidate) {
	g := o.reg.Graph()
	for _, c := range o.reg.PotentialPeers() {
		if g.Has(c.Name) {
			domestic = append(domestic, c)
		} else {
			foreign = append(foreign, c)
		}
	}
	return foreign, domestic
}

// findRedundantVictim picks a connected neighbor that is also adjacent
// to another of our connected neighbors. The three of us form a
// triangle, so dropping the victim leaves it reachable in two hops and
// cannot split the component. Eligible victims are chosen at random.
func (o *Orchestrator) findRedundantVictim() (transport.PeerID, bool) {
	peers := o.reg.ConnectedPeers()
	g := o.reg.Graph()
	var eligible []transport.PeerID
	for i, a := range peers {
		if a.Name == "" {
			continue
		}
		for j, b := range peers {
			if i == j || b.Name == "" {
				continue
			}
			if g.Adjacent(a.Name, b.Name) {
				eligible = append(eligible, a.ID)
				break
			}
		}
	}
	if len(eligible) == 0 {
		return "", false
	}
	return eligible[o.randInt63n(int64(len(eligible)))], true
}

// findLeafVictim picks a connected neighbor that, as far as the graph
// knows, has no link besides us. A leaf has no other path to cut off.
func (o *Orchestrator) findLeafVictim() (transport.PeerID, bool) {
	peers := o.reg.ConnectedPeers()
	g := o.reg.Graph()
	var eligible []transport.PeerID
	for _, p := range peers {
		if p.Name == "" {
			continue
		}
		if g.IsLeaf(p.Name, o.localName) {
			eligible = append(eligible, p.ID)
		}
	}
	if len(eligible) == 0 {
		return "", false
	}
	return eligible[o.randInt63n(int64(len(eligible)))], true
}
