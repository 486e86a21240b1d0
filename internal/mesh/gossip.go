package mesh

import (
	"nearmesh/internal/proto"
)

// gossipTick floods this node's whole adjacency view to the mesh. The
// message rides the normal packet flood, so dedup and TTL apply and
// multi-hop nodes learn topology they have no direct link to. Receivers
// union the view in; convergence needs no ordering because merge is
// commutative and idempotent.
func (o *Orchestrator) gossipTick() {
	o.reg.UpdateLocalNeighbors()
	ids := o.reg.ConnectedIDs()
	if len(ids) == 0 {
		return
	}
	body, err := proto.EncodeGossip(proto.GossipMsg{
		From:      o.localName,
		Adjacency: o.reg.Graph().Snapshot(),
	})
	if err != nil {
		o.log.WithError(err).Warn("gossip encode failed")
		return
	}
	data, _, err := o.router.CreateBroadcast(proto.KindGossip, body)
	if err != nil {
		o.log.WithError(err).Warn("gossip broadcast failed")
		return
	}
	if err := o.tr.SendToMany(ids, data); err != nil {
		o.log.WithError(err).Debug("gossip send incomplete")
	}
}
