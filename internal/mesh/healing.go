package mesh

import "time"

// healTick cycles discovery and then advertising, on a slow period and
// regardless of how healthy the node currently looks. Peer-level
// liveness cannot see a stale advertising session or a wedged discovery
// listener, and a stable-looking node may simply be blind to a foreign
// cluster next door. The short settle window between the two restarts
// lets fresh endpoint announcements land on a listening socket; any
// endpoint found whose name is absent from the graph is then dialed
// foreign-first by the manage loop.
func (o *Orchestrator) healTick() {
	o.metrics.HealCycles.Inc()
	o.log.Debug("cycling discovery and advertising")

	o.stopDiscovery()
	o.startDiscovery()

	select {
	case <-o.ctx.Done():
		return
	case <-time.After(o.cfg.HealWindow):
	}

	o.stopAdvertising()
	o.startAdvertising()
}
