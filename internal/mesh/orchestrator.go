// Package mesh contains the connection core: the per-peer phase registry,
// the event orchestrator driving a one-hop transport, slot management,
// topology gossip and the self-healing loop.
package mesh

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"nearmesh/internal/metrics"
	"nearmesh/internal/packet"
	"nearmesh/internal/proto"
	"nearmesh/internal/transport"
)

// Deliberate-disconnect reasons. The id of an evicted peer is
// remembered so the resulting Disconnected event finishes the removal
// instead of scheduling a reconnect.
const (
	evictTriangle = "triangle"
	evictRotation = "rotation"
	evictIsland   = "island"
	evictStale    = "stale"
	evictOverflow = "overflow"
)

// Options are the injectable collaborators of an Orchestrator. Zero
// values get sane defaults; tests swap in a seeded Rand and a quiet
// logger.
type Options struct {
	Logger    *logrus.Entry
	Metrics   *metrics.Metrics
	OnPayload func(from string, payload []byte)
	Rand      rand.Source
}

// Orchestrator consumes transport events and drives every peer through
// the connection lifecycle. It owns the reconnect backoff timers, the
// per-link heartbeats, and the periodic slot/gossip/heal loops.
type Orchestrator struct {
	cfg       Config
	localName string
	tr        transport.Transport
	log       *logrus.Entry
	metrics   *metrics.Metrics
	onPayload func(from string, payload []byte)

	reg    *Registry
	router *packet.Router

	pingFrame []byte
	pongFrame []byte

	rngMu sync.Mutex
	rng   *rand.Rand

	mu          sync.Mutex
	evicted     map[transport.PeerID]string
	reconnects  map[string]*time.Timer
	heartbeats  map[transport.PeerID]*time.Timer
	advertising bool
	discovering bool
	started     bool
	stopped     bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewOrchestrator(cfg Config, localName string, tr transport.Transport, opts Options) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("node", localName)
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	onPayload := opts.OnPayload
	if onPayload == nil {
		onPayload = func(string, []byte) {}
	}
	src := opts.Rand
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}

	o := &Orchestrator{
		cfg:        cfg,
		localName:  localName,
		tr:         tr,
		log:        log,
		metrics:    m,
		onPayload:  onPayload,
		rng:        rand.New(src),
		evicted:    make(map[transport.PeerID]string),
		reconnects: make(map[string]*time.Timer),
		heartbeats: make(map[transport.PeerID]*time.Timer),
	}
	o.reg = NewRegistry(cfg, localName, log, m, o.onPhaseExpired)
	o.router = packet.NewRouter(packet.Options{
		DefaultTTL: cfg.PacketTTL,
		SeenTTL:    cfg.SeenTTL,
		MaxPayload: cfg.MaxPayload,
		Logger:     log,
	})
	// Heartbeat frames carry the sender's persistent name, so a link
	// whose endpoint was never seen through discovery still learns who it
	// is talking to.
	o.pingFrame, _ = proto.EncodeFrame(proto.Frame{Type: proto.FramePing, Payload: []byte(localName)})
	o.pongFrame, _ = proto.EncodeFrame(proto.Frame{Type: proto.FramePong, Payload: []byte(localName)})
	return o
}

// Registry exposes the peer state store, mainly for status snapshots.
func (o *Orchestrator) Registry() *Registry { return o.reg }

// Start begins advertising and discovery and launches the event loop
// plus the periodic slot, rotation, gossip and healing loops.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return transport.ErrAlreadyRunning
	}
	o.started = true
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.mu.Unlock()

	o.startAdvertising()
	o.startDiscovery()

	o.wg.Add(5)
	go o.eventLoop()
	go o.tickLoop(o.cfg.ManageInterval, o.manageTick)
	go o.tickLoop(o.cfg.RotateInterval, o.rotateTick)
	go o.tickLoop(o.cfg.GossipInterval, o.gossipTick)
	go o.tickLoop(o.cfg.HealInterval, o.healTick)
	return nil
}

// Stop tears everything down: timers, transport, registry. Safe to call
// once; the transport's event channel closing unblocks the event loop.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped || !o.started {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	for name, t := range o.reconnects {
		t.Stop()
		delete(o.reconnects, name)
	}
	for id, t := range o.heartbeats {
		t.Stop()
		delete(o.heartbeats, id)
	}
	cancel := o.cancel
	o.mu.Unlock()

	cancel()
	if err := o.tr.StopAll(); err != nil && !errors.Is(err, transport.ErrStopped) {
		o.log.WithError(err).Warn("transport shutdown")
	}
	o.reg.Stop()
	o.wg.Wait()
}

// Broadcast floods payload to the whole mesh as an application packet.
func (o *Orchestrator) Broadcast(payload []byte) error {
	data, p, err := o.router.CreateBroadcast(proto.KindApp, payload)
	if err != nil {
		return err
	}
	ids := o.reg.ConnectedIDs()
	if len(ids) == 0 {
		o.log.WithField("packet", p.ID).Debug("broadcast with no connected peers")
		return nil
	}
	return o.tr.SendToMany(ids, data)
}

func (o *Orchestrator) eventLoop() {
	defer o.wg.Done()
	for ev := range o.tr.Events() {
		switch e := ev.(type) {
		case transport.EndpointFound:
			o.onEndpointFound(e)
		case transport.EndpointLost:
			o.onEndpointLost(e)
		case transport.ConnectionInitiated:
			o.onConnectionInitiated(e)
		case transport.ConnectionResult:
			o.onConnectionResult(e)
		case transport.Disconnected:
			o.onDisconnected(e)
		case transport.PayloadReceived:
			o.onPayloadReceived(e)
		}
	}
}

func (o *Orchestrator) tickLoop(every time.Duration, tick func()) {
	defer o.wg.Done()
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-t.C:
			tick()
		}
	}
}

func (o *Orchestrator) onEndpointFound(e transport.EndpointFound) {
	if e.Name == o.localName || e.Name == "" {
		return
	}
	if err := o.reg.UpdateStatus(e.Peer, e.Name, PhaseDiscovered); err != nil {
		// A discovery echo for a live link; the potential pool entry is
		// still refreshed below for other names, but this one stays put.
		if errors.Is(err, ErrPhaseRegression) {
			return
		}
		o.log.WithError(err).WithField("peer", e.Peer).Debug("discovery update refused")
		return
	}
	o.reg.AddPotential(Candidate{ID: e.Peer, Name: e.Name})
}

func (o *Orchestrator) onEndpointLost(e transport.EndpointLost) {
	o.reg.RemovePotential(e.Peer)
	if info, ok := o.reg.Get(e.Peer); ok && info.Phase == PhaseDiscovered {
		o.reg.Remove(e.Peer)
	}
}

// onConnectionInitiated applies slot admission: accept while under the
// connection cap, otherwise try to free a slot by dropping a peer that is
// redundantly reachable, otherwise reject. In-flight attempts count
// against the cap, or two requests admitted together could both resolve
// and land the node over it.
func (o *Orchestrator) onConnectionInitiated(e transport.ConnectionInitiated) {
	if info, ok := o.reg.Get(e.Peer); ok && info.Phase == PhaseConnecting {
		// Glare: our own dial to this peer is in flight, and the inbound
		// request is the other half of the same link. No extra slot.
		if err := o.tr.AcceptConnection(e.Peer); err != nil {
			o.log.WithError(err).WithField("peer", e.Peer).Debug("glare accept failed")
		}
		return
	}
	connected, connecting := o.occupancy()
	if connected+connecting >= o.cfg.MaxConnections {
		victim, ok := o.findRedundantVictim()
		if !ok {
			if err := o.tr.RejectConnection(e.Peer); err != nil {
				o.log.WithError(err).WithField("peer", e.Peer).Debug("reject failed")
			}
			return
		}
		o.evict(victim, evictTriangle)
	}
	if err := o.tr.AcceptConnection(e.Peer); err != nil {
		o.log.WithError(err).WithField("peer", e.Peer).Warn("accept failed")
		return
	}
	if err := o.reg.UpdateStatus(e.Peer, "", PhaseConnecting); err != nil {
		o.log.WithError(err).WithField("peer", e.Peer).Debug("inbound connecting update refused")
	}
}

func (o *Orchestrator) onConnectionResult(e transport.ConnectionResult) {
	info, _ := o.reg.Get(e.Peer)
	switch e.Outcome {
	case transport.OutcomeOK:
		if err := o.reg.UpdateStatus(e.Peer, "", PhaseConnected); err != nil {
			o.log.WithError(err).WithField("peer", e.Peer).Debug("connected update refused")
			return
		}
		if o.reg.ConnectedCount() > o.cfg.MaxConnections {
			// Attempts launched from different loops can resolve
			// together. The cap is hard; the newest link is the one
			// that goes.
			o.log.WithField("peer", e.Peer).Warn("over connection cap, dropping newest link")
			o.evict(e.Peer, evictOverflow)
			return
		}
		if info.Name != "" {
			o.reg.ResetRetry(info.Name)
			o.cancelReconnect(info.Name)
		}
		o.reg.RemovePotential(e.Peer)
		o.reg.UpdateLocalNeighbors()
		o.startHeartbeat(e.Peer, o.cfg.HeartbeatInitial)
		o.log.WithFields(logrus.Fields{"peer": e.Peer, "name": info.Name}).Info("peer connected")

	case transport.OutcomeRejected:
		// The far side is full. The retry counter still advances so a
		// later failure starts higher on the backoff ladder, but no
		// reconnect is scheduled; the rejected phase parks the peer
		// until its timer clears it out.
		if info.Name != "" {
			o.reg.IncrementRetry(info.Name)
		}
		if err := o.reg.UpdateStatus(e.Peer, "", PhaseRejected); err != nil {
			o.log.WithError(err).WithField("peer", e.Peer).Debug("rejected update refused")
		}

	default:
		if err := o.reg.UpdateStatus(e.Peer, "", PhaseError); err != nil {
			o.log.WithError(err).WithField("peer", e.Peer).Debug("error update refused")
		}
		o.scheduleReconnect(info.Name)
	}
}

func (o *Orchestrator) onDisconnected(e transport.Disconnected) {
	o.stopHeartbeat(e.Peer)

	o.mu.Lock()
	reason, deliberate := o.evicted[e.Peer]
	delete(o.evicted, e.Peer)
	o.mu.Unlock()

	if deliberate {
		o.completeEviction(e.Peer, reason)
		o.log.WithFields(logrus.Fields{"peer": e.Peer, "reason": reason}).Debug("deliberate disconnect completed")
		return
	}

	info, ok := o.reg.Get(e.Peer)
	if !ok {
		return
	}
	if err := o.reg.UpdateStatus(e.Peer, "", PhaseDisconnected); err != nil {
		o.log.WithError(err).WithField("peer", e.Peer).Debug("disconnected update refused")
		return
	}
	o.reg.UpdateLocalNeighbors()
	o.log.WithFields(logrus.Fields{"peer": e.Peer, "name": info.Name}).Info("peer disconnected")
	o.scheduleReconnect(info.Name)
}

func (o *Orchestrator) onPayloadReceived(e transport.PayloadReceived) {
	f, err := proto.DecodeFrame(e.Data)
	if err != nil {
		o.metrics.PacketsDropped.WithLabelValues("malformed").Inc()
		o.log.WithError(err).WithField("peer", e.Peer).Debug("dropping frame")
		return
	}
	switch f.Type {
	case proto.FramePing:
		o.refreshLiveness(e.Peer, string(f.Payload))
		if err := o.tr.Send(e.Peer, o.pongFrame); err != nil {
			o.log.WithError(err).WithField("peer", e.Peer).Debug("pong send failed")
		}
	case proto.FramePong:
		o.refreshLiveness(e.Peer, string(f.Payload))
	case proto.FramePacket:
		o.refreshLiveness(e.Peer, "")
		o.handlePacket(e.Peer, f.Payload)
	}
}

// refreshLiveness restarts the connected-phase timer for a live link.
// Any inbound traffic counts as proof of life.
func (o *Orchestrator) refreshLiveness(id transport.PeerID, name string) {
	info, ok := o.reg.Get(id)
	if !ok || info.Phase != PhaseConnected {
		return
	}
	if err := o.reg.UpdateStatus(id, name, PhaseConnected); err != nil {
		o.log.WithError(err).WithField("peer", id).Debug("liveness refresh refused")
		return
	}
	if name != "" && info.Name == "" {
		// First time this link told us its name.
		o.reg.UpdateLocalNeighbors()
	}
}

func (o *Orchestrator) handlePacket(from transport.PeerID, body []byte) {
	res, err := o.router.HandleIncoming(body)
	if err != nil {
		o.metrics.PacketsDropped.WithLabelValues("malformed").Inc()
		o.log.WithError(err).WithField("peer", from).Debug("dropping packet")
		return
	}
	o.metrics.SeenCacheSize.Set(float64(o.router.SeenLen()))
	if res.Disposition == packet.Duplicate {
		o.metrics.PacketsDuplicate.Inc()
		return
	}

	if res.Forward != nil {
		targets := make([]transport.PeerID, 0, o.cfg.MaxConnections)
		for _, id := range o.reg.ConnectedIDs() {
			if id != from {
				targets = append(targets, id)
			}
		}
		if len(targets) > 0 {
			if err := o.tr.SendToMany(targets, res.Forward); err != nil {
				o.log.WithError(err).Debug("forward incomplete")
			}
			o.metrics.PacketsForwarded.Inc()
		}
	}

	switch res.Packet.Kind {
	case proto.KindGossip:
		msg, err := proto.DecodeGossip(res.Packet.Payload)
		if err != nil {
			o.metrics.PacketsDropped.WithLabelValues("malformed").Inc()
			return
		}
		if added := o.reg.MergeGraph(msg.Adjacency); added > 0 {
			o.log.WithFields(logrus.Fields{"from": msg.From, "edges": added}).Debug("topology gossip merged")
		}
	case proto.KindApp:
		o.metrics.PacketsDelivered.Inc()
		info, _ := o.reg.Get(from)
		o.onPayload(info.Name, res.Packet.Payload)
	}
}

// connectTo dials a candidate. Attempts already in flight count against
// the cap. A synchronous transport error means the attempt never
// started, so the peer goes straight to the error phase and a backoff
// retry is scheduled.
func (o *Orchestrator) connectTo(id transport.PeerID, name string) {
	connected, connecting := o.occupancy()
	if connected+connecting >= o.cfg.MaxConnections {
		return
	}
	if err := o.reg.UpdateStatus(id, name, PhaseConnecting); err != nil {
		return
	}
	o.metrics.DialAttempts.Inc()
	if err := o.tr.RequestConnection(o.ctx, o.localName, id); err != nil {
		o.metrics.DialFailures.Inc()
		o.log.WithError(err).WithFields(logrus.Fields{"peer": id, "name": name}).Debug("dial failed")
		if uerr := o.reg.UpdateStatus(id, name, PhaseError); uerr != nil {
			return
		}
		o.scheduleReconnect(name)
	}
}

func (o *Orchestrator) scheduleReconnect(name string) {
	if name == "" {
		return
	}
	retries := o.reg.IncrementRetry(name)
	if retries > o.cfg.MaxRetries {
		o.log.WithFields(logrus.Fields{"name": name, "retries": retries - 1}).Info("giving up on peer")
		o.reg.ResetRetry(name)
		if id, ok := o.reg.IDByName(name); ok {
			o.reg.Remove(id)
		}
		return
	}
	d := o.backoffFor(retries)
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	if old, ok := o.reconnects[name]; ok {
		old.Stop()
	}
	o.reconnects[name] = time.AfterFunc(d, func() { o.attemptReconnect(name) })
	o.mu.Unlock()
	o.log.WithFields(logrus.Fields{"name": name, "attempt": retries, "in": d}).Debug("reconnect scheduled")
}

func (o *Orchestrator) cancelReconnect(name string) {
	o.mu.Lock()
	if t, ok := o.reconnects[name]; ok {
		t.Stop()
		delete(o.reconnects, name)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) attemptReconnect(name string) {
	o.mu.Lock()
	delete(o.reconnects, name)
	stopped := o.stopped
	o.mu.Unlock()
	if stopped {
		return
	}
	id, ok := o.reg.IDByName(name)
	if !ok {
		for _, c := range o.reg.PotentialPeers() {
			if c.Name == name {
				id, ok = c.ID, true
				break
			}
		}
	}
	if !ok {
		o.log.WithField("name", name).Debug("reconnect target gone")
		return
	}
	if info, tracked := o.reg.Get(id); tracked {
		if info.Phase == PhaseConnected || info.Phase == PhaseConnecting {
			return
		}
	}
	o.connectTo(id, name)
}

// backoffFor doubles the base delay per attempt, caps it, and adds
// uniform jitter so a partitioned clique does not redial in lockstep.
func (o *Orchestrator) backoffFor(retries int) time.Duration {
	if retries < 1 {
		retries = 1
	}
	d := o.cfg.BackoffBase
	for i := 1; i < retries && d < o.cfg.BackoffCap; i++ {
		d *= 2
	}
	if d > o.cfg.BackoffCap {
		d = o.cfg.BackoffCap
	}
	if j := o.cfg.BackoffJitter; j > 0 {
		// Strictly positive so two nodes can never land on identical
		// delays: (0, jitter].
		d += time.Duration(o.randInt63n(int64(j))) + 1
	}
	return d
}

func (o *Orchestrator) startHeartbeat(id transport.PeerID, delay time.Duration) {
	if delay <= 0 {
		return
	}
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	if old, ok := o.heartbeats[id]; ok {
		old.Stop()
	}
	o.heartbeats[id] = time.AfterFunc(delay, func() { o.heartbeatFire(id) })
	o.mu.Unlock()
}

func (o *Orchestrator) stopHeartbeat(id transport.PeerID) {
	o.mu.Lock()
	if t, ok := o.heartbeats[id]; ok {
		t.Stop()
		delete(o.heartbeats, id)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) heartbeatFire(id transport.PeerID) {
	info, ok := o.reg.Get(id)
	if !ok || info.Phase != PhaseConnected {
		o.stopHeartbeat(id)
		return
	}
	if err := o.tr.Send(id, o.pingFrame); err != nil {
		// The link is going or gone; the disconnect event cleans up.
		o.log.WithError(err).WithField("peer", id).Debug("ping send failed")
	}
	o.startHeartbeat(id, o.cfg.HeartbeatInterval)
}

// onPhaseExpired is the registry's timeout callback. A connected peer
// going silent for the whole connected window is treated as a dead link:
// tear it down at the transport rather than waiting for it to notice.
// The record itself sits out the error window before removal, so a
// briefly wedged peer does not flap straight back in through discovery.
func (o *Orchestrator) onPhaseExpired(id transport.PeerID, name string, expired Phase) {
	if expired != PhaseConnected {
		return
	}
	o.stopHeartbeat(id)
	o.reg.UpdateLocalNeighbors()
	o.evict(id, evictStale)
	o.log.WithFields(logrus.Fields{"peer": id, "name": name}).Warn("peer went silent")
}

// evict deliberately disconnects a peer. The id is remembered so the
// resulting Disconnected event removes state instead of scheduling a
// reconnect.
func (o *Orchestrator) evict(id transport.PeerID, reason string) {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.evicted[id] = reason
	o.mu.Unlock()

	o.metrics.Evictions.WithLabelValues(reason).Inc()
	if err := o.tr.Disconnect(id); err != nil {
		// Link already gone at the transport; finish the bookkeeping
		// directly.
		o.mu.Lock()
		delete(o.evicted, id)
		o.mu.Unlock()
		o.completeEviction(id, reason)
	}
}

// completeEviction finishes a deliberate disconnect. A stale eviction
// leaves the record alone: the peer has already degraded to the error
// phase, and that phase's timer owns the removal and the retry
// carryover. Every other reason removes the record now and clears its
// retry state with it.
func (o *Orchestrator) completeEviction(id transport.PeerID, reason string) {
	if reason == evictStale {
		return
	}
	info, ok := o.reg.Remove(id)
	if ok && info.Name != "" {
		o.reg.ResetRetry(info.Name)
	}
	o.reg.UpdateLocalNeighbors()
}

func (o *Orchestrator) startAdvertising() {
	o.mu.Lock()
	if o.advertising || o.stopped {
		o.mu.Unlock()
		return
	}
	o.advertising = true
	ctx := o.ctx
	o.mu.Unlock()
	if err := o.tr.StartAdvertising(ctx, o.localName); err != nil && !errors.Is(err, transport.ErrAlreadyRunning) {
		o.log.WithError(err).Warn("advertising start failed")
		o.mu.Lock()
		o.advertising = false
		o.mu.Unlock()
	}
}

func (o *Orchestrator) stopAdvertising() {
	o.mu.Lock()
	if !o.advertising {
		o.mu.Unlock()
		return
	}
	o.advertising = false
	o.mu.Unlock()
	if err := o.tr.StopAdvertising(); err != nil && !errors.Is(err, transport.ErrNotRunning) {
		o.log.WithError(err).Debug("advertising stop failed")
	}
}

func (o *Orchestrator) startDiscovery() {
	o.mu.Lock()
	if o.discovering || o.stopped {
		o.mu.Unlock()
		return
	}
	o.discovering = true
	ctx := o.ctx
	o.mu.Unlock()
	if err := o.tr.StartDiscovery(ctx); err != nil && !errors.Is(err, transport.ErrAlreadyRunning) {
		o.log.WithError(err).Warn("discovery start failed")
		o.mu.Lock()
		o.discovering = false
		o.mu.Unlock()
	}
}

func (o *Orchestrator) stopDiscovery() {
	o.mu.Lock()
	if !o.discovering {
		o.mu.Unlock()
		return
	}
	o.discovering = false
	o.mu.Unlock()
	if err := o.tr.StopDiscovery(); err != nil && !errors.Is(err, transport.ErrNotRunning) {
		o.log.WithError(err).Debug("discovery stop failed")
	}
}

func (o *Orchestrator) randInt63n(n int64) int64 {
	o.rngMu.Lock()
	defer o.rngMu.Unlock()
	return o.rng.Int63n(n)
}

func (o *Orchestrator) randFloat64() float64 {
	o.rngMu.Lock()
	defer o.rngMu.Unlock()
	return o.rng.Float64()
}
