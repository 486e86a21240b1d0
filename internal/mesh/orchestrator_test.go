package mesh

import (
	"context"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nearmesh/internal/proto"
	"nearmesh/internal/transport"
)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func scenarioConfig() Config {
	cfg := DefaultConfig()
	cfg.ManageInterval = 10 * time.Millisecond
	cfg.GossipInterval = 25 * time.Millisecond
	cfg.RotateInterval = time.Hour
	cfg.HealInterval = time.Hour
	cfg.HeartbeatInitial = 20 * time.Millisecond
	cfg.HeartbeatInterval = 30 * time.Millisecond
	cfg.ConnectingTimeout = 400 * time.Millisecond
	cfg.ConnectedTimeout = 600 * time.Millisecond
	cfg.DisconnectedTimeout = 400 * time.Millisecond
	cfg.RejectedTimeout = time.Hour
	cfg.ErrorTimeout = 400 * time.Millisecond
	cfg.BackoffBase = 15 * time.Millisecond
	cfg.BackoffJitter = 5 * time.Millisecond
	cfg.BackoffCap = 120 * time.Millisecond
	return cfg
}

type payloadLog struct {
	mu   sync.Mutex
	msgs []string
}

func (p *payloadLog) add(_ string, payload []byte) {
	p.mu.Lock()
	p.msgs = append(p.msgs, string(payload))
	p.mu.Unlock()
}

func (p *payloadLog) all() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.msgs...)
}

type testNode struct {
	name string
	o    *Orchestrator
	recv *payloadLog
}

func startNode(t *testing.T, hub *transport.Hub, cfg Config, name string) *testNode {
	t.Helper()
	recv := &payloadLog{}
	o := NewOrchestrator(cfg, name, hub.NewTransport(name), Options{
		Logger:    quietLogger(),
		OnPayload: recv.add,
		Rand:      rand.NewSource(1),
	})
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(o.Stop)
	return &testNode{name: name, o: o, recv: recv}
}

func TestTwoNodesConnectAndGossip(t *testing.T) {
	hub := transport.NewHub()
	cfg := scenarioConfig()
	a := startNode(t, hub, cfg, "alice")
	b := startNode(t, hub, cfg, "bob")

	require.Eventually(t, func() bool {
		return a.o.Registry().ConnectedCount() == 1 && b.o.Registry().ConnectedCount() == 1
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return a.o.Registry().Graph().Adjacent("alice", "bob") &&
			b.o.Registry().Graph().Adjacent("alice", "bob")
	}, 3*time.Second, 10*time.Millisecond)
}

func TestBroadcastDeliveredOncePerNode(t *testing.T) {
	hub := transport.NewHub()
	cfg := scenarioConfig()
	a := startNode(t, hub, cfg, "alice")
	b := startNode(t, hub, cfg, "bob")
	c := startNode(t, hub, cfg, "carol")

	require.Eventually(t, func() bool {
		return a.o.Registry().ConnectedCount() >= 1 &&
			b.o.Registry().ConnectedCount() >= 1 &&
			c.o.Registry().ConnectedCount() >= 1
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, a.o.Broadcast([]byte("hello mesh")))

	require.Eventually(t, func() bool {
		return len(b.recv.all()) >= 1 && len(c.recv.all()) >= 1
	}, 3*time.Second, 10*time.Millisecond)

	// Relayed copies must be deduplicated, and the sender must not hear
	// its own packet back.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, []string{"hello mesh"}, b.recv.all())
	assert.Equal(t, []string{"hello mesh"}, c.recv.all())
	assert.Empty(t, a.recv.all())
}

func TestRejectionParksPeerWithoutRetry(t *testing.T) {
	hub := transport.NewHub()
	full := scenarioConfig()
	full.MaxConnections = 0

	a := startNode(t, hub, scenarioConfig(), "alice")
	startNode(t, hub, full, "bob")

	require.Eventually(t, func() bool {
		for _, info := range a.o.Registry().Snapshot() {
			if info.Name == "bob" && info.Phase == PhaseRejected {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	assert.Zero(t, a.o.Registry().ConnectedCount())

	// The counter advances but no reconnect gets scheduled.
	assert.Equal(t, 1, a.o.Registry().RetryCount("bob"))
	a.o.mu.Lock()
	pending := len(a.o.reconnects)
	a.o.mu.Unlock()
	assert.Zero(t, pending)
}

func TestSynchronousDialFailureRecovers(t *testing.T) {
	hub := transport.NewHub()
	hub.FailConnections("alice", true)
	hub.FailConnections("bob", true)
	cfg := scenarioConfig()

	a := startNode(t, hub, cfg, "alice")
	b := startNode(t, hub, cfg, "bob")

	// Failed dials must land in the error phase without ever having
	// occupied a connecting slot for the full timeout.
	require.Eventually(t, func() bool {
		for _, info := range a.o.Registry().Snapshot() {
			if info.Name == "bob" && info.Phase == PhaseError {
				return true
			}
		}
		return false
	}, 3*time.Second, 5*time.Millisecond)

	hub.FailConnections("alice", false)
	hub.FailConnections("bob", false)

	require.Eventually(t, func() bool {
		return a.o.Registry().ConnectedCount() == 1 && b.o.Registry().ConnectedCount() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestConnectionCapHolds(t *testing.T) {
	hub := transport.NewHub()
	cfg := scenarioConfig()
	cfg.MaxConnections = 2
	// Recycle parked peers quickly so an unlucky rejection round does
	// not strand a node for the whole test.
	cfg.RejectedTimeout = 200 * time.Millisecond
	cfg.ErrorTimeout = 200 * time.Millisecond

	names := []string{"alice", "bob", "carol", "dave", "erin"}
	nodes := make([]*testNode, 0, len(names))
	for _, n := range names {
		nodes = append(nodes, startNode(t, hub, cfg, n))
	}

	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if n.o.Registry().ConnectedCount() < 1 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(300 * time.Millisecond)
	for _, n := range nodes {
		assert.LessOrEqual(t, n.o.Registry().ConnectedCount(), 2, "node %s over cap", n.name)
	}
}

func TestSilentPeerIsTornDown(t *testing.T) {
	hub := transport.NewHub()
	cfg := scenarioConfig()
	cfg.HeartbeatInitial = 0 // no traffic at all after connect
	cfg.ConnectedTimeout = 150 * time.Millisecond
	cfg.GossipInterval = time.Hour
	cfg.ManageInterval = time.Hour

	a := hubPair(t, hub, cfg)

	// Block redials so the teardown is observable as a steady state.
	hub.FailConnections("alice", true)
	hub.FailConnections("bob", true)

	require.Eventually(t, func() bool {
		return a.o.Registry().ConnectedCount() == 0
	}, 3*time.Second, 10*time.Millisecond)
}

// hubPair connects alice and bob by dialing directly, bypassing the
// manage loop, and returns alice's node.
func hubPair(t *testing.T, hub *transport.Hub, cfg Config) *testNode {
	t.Helper()
	a := startNode(t, hub, cfg, "alice")
	startNode(t, hub, cfg, "bob")
	require.Eventually(t, func() bool {
		for _, c := range a.o.Registry().PotentialPeers() {
			if c.Name == "bob" {
				a.o.connectTo(c.ID, c.Name)
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return a.o.Registry().ConnectedCount() == 1
	}, 3*time.Second, 10*time.Millisecond)
	return a
}

func TestHeartbeatKeepsQuietLinkAlive(t *testing.T) {
	hub := transport.NewHub()
	cfg := scenarioConfig()
	cfg.ConnectedTimeout = 120 * time.Millisecond
	cfg.HeartbeatInitial = 25 * time.Millisecond
	cfg.HeartbeatInterval = 40 * time.Millisecond
	cfg.GossipInterval = time.Hour
	cfg.ManageInterval = time.Hour

	a := hubPair(t, hub, cfg)

	// Several connected-timeout windows pass with only heartbeat
	// traffic; the link must survive them all.
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 1, a.o.Registry().ConnectedCount())
}

func TestEvictionDoesNotScheduleReconnect(t *testing.T) {
	hub := transport.NewHub()
	cfg := scenarioConfig()
	cfg.ManageInterval = time.Hour
	cfg.GossipInterval = time.Hour

	a := hubPair(t, hub, cfg)
	peers := a.o.Registry().ConnectedPeers()
	require.Len(t, peers, 1)

	// Keep bob from dialing back so the removal stays observable.
	hub.FailConnections("alice", true)
	a.o.evict(peers[0].ID, "rotation")

	require.Eventually(t, func() bool {
		_, ok := a.o.Registry().Get(peers[0].ID)
		return !ok
	}, 3*time.Second, 10*time.Millisecond)

	a.o.mu.Lock()
	pending := len(a.o.reconnects)
	a.o.mu.Unlock()
	assert.Zero(t, pending)
	assert.Zero(t, a.o.Registry().RetryCount("bob"))
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	cfg := scenarioConfig()
	cfg.BackoffBase = 2 * time.Second
	cfg.BackoffJitter = 0
	cfg.BackoffCap = 10 * time.Second
	o := NewOrchestrator(cfg, "alice", transport.NewHub().NewTransport("alice"), Options{
		Logger: quietLogger(),
		Rand:   rand.NewSource(1),
	})

	assert.Equal(t, 2*time.Second, o.backoffFor(1))
	assert.Equal(t, 4*time.Second, o.backoffFor(2))
	assert.Equal(t, 8*time.Second, o.backoffFor(3))
	assert.Equal(t, 10*time.Second, o.backoffFor(4))
	assert.Equal(t, 10*time.Second, o.backoffFor(9))
}

func TestBackoffJitterBounded(t *testing.T) {
	cfg := scenarioConfig()
	cfg.BackoffBase = time.Second
	cfg.BackoffJitter = 500 * time.Millisecond
	cfg.BackoffCap = time.Minute
	o := NewOrchestrator(cfg, "alice", transport.NewHub().NewTransport("alice"), Options{
		Logger: quietLogger(),
		Rand:   rand.NewSource(42),
	})

	for i := 0; i < 50; i++ {
		d := o.backoffFor(1)
		assert.Greater(t, d, time.Second)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}

func TestFindVictimsFromGraph(t *testing.T) {
	cfg := scenarioConfig()
	o := NewOrchestrator(cfg, "alice", transport.NewHub().NewTransport("alice"), Options{
		Logger: quietLogger(),
		Rand:   rand.NewSource(1),
	})
	reg := o.Registry()
	require.NoError(t, reg.UpdateStatus("p1", "bob", PhaseConnected))
	require.NoError(t, reg.UpdateStatus("p2", "carol", PhaseConnected))
	reg.UpdateLocalNeighbors()

	// No edge between bob and carol yet: neither is redundant, both are
	// leaves.
	_, ok := o.findRedundantVictim()
	assert.False(t, ok)
	_, ok = o.findLeafVictim()
	assert.True(t, ok)

	// bob-carol closes the triangle: both become redundant, neither is a
	// leaf anymore.
	reg.MergeGraph(map[string][]string{"bob": {"carol"}, "carol": {"bob"}})
	_, ok = o.findRedundantVictim()
	assert.True(t, ok)
	_, ok = o.findLeafVictim()
	assert.False(t, ok)

	reg.Stop()
}

func TestGossipPacketMergesRemoteView(t *testing.T) {
	cfg := scenarioConfig()
	o := NewOrchestrator(cfg, "alice", transport.NewHub().NewTransport("alice"), Options{
		Logger: quietLogger(),
		Rand:   rand.NewSource(1),
	})
	defer o.Registry().Stop()

	remote := NewOrchestrator(cfg, "zara", transport.NewHub().NewTransport("zara"), Options{
		Logger: quietLogger(),
		Rand:   rand.NewSource(2),
	})
	defer remote.Registry().Stop()
	remote.Registry().MergeGraph(map[string][]string{"zara": {"yuri"}, "yuri": {"zara", "xena"}})

	data, _, err := remoteGossipFrame(remote)
	require.NoError(t, err)

	o.onPayloadReceived(transport.PayloadReceived{Peer: "p9", Data: data})
	assert.True(t, o.Registry().Graph().Adjacent("yuri", "xena"))
	assert.True(t, o.Registry().Graph().Adjacent("zara", "yuri"))
}

func TestDialGateCountsInFlightAttempts(t *testing.T) {
	hub := transport.NewHub()
	cfg := scenarioConfig()
	cfg.MaxConnections = 1
	cfg.ManageInterval = time.Hour
	cfg.GossipInterval = time.Hour

	a := startNode(t, hub, cfg, "alice")
	startNode(t, hub, cfg, "bob")
	startNode(t, hub, cfg, "carol")

	var bob, carol Candidate
	require.Eventually(t, func() bool {
		for _, c := range a.o.Registry().PotentialPeers() {
			switch c.Name {
			case "bob":
				bob = c
			case "carol":
				carol = c
			}
		}
		return bob.ID != "" && carol.ID != ""
	}, 3*time.Second, 10*time.Millisecond)

	// Back-to-back dials: the first occupies the only slot as an
	// in-flight attempt, so the second must be refused outright.
	a.o.connectTo(bob.ID, bob.Name)
	a.o.connectTo(carol.ID, carol.Name)

	require.Eventually(t, func() bool {
		return a.o.Registry().ConnectedCount() == 1
	}, 3*time.Second, 10*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, a.o.Registry().ConnectedCount())
	for _, info := range a.o.Registry().Snapshot() {
		if info.Name == "carol" {
			assert.Equal(t, PhaseDiscovered, info.Phase)
		}
	}
}

func TestOvercapResolutionDropsNewestLink(t *testing.T) {
	cfg := scenarioConfig()
	cfg.MaxConnections = 1
	o := NewOrchestrator(cfg, "alice", transport.NewHub().NewTransport("alice"), Options{
		Logger: quietLogger(),
		Rand:   rand.NewSource(1),
	})
	reg := o.Registry()
	defer reg.Stop()

	require.NoError(t, reg.UpdateStatus("p1", "bob", PhaseConnected))
	require.NoError(t, reg.UpdateStatus("p2", "carol", PhaseConnecting))

	// A second attempt that resolved while the slot was already taken
	// must not be recorded as connected.
	o.onConnectionResult(transport.ConnectionResult{Peer: "p2", Outcome: transport.OutcomeOK})

	assert.Equal(t, 1, reg.ConnectedCount())
	_, ok := reg.Get("p2")
	assert.False(t, ok)
	info, ok := reg.Get("p1")
	require.True(t, ok)
	assert.Equal(t, PhaseConnected, info.Phase)
}

func TestIslandBreakFreesSlotForForeignCandidate(t *testing.T) {
	cfg := scenarioConfig()
	cfg.MaxConnections = 2
	cfg.IslandBreakProb = 1.0
	o := NewOrchestrator(cfg, "alice", transport.NewHub().NewTransport("alice"), Options{
		Logger: quietLogger(),
		Rand:   rand.NewSource(1),
	})
	reg := o.Registry()
	defer reg.Stop()

	require.NoError(t, reg.UpdateStatus("p1", "bob", PhaseConnected))
	require.NoError(t, reg.UpdateStatus("p2", "carol", PhaseConnected))
	reg.UpdateLocalNeighbors()
	reg.AddPotential(Candidate{ID: "p9", Name: "dave"})

	o.tryIslandBreak()
	assert.Equal(t, 1, reg.ConnectedCount())

	// Without a foreign candidate there is nothing to break toward.
	o2 := NewOrchestrator(cfg, "erin", transport.NewHub().NewTransport("erin"), Options{
		Logger: quietLogger(),
		Rand:   rand.NewSource(1),
	})
	reg2 := o2.Registry()
	defer reg2.Stop()
	require.NoError(t, reg2.UpdateStatus("p1", "bob", PhaseConnected))
	require.NoError(t, reg2.UpdateStatus("p2", "carol", PhaseConnected))
	reg2.UpdateLocalNeighbors()
	o2.tryIslandBreak()
	assert.Equal(t, 2, reg2.ConnectedCount())
}

func TestSaturatedClustersEventuallyMerge(t *testing.T) {
	hub := transport.NewHub()

	steady := scenarioConfig()
	steady.MaxConnections = 2
	steady.RejectedTimeout = 200 * time.Millisecond
	steady.ErrorTimeout = 200 * time.Millisecond
	steady.IslandBreakProb = 0

	breaker := steady
	breaker.IslandBreakProb = 0.3

	first := []string{"alice", "bob", "carol"}
	var cluster1 []*testNode
	for _, n := range first {
		cluster1 = append(cluster1, startNode(t, hub, steady, n))
	}
	require.Eventually(t, func() bool {
		for _, n := range cluster1 {
			if n.o.Registry().ConnectedCount() != 2 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	// Wall the first cluster off so the second one saturates on its
	// own instead of bridging immediately.
	for _, n := range first {
		hub.FailConnections(n, true)
	}

	second := []string{"dave", "erin", "frank"}
	var cluster2 []*testNode
	for _, n := range second {
		cluster2 = append(cluster2, startNode(t, hub, breaker, n))
	}
	require.Eventually(t, func() bool {
		g := cluster2[0].o.Registry().Graph()
		return g.Has("erin") && g.Has("frank")
	}, 5*time.Second, 10*time.Millisecond)

	for _, n := range first {
		hub.FailConnections(n, false)
	}

	// Island breaking on the second cluster frees a slot toward the
	// foreign names; one bridge link plus a gossip cycle unions the two
	// views.
	require.Eventually(t, func() bool {
		g1 := cluster1[0].o.Registry().Graph()
		g2 := cluster2[0].o.Registry().Graph()
		for _, n := range second {
			if !g1.Has(n) {
				return false
			}
		}
		for _, n := range first {
			if !g2.Has(n) {
				return false
			}
		}
		return true
	}, 15*time.Second, 20*time.Millisecond)
}

func TestZombieRemovalRidesOutErrorWindow(t *testing.T) {
	cfg := scenarioConfig()
	cfg.ConnectedTimeout = 50 * time.Millisecond
	cfg.ErrorTimeout = 250 * time.Millisecond
	o := NewOrchestrator(cfg, "alice", transport.NewHub().NewTransport("alice"), Options{
		Logger: quietLogger(),
		Rand:   rand.NewSource(1),
	})
	reg := o.Registry()
	defer reg.Stop()

	reg.IncrementRetry("bob")
	require.NoError(t, reg.UpdateStatus("p1", "bob", PhaseConnected))

	require.Eventually(t, func() bool {
		info, ok := reg.Get("p1")
		return ok && info.Phase == PhaseError
	}, 2*time.Second, 5*time.Millisecond)

	// The record sits out the error window instead of vanishing with
	// the teardown.
	time.Sleep(100 * time.Millisecond)
	info, ok := reg.Get("p1")
	require.True(t, ok)
	assert.Equal(t, PhaseError, info.Phase)

	require.Eventually(t, func() bool {
		_, ok := reg.Get("p1")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, reg.RetryCount("bob"))
}

func remoteGossipFrame(remote *Orchestrator) ([]byte, proto.Packet, error) {
	body, err := proto.EncodeGossip(proto.GossipMsg{
		From:      remote.localName,
		Adjacency: remote.Registry().Graph().Snapshot(),
	})
	if err != nil {
		return nil, proto.Packet{}, err
	}
	return remote.router.CreateBroadcast(proto.KindGossip, body)
}

func TestStopIsIdempotent(t *testing.T) {
	hub := transport.NewHub()
	a := startNode(t, hub, scenarioConfig(), "alice")
	a.o.Stop()
	a.o.Stop()
}
