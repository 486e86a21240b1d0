// Package metrics exposes prometheus instrumentation for the mesh core.
// Each node owns its own registry so multi-node tests and simulations in
// one process never collide.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	ConnectedPeers   prometheus.Gauge
	PhaseTransitions *prometheus.CounterVec
	DialAttempts     prometheus.Counter
	DialFailures     prometheus.Counter
	Evictions        *prometheus.CounterVec
	PacketsDelivered prometheus.Counter
	PacketsForwarded prometheus.Counter
	PacketsDuplicate prometheus.Counter
	PacketsDropped   *prometheus.CounterVec
	GossipMerges     prometheus.Counter
	GossipEdgesAdded prometheus.Counter
	HealCycles       prometheus.Counter
	SeenCacheSize    prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ConnectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nearmesh",
			Name:      "connected_peers",
			Help:      "Current number of peers in the connected phase.",
		}),
		PhaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nearmesh",
			Name:      "phase_transitions_total",
			Help:      "Per-peer connection phase transitions.",
		}, []string{"from", "to"}),
		DialAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nearmesh",
			Name:      "dial_attempts_total",
			Help:      "Outbound connection attempts.",
		}),
		DialFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nearmesh",
			Name:      "dial_failures_total",
			Help:      "Outbound connection attempts that failed synchronously.",
		}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nearmesh",
			Name:      "evictions_total",
			Help:      "Deliberate disconnects by reason.",
		}, []string{"reason"}),
		PacketsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nearmesh",
			Name:      "packets_delivered_total",
			Help:      "Packets delivered to the application layer.",
		}),
		PacketsForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nearmesh",
			Name:      "packets_forwarded_total",
			Help:      "Packets rebroadcast to neighbors.",
		}),
		PacketsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nearmesh",
			Name:      "packets_duplicate_total",
			Help:      "Packets dropped as already seen.",
		}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nearmesh",
			Name:      "packets_dropped_total",
			Help:      "Packets dropped by reason.",
		}, []string{"reason"}),
		GossipMerges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nearmesh",
			Name:      "gossip_merges_total",
			Help:      "Remote topology views merged.",
		}),
		GossipEdgesAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nearmesh",
			Name:      "gossip_edges_added_total",
			Help:      "New edges learned from gossip.",
		}),
		HealCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nearmesh",
			Name:      "heal_cycles_total",
			Help:      "Discovery/advertising restart cycles.",
		}),
		SeenCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nearmesh",
			Name:      "seen_cache_size",
			Help:      "Live entries in the packet dedup cache.",
		}),
	}
	reg.MustRegister(
		m.ConnectedPeers, m.PhaseTransitions, m.DialAttempts, m.DialFailures,
		m.Evictions, m.PacketsDelivered, m.PacketsForwarded,
		m.PacketsDuplicate, m.PacketsDropped, m.GossipMerges,
		m.GossipEdgesAdded, m.HealCycles, m.SeenCacheSize,
	)
	return m
}

// Handler serves this node's registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
