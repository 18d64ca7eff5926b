// Package metrics provides Prometheus metrics for the node.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the node.
type Metrics struct {
	// Wire traffic
	PacketsIn  prometheus.Counter
	PacketsOut prometheus.Counter
	BytesIn    prometheus.Counter
	BytesOut   prometheus.Counter

	// Virtual network traffic
	FramesIn  prometheus.Counter
	FramesOut prometheus.Counter

	// Orchestration
	EventsEmitted  *prometheus.CounterVec
	EventsDropped  prometheus.Counter
	NetworksJoined prometheus.Gauge
	PeersKnown     prometheus.Gauge
	PeersDirect    prometheus.Gauge
	Bindings       prometheus.Gauge
	BindRefreshes  prometheus.Counter
	StateWrites    prometheus.Counter
	LoopWakeups    prometheus.Counter

	// Node status
	Online prometheus.Gauge
	Uptime prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a Metrics instance with all metrics registered on a private
// registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.PacketsIn = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ztnode_wire_packets_in_total",
		Help: "UDP packets received from the physical network",
	})
	m.PacketsOut = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ztnode_wire_packets_out_total",
		Help: "UDP packets sent to the physical network",
	})
	m.BytesIn = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ztnode_wire_bytes_in_total",
		Help: "Bytes received from the physical network",
	})
	m.BytesOut = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ztnode_wire_bytes_out_total",
		Help: "Bytes sent to the physical network",
	})

	m.FramesIn = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ztnode_frames_in_total",
		Help: "Frames received from virtual network adapters",
	})
	m.FramesOut = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ztnode_frames_out_total",
		Help: "Frames delivered to virtual network adapters",
	})

	m.EventsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ztnode_events_emitted_total",
		Help: "Events emitted to subscribers",
	}, []string{"code"})
	m.EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ztnode_events_dropped_total",
		Help: "Events shed due to a full queue",
	})

	m.NetworksJoined = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ztnode_networks_joined",
		Help: "Virtual networks with an active adapter",
	})
	m.PeersKnown = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ztnode_peers_known",
		Help: "Peers currently known to the node",
	})
	m.PeersDirect = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ztnode_peers_direct",
		Help: "Peers with at least one direct path",
	})
	m.Bindings = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ztnode_bindings",
		Help: "Bound local UDP sockets",
	})
	m.BindRefreshes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ztnode_bind_refreshes_total",
		Help: "Binding reconciliation passes",
	})
	m.StateWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ztnode_state_writes_total",
		Help: "State objects written to disk",
	})
	m.LoopWakeups = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ztnode_loop_wakeups_total",
		Help: "Control loop iterations",
	})

	m.Online = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ztnode_online",
		Help: "Whether the node can reach a root (1 = online)",
	})
	m.Uptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ztnode_uptime_seconds",
		Help: "Seconds since the service started",
	})

	m.registry.MustRegister(
		m.PacketsIn, m.PacketsOut, m.BytesIn, m.BytesOut,
		m.FramesIn, m.FramesOut,
		m.EventsEmitted, m.EventsDropped,
		m.NetworksJoined, m.PeersKnown, m.PeersDirect,
		m.Bindings, m.BindRefreshes, m.StateWrites, m.LoopWakeups,
		m.Online, m.Uptime,
	)
	return m
}

// Handler returns an HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
