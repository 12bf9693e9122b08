// Package metrics exposes Prometheus collectors for peers and the
// rendezvous server. All recording methods are safe on a nil receiver so
// callers can leave metrics unconfigured.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"pongnet/pkg/rollback"
)

// Config configures collector registration.
type Config struct {
	// Namespace is the metrics namespace (default: "pongnet").
	Namespace string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures collector registration.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func newConfig(opts []Option) Config {
	c := Config{
		Namespace: "pongnet",
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Netplay holds the per-peer session collectors.
type Netplay struct {
	rollbacks       prometheus.Counter
	resimulated     prometheus.Counter
	mispredictions  *prometheus.CounterVec
	lateInputs      prometheus.Counter
	stalls          prometheus.Counter
	confirmedFrame  prometheus.Gauge
	desyncs         *prometheus.CounterVec
	disconnects     prometheus.Counter
	rtt             prometheus.Histogram
	framesAhead     prometheus.Gauge
	packetsSent     *prometheus.CounterVec
	packetsReceived *prometheus.CounterVec
	decodeErrors    prometheus.Counter
}

var _ rollback.Observer = (*Netplay)(nil)

// NewNetplay registers the session collectors.
func NewNetplay(opts ...Option) *Netplay {
	config := newConfig(opts)
	factory := promauto.With(config.Registry)
	counter := func(subsystem, name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}
	return &Netplay{
		rollbacks:   counter("rollback", "rollbacks_total", "Number of rollbacks performed"),
		resimulated: counter("rollback", "resimulated_frames_total", "Frames stepped again during rollbacks"),
		mispredictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   "rollback",
			Name:        "mispredictions_total",
			Help:        "Predicted inputs later found wrong, by player handle",
			ConstLabels: config.ConstLabels,
		}, []string{"handle"}),
		lateInputs: counter("rollback", "late_inputs_total", "Inputs discarded because they arrived below retained history"),
		stalls:     counter("rollback", "stalls_total", "Ticks skipped because the prediction window was full"),
		confirmedFrame: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   "rollback",
			Name:        "confirmed_frame",
			Help:        "Highest frame with all inputs confirmed",
			ConstLabels: config.ConstLabels,
		}),
		desyncs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   "session",
			Name:        "desyncs_total",
			Help:        "Sessions ended by desynchronization, by reason",
			ConstLabels: config.ConstLabels,
		}, []string{"reason"}),
		disconnects: counter("session", "peer_disconnects_total", "Peers lost during a session"),
		rtt: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   "session",
			Name:        "rtt_seconds",
			Help:        "Round trip time samples to peers",
			ConstLabels: config.ConstLabels,
			Buckets:     []float64{.005, .01, .025, .05, .075, .1, .15, .2, .3, .5, 1},
		}),
		framesAhead: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   "session",
			Name:        "frames_ahead",
			Help:        "Local frame advantage over the slowest peer",
			ConstLabels: config.ConstLabels,
		}),
		packetsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   "transport",
			Name:        "packets_sent_total",
			Help:        "Packets sent to peers, by type",
			ConstLabels: config.ConstLabels,
		}, []string{"type"}),
		packetsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   "transport",
			Name:        "packets_received_total",
			Help:        "Packets received from peers, by type",
			ConstLabels: config.ConstLabels,
		}, []string{"type"}),
		decodeErrors: counter("transport", "decode_errors_total", "Datagrams that failed to decode"),
	}
}

func (m *Netplay) Misprediction(h rollback.PlayerHandle, _ rollback.Frame) {
	if m == nil {
		return
	}
	m.mispredictions.WithLabelValues(strconv.Itoa(int(h))).Inc()
}

func (m *Netplay) Rollback(_ rollback.Frame, frames int) {
	if m == nil {
		return
	}
	m.rollbacks.Inc()
	m.resimulated.Add(float64(frames))
}

func (m *Netplay) LateInput(rollback.PlayerHandle, rollback.Frame) {
	if m == nil {
		return
	}
	m.lateInputs.Inc()
}

func (m *Netplay) Stall(rollback.Frame) {
	if m == nil {
		return
	}
	m.stalls.Inc()
}

func (m *Netplay) Confirmed(f rollback.Frame) {
	if m == nil {
		return
	}
	m.confirmedFrame.Set(float64(f))
}

// Desync counts a session ended by desynchronization.
func (m *Netplay) Desync(reason string) {
	if m == nil {
		return
	}
	m.desyncs.WithLabelValues(reason).Inc()
}

// PeerDisconnected counts a lost peer.
func (m *Netplay) PeerDisconnected() {
	if m == nil {
		return
	}
	m.disconnects.Inc()
}

// RTT records one round trip sample.
func (m *Netplay) RTT(d time.Duration) {
	if m == nil {
		return
	}
	m.rtt.Observe(d.Seconds())
}

// FramesAhead records the current frame advantage.
func (m *Netplay) FramesAhead(n float64) {
	if m == nil {
		return
	}
	m.framesAhead.Set(n)
}

// PacketSent counts an outgoing packet of the given type.
func (m *Netplay) PacketSent(kind string) {
	if m == nil {
		return
	}
	m.packetsSent.WithLabelValues(kind).Inc()
}

// PacketReceived counts an incoming packet of the given type.
func (m *Netplay) PacketReceived(kind string) {
	if m == nil {
		return
	}
	m.packetsReceived.WithLabelValues(kind).Inc()
}

// DecodeError counts an undecodable datagram.
func (m *Netplay) DecodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

// Rendezvous holds the signaling server collectors.
type Rendezvous struct {
	rooms    prometheus.Gauge
	peers    prometheus.Gauge
	joins    *prometheus.CounterVec
	matches  prometheus.Counter
	relayed  prometheus.Counter
	wsErrors *prometheus.CounterVec
}

// NewRendezvous registers the signaling server collectors.
func NewRendezvous(opts ...Option) *Rendezvous {
	config := newConfig(opts)
	factory := promauto.With(config.Registry)
	return &Rendezvous{
		rooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   "rendezvous",
			Name:        "rooms",
			Help:        "Rooms with at least one connected peer",
			ConstLabels: config.ConstLabels,
		}),
		peers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   "rendezvous",
			Name:        "peers",
			Help:        "Connected peers",
			ConstLabels: config.ConstLabels,
		}),
		joins: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   "rendezvous",
			Name:        "joins_total",
			Help:        "Join attempts by result",
			ConstLabels: config.ConstLabels,
		}, []string{"result"}),
		matches: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   "rendezvous",
			Name:        "matches_total",
			Help:        "Rooms that filled and were announced",
			ConstLabels: config.ConstLabels,
		}),
		relayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   "rendezvous",
			Name:        "relayed_messages_total",
			Help:        "Data messages forwarded between peers",
			ConstLabels: config.ConstLabels,
		}),
		wsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   "rendezvous",
			Name:        "websocket_errors_total",
			Help:        "WebSocket errors by type",
			ConstLabels: config.ConstLabels,
		}, []string{"type"}),
	}
}

// RoomOpened and RoomClosed track the room gauge.
func (m *Rendezvous) RoomOpened() {
	if m != nil {
		m.rooms.Inc()
	}
}

func (m *Rendezvous) RoomClosed() {
	if m != nil {
		m.rooms.Dec()
	}
}

// PeerConnected and PeerLeft track the peer gauge.
func (m *Rendezvous) PeerConnected() {
	if m != nil {
		m.peers.Inc()
	}
}

func (m *Rendezvous) PeerLeft() {
	if m != nil {
		m.peers.Dec()
	}
}

// Join counts a join attempt: "ok", "room_full", "bad_request" or
// "server_full".
func (m *Rendezvous) Join(result string) {
	if m != nil {
		m.joins.WithLabelValues(result).Inc()
	}
}

// Matched counts a room that filled.
func (m *Rendezvous) Matched() {
	if m != nil {
		m.matches.Inc()
	}
}

// Relayed counts a forwarded data message.
func (m *Rendezvous) Relayed() {
	if m != nil {
		m.relayed.Inc()
	}
}

// WebSocketError counts a websocket failure by type.
func (m *Rendezvous) WebSocketError(kind string) {
	if m != nil {
		m.wsErrors.WithLabelValues(kind).Inc()
	}
}
