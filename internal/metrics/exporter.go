package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"awgctl/internal/model"
)

// Exporter exposes collector and controller state to Prometheus. It uses
// its own registry so tests can build several. A nil *Exporter is valid and
// records nothing.
type Exporter struct {
	registry *prometheus.Registry

	received     *prometheus.GaugeVec
	sent         *prometheus.GaugeVec
	traffic      *prometheus.CounterVec
	resets       prometheus.Counter
	ticks        prometheus.Counter
	interfaceUp  prometheus.Gauge
	peers        prometheus.Gauge
	adminActions *prometheus.CounterVec
}

func NewExporter() *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		received: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "awgctl_peer_received_bytes",
				Help: "Cumulative bytes received from the peer as reported by the data plane",
			},
			[]string{"peer"},
		),
		sent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "awgctl_peer_sent_bytes",
				Help: "Cumulative bytes sent to the peer as reported by the data plane",
			},
			[]string{"peer"},
		),
		traffic: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "awgctl_peer_traffic_bytes_total",
				Help: "Traffic attributed to peers from per-tick deltas",
			},
			[]string{"direction"},
		),
		resets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "awgctl_counter_resets_total",
			Help: "Observed counter regressions that started a new epoch",
		}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "awgctl_stats_ticks_total",
			Help: "Completed stats collection ticks",
		}),
		interfaceUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "awgctl_interface_up",
			Help: "1 when the managed interface passes its health check",
		}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "awgctl_peers",
			Help: "Registered peers",
		}),
		adminActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "awgctl_admin_actions_total",
				Help: "Administrative actions by outcome",
			},
			[]string{"action", "outcome"},
		),
	}
	e.registry.MustRegister(e.received, e.sent, e.traffic, e.resets, e.ticks, e.interfaceUp, e.peers, e.adminActions)
	return e
}

// Handler serves the registry in the Prometheus text format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// ObserveSample updates per-peer gauges and traffic counters.
func (e *Exporter) ObserveSample(s model.StatSample) {
	if e == nil {
		return
	}
	e.received.WithLabelValues(s.PublicKey).Set(float64(s.RxBytes))
	e.sent.WithLabelValues(s.PublicKey).Set(float64(s.TxBytes))
	e.traffic.WithLabelValues("rx").Add(float64(s.RxDelta))
	e.traffic.WithLabelValues("tx").Add(float64(s.TxDelta))
}

func (e *Exporter) CounterReset() {
	if e == nil {
		return
	}
	e.resets.Inc()
}

func (e *Exporter) Tick() {
	if e == nil {
		return
	}
	e.ticks.Inc()
}

// ForgetPeer drops the gauges of a deleted peer.
func (e *Exporter) ForgetPeer(publicKey string) {
	if e == nil {
		return
	}
	e.received.DeleteLabelValues(publicKey)
	e.sent.DeleteLabelValues(publicKey)
}

func (e *Exporter) SetInterfaceUp(up bool) {
	if e == nil {
		return
	}
	if up {
		e.interfaceUp.Set(1)
	} else {
		e.interfaceUp.Set(0)
	}
}

func (e *Exporter) SetPeers(n int) {
	if e == nil {
		return
	}
	e.peers.Set(float64(n))
}

func (e *Exporter) AdminAction(action, outcome string) {
	if e == nil {
		return
	}
	e.adminActions.WithLabelValues(action, outcome).Inc()
}
