// Package metrics exposes Prometheus collectors for the CM client.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "steamcm"

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	packets        *prometheus.CounterVec
	malformed      *prometheus.CounterVec
	messagesSent   *prometheus.CounterVec
	handshakes     *prometheus.CounterVec
	challenges     prometheus.Counter
	selectedLoad   prometheus.Gauge
	state          prometheus.Gauge
	heartbeatsSent prometheus.Counter
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		packets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_total",
			Help:      "Datagrams exchanged with the CM server",
		}, []string{"direction", "type"}),

		malformed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_total",
			Help:      "Datagrams or messages dropped because they failed to decode",
		}, []string{"kind"}),

		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Application messages sent, by message type",
		}, []string{"emsg"}),

		handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Channel encryption results received",
		}, []string{"result"}),

		challenges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "challenges_total",
			Help:      "Challenge responses received during discovery",
		}),

		selectedLoad: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "selected_server_load",
			Help:      "Advertised load of the server chosen by discovery",
		}),

		state: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state (0 idle .. 5 closed)",
		}),

		heartbeatsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_sent_total",
			Help:      "Heartbeat messages sent",
		}),
	}
}

func (m *Metrics) PacketSent(packetType string) {
	if m != nil {
		m.packets.WithLabelValues("out", packetType).Inc()
	}
}

func (m *Metrics) PacketReceived(packetType string) {
	if m != nil {
		m.packets.WithLabelValues("in", packetType).Inc()
	}
}

// Malformed counts a drop; kind is "frame" or "message".
func (m *Metrics) Malformed(kind string) {
	if m != nil {
		m.malformed.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) MessageSent(emsg string) {
	if m != nil {
		m.messagesSent.WithLabelValues(emsg).Inc()
	}
}

func (m *Metrics) Handshake(result string) {
	if m != nil {
		m.handshakes.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ChallengeReceived() {
	if m != nil {
		m.challenges.Inc()
	}
}

func (m *Metrics) ServerSelected(load uint32) {
	if m != nil {
		m.selectedLoad.Set(float64(load))
	}
}

func (m *Metrics) SetState(state int) {
	if m != nil {
		m.state.Set(float64(state))
	}
}

func (m *Metrics) HeartbeatSent() {
	if m != nil {
		m.heartbeatsSent.Inc()
	}
}

// Serve exposes gatherer on srv.Addr at /metrics until the server fails or is
// shut down. A shut-down server returns nil.
func Serve(srv *http.Server, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv.Handler = mux

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
