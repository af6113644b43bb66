// Package metrics holds the Prometheus collectors for UDP ingest, the PSS
// codec, OBS requests and path generation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/restrike/restrike-vta/internal/pss"
)

const namespace = "restrike"

// Connection state codes exported by restrike_obs_connection_state.
var stateCodes = map[string]float64{
	"disconnected":   0,
	"connecting":     1,
	"connected":      2,
	"authenticating": 3,
	"authenticated":  4,
	"error":          -1,
}

// Metrics owns a private registry so several instances can coexist in
// one process.
type Metrics struct {
	registry *prometheus.Registry

	udpPackets     *prometheus.CounterVec
	udpBytes       prometheus.Counter
	codecDiags     *prometheus.CounterVec
	obsRequests    *prometheus.CounterVec
	obsLatency     *prometheus.HistogramVec
	obsState       *prometheus.GaugeVec
	subsDropped    prometheus.Counter
	pathsGenerated prometheus.Counter
	pathsFailed    prometheus.Counter
}

// New creates and registers all collectors, plus the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		udpPackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_packets_total",
			Help:      "UDP datagrams received, by parse result.",
		}, []string{"result"}),

		udpBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_bytes_total",
			Help:      "Bytes received on the PSS socket.",
		}),

		codecDiags: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "codec_diagnostics_total",
			Help:      "Diagnostics raised while decoding PSS datagrams, by kind.",
		}, []string{"kind"}),

		obsRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "obs_requests_total",
			Help:      "OBS WebSocket requests, by connection, request type and result.",
		}, []string{"connection", "type", "result"}),

		obsLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "obs_request_seconds",
			Help:      "OBS WebSocket request round-trip time.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"connection"}),

		obsState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "obs_connection_state",
			Help:      "OBS session state: -1 error, 0 disconnected, 1 connecting, 2 connected, 3 authenticating, 4 authenticated.",
		}, []string{"connection"}),

		subsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_subscribers_dropped_total",
			Help:      "Journal subscribers evicted for falling behind.",
		}),

		pathsGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "paths_generated_total",
			Help:      "Recording paths programmed into OBS.",
		}),

		pathsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "paths_failed_total",
			Help:      "Recording path programming attempts that failed.",
		}),
	}

	m.registry.MustRegister(
		m.udpPackets, m.udpBytes, m.codecDiags,
		m.obsRequests, m.obsLatency, m.obsState,
		m.subsDropped, m.pathsGenerated, m.pathsFailed,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveDatagram records one received datagram.
func (m *Metrics) ObserveDatagram(bytes int, parsed bool, diags []pss.Diagnostic) {
	m.udpBytes.Add(float64(bytes))
	if parsed {
		m.udpPackets.WithLabelValues("parsed").Inc()
	} else {
		m.udpPackets.WithLabelValues("rejected").Inc()
	}
	m.ObserveDiagnostics(diags)
}

// ObserveDiagnostics counts diagnostics by kind. The match model's fold
// diagnostics go through here too.
func (m *Metrics) ObserveDiagnostics(diags []pss.Diagnostic) {
	for _, d := range diags {
		m.codecDiags.WithLabelValues(string(d.Kind)).Inc()
	}
}

// ObserveRequest records one OBS request outcome.
func (m *Metrics) ObserveRequest(connection, requestType, result string, elapsed time.Duration) {
	m.obsRequests.WithLabelValues(connection, requestType, result).Inc()
	m.obsLatency.WithLabelValues(connection).Observe(elapsed.Seconds())
}

// SetConnectionState exports the current state of a connection.
func (m *Metrics) SetConnectionState(connection, state string) {
	code, ok := stateCodes[state]
	if !ok {
		code = -1
	}
	m.obsState.WithLabelValues(connection).Set(code)
}

// ForgetConnection removes a connection's state series.
func (m *Metrics) ForgetConnection(connection string) {
	m.obsState.DeleteLabelValues(connection)
}

// SubscriberDropped counts one evicted journal subscriber.
func (m *Metrics) SubscriberDropped(uint64) { m.subsDropped.Inc() }

// PathGenerated counts one programmed recording path.
func (m *Metrics) PathGenerated() { m.pathsGenerated.Inc() }

// PathFailed counts one failed path programming attempt.
func (m *Metrics) PathFailed() { m.pathsFailed.Inc() }
