// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for backend latency.
var defaultBuckets = []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Connection kinds.
const (
	KindConnect = "connect"
	KindForward = "forward"
	KindInvalid = "invalid"
)

// Metrics holds all Prometheus metric collectors for the proxy. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	Connections       *prometheus.CounterVec
	ActiveConnections prometheus.Gauge
	SessionErrors     *prometheus.CounterVec

	TunnelBytes  *prometheus.CounterVec
	TunnelsEnded *prometheus.CounterVec

	BackendDuration  *prometheus.HistogramVec
	BackendResponses *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		Connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mimic_connections_total",
			Help: "Accepted client connections by the kind of request they carried.",
		}, []string{"kind"}),

		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mimic_connections_active",
			Help: "Client connections currently being served.",
		}),

		SessionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mimic_session_errors_total",
			Help: "Client sessions that ended with an error response, by status code.",
		}, []string{"status_code"}),

		TunnelBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mimic_tunnel_bytes_total",
			Help: "Bytes relayed through CONNECT tunnels.",
		}, []string{"direction"}),

		TunnelsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mimic_tunnels_ended_total",
			Help: "Finished CONNECT tunnels by reason.",
		}, []string{"reason"}),

		BackendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mimic_backend_request_duration_seconds",
			Help:    "Backend call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		BackendResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mimic_backend_responses_total",
			Help: "Backend results by method and status code, or \"error\".",
		}, []string{"method", "status_code"}),
	}

	reg.MustRegister(
		m.Connections,
		m.ActiveConnections,
		m.SessionErrors,
		m.TunnelBytes,
		m.TunnelsEnded,
		m.BackendDuration,
		m.BackendResponses,
	)

	return m
}

// ConnOpened counts a newly accepted connection.
func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

// ConnClosed records a finished connection of the given kind.
func (m *Metrics) ConnClosed(kind string) {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
	m.Connections.WithLabelValues(kind).Inc()
}

// SessionError counts an error response sent to a client.
func (m *Metrics) SessionError(status int) {
	if m == nil {
		return
	}
	m.SessionErrors.WithLabelValues(strconv.Itoa(status)).Inc()
}

// TunnelEnded records a finished tunnel.
func (m *Metrics) TunnelEnded(reason string, up, down int64) {
	if m == nil {
		return
	}
	m.TunnelsEnded.WithLabelValues(reason).Inc()
	m.TunnelBytes.WithLabelValues("client_to_target").Add(float64(up))
	m.TunnelBytes.WithLabelValues("target_to_client").Add(float64(down))
}

// BackendDone records one backend call. A status of zero means it failed.
func (m *Metrics) BackendDone(method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	method = NormalizeMethod(method)
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	m.BackendDuration.WithLabelValues(method).Observe(elapsed.Seconds())
	m.BackendResponses.WithLabelValues(method, code).Inc()
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label.
// Non-standard methods are mapped to "other".
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}
