// Package metrics exposes the chatwire server runtime counters in the
// prometheus text format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the server metrics and their registry. One instance is
// shared by the chat server and the web console.
type Metrics struct {
	registry *prometheus.Registry

	totalMessages  prometheus.Counter
	connectedUsers prometheus.Gauge
	sqlDuration    *prometheus.HistogramVec
}

// New creates the metric set on its own registry, with the standard process
// and Go runtime collectors attached.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		totalMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "total_messages",
			Help: "Total messages sent in this server instance",
		}),
		connectedUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "connected_users",
			Help: "Number of currently connected chat users",
		}),
		sqlDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "sql_query_duration_seconds",
			Help: "Latency of store queries by operation",
		}, []string{"query"}),
	}
	m.registry.MustRegister(
		m.totalMessages,
		m.connectedUsers,
		m.sqlDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// MessageSent counts one delivered chat message.
func (m *Metrics) MessageSent() {
	m.totalMessages.Inc()
}

// UserConnected tracks a session entering the authenticated state.
func (m *Metrics) UserConnected() {
	m.connectedUsers.Inc()
}

// UserDisconnected tracks an authenticated session ending.
func (m *Metrics) UserDisconnected() {
	m.connectedUsers.Dec()
}

// ObserveQuery records the latency of one store operation. Its signature
// matches the store query observer hook.
func (m *Metrics) ObserveQuery(query string, d time.Duration) {
	m.sqlDuration.WithLabelValues(query).Observe(d.Seconds())
}

// Registry returns the backing registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
