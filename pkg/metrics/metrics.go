// Package metrics holds the bridge's runtime counters and their Prometheus
// exposition.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mqtt_bridge"

// Snapshot is a point-in-time copy of the runtime counters.
type Snapshot struct {
	Received    int64 `json:"received"`
	Published   int64 `json:"published"`
	Failed      int64 `json:"failed"`
	Flushes     int64 `json:"flushes"`
	CircuitOpen bool  `json:"circuitOpen"`
}

// Metrics is the process-wide set of runtime counters. Every method is safe
// for concurrent use. Each instance owns its own Prometheus registry.
type Metrics struct {
	received    atomic.Int64
	published   atomic.Int64
	failed      atomic.Int64
	flushes     atomic.Int64
	circuitOpen atomic.Bool

	registry          *prometheus.Registry
	latency           *prometheus.HistogramVec
	bufferUtilization *prometheus.GaugeVec
	publishedTotal    *prometheus.CounterVec
	failedTotal       *prometheus.CounterVec
	bufferedTotal     *prometheus.CounterVec
	flushesTotal      prometheus.Counter
	circuitOpenGauge  prometheus.Gauge
}

// New creates a Metrics instance with a fresh registry that also carries the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_processing_seconds",
			Help:      "Time from MQTT receipt until the message is buffered, by message class.",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"class"}),
		bufferUtilization: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_utilization",
			Help:      "Current buffer length divided by the maximum buffer size, per destination topic.",
		}, []string{"topic"}),
		publishedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Messages successfully published to Pub/Sub.",
		}, []string{"topic"}),
		failedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_failed_total",
			Help:      "Messages dropped after publish retries were exhausted.",
		}, []string{"topic"}),
		bufferedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_buffered_total",
			Help:      "Messages routed into a destination buffer.",
		}, []string{"topic"}),
		flushesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Non-empty buffer flushes.",
		}),
		circuitOpenGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_open",
			Help:      "1 while the publish circuit breaker is open.",
		}),
	}
}

// IncReceived records one message buffered for topic.
func (m *Metrics) IncReceived(topic string) {
	m.received.Add(1)
	m.bufferedTotal.WithLabelValues(topic).Inc()
}

// AddPublished records n messages published to topic.
func (m *Metrics) AddPublished(topic string, n int) {
	m.published.Add(int64(n))
	m.publishedTotal.WithLabelValues(topic).Add(float64(n))
}

// AddFailed records n messages that could not be published to topic.
func (m *Metrics) AddFailed(topic string, n int) {
	m.failed.Add(int64(n))
	m.failedTotal.WithLabelValues(topic).Add(float64(n))
}

// IncFlush records one non-empty flush.
func (m *Metrics) IncFlush() {
	m.flushes.Add(1)
	m.flushesTotal.Inc()
}

// SetCircuitOpen records whether the publish circuit breaker is open.
func (m *Metrics) SetCircuitOpen(open bool) {
	m.circuitOpen.Store(open)
	if open {
		m.circuitOpenGauge.Set(1)
	} else {
		m.circuitOpenGauge.Set(0)
	}
}

// SetBufferUtilization records the utilization of a destination buffer.
func (m *Metrics) SetBufferUtilization(topic string, utilization float64) {
	m.bufferUtilization.WithLabelValues(topic).Set(utilization)
}

// ObserveLatency records the receipt-to-buffered latency for a message class.
func (m *Metrics) ObserveLatency(class string, d time.Duration) {
	m.latency.WithLabelValues(class).Observe(d.Seconds())
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Received:    m.received.Load(),
		Published:   m.published.Load(),
		Failed:      m.failed.Load(),
		Flushes:     m.flushes.Load(),
		CircuitOpen: m.circuitOpen.Load(),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
