// Package metrics holds the Prometheus instruments of the server. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	// Pool
	PoolIdle         *prometheus.GaugeVec
	PoolCheckedOut   *prometheus.GaugeVec
	PoolCreated      prometheus.Gauge
	PoolCheckouts    *prometheus.CounterVec
	PoolWaitDuration prometheus.Histogram

	// Fan-out
	DispatchTargets *prometheus.CounterVec
	DispatchErrors  prometheus.Counter

	// Streaming
	StreamSessions prometheus.Gauge

	// Worker
	JobOutcomes *prometheus.CounterVec

	// Signatures
	SignatureVerifications *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates and registers every instrument with registry. A nil
// registry means the default one.
func New(registry *prometheus.Registry) *Metrics {
	var reg prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if registry != nil {
		reg, gatherer = registry, registry
	}
	f := promauto.With(reg)

	return &Metrics{
		PoolIdle: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "connection_pool_idle",
			Help: "Idle pooled connections per destination",
		}, []string{"host"}),
		PoolCheckedOut: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "connection_pool_checked_out",
			Help: "Checked out pooled connections per destination",
		}, []string{"host"}),
		PoolCreated: f.NewGauge(prometheus.GaugeOpts{
			Name: "connection_pool_created",
			Help: "Connections counted against the shared ceiling",
		}),
		PoolCheckouts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "connection_pool_checkouts_total",
			Help: "Checkouts by result (reused, created, timeout, error)",
		}, []string{"result"}),
		PoolWaitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "connection_pool_wait_seconds",
			Help:    "Time spent waiting for a connection",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		DispatchTargets: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fanout_targets_total",
			Help: "Delivery targets reached by fan-out, by kind",
		}, []string{"kind"}),
		DispatchErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "fanout_errors_total",
			Help: "Failed publishes and enqueues during fan-out",
		}),
		StreamSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "streaming_sessions",
			Help: "Open streaming sessions",
		}),
		JobOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "delivery_jobs_total",
			Help: "Delivery jobs by kind and outcome (done, retry, dropped, expired)",
		}, []string{"kind", "outcome"}),
		SignatureVerifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signature_verifications_total",
			Help: "Signature verifications by message type and result",
		}, []string{"message", "result"}),
		gatherer: gatherer,
	}
}

// Handler serves the registry the instruments were registered with.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) PoolGauges(host string, idle, checkedOut, created int) {
	if m == nil {
		return
	}
	m.PoolIdle.WithLabelValues(host).Set(float64(idle))
	m.PoolCheckedOut.WithLabelValues(host).Set(float64(checkedOut))
	m.PoolCreated.Set(float64(created))
}

func (m *Metrics) PoolCheckout(result string, waitSeconds float64) {
	if m == nil {
		return
	}
	m.PoolCheckouts.WithLabelValues(result).Inc()
	m.PoolWaitDuration.Observe(waitSeconds)
}

func (m *Metrics) DispatchTarget(kind string) {
	if m == nil {
		return
	}
	m.DispatchTargets.WithLabelValues(kind).Inc()
}

func (m *Metrics) DispatchError() {
	if m == nil {
		return
	}
	m.DispatchErrors.Inc()
}

func (m *Metrics) JobOutcome(kind, outcome string) {
	if m == nil {
		return
	}
	m.JobOutcomes.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) Verification(message string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.SignatureVerifications.WithLabelValues(message, result).Inc()
}

// StreamOpened counts a session and returns the func that closes it.
func (m *Metrics) StreamOpened() func() {
	if m == nil {
		return func() {}
	}
	m.StreamSessions.Inc()
	return m.StreamSessions.Dec
}
