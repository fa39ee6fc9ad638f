// Package metrics collects and exposes Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sourcehub"

// Collector holds the service's Prometheus metrics.
type Collector struct {
	ingestRows     *prometheus.CounterVec
	ingestTotal    *prometheus.CounterVec
	ingestFailures *prometheus.CounterVec
	ingestLatency  *prometheus.HistogramVec
	authEvents     *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpLatency    *prometheus.HistogramVec

	reg prometheus.Registerer
}

// NewCollector creates a Collector and registers it with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		ingestRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_rows_total",
			Help:      "Rows stored by successful ingestions.",
		}, []string{"kind"}),
		ingestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_total",
			Help:      "Successful ingestions.",
		}, []string{"kind"}),
		ingestFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_failures_total",
			Help:      "Failed ingestions by error code.",
		}, []string{"kind", "code"}),
		ingestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Ingestion duration including persistence.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"kind"}),
		authEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_events_total",
			Help:      "Credential verification events by outcome.",
		}, []string{"event", "outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP responses by route and status code.",
		}, []string{"method", "route", "status_code"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		reg: reg,
	}

	reg.MustRegister(
		c.ingestRows,
		c.ingestTotal,
		c.ingestFailures,
		c.ingestLatency,
		c.authEvents,
		c.httpRequests,
		c.httpLatency,
	)
	return c
}

// RecordIngest records a committed ingestion.
func (c *Collector) RecordIngest(kind string, rows int, d time.Duration) {
	c.ingestTotal.WithLabelValues(kind).Inc()
	c.ingestRows.WithLabelValues(kind).Add(float64(rows))
	c.ingestLatency.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordIngestFailure records a rolled back ingestion.
func (c *Collector) RecordIngestFailure(kind, code string) {
	c.ingestFailures.WithLabelValues(kind, code).Inc()
}

// RecordAuthEvent records a verification or login outcome.
func (c *Collector) RecordAuthEvent(event, outcome string) {
	c.authEvents.WithLabelValues(event, outcome).Inc()
}

// RecordHTTPRequest records one served request. route is the matched
// pattern, not the raw path.
func (c *Collector) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpLatency.WithLabelValues(method, route).Observe(d.Seconds())
}

// RegisterGauge exposes fn as a gauge.
func (c *Collector) RegisterGauge(name, help string, fn func() float64) {
	c.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Handler returns the scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
