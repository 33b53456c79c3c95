package monitoring

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusExporter mirrors ingested operation events into a dedicated
// Prometheus registry, scraped via the raw /monitoring/prometheus endpoint.
type PrometheusExporter struct {
	registry *prometheus.Registry

	operations    *prometheus.CounterVec
	exceptions    *prometheus.CounterVec
	duplicates    prometheus.Counter
	coldStarts    prometheus.Counter
	backoffSpent  prometheus.Counter
	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter
	opLatency     *prometheus.HistogramVec
}

// NewPrometheusExporter builds the exporter and registers its collectors.
func NewPrometheusExporter() *PrometheusExporter {
	registry := prometheus.NewRegistry()

	e := &PrometheusExporter{
		registry: registry,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metadata_operations_total",
			Help: "Operations reported, by source, transport and deployment.",
		}, []string{"source", "transport", "deployment"}),
		exceptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metadata_operation_exceptions_total",
			Help: "Exceptions carried in result envelopes, by kind.",
		}, []string{"kind"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metadata_duplicate_requests_total",
			Help: "Requests answered with a duplicate-request marker.",
		}),
		coldStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metadata_cold_starts_total",
			Help: "Operations that were the first on a fresh instance.",
		}),
		backoffSpent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metadata_backoff_exhausted_total",
			Help: "Client submissions that exhausted every retry attempt.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metadata_cache_hits_total",
			Help: "Metadata cache hits reported in result envelopes.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metadata_cache_misses_total",
			Help: "Metadata cache misses reported in result envelopes.",
		}),
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "metadata_operation_latency_ms",
			Help:    "End-to-end operation latency in milliseconds.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 17000},
		}, []string{"transport"}),
	}

	registry.MustRegister(
		e.operations, e.exceptions, e.duplicates, e.coldStarts,
		e.backoffSpent, e.cacheHits, e.cacheMisses, e.opLatency,
	)
	return e
}

// Record mirrors one event into the registry.
func (e *PrometheusExporter) Record(event MetricEvent) {
	deployment := strconv.Itoa(event.Deployment)
	e.operations.WithLabelValues(event.Source, event.Transport, deployment).Inc()
	for _, kind := range event.ExceptionKinds {
		e.exceptions.WithLabelValues(kind).Inc()
	}
	if event.Duplicate {
		e.duplicates.Inc()
	}
	if event.ColdStart {
		e.coldStarts.Inc()
	}
	if event.BackoffExhausted {
		e.backoffSpent.Inc()
	}
	e.cacheHits.Add(float64(event.CacheHits))
	e.cacheMisses.Add(float64(event.CacheMisses))
	if event.LatencyMs > 0 {
		e.opLatency.WithLabelValues(event.Transport).Observe(event.LatencyMs)
	}
}

// Handler returns the scrape handler for this exporter's registry.
func (e *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Prometheus serves the scrape endpoint.
//
//encore:api public raw method=GET path=/monitoring/prometheus
func Prometheus(w http.ResponseWriter, req *http.Request) {
	if svc == nil {
		http.Error(w, "service not initialized", http.StatusServiceUnavailable)
		return
	}
	svc.exporter.Handler().ServeHTTP(w, req)
}
