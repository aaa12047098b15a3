package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the audit pipeline
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Audit append metrics
	AuditAppendsTotal        *prometheus.CounterVec
	AuditAppendFailuresTotal *prometheus.CounterVec
	AuditAppendDuration      *prometheus.HistogramVec

	// Query metrics
	QueryDuration        *prometheus.HistogramVec
	QueryErrorsTotal     *prometheus.CounterVec
	HistoryCacheHits     prometheus.Counter
	HistoryCacheMisses   prometheus.Counter

	// Integrity and retention metrics
	IntegrityChecksTotal   *prometheus.CounterVec
	IntegrityFailuresTotal prometheus.Counter
	CoverageRatio          *prometheus.GaugeVec
	PurgedEntriesTotal     prometheus.Counter
	ArchivedEntriesTotal   prometheus.Counter

	// Anomaly detection metrics
	AnomaliesDetectedTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cellartrail_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cellartrail_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cellartrail_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),

		AuditAppendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cellartrail_appends_total",
				Help: "Total number of audit entries appended",
			},
			[]string{"table", "operation", "status"},
		),
		AuditAppendFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cellartrail_append_failures_total",
				Help: "Total number of audit append failures",
			},
			[]string{"table", "operation"},
		),
		AuditAppendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cellartrail_append_duration_seconds",
				Help:    "Audit append duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"table"},
		),

		QueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cellartrail_query_duration_seconds",
				Help:    "Audit query duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		QueryErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cellartrail_query_errors_total",
				Help: "Total number of audit query errors",
			},
			[]string{"operation", "error_type"},
		),
		HistoryCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cellartrail_history_cache_hits_total",
				Help: "Total number of record history cache hits",
			},
		),
		HistoryCacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cellartrail_history_cache_misses_total",
				Help: "Total number of record history cache misses",
			},
		),

		IntegrityChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cellartrail_integrity_checks_total",
				Help: "Total number of audit entry integrity verifications",
			},
			[]string{"result"},
		),
		IntegrityFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cellartrail_integrity_failures_total",
				Help: "Total number of audit entries failing checksum verification",
			},
		),
		CoverageRatio: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cellartrail_coverage_ratio",
				Help: "Fraction of mutations covered by audit entries, per table",
			},
			[]string{"table"},
		),
		PurgedEntriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cellartrail_purged_entries_total",
				Help: "Total number of audit entries removed by retention purges",
			},
		),
		ArchivedEntriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cellartrail_archived_entries_total",
				Help: "Total number of audit entries archived before purge",
			},
		),

		AnomaliesDetectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cellartrail_anomalies_detected_total",
				Help: "Total number of suspicious activity findings",
			},
			[]string{"rule"},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cellartrail_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cellartrail_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.AuditAppendsTotal,
		m.AuditAppendFailuresTotal,
		m.AuditAppendDuration,
		m.QueryDuration,
		m.QueryErrorsTotal,
		m.HistoryCacheHits,
		m.HistoryCacheMisses,
		m.IntegrityChecksTotal,
		m.IntegrityFailuresTotal,
		m.CoverageRatio,
		m.PurgedEntriesTotal,
		m.ArchivedEntriesTotal,
		m.AnomaliesDetectedTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
			metrics.HTTPResponseSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(rw.bytesWritten))
		})
	}
}

// CollectDBStats pushes connection pool statistics into the gauges.
// Call periodically from the owning process.
func (m *Metrics) CollectDBStats(open, idle int) {
	m.DBConnectionsActive.Set(float64(open - idle))
	m.DBConnectionsIdle.Set(float64(idle))
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
