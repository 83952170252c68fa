package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Solana RPC Metrics
	solanaRPCCallsTotal   *prometheus.CounterVec
	solanaRPCCallDuration *prometheus.HistogramVec
	accountCacheLookups   *prometheus.CounterVec
	rpcWorkersBusy        prometheus.Gauge

	// Connection Pool Metrics
	poolAcquireDuration *prometheus.HistogramVec
	poolAcquireTotal    *prometheus.CounterVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec
	searchResultRows  prometheus.Histogram

	// HTTP Metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec
	httpPanicsTotal     *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Solana RPC Metrics
		solanaRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		solanaRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		accountCacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "account_cache_lookups_total",
				Help: "Total number of account snapshot cache lookups by result",
			},
			[]string{"result"},
		),
		rpcWorkersBusy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "rpc_workers_busy",
				Help: "Number of ledger worker slots currently running a lookup",
			},
		),

		// Connection Pool Metrics
		poolAcquireDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_pool_acquire_duration_seconds",
				Help:    "Time spent waiting for a pooled database connection",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
			[]string{"status"},
		),
		poolAcquireTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_pool_acquire_total",
				Help: "Total number of pooled connection acquisitions by outcome",
			},
			[]string{"status"},
		),

		// Database Metrics
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),
		searchResultRows: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "transaction_search_result_rows",
				Help:    "Number of rows returned per transaction search",
				Buckets: []float64{0, 1, 10, 100, 1000, 10000},
			},
		),

		// HTTP Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		httpPanicsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_panics_recovered_total",
				Help: "Total number of panics recovered inside HTTP handlers",
			},
			[]string{"path"},
		),

		// NATS Metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Solana RPC metric helpers

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	m.solanaRPCCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.solanaRPCCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordAccountCacheLookup records an account cache hit or miss.
func (m *Metrics) RecordAccountCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.accountCacheLookups.WithLabelValues(result).Inc()
}

// RecordWorkerBusy adjusts the number of busy ledger worker slots.
func (m *Metrics) RecordWorkerBusy(delta float64) {
	m.rpcWorkersBusy.Add(delta)
}

// Connection pool metric helpers

// RecordPoolAcquire records a connection acquisition attempt.
// Status is one of "success", "exhausted" or "error".
func (m *Metrics) RecordPoolAcquire(status string, duration float64) {
	m.poolAcquireDuration.WithLabelValues(status).Observe(duration)
	m.poolAcquireTotal.WithLabelValues(status).Inc()
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordSearchRows records how many rows a transaction search returned.
func (m *Metrics) RecordSearchRows(count int) {
	m.searchResultRows.Observe(float64(count))
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordPanic records a panic recovered by the HTTP middleware.
func (m *Metrics) RecordPanic(path string) {
	m.httpPanicsTotal.WithLabelValues(path).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
