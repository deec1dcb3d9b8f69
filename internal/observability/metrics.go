package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsManager manages Prometheus metrics.
//
// All recording methods are safe to call on a nil *MetricsManager, so
// transport code can take one as an optional dependency.
type MetricsManager struct {
	logger   *zap.SugaredLogger
	registry *prometheus.Registry

	// Core metrics
	uptime       prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	// Pipe metrics
	accepts           *prometheus.CounterVec
	acceptLatency     *prometheus.HistogramVec
	connects          *prometheus.CounterVec
	connectRetries    prometheus.Counter
	rearmFailures     *prometheus.CounterVec
	activeConnections prometheus.Gauge
	bytes             *prometheus.CounterVec
	operations        *prometheus.CounterVec
	iocpFallbacks     prometheus.Counter

	// Multiplexer metrics
	waitFanOuts    prometheus.Counter
	waitPartitions prometheus.Histogram
}

// NewMetricsManager creates a new metrics manager
func NewMetricsManager(logger *zap.SugaredLogger) *MetricsManager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	registry := prometheus.NewRegistry()

	mm := &MetricsManager{
		logger:   logger,
		registry: registry,
	}

	mm.initMetrics()
	mm.registerMetrics()

	return mm
}

// initMetrics initializes all Prometheus metrics
func (mm *MetricsManager) initMetrics() {
	mm.uptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wingpipe_uptime_seconds",
		Help: "Time since the application started",
	})

	mm.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wingpipe_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	mm.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wingpipe_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	mm.accepts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wingpipe_accepts_total",
			Help: "Total number of server-side accepts",
		},
		[]string{"endpoint", "status"},
	)

	mm.acceptLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wingpipe_accept_duration_seconds",
			Help:    "Time spent waiting in accept",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120},
		},
		[]string{"status"},
	)

	mm.connects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wingpipe_connects_total",
			Help: "Total number of client connect attempts",
		},
		[]string{"status"},
	)

	mm.connectRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wingpipe_connect_busy_retries_total",
		Help: "Number of times a client waited for a busy pipe",
	})

	mm.rearmFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wingpipe_rearm_failures_total",
			Help: "Number of endpoints dropped because a new instance could not be created",
		},
		[]string{"endpoint"},
	)

	mm.activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wingpipe_connections_active",
		Help: "Number of open connections",
	})

	mm.bytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wingpipe_bytes_total",
			Help: "Bytes transferred over pipe connections",
		},
		[]string{"direction"},
	)

	mm.operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wingpipe_stream_operations_total",
			Help: "Completed stream operations",
		},
		[]string{"backend", "direction", "status"},
	)

	mm.iocpFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wingpipe_iocp_fallbacks_total",
		Help: "Streams that fell back to classic overlapped I/O",
	})

	mm.waitFanOuts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wingpipe_wait_fanouts_total",
		Help: "Waits that were split across helper goroutines",
	})

	mm.waitPartitions = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "wingpipe_wait_fanout_partitions",
		Help:    "Number of partitions used by a split wait",
		Buckets: []float64{2, 3, 4, 8, 16, 32},
	})
}

// registerMetrics registers all metrics with the registry
func (mm *MetricsManager) registerMetrics() {
	mm.registry.MustRegister(
		mm.uptime,
		mm.httpRequests,
		mm.httpDuration,
		mm.accepts,
		mm.acceptLatency,
		mm.connects,
		mm.connectRetries,
		mm.rearmFailures,
		mm.activeConnections,
		mm.bytes,
		mm.operations,
		mm.iocpFallbacks,
		mm.waitFanOuts,
		mm.waitPartitions,
	)

	// Also register Go runtime metrics
	mm.registry.MustRegister(collectors.NewGoCollector())
	mm.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns an HTTP handler for the /metrics endpoint
func (mm *MetricsManager) Handler() http.Handler {
	return promhttp.HandlerFor(mm.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry for custom metrics
func (mm *MetricsManager) Registry() *prometheus.Registry {
	return mm.registry
}

// Metric update methods

// SetUptime sets the uptime metric
func (mm *MetricsManager) SetUptime(startTime time.Time) {
	if mm == nil {
		return
	}
	mm.uptime.Set(time.Since(startTime).Seconds())
}

// RecordHTTPRequest records an HTTP request
func (mm *MetricsManager) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if mm == nil {
		return
	}
	mm.httpRequests.WithLabelValues(method, path, status).Inc()
	mm.httpDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RecordAccept records the outcome of an accept on endpoint.
func (mm *MetricsManager) RecordAccept(endpoint, status string, waited time.Duration) {
	if mm == nil {
		return
	}
	mm.accepts.WithLabelValues(endpoint, status).Inc()
	mm.acceptLatency.WithLabelValues(status).Observe(waited.Seconds())
}

// RecordConnect records the outcome of a client connect.
func (mm *MetricsManager) RecordConnect(status string) {
	if mm == nil {
		return
	}
	mm.connects.WithLabelValues(status).Inc()
}

// RecordConnectRetry records one busy-pipe wait.
func (mm *MetricsManager) RecordConnectRetry() {
	if mm == nil {
		return
	}
	mm.connectRetries.Inc()
}

// RecordRearmFailure records an endpoint dropped after a failed re-arm.
func (mm *MetricsManager) RecordRearmFailure(endpoint string) {
	if mm == nil {
		return
	}
	mm.rearmFailures.WithLabelValues(endpoint).Inc()
}

// ConnectionOpened increments the active connection gauge.
func (mm *MetricsManager) ConnectionOpened() {
	if mm == nil {
		return
	}
	mm.activeConnections.Inc()
}

// ConnectionClosed decrements the active connection gauge.
func (mm *MetricsManager) ConnectionClosed() {
	if mm == nil {
		return
	}
	mm.activeConnections.Dec()
}

// RecordStreamOperation records a finished read or write.
func (mm *MetricsManager) RecordStreamOperation(backend, direction, status string, n int) {
	if mm == nil {
		return
	}
	mm.operations.WithLabelValues(backend, direction, status).Inc()
	if n > 0 {
		mm.bytes.WithLabelValues(direction).Add(float64(n))
	}
}

// RecordIOCPFallback records a stream that could not use the completion port.
func (mm *MetricsManager) RecordIOCPFallback() {
	if mm == nil {
		return
	}
	mm.iocpFallbacks.Inc()
}

// RecordWaitFanOut records a multiplexer wait split into partitions.
func (mm *MetricsManager) RecordWaitFanOut(partitions int) {
	if mm == nil {
		return
	}
	mm.waitFanOuts.Inc()
	mm.waitPartitions.Observe(float64(partitions))
}

// HTTPMiddleware returns middleware that records HTTP metrics
func (mm *MetricsManager) HTTPMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(ww, r)

			mm.RecordHTTPRequest(r.Method, r.URL.Path, http.StatusText(ww.statusCode), time.Since(start))
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
