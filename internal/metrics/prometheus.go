package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the SSE relay service
type Metrics struct {
	// Stream session metrics
	ActiveStreams  prometheus.Gauge
	StreamsCreated prometheus.Counter
	StreamsFailed  prometheus.Counter
	StreamDuration prometheus.Histogram

	// Chunk pipeline metrics
	ChunksProcessed    prometheus.Counter
	BytesProcessed     prometheus.Counter
	ChunkSize          prometheus.Histogram
	TransformFallbacks prometheus.Counter
	CompressionRatio   prometheus.Histogram

	// Backpressure metrics
	BackpressureActivations prometheus.Counter
	BackpressureDelay       prometheus.Histogram

	// Upstream client metrics
	UpstreamRequests prometheus.Counter
	UpstreamFailures prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Stream session metrics
		ActiveStreams: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sse_active_streams",
			Help: "Current number of registered stream sessions",
		}),
		StreamsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sse_streams_created_total",
			Help: "Total number of stream sessions created",
		}),
		StreamsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sse_streams_failed_total",
			Help: "Total number of stream sessions terminated by an upstream error",
		}),
		StreamDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "sse_stream_duration_seconds",
			Help:    "Duration of stream sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7 minutes
		}),

		// Chunk pipeline metrics
		ChunksProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sse_chunks_processed_total",
			Help: "Total number of chunks emitted to consumers",
		}),
		BytesProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sse_bytes_processed_total",
			Help: "Total number of payload bytes emitted to consumers",
		}),
		ChunkSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "sse_chunk_size_bytes",
			Help:    "Size of emitted chunks in bytes",
			Buckets: prometheus.ExponentialBuckets(64, 2, 12), // 64B to ~128KB
		}),
		TransformFallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sse_transform_fallbacks_total",
			Help: "Total number of chunks emitted unmodified after a transform failure",
		}),
		CompressionRatio: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "sse_compression_ratio",
			Help:    "Running compression ratio of sessions with size reduction applied",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11), // 0.0 to 1.0
		}),

		// Backpressure metrics
		BackpressureActivations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sse_backpressure_activations_total",
			Help: "Total number of backpressure activation edges across all sessions",
		}),
		BackpressureDelay: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "sse_backpressure_delay_seconds",
			Help:    "Adaptive delays inserted before pulls under backpressure",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 8), // 1ms to ~128ms
		}),

		// Upstream client metrics
		UpstreamRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sse_upstream_requests_total",
			Help: "Total number of upstream stream requests opened",
		}),
		UpstreamFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sse_upstream_failures_total",
			Help: "Total number of failed upstream stream requests",
		}),

		// HTTP API metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sse_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sse_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sse_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordStreamCreated increments the streams created counter
func (m *Metrics) RecordStreamCreated() {
	m.StreamsCreated.Inc()
}

// RecordStreamFinished records a finished stream and its duration
func (m *Metrics) RecordStreamFinished(durationSeconds float64, failed bool) {
	m.StreamDuration.Observe(durationSeconds)
	if failed {
		m.StreamsFailed.Inc()
	}
}

// SetActiveStreams sets the current number of registered sessions
func (m *Metrics) SetActiveStreams(count int) {
	m.ActiveStreams.Set(float64(count))
}

// RecordChunkProcessed records an emitted chunk and its size
func (m *Metrics) RecordChunkProcessed(sizeBytes int) {
	m.ChunksProcessed.Inc()
	m.BytesProcessed.Add(float64(sizeBytes))
	m.ChunkSize.Observe(float64(sizeBytes))
}

// RecordTransformFallback increments the transform fallback counter
func (m *Metrics) RecordTransformFallback() {
	m.TransformFallbacks.Inc()
}

// RecordCompressionRatio observes a session's running compression ratio
func (m *Metrics) RecordCompressionRatio(ratio float64) {
	m.CompressionRatio.Observe(ratio)
}

// RecordBackpressureActivation increments the backpressure edge counter
func (m *Metrics) RecordBackpressureActivation() {
	m.BackpressureActivations.Inc()
}

// RecordBackpressureDelay observes an inserted adaptive delay
func (m *Metrics) RecordBackpressureDelay(delaySeconds float64) {
	m.BackpressureDelay.Observe(delaySeconds)
}

// RecordUpstreamRequest increments the upstream requests counter
func (m *Metrics) RecordUpstreamRequest() {
	m.UpstreamRequests.Inc()
}

// RecordUpstreamFailure increments the upstream failures counter
func (m *Metrics) RecordUpstreamFailure() {
	m.UpstreamFailures.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
