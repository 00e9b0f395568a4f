package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/sse-relay-service/internal/config"
	"github.com/skypro1111/sse-relay-service/internal/content"
	"github.com/skypro1111/sse-relay-service/internal/metrics"
	"github.com/skypro1111/sse-relay-service/internal/sse"
	"github.com/skypro1111/sse-relay-service/internal/stream"
	"github.com/skypro1111/sse-relay-service/internal/upstream"
)

// maxRequestBytes bounds relay request bodies.
const maxRequestBytes = 10 << 20

// HTTPServer provides the relay endpoint and HTTP API endpoints for
// monitoring and management
type HTTPServer struct {
	server    *http.Server
	logger    *slog.Logger
	config    *config.Config
	streamMgr *stream.Manager
	upstream  *upstream.Client
	extractor *content.Extractor
	metrics   *metrics.Metrics

	startTime time.Time
}

// HTTPServerConfig contains HTTP server configuration
type HTTPServerConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(cfg HTTPServerConfig, logger *slog.Logger, appConfig *config.Config,
	streamMgr *stream.Manager, upstreamClient *upstream.Client, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		streamMgr: streamMgr,
		upstream:  upstreamClient,
		extractor: content.NewExtractor(0),
		metrics:   m,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		// No write timeout: responses are long-lived event streams.
		IdleTimeout: 120 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Relay endpoints
	mux.HandleFunc("/v1/chat/completions", h.withMetrics("/v1/chat/completions", h.handleChatCompletions))
	mux.HandleFunc("/v1/models", h.withMetrics("/v1/models", h.handleModels))

	// Health check endpoint
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Streams monitoring endpoints
	mux.HandleFunc("/streams", h.withMetrics("/streams", h.handleStreams))
	mux.HandleFunc("/streams/", h.withMetrics("/streams/{id}", h.handleStreamDetail))

	// Configuration endpoint
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Statistics endpoint
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
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

// Flush forwards flushing so event streams pass through the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP server...")

	return h.server.Shutdown(ctx)
}

// handleChatCompletions implements the streaming relay endpoint. The
// request is normalized (structured message content flattened to plain
// text), forwarded upstream, and the upstream event stream is piped back
// through a stream session chunk by chunk.
func (h *HTTPServer) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	h.normalizeMessages(payload)
	// The relay only speaks event streams; an explicit non-streaming
	// request is rejected rather than silently reframed.
	if streaming, ok := payload["stream"].(bool); ok && !streaming {
		http.Error(w, `Only streaming requests are supported; set "stream": true`, http.StatusBadRequest)
		return
	}
	payload["stream"] = true

	forward, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Failed to encode request", http.StatusInternalServerError)
		return
	}

	streamID := uuid.NewString()

	upstreamBody, err := h.upstream.OpenStream(r.Context(), forward)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			h.logger.Error("failed to open upstream stream",
				slog.String("stream_id", streamID),
				slog.String("error", err.Error()),
			)
		}
		h.metrics.RecordUpstreamFailure()
		http.Error(w, "Upstream unavailable", http.StatusBadGateway)
		return
	}
	h.metrics.RecordUpstreamRequest()

	st, err := h.streamMgr.StartStream(r.Context(), streamID, sse.NewEventSource(upstreamBody))
	if err != nil {
		upstreamBody.Close()
		if errors.Is(err, stream.ErrCapacityExceeded) {
			http.Error(w, "Too many concurrent streams", http.StatusServiceUnavailable)
			return
		}
		h.logger.Error("failed to start stream session",
			slog.String("stream_id", streamID),
			slog.String("error", err.Error()),
		)
		http.Error(w, "Failed to start stream", http.StatusInternalServerError)
		return
	}
	defer st.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, _ := w.(http.Flusher)

	for {
		chunk, err := st.Recv(r.Context())
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				h.logger.Error("relay stream ended with error",
					slog.String("stream_id", streamID),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		if _, err := w.Write(chunk); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// normalizeMessages flattens structured message content ([]{type,text})
// to plain text in place. String content and unrecognized shapes pass
// through untouched.
func (h *HTTPServer) normalizeMessages(payload map[string]any) {
	messages, ok := payload["messages"].([]any)
	if !ok {
		return
	}
	for _, raw := range messages {
		msg, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		blocks, ok := msg["content"].([]any)
		if !ok {
			continue
		}
		parsed := make([]content.Block, 0, len(blocks))
		for _, rawBlock := range blocks {
			block, ok := rawBlock.(map[string]any)
			if !ok {
				continue
			}
			typ, _ := block["type"].(string)
			text, _ := block["text"].(string)
			parsed = append(parsed, content.Block{Type: typ, Text: text})
		}
		msg["content"] = h.extractor.ExtractText(parsed)
	}
}

// handleModels implements the /v1/models endpoint by passing the
// upstream model listing through unchanged, so OpenAI-style clients can
// discover models against the relay.
func (h *HTTPServer) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := h.upstream.ListModels(r.Context())
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			h.logger.Error("failed to list upstream models", slog.String("error", err.Error()))
		}
		h.metrics.RecordUpstreamFailure()
		http.Error(w, "Upstream unavailable", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(h.startTime)
	aggregate := h.streamMgr.AggregateStats()
	upstreamStats := h.upstream.GetStats()

	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"service": map[string]any{
			"name":    "sse-relay-service",
			"version": "1.0.0",
		},
		"components": map[string]any{
			"stream_manager": map[string]any{
				"status":         "running",
				"active_streams": aggregate.ActiveCount,
				"session_count":  h.streamMgr.SessionCount(),
				"total_bytes":    aggregate.TotalBytes,
			},
			"upstream": map[string]any{
				"status":          "running",
				"total_requests":  upstreamStats.TotalRequests,
				"active_requests": upstreamStats.ActiveRequests,
				"success_rate":    upstreamStats.SuccessRate,
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleStreams implements the /streams endpoint
func (h *HTTPServer) handleStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	infos := h.streamMgr.SessionInfos()

	response := map[string]any{
		"total_streams": len(infos),
		"aggregate":     h.streamMgr.AggregateStats(),
		"timestamp":     time.Now().UTC(),
		"streams":       infos,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleStreamDetail implements the /streams/{stream_id} endpoint.
// Sessions inside the post-completion grace window still resolve.
func (h *HTTPServer) handleStreamDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	streamID := r.URL.Path[len("/streams/"):]
	if streamID == "" {
		http.Error(w, "Stream ID required", http.StatusBadRequest)
		return
	}

	streamMetrics, exists := h.streamMgr.GetMetrics(streamID)
	if !exists {
		http.Error(w, "Stream not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(streamMetrics)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Return sanitized configuration (remove sensitive data)
	sanitizedConfig := map[string]any{
		"server": map[string]any{
			"port":    h.config.Server.Port,
			"address": h.config.Server.Address,
		},
		"stream": map[string]any{
			"max_concurrent_streams":    h.config.Stream.MaxConcurrentStreams,
			"buffer_byte_budget":        h.config.Stream.BufferByteBudget,
			"backpressure_threshold":    h.config.Stream.BackpressureThreshold,
			"adaptive_buffering":        h.config.Stream.AdaptiveBuffering,
			"max_backpressure_delay_ms": h.config.Stream.MaxBackpressureDelayMs,
			"delay_scale_factor":        h.config.Stream.DelayScaleFactor,
			"cleanup_grace_ms":          h.config.Stream.CleanupGraceMs,
			"worker_pool_size":          h.config.Stream.WorkerPoolSize,
		},
		"transform": map[string]any{
			"size_reduction":       h.config.Transform.SizeReduction,
			"content_optimization": h.config.Transform.ContentOptimization,
			"min_reduce_size":      h.config.Transform.MinReduceSize,
		},
		"upstream": map[string]any{
			"endpoint":       h.config.Upstream.Endpoint,
			"timeout":        h.config.Upstream.Timeout,
			"max_concurrent": h.config.Upstream.MaxConcurrent,
			// Note: API key is intentionally omitted for security
		},
		"logging": map[string]any{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(h.startTime)

	stats := map[string]any{
		"uptime":    uptime.String(),
		"timestamp": time.Now().UTC(),
		"streams":   h.streamMgr.AggregateStats(),
		"upstream":  h.upstream.GetStats(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]any{
		"service": "SSE Relay Service",
		"version": "1.0.0",
		"endpoints": map[string]any{
			"POST /v1/chat/completions": "Streaming chat-completions relay",
			"GET /v1/models":            "List available upstream models",
			"GET /":                     "API documentation",
			"GET /health":               "Service health check",
			"GET /streams":              "List all active streams",
			"GET /streams/{stream_id}":  "Get stream metrics (grace window included)",
			"GET /config":               "Get service configuration",
			"GET /stats":                "Get service statistics",
			"GET /metrics":              "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(apiDoc)
}
