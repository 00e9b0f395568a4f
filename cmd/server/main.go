package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skypro1111/sse-relay-service/internal/config"
	"github.com/skypro1111/sse-relay-service/internal/metrics"
	"github.com/skypro1111/sse-relay-service/internal/server"
	"github.com/skypro1111/sse-relay-service/internal/stream"
	"github.com/skypro1111/sse-relay-service/internal/upstream"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "sse-relay-service"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	// Log service startup
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("http_port", cfg.Server.Port),
		slog.String("address", cfg.Server.Address),
		slog.Int("max_concurrent_streams", cfg.Stream.MaxConcurrentStreams),
		slog.Int64("buffer_byte_budget", cfg.Stream.BufferByteBudget),
		slog.Float64("backpressure_threshold", cfg.Stream.BackpressureThreshold),
		slog.Bool("adaptive_buffering", cfg.Stream.AdaptiveBuffering),
		slog.Bool("size_reduction", cfg.Transform.SizeReduction),
		slog.Bool("content_optimization", cfg.Transform.ContentOptimization),
		slog.String("upstream_endpoint", cfg.Upstream.Endpoint),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Create stream manager configuration
	streamConfig := stream.Config{
		MaxConcurrentStreams:  cfg.Stream.MaxConcurrentStreams,
		BufferByteBudget:      cfg.Stream.BufferByteBudget,
		BackpressureThreshold: cfg.Stream.BackpressureThreshold,
		AdaptiveBuffering:     cfg.Stream.AdaptiveBuffering,
		MaxBackpressureDelay:  cfg.Stream.GetMaxBackpressureDelay(),
		DelayScaleFactor:      cfg.Stream.DelayScaleFactor,
		SizeReduction:         cfg.Transform.SizeReduction,
		ContentOptimization:   cfg.Transform.ContentOptimization,
		MinReduceSize:         cfg.Transform.MinReduceSize,
		CleanupGrace:          cfg.Stream.GetCleanupGrace(),
		WorkerPoolSize:        cfg.Stream.WorkerPoolSize,
	}

	// Initialize stream manager
	streamMgr := stream.NewManager(logger, streamConfig, appMetrics)
	logger.Info("Stream manager initialized",
		slog.Int("max_concurrent_streams", streamConfig.MaxConcurrentStreams),
		slog.Duration("cleanup_grace", streamConfig.CleanupGrace),
	)

	// Initialize upstream client
	upstreamClient, err := upstream.NewClient(upstream.Config{
		Endpoint:      cfg.Upstream.Endpoint,
		APIKey:        cfg.Upstream.APIKey,
		Timeout:       cfg.Upstream.GetTimeoutDuration(),
		MaxConcurrent: cfg.Upstream.MaxConcurrent,
	})
	if err != nil {
		logger.Error("Failed to create upstream client", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Upstream client initialized",
		slog.String("endpoint", cfg.Upstream.Endpoint),
		slog.Duration("timeout", cfg.Upstream.GetTimeoutDuration()),
	)

	// Initialize HTTP server
	httpServer := server.NewHTTPServer(server.HTTPServerConfig{
		Port:    cfg.Server.Port,
		Address: cfg.Server.Address,
	}, logger, cfg, streamMgr, upstreamClient, appMetrics)

	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("http_address", fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)),
	)

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new requests)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	// Stop stream manager (cancel sessions and flush cleanup timers)
	streamMgr.Stop()

	// Close upstream client
	if err := upstreamClient.Close(); err != nil {
		logger.Warn("Error closing upstream client", slog.String("error", err.Error()))
	}

	// Log final statistics
	aggregate := streamMgr.AggregateStats()
	upstreamStats := upstreamClient.GetStats()

	logger.Info("Final service statistics",
		slog.Int("total_sessions", aggregate.TotalCount),
		slog.Uint64("total_bytes", aggregate.TotalBytes),
		slog.Uint64("backpressure_events", aggregate.TotalBackpressureEvents),
		slog.Uint64("upstream_requests", upstreamStats.TotalRequests),
		slog.Float64("upstream_success_rate", upstreamStats.SuccessRate),
	)

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo // default fallback
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
