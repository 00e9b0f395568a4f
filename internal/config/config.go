package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Stream    StreamConfig    `yaml:"stream"`
	Transform TransformConfig `yaml:"transform"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
}

// StreamConfig contains stream session manager configuration
type StreamConfig struct {
	MaxConcurrentStreams   int     `yaml:"max_concurrent_streams"`
	BufferByteBudget       int64   `yaml:"buffer_byte_budget"`
	BackpressureThreshold  float64 `yaml:"backpressure_threshold"`
	AdaptiveBuffering      bool    `yaml:"adaptive_buffering"`
	MaxBackpressureDelayMs int     `yaml:"max_backpressure_delay_ms"`
	DelayScaleFactor       float64 `yaml:"delay_scale_factor"`
	CleanupGraceMs         int     `yaml:"cleanup_grace_ms"`

	// WorkerPoolSize is advisory only; chunk transforms always run
	// inline on the session goroutine.
	WorkerPoolSize int `yaml:"worker_pool_size"`
}

// TransformConfig contains chunk transform pipeline configuration.
// Both passes are disabled by default for safety.
type TransformConfig struct {
	SizeReduction       bool `yaml:"size_reduction"`
	ContentOptimization bool `yaml:"content_optimization"`
	MinReduceSize       int  `yaml:"min_reduce_size"` // bytes
}

// UpstreamConfig contains upstream LLM endpoint configuration
type UpstreamConfig struct {
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Timeout       int    `yaml:"timeout"` // seconds, connection/header only
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration defaults applied before a config
// file is unmarshalled over them.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:    8069,
			Address: "0.0.0.0",
		},
		Stream: StreamConfig{
			MaxConcurrentStreams:   150,
			BufferByteBudget:       65536,
			BackpressureThreshold:  0.8,
			AdaptiveBuffering:      true,
			MaxBackpressureDelayMs: 100,
			DelayScaleFactor:       200,
			CleanupGraceMs:         1000,
			WorkerPoolSize:         4,
		},
		Transform: TransformConfig{
			SizeReduction:       false,
			ContentOptimization: false,
			MinReduceSize:       2048,
		},
		Upstream: UpstreamConfig{
			Timeout:       30,
			MaxConcurrent: 32,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file, starting from Default so
// omitted keys keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Stream.Validate(); err != nil {
		return fmt.Errorf("stream config: %w", err)
	}

	if err := c.Transform.Validate(); err != nil {
		return fmt.Errorf("transform config: %w", err)
	}

	if err := c.Upstream.Validate(); err != nil {
		return fmt.Errorf("upstream config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	return nil
}

// Validate validates stream manager configuration
func (s *StreamConfig) Validate() error {
	if s.MaxConcurrentStreams < 1 {
		return fmt.Errorf("max_concurrent_streams must be at least 1, got %d", s.MaxConcurrentStreams)
	}

	if s.BufferByteBudget < 1024 {
		return fmt.Errorf("buffer_byte_budget must be at least 1024 bytes, got %d", s.BufferByteBudget)
	}

	if s.BackpressureThreshold <= 0 || s.BackpressureThreshold > 1 {
		return fmt.Errorf("backpressure_threshold must be in (0, 1], got %f", s.BackpressureThreshold)
	}

	if s.MaxBackpressureDelayMs < 1 {
		return fmt.Errorf("max_backpressure_delay_ms must be at least 1, got %d", s.MaxBackpressureDelayMs)
	}

	if s.DelayScaleFactor <= 0 {
		return fmt.Errorf("delay_scale_factor must be positive, got %f", s.DelayScaleFactor)
	}

	if s.CleanupGraceMs < 0 {
		return fmt.Errorf("cleanup_grace_ms cannot be negative, got %d", s.CleanupGraceMs)
	}

	if s.WorkerPoolSize < 0 {
		return fmt.Errorf("worker_pool_size cannot be negative, got %d", s.WorkerPoolSize)
	}

	return nil
}

// Validate validates transform pipeline configuration
func (t *TransformConfig) Validate() error {
	if t.MinReduceSize < 0 {
		return fmt.Errorf("min_reduce_size cannot be negative, got %d", t.MinReduceSize)
	}

	return nil
}

// Validate validates upstream configuration
func (u *UpstreamConfig) Validate() error {
	if u.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if u.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", u.Timeout)
	}

	if u.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", u.MaxConcurrent)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetMaxBackpressureDelay returns the maximum adaptive delay as a time.Duration
func (s *StreamConfig) GetMaxBackpressureDelay() time.Duration {
	return time.Duration(s.MaxBackpressureDelayMs) * time.Millisecond
}

// GetCleanupGrace returns the metrics retention window as a time.Duration
func (s *StreamConfig) GetCleanupGrace() time.Duration {
	return time.Duration(s.CleanupGraceMs) * time.Millisecond
}

// GetTimeoutDuration returns the upstream timeout as a time.Duration
func (u *UpstreamConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(u.Timeout) * time.Second
}
