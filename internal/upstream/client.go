package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// maxModelsResponseBytes bounds the upstream model listing body.
const maxModelsResponseBytes = 1 << 20

// Client provides HTTP client functionality for upstream streaming requests
type Client struct {
	config         Config
	httpClient     *http.Client
	semaphore      chan struct{} // Bounds concurrent upstream requests
	modelsEndpoint string        // sibling /models URL, empty when not derivable

	// Statistics
	totalRequests  uint64
	failedRequests uint64
	activeRequests int

	mu sync.RWMutex
}

// Config contains upstream client configuration
type Config struct {
	Endpoint      string
	APIKey        string
	Timeout       time.Duration // connection/header timeout; bodies stream untimed
	MaxRetries    int           // reserved; streaming requests are not retried
	MaxConcurrent int
}

// ClientStats represents rolling upstream request statistics
type ClientStats struct {
	TotalRequests  uint64  `json:"total_requests"`
	FailedRequests uint64  `json:"failed_requests"`
	ActiveRequests int     `json:"active_requests"`
	SuccessRate    float64 `json:"success_rate"`
}

// NewClient creates a new upstream client
func NewClient(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("upstream endpoint is required")
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 32
	}

	// No overall client timeout: it would cut off long-lived streaming
	// bodies. The header timeout covers connection establishment.
	transport := &http.Transport{
		ResponseHeaderTimeout: cfg.Timeout,
		MaxIdleConnsPerHost:   cfg.MaxConcurrent,
	}

	modelsEndpoint := ""
	if base, ok := strings.CutSuffix(cfg.Endpoint, "/chat/completions"); ok {
		modelsEndpoint = base + "/models"
	}

	return &Client{
		config:         cfg,
		httpClient:     &http.Client{Transport: transport},
		semaphore:      make(chan struct{}, cfg.MaxConcurrent),
		modelsEndpoint: modelsEndpoint,
	}, nil
}

// OpenStream POSTs a request body to the upstream endpoint and returns
// the streaming response body. The caller owns closing it; closing
// releases the client's concurrency slot.
func (c *Client) OpenStream(ctx context.Context, body []byte) (io.ReadCloser, error) {
	select {
	case c.semaphore <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.Lock()
	c.totalRequests++
	c.activeRequests++
	c.mu.Unlock()

	fail := func(err error) (io.ReadCloser, error) {
		c.mu.Lock()
		c.failedRequests++
		c.activeRequests--
		c.mu.Unlock()
		<-c.semaphore
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fail(fmt.Errorf("failed to create upstream request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fail(fmt.Errorf("upstream request failed: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return fail(fmt.Errorf("upstream returned status %d", resp.StatusCode))
	}

	return &trackedBody{
		ReadCloser: resp.Body,
		release: func() {
			c.mu.Lock()
			c.activeRequests--
			c.mu.Unlock()
			<-c.semaphore
		},
	}, nil
}

// ListModels fetches the upstream model listing from the /models sibling
// of the configured chat-completions endpoint. The request is short-lived
// and does not occupy a streaming concurrency slot or count toward the
// streaming statistics.
func (c *Client) ListModels(ctx context.Context) ([]byte, error) {
	if c.modelsEndpoint == "" {
		return nil, fmt.Errorf("models endpoint not derivable from %q", c.config.Endpoint)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.modelsEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create models request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("models request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxModelsResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read models response: %w", err)
	}
	return body, nil
}

// GetStats returns current upstream request statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.totalRequests-c.failedRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:  c.totalRequests,
		FailedRequests: c.failedRequests,
		ActiveRequests: c.activeRequests,
		SuccessRate:    successRate,
	}
}

// Close releases idle connections held by the client
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// trackedBody releases the client's concurrency slot when the response
// body is closed.
type trackedBody struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (b *trackedBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}
