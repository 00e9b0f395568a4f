package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/sse-relay-service/internal/metrics"
)

// activeRecency is the window inside which a session counts as active
// for aggregate statistics regardless of progress.
const activeRecency = time.Second

// Config contains stream manager configuration.
type Config struct {
	MaxConcurrentStreams  int
	BufferByteBudget      int64
	BackpressureThreshold float64
	AdaptiveBuffering     bool
	MaxBackpressureDelay  time.Duration
	DelayScaleFactor      float64

	SizeReduction       bool
	ContentOptimization bool
	MinReduceSize       int

	// CleanupGrace is how long a finished session's metrics stay
	// queryable after cleanup.
	CleanupGrace time.Duration

	// WorkerPoolSize is advisory only and has no behavioral effect:
	// chunk transforms always execute inline on the session's advancing
	// goroutine.
	WorkerPoolSize int
}

// DefaultConfig returns the manager defaults. Transforms are disabled by
// default: they are opt-in optimizations, not required for correctness.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentStreams:  150,
		BufferByteBudget:      64 * 1024,
		BackpressureThreshold: 0.8,
		AdaptiveBuffering:     true,
		MaxBackpressureDelay:  100 * time.Millisecond,
		DelayScaleFactor:      200,
		MinReduceSize:         2 * 1024,
		CleanupGrace:          time.Second,
	}
}

// Manager owns the registry of stream sessions. Registry operations are
// the only cross-goroutine synchronization point: each session's state
// is advanced by exactly one goroutine.
type Manager struct {
	config     Config
	logger     *slog.Logger
	appMetrics *metrics.Metrics // optional, may be nil

	sessions map[string]*Session
	retained map[string]Metrics     // finished sessions inside the grace window
	timers   map[string]*time.Timer // pending grace deletions
	mu       sync.RWMutex

	wg      sync.WaitGroup
	stopped bool
}

// NewManager creates a stream manager. appMetrics may be nil when
// Prometheus export is not wanted (tests, embedded use).
func NewManager(logger *slog.Logger, cfg Config, appMetrics *metrics.Metrics) *Manager {
	return &Manager{
		config:     cfg,
		logger:     logger,
		appMetrics: appMetrics,
		sessions:   make(map[string]*Session),
		retained:   make(map[string]Metrics),
		timers:     make(map[string]*time.Timer),
	}
}

// StartStream registers a new session for id and returns the transformed
// output stream the consumer pulls from. It fails with
// ErrCapacityExceeded when the registered-session limit is reached; no
// session state is materialized in that case. The session runs until the
// source signals io.EOF, fails, or ctx/Stream.Close cancels it.
func (m *Manager) StartStream(ctx context.Context, id string, source Source) (*Stream, error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, ErrManagerStopped
	}
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("stream %q: %w", id, ErrDuplicateStream)
	}
	if len(m.sessions) >= m.config.MaxConcurrentStreams {
		m.mu.Unlock()
		return nil, ErrCapacityExceeded
	}

	// A reused id may still have a pending grace deletion from its
	// previous life; cancel it so the timer cannot wipe fresh state.
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
		delete(m.retained, id)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:       id,
		source:   source,
		out:      make(chan []byte, outChannelCapacity),
		ctx:      sctx,
		cancel:   cancel,
		manager:  m,
		pipeline: newTransformPipeline(m.config, m.logger, m.appMetrics),
		bp:       newBackpressureController(m.config),
		logger:   m.logger,
		metrics: Metrics{
			StreamID:  id,
			StartTime: time.Now(),
		},
	}
	s.setState(stateCreated)
	m.sessions[id] = s
	active := len(m.sessions)
	m.wg.Add(1)
	m.mu.Unlock()

	if m.appMetrics != nil {
		m.appMetrics.RecordStreamCreated()
		m.appMetrics.SetActiveStreams(active)
	}
	m.logger.Info("stream session registered",
		slog.String("stream_id", id),
		slog.Int("active_sessions", active),
	)

	go func() {
		defer m.wg.Done()
		s.run()
	}()

	return &Stream{s: s}, nil
}

// GetMetrics returns the metrics for a live session or one still inside
// the post-completion grace window.
func (m *Manager) GetMetrics(id string) (Metrics, bool) {
	m.mu.RLock()
	if s, ok := m.sessions[id]; ok {
		m.mu.RUnlock()
		return s.metricsSnapshot(), true
	}
	mt, ok := m.retained[id]
	m.mu.RUnlock()
	return mt, ok
}

// SessionCount returns the number of currently registered sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// SessionInfos returns a monitoring snapshot of all registered sessions.
func (m *Manager) SessionInfos() []Info {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.info())
	}
	return infos
}

// AggregateStats summarizes all known sessions, finished ones inside the
// grace window included. See AggregateStats for the ActiveCount
// approximation.
func (m *Manager) AggregateStats() AggregateStats {
	m.mu.RLock()
	snapshots := make([]Metrics, 0, len(m.sessions)+len(m.retained))
	for _, s := range m.sessions {
		snapshots = append(snapshots, s.metricsSnapshot())
	}
	for _, mt := range m.retained {
		snapshots = append(snapshots, mt)
	}
	m.mu.RUnlock()

	var stats AggregateStats
	now := time.Now()
	for _, mt := range snapshots {
		stats.TotalCount++
		stats.TotalBytes += mt.BytesProcessed
		stats.TotalBackpressureEvents += mt.BackpressureEvents
		stats.AvgProcessingRate += mt.ProcessingRate
		if now.Sub(mt.StartTime) < activeRecency || mt.ChunksProcessed == 0 {
			stats.ActiveCount++
		}
	}
	if stats.TotalCount > 0 {
		stats.AvgProcessingRate /= float64(stats.TotalCount)
	}
	return stats
}

// release runs the shared cleanup path for completion, failure, and
// cancellation: the session entry, its buffer accounting and
// backpressure state with it, is evicted immediately, while the metrics
// snapshot stays readable for the cleanup grace window before a one-shot
// timer deletes it.
func (m *Manager) release(s *Session, failure error) {
	final := s.metricsSnapshot()

	m.mu.Lock()
	if _, ok := m.sessions[s.id]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, s.id)
	m.retained[s.id] = final
	id := s.id
	m.timers[id] = time.AfterFunc(m.config.CleanupGrace, func() {
		m.mu.Lock()
		delete(m.retained, id)
		delete(m.timers, id)
		m.mu.Unlock()
	})
	remaining := len(m.sessions)
	m.mu.Unlock()

	duration := time.Since(final.StartTime)
	switch {
	case failure == nil:
		m.logger.Info("stream completed",
			slog.String("stream_id", id),
			slog.Duration("duration", duration),
			slog.Uint64("chunks", final.ChunksProcessed),
			slog.Uint64("bytes", final.BytesProcessed),
			slog.Float64("final_rate", final.ProcessingRate),
		)
	case errors.Is(failure, ErrStreamClosed):
		m.logger.Info("stream cancelled",
			slog.String("stream_id", id),
			slog.Duration("duration", duration),
			slog.Uint64("chunks", final.ChunksProcessed),
		)
	default:
		m.logger.Error("stream failed",
			slog.String("stream_id", id),
			slog.Duration("duration", duration),
			slog.Uint64("chunks", final.ChunksProcessed),
			slog.String("error", failure.Error()),
		)
	}

	if m.appMetrics != nil {
		m.appMetrics.RecordStreamFinished(duration.Seconds(), failure != nil && !errors.Is(failure, ErrStreamClosed))
		m.appMetrics.SetActiveStreams(remaining)
	}
}

// Stop cancels all sessions, waits for their goroutines to exit, and
// flushes pending grace deletions.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	m.logger.Info("stopping stream manager", slog.Int("active_sessions", len(sessions)))

	for _, s := range sessions {
		s.cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
		delete(m.retained, id)
	}
	m.mu.Unlock()

	m.logger.Info("stream manager stopped")
}
