package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// progressLogInterval controls how often the pull loop emits a progress
// observation.
const progressLogInterval = 25

// outChannelCapacity bounds the number of chunks queued between the
// session goroutine and the consumer. The byte budget, not this count,
// is the backpressure signal; the channel only needs enough slack that
// small chunks do not serialize producer and consumer.
const outChannelCapacity = 256

// Session is one registered stream: a single advancing goroutine pulls
// chunks from the upstream source, throttles on backpressure, transforms
// and emits them to the consumer in order. Per-session state has exactly
// one mutator (the advancing goroutine); the session lock only guards
// metric and controller snapshots taken by monitoring readers.
type Session struct {
	id     string
	source Source

	out      chan []byte
	buffered atomic.Int64 // bytes emitted but not yet received by the consumer

	ctx    context.Context
	cancel context.CancelFunc

	manager  *Manager
	pipeline *transformPipeline
	bp       *backpressureController
	logger   *slog.Logger

	state   atomic.Int32
	failure error // written before out closes, read only after

	metrics Metrics
	mu      sync.RWMutex
}

// run drives the session until the source completes, fails, or the
// consumer cancels.
func (s *Session) run() {
	s.logger.Debug("session pull loop started", slog.String("stream_id", s.id))

	for {
		if delay := s.throttle(); delay > 0 {
			s.setState(stateBackpressureWait)
			select {
			case <-s.ctx.Done():
				s.finish(ErrStreamClosed)
				return
			case <-time.After(delay):
			}
		}

		s.setState(statePulling)
		chunk, err := s.source.ReadChunk(s.ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				s.finish(nil)
			case s.ctx.Err() != nil:
				s.finish(ErrStreamClosed)
			default:
				s.finish(fmt.Errorf("upstream read: %w", err))
			}
			return
		}
		if len(chunk) == 0 {
			continue
		}

		out, reducedFrom := s.pipeline.apply(s.id, chunk)

		s.setState(stateEmitting)
		s.buffered.Add(int64(len(out)))
		select {
		case <-s.ctx.Done():
			s.buffered.Add(-int64(len(out)))
			s.finish(ErrStreamClosed)
			return
		case s.out <- out:
		}

		s.recordChunk(len(out), reducedFrom)
	}
}

// throttle runs the backpressure check that precedes every pull and
// mirrors the controller state into the session metrics.
func (s *Session) throttle() time.Duration {
	buffered := s.buffered.Load()

	s.mu.Lock()
	wasActive := s.bp.active
	delay := s.bp.update(buffered)
	s.metrics.BackpressureEvents = s.bp.activations
	activated := s.bp.active && !wasActive
	utilization := s.bp.utilization
	s.mu.Unlock()

	if activated {
		s.logger.Debug("backpressure activated",
			slog.String("stream_id", s.id),
			slog.Float64("buffer_utilization", utilization),
			slog.Duration("adaptive_delay", delay),
		)
		if s.manager.appMetrics != nil {
			s.manager.appMetrics.RecordBackpressureActivation()
		}
	}
	if delay > 0 && s.manager.appMetrics != nil {
		s.manager.appMetrics.RecordBackpressureDelay(delay.Seconds())
	}
	return delay
}

// recordChunk updates throughput counters after a successful emit.
func (s *Session) recordChunk(size, reducedFrom int) {
	s.mu.Lock()
	m := &s.metrics
	m.ChunksProcessed++
	m.BytesProcessed += uint64(size)
	m.AverageChunkSize = float64(m.BytesProcessed) / float64(m.ChunksProcessed)

	elapsed := time.Since(m.StartTime)
	if elapsed < time.Millisecond {
		elapsed = time.Millisecond
	}
	m.ProcessingRate = float64(m.ChunksProcessed) / elapsed.Seconds()

	ratio := 0.0
	if reducedFrom > 0 {
		sample := float64(size) / float64(reducedFrom)
		if m.CompressionRatio == 0 {
			m.CompressionRatio = sample
		} else {
			m.CompressionRatio = (m.CompressionRatio + sample) / 2
		}
		ratio = m.CompressionRatio
	}
	chunks := m.ChunksProcessed
	bytesTotal := m.BytesProcessed
	rate := m.ProcessingRate
	s.mu.Unlock()

	if s.manager.appMetrics != nil {
		s.manager.appMetrics.RecordChunkProcessed(size)
		if ratio > 0 {
			s.manager.appMetrics.RecordCompressionRatio(ratio)
		}
	}

	if chunks%progressLogInterval == 0 {
		s.logger.Debug("stream progress",
			slog.String("stream_id", s.id),
			slog.Uint64("chunks", chunks),
			slog.Uint64("bytes", bytesTotal),
			slog.Float64("chunks_per_sec", rate),
		)
	}
}

// finish moves the session to CLOSED and runs the shared cleanup path.
// Cancellation and normal completion both land here; a failure is made
// visible to the consumer before the output channel closes.
func (s *Session) finish(err error) {
	s.setState(stateFinalizing)
	s.failure = err
	close(s.out)

	if cerr := s.source.Close(); cerr != nil {
		s.logger.Debug("source close failed",
			slog.String("stream_id", s.id),
			slog.String("error", cerr.Error()),
		)
	}

	s.setState(stateClosed)
	s.manager.release(s, err)
}

func (s *Session) setState(st sessionState) {
	s.state.Store(int32(st))
}

// info returns a monitoring snapshot of the session.
func (s *Session) info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		Metrics:      s.metrics,
		State:        sessionState(s.state.Load()).String(),
		Backpressure: s.bp.snapshot(),
		Duration:     time.Since(s.metrics.StartTime),
	}
}

func (s *Session) metricsSnapshot() Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metrics
}
