package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// chunkSource yields a fixed list of chunks followed by io.EOF.
type chunkSource struct {
	chunks [][]byte
	idx    int
	failAt int   // yield err after this many chunks (0 = never)
	err    error // error to yield when failAt is reached
	closed atomic.Bool
}

func (c *chunkSource) ReadChunk(ctx context.Context) ([]byte, error) {
	if c.failAt > 0 && c.idx >= c.failAt {
		return nil, c.err
	}
	if c.idx >= len(c.chunks) {
		return nil, io.EOF
	}
	chunk := c.chunks[c.idx]
	c.idx++
	return chunk, nil
}

func (c *chunkSource) Close() error {
	c.closed.Store(true)
	return nil
}

// blockingSource blocks in ReadChunk until the session is cancelled.
type blockingSource struct {
	closed atomic.Bool
}

func (b *blockingSource) ReadChunk(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b *blockingSource) Close() error {
	b.closed.Store(true)
	return nil
}

// drainStream receives chunks until the stream terminates and returns
// them along with the terminal error.
func drainStream(t *testing.T, st *Stream) ([][]byte, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var chunks [][]byte
	for {
		chunk, err := st.Recv(ctx)
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, chunk)
	}
}

// waitForSessionCount polls until the manager reports the expected
// number of registered sessions.
func waitForSessionCount(t *testing.T, mgr *Manager, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mgr.SessionCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Expected %d registered sessions, got %d", want, mgr.SessionCount())
}

func TestStartStreamDeliversChunksInOrder(t *testing.T) {
	mgr := NewManager(testLogger(), DefaultConfig(), nil)
	defer mgr.Stop()

	source := &chunkSource{}
	for i := 0; i < 50; i++ {
		source.chunks = append(source.chunks, []byte(fmt.Sprintf("chunk-%03d", i)))
	}

	st, err := mgr.StartStream(context.Background(), "order-test", source)
	if err != nil {
		t.Fatalf("Failed to start stream: %v", err)
	}

	chunks, err := drainStream(t, st)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("Expected io.EOF, got %v", err)
	}

	if len(chunks) != 50 {
		t.Fatalf("Expected 50 chunks, got %d", len(chunks))
	}
	for i, chunk := range chunks {
		expected := fmt.Sprintf("chunk-%03d", i)
		if string(chunk) != expected {
			t.Errorf("Chunk %d: expected %q, got %q", i, expected, chunk)
		}
	}
}

func TestStartStreamCapacityExceeded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentStreams = 2
	mgr := NewManager(testLogger(), cfg, nil)
	defer mgr.Stop()

	st1, err := mgr.StartStream(context.Background(), "stream-1", &blockingSource{})
	if err != nil {
		t.Fatalf("Failed to start stream 1: %v", err)
	}
	defer st1.Close()

	st2, err := mgr.StartStream(context.Background(), "stream-2", &blockingSource{})
	if err != nil {
		t.Fatalf("Failed to start stream 2: %v", err)
	}
	defer st2.Close()

	// Third stream must be rejected without creating any session state
	_, err = mgr.StartStream(context.Background(), "stream-3", &blockingSource{})
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("Expected ErrCapacityExceeded, got %v", err)
	}

	if mgr.SessionCount() != 2 {
		t.Errorf("Expected 2 registered sessions, got %d", mgr.SessionCount())
	}

	if _, ok := mgr.GetMetrics("stream-3"); ok {
		t.Error("Expected no metrics entry for rejected stream")
	}
}

func TestStartStreamDuplicateID(t *testing.T) {
	mgr := NewManager(testLogger(), DefaultConfig(), nil)
	defer mgr.Stop()

	st, err := mgr.StartStream(context.Background(), "dup", &blockingSource{})
	if err != nil {
		t.Fatalf("Failed to start stream: %v", err)
	}
	defer st.Close()

	_, err = mgr.StartStream(context.Background(), "dup", &blockingSource{})
	if !errors.Is(err, ErrDuplicateStream) {
		t.Fatalf("Expected ErrDuplicateStream, got %v", err)
	}

	if mgr.SessionCount() != 1 {
		t.Errorf("Expected 1 registered session, got %d", mgr.SessionCount())
	}
}

func TestStreamMetrics(t *testing.T) {
	mgr := NewManager(testLogger(), DefaultConfig(), nil)
	defer mgr.Stop()

	source := &chunkSource{chunks: [][]byte{
		make([]byte, 10),
		make([]byte, 20),
		make([]byte, 30),
	}}

	st, err := mgr.StartStream(context.Background(), "metrics-test", source)
	if err != nil {
		t.Fatalf("Failed to start stream: %v", err)
	}

	if _, err := drainStream(t, st); !errors.Is(err, io.EOF) {
		t.Fatalf("Expected io.EOF, got %v", err)
	}

	m, ok := mgr.GetMetrics("metrics-test")
	if !ok {
		t.Fatal("Expected metrics to be available inside the grace window")
	}

	if m.StreamID != "metrics-test" {
		t.Errorf("Expected stream ID 'metrics-test', got %q", m.StreamID)
	}
	if m.ChunksProcessed != 3 {
		t.Errorf("Expected 3 chunks processed, got %d", m.ChunksProcessed)
	}
	if m.BytesProcessed != 60 {
		t.Errorf("Expected 60 bytes processed, got %d", m.BytesProcessed)
	}
	if m.AverageChunkSize != 20 {
		t.Errorf("Expected average chunk size 20, got %f", m.AverageChunkSize)
	}
	if m.ProcessingRate <= 0 {
		t.Errorf("Expected positive processing rate, got %f", m.ProcessingRate)
	}
	if m.CompressionRatio != 0 {
		t.Errorf("Expected zero compression ratio without size reduction, got %f", m.CompressionRatio)
	}
}

func TestMetricsGraceWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CleanupGrace = 100 * time.Millisecond
	mgr := NewManager(testLogger(), cfg, nil)
	defer mgr.Stop()

	source := &chunkSource{chunks: [][]byte{[]byte("payload")}}
	st, err := mgr.StartStream(context.Background(), "grace-test", source)
	if err != nil {
		t.Fatalf("Failed to start stream: %v", err)
	}

	if _, err := drainStream(t, st); !errors.Is(err, io.EOF) {
		t.Fatalf("Expected io.EOF, got %v", err)
	}

	// The session entry is evicted on completion but the metrics stay
	// readable for the grace window
	waitForSessionCount(t, mgr, 0)

	if _, ok := mgr.GetMetrics("grace-test"); !ok {
		t.Error("Expected metrics to remain available inside the grace window")
	}

	time.Sleep(250 * time.Millisecond)

	if _, ok := mgr.GetMetrics("grace-test"); ok {
		t.Error("Expected metrics to be deleted after the grace window")
	}
}

func TestStreamIDReuseAfterCompletion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CleanupGrace = 10 * time.Second // long grace must not block id reuse
	mgr := NewManager(testLogger(), cfg, nil)
	defer mgr.Stop()

	st, err := mgr.StartStream(context.Background(), "reused", &chunkSource{chunks: [][]byte{[]byte("first")}})
	if err != nil {
		t.Fatalf("Failed to start stream: %v", err)
	}
	if _, err := drainStream(t, st); !errors.Is(err, io.EOF) {
		t.Fatalf("Expected io.EOF, got %v", err)
	}
	waitForSessionCount(t, mgr, 0)

	// The slot is free immediately after completion, the retained metrics
	// entry notwithstanding
	st2, err := mgr.StartStream(context.Background(), "reused", &chunkSource{chunks: [][]byte{[]byte("second!")}})
	if err != nil {
		t.Fatalf("Failed to reuse stream id: %v", err)
	}
	chunks, err := drainStream(t, st2)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("Expected io.EOF, got %v", err)
	}
	if len(chunks) != 1 || string(chunks[0]) != "second!" {
		t.Fatalf("Expected chunk from the second life, got %v", chunks)
	}

	m, ok := mgr.GetMetrics("reused")
	if !ok {
		t.Fatal("Expected metrics for reused id")
	}
	if m.BytesProcessed != 7 {
		t.Errorf("Expected metrics from the second life (7 bytes), got %d", m.BytesProcessed)
	}
}

func TestStreamCancellation(t *testing.T) {
	mgr := NewManager(testLogger(), DefaultConfig(), nil)
	defer mgr.Stop()

	source := &blockingSource{}
	st, err := mgr.StartStream(context.Background(), "cancel-test", source)
	if err != nil {
		t.Fatalf("Failed to start stream: %v", err)
	}

	if err := st.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	_, err = drainStream(t, st)
	if !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("Expected ErrStreamClosed, got %v", err)
	}

	// Cancellation runs the same cleanup path as completion: the slot is
	// freed and the source closed
	waitForSessionCount(t, mgr, 0)
	if !source.closed.Load() {
		t.Error("Expected source to be closed after cancellation")
	}
}

func TestStreamUpstreamError(t *testing.T) {
	mgr := NewManager(testLogger(), DefaultConfig(), nil)
	defer mgr.Stop()

	errInjected := errors.New("connection reset")
	source := &chunkSource{
		chunks: [][]byte{[]byte("partial")},
		failAt: 1,
		err:    errInjected,
	}

	st, err := mgr.StartStream(context.Background(), "error-test", source)
	if err != nil {
		t.Fatalf("Failed to start stream: %v", err)
	}

	chunks, err := drainStream(t, st)
	if !errors.Is(err, errInjected) {
		t.Fatalf("Expected injected upstream error, got %v", err)
	}
	if len(chunks) != 1 {
		t.Errorf("Expected the chunk read before the failure, got %d chunks", len(chunks))
	}
}

func TestEmptyChunksDropped(t *testing.T) {
	mgr := NewManager(testLogger(), DefaultConfig(), nil)
	defer mgr.Stop()

	source := &chunkSource{chunks: [][]byte{
		{},
		[]byte("abc"),
		{},
		[]byte("def"),
	}}

	st, err := mgr.StartStream(context.Background(), "empty-test", source)
	if err != nil {
		t.Fatalf("Failed to start stream: %v", err)
	}

	chunks, err := drainStream(t, st)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("Expected io.EOF, got %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("Expected empty chunks to be dropped, got %d chunks", len(chunks))
	}

	m, _ := mgr.GetMetrics("empty-test")
	if m.ChunksProcessed != 2 {
		t.Errorf("Expected 2 chunks counted, got %d", m.ChunksProcessed)
	}
}

func TestStartStreamAfterStop(t *testing.T) {
	mgr := NewManager(testLogger(), DefaultConfig(), nil)
	mgr.Stop()

	_, err := mgr.StartStream(context.Background(), "late", &blockingSource{})
	if !errors.Is(err, ErrManagerStopped) {
		t.Fatalf("Expected ErrManagerStopped, got %v", err)
	}
}

func TestAggregateStats(t *testing.T) {
	mgr := NewManager(testLogger(), DefaultConfig(), nil)
	defer mgr.Stop()

	for i, size := range []int{100, 200} {
		id := fmt.Sprintf("agg-%d", i)
		st, err := mgr.StartStream(context.Background(), id, &chunkSource{chunks: [][]byte{make([]byte, size)}})
		if err != nil {
			t.Fatalf("Failed to start stream %s: %v", id, err)
		}
		if _, err := drainStream(t, st); !errors.Is(err, io.EOF) {
			t.Fatalf("Expected io.EOF, got %v", err)
		}
	}
	waitForSessionCount(t, mgr, 0)

	stats := mgr.AggregateStats()
	if stats.TotalCount != 2 {
		t.Errorf("Expected 2 total sessions, got %d", stats.TotalCount)
	}
	if stats.TotalBytes != 300 {
		t.Errorf("Expected 300 total bytes, got %d", stats.TotalBytes)
	}
	// Both sessions started moments ago, so the recency heuristic counts
	// them as active even though they have completed
	if stats.ActiveCount != 2 {
		t.Errorf("Expected 2 recently active sessions, got %d", stats.ActiveCount)
	}
	if stats.AvgProcessingRate <= 0 {
		t.Errorf("Expected positive average processing rate, got %f", stats.AvgProcessingRate)
	}
}

func TestSessionInfos(t *testing.T) {
	mgr := NewManager(testLogger(), DefaultConfig(), nil)
	defer mgr.Stop()

	st, err := mgr.StartStream(context.Background(), "info-test", &blockingSource{})
	if err != nil {
		t.Fatalf("Failed to start stream: %v", err)
	}
	defer st.Close()

	infos := mgr.SessionInfos()
	if len(infos) != 1 {
		t.Fatalf("Expected 1 session info, got %d", len(infos))
	}
	if infos[0].Metrics.StreamID != "info-test" {
		t.Errorf("Expected stream ID 'info-test', got %q", infos[0].Metrics.StreamID)
	}
	if infos[0].Backpressure.Active {
		t.Error("Expected backpressure inactive on an idle session")
	}
	if infos[0].Duration <= 0 {
		t.Errorf("Expected positive duration, got %v", infos[0].Duration)
	}
}

func TestStreamConcurrency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CleanupGrace = 5 * time.Second
	mgr := NewManager(testLogger(), cfg, nil)
	defer mgr.Stop()

	numGoroutines := 10
	numStreamsPerGoroutine := 5
	var wg sync.WaitGroup

	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func(routineID int) {
			defer wg.Done()

			for j := 0; j < numStreamsPerGoroutine; j++ {
				id := fmt.Sprintf("concurrent-%d-%d", routineID, j)
				source := &chunkSource{chunks: [][]byte{[]byte("one"), []byte("two")}}

				st, err := mgr.StartStream(context.Background(), id, source)
				if err != nil {
					t.Errorf("Failed to start stream %s: %v", id, err)
					return
				}
				chunks, err := drainStream(t, st)
				if !errors.Is(err, io.EOF) {
					t.Errorf("Stream %s: expected io.EOF, got %v", id, err)
					return
				}
				if len(chunks) != 2 {
					t.Errorf("Stream %s: expected 2 chunks, got %d", id, len(chunks))
				}
			}
		}(i)
	}

	wg.Wait()
	waitForSessionCount(t, mgr, 0)

	stats := mgr.AggregateStats()
	expected := numGoroutines * numStreamsPerGoroutine
	if stats.TotalCount != expected {
		t.Errorf("Expected %d sessions in aggregate, got %d", expected, stats.TotalCount)
	}
}
