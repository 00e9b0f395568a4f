package stream

import "time"

// Metrics holds per-session throughput counters. The session's advancing
// goroutine is the sole writer; snapshots are taken under the session
// lock.
type Metrics struct {
	StreamID           string    `json:"stream_id"`
	StartTime          time.Time `json:"start_time"`
	ChunksProcessed    uint64    `json:"chunks_processed"`
	BytesProcessed     uint64    `json:"bytes_processed"`
	AverageChunkSize   float64   `json:"average_chunk_size"`
	ProcessingRate     float64   `json:"processing_rate"` // chunks per second
	BackpressureEvents uint64    `json:"backpressure_events"`

	// CompressionRatio is zero until the first size reduction is
	// adopted, then a running two-sample average of newSize/oldSize.
	CompressionRatio float64 `json:"compression_ratio,omitempty"`
}

// Info is a monitoring snapshot of a live session.
type Info struct {
	Metrics      Metrics           `json:"metrics"`
	State        string            `json:"state"`
	Backpressure BackpressureState `json:"backpressure"`
	Duration     time.Duration     `json:"duration"`
}

// AggregateStats summarizes every session the manager currently knows
// about, including finished sessions still inside the metrics grace
// window.
//
// ActiveCount is a liveness approximation, not an exact count: a session
// counts as active when it started less than a second ago or has not yet
// processed its first chunk. Callers needing the precise number of
// registered sessions should use SessionCount.
type AggregateStats struct {
	ActiveCount             int     `json:"active_count"`
	TotalCount              int     `json:"total_count"`
	AvgProcessingRate       float64 `json:"avg_processing_rate"`
	TotalBytes              uint64  `json:"total_bytes"`
	TotalBackpressureEvents uint64  `json:"total_backpressure_events"`
}

// sessionState tracks a session through its lifecycle:
// CREATED → PULLING ⇄ BACKPRESSURE_WAIT → EMITTING → PULLING, then
// FINALIZING → CLOSED. CLOSED is terminal; cancellation short-circuits
// there through the same cleanup path as completion.
type sessionState int32

const (
	stateCreated sessionState = iota
	statePulling
	stateBackpressureWait
	stateEmitting
	stateFinalizing
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateCreated:
		return "created"
	case statePulling:
		return "pulling"
	case stateBackpressureWait:
		return "backpressure_wait"
	case stateEmitting:
		return "emitting"
	case stateFinalizing:
		return "finalizing"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
