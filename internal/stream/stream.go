package stream

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrCapacityExceeded is returned by StartStream when the number of
	// registered sessions is at the configured maximum. Callers must not
	// retry without backoff or a freed session slot.
	ErrCapacityExceeded = errors.New("maximum concurrent streams reached")

	// ErrDuplicateStream is returned when a stream id is already
	// registered for a live session.
	ErrDuplicateStream = errors.New("stream id already registered")

	// ErrStreamClosed is reported by Recv after the consumer cancelled
	// the stream.
	ErrStreamClosed = errors.New("stream closed")

	// ErrManagerStopped is returned by StartStream once the manager has
	// shut down.
	ErrManagerStopped = errors.New("stream manager stopped")
)

// Source supplies ordered byte chunks pulled from an upstream producer.
// ReadChunk returns io.EOF once the upstream has completed; any other
// error is fatal to the session. Implementations may block awaiting
// data; no read timeout is imposed by this package, a stalled upstream
// stalls its session until the consumer cancels.
type Source interface {
	ReadChunk(ctx context.Context) ([]byte, error)
	Close() error
}

// Stream is the consumer side of a session. Chunks arrive in the exact
// order they were read from the upstream source; the pipeline performs
// no reordering or batching.
type Stream struct {
	s *Session
}

// ID returns the stream identifier the session was registered under.
func (st *Stream) ID() string {
	return st.s.id
}

// Recv returns the next transformed chunk. It returns io.EOF on clean
// completion, the wrapped upstream error on failure, and ErrStreamClosed
// after the consumer cancelled. The consumer controls pacing: the
// session reads ahead only as far as the buffer byte budget allows.
func (st *Stream) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case chunk, ok := <-st.s.out:
		if !ok {
			if err := st.s.failure; err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		st.s.buffered.Add(-int64(len(chunk)))
		return chunk, nil
	}
}

// Close cancels the session. Cleanup runs immediately through the same
// path as normal completion; the metrics entry stays readable for the
// configured grace window.
func (st *Stream) Close() error {
	st.s.cancel()
	return nil
}
