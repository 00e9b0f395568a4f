package sse

import (
	"bufio"
	"bytes"
	"context"
	"io"
)

const (
	defaultChunkSize   = 4096
	maxEventSize       = 1024 * 1024
	initialEventBuffer = 64 * 1024
)

// ReaderSource adapts an io.Reader into an ordered chunk source using
// fixed-size reads. Cancellation is honored between reads; the read
// itself may block until the underlying reader produces data or fails
// (upstream timeouts are the transport's responsibility).
type ReaderSource struct {
	r   io.Reader
	buf []byte
}

// NewReaderSource creates a source reading up to chunkSize bytes per
// pull. A non-positive chunkSize falls back to a default.
func NewReaderSource(r io.Reader, chunkSize int) *ReaderSource {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &ReaderSource{
		r:   r,
		buf: make([]byte, chunkSize),
	}
}

// ReadChunk returns the next chunk of bytes, or io.EOF once the reader
// is exhausted.
func (s *ReaderSource) ReadChunk(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := s.r.Read(s.buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, s.buf[:n])
			return chunk, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// Close closes the underlying reader when it supports closing.
func (s *ReaderSource) Close() error {
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// EventSource yields one event-stream event per chunk, split on the
// blank-line terminator. The framing bytes, terminator included, are
// preserved in each chunk so downstream consumers see the wire bytes
// unchanged.
type EventSource struct {
	r       io.Reader
	scanner *bufio.Scanner
}

// NewEventSource creates a source that reads events from r.
func NewEventSource(r io.Reader) *EventSource {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, initialEventBuffer), maxEventSize)
	scanner.Split(scanEvents)
	return &EventSource{r: r, scanner: scanner}
}

// ReadChunk returns the next complete event, or io.EOF once the stream
// ends. A trailing fragment without a terminator is returned as-is.
func (s *EventSource) ReadChunk(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	event := s.scanner.Bytes()
	chunk := make([]byte, len(event))
	copy(chunk, event)
	return chunk, nil
}

// Close closes the underlying reader when it supports closing.
func (s *EventSource) Close() error {
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// scanEvents is a bufio.SplitFunc that splits on the blank-line event
// terminator, keeping the terminator with its event.
func scanEvents(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.Index(data, []byte(Terminator)); i >= 0 {
		end := i + len(Terminator)
		return end, data[:end], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
