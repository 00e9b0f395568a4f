// Package stream implements the per-stream backpressure and chunk
// processing pipeline between an upstream byte source and a downstream
// consumer. It manages a bounded set of concurrent stream sessions, each
// driven by a single goroutine pulling chunks, throttling read-ahead
// when the consumer falls behind, applying best-effort content-preserving
// transforms, and tracking throughput metrics that remain queryable for
// a short grace window after a stream finishes.
package stream
