package stream

import (
	"bytes"
	"log/slog"
	"strings"

	"github.com/skypro1111/sse-relay-service/internal/metrics"
	"github.com/skypro1111/sse-relay-service/internal/sse"
)

// transformPipeline applies optional, content-preserving transforms to
// chunks before they are emitted. Transformation is best-effort: a
// failure inside any pass falls back to the original chunk and is never
// surfaced to the consumer.
type transformPipeline struct {
	sizeReduction       bool
	contentOptimization bool
	minReduceSize       int
	logger              *slog.Logger
	appMetrics          *metrics.Metrics

	// reduce is swappable in tests to exercise the fallback path.
	reduce func([]byte) []byte
}

func newTransformPipeline(cfg Config, logger *slog.Logger, appMetrics *metrics.Metrics) *transformPipeline {
	p := &transformPipeline{
		sizeReduction:       cfg.SizeReduction,
		contentOptimization: cfg.ContentOptimization,
		minReduceSize:       cfg.MinReduceSize,
		logger:              logger,
		appMetrics:          appMetrics,
	}
	p.reduce = reducePayload
	return p
}

// apply runs the configured passes over a chunk. reducedFrom is the
// chunk's original size when a size reduction was adopted, zero
// otherwise. Any panic inside a pass is absorbed and the original chunk
// is returned unmodified: transformation must never break the data
// stream.
func (p *transformPipeline) apply(streamID string, chunk []byte) (out []byte, reducedFrom int) {
	out = chunk
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("chunk transform failed, emitting original chunk",
				slog.String("stream_id", streamID),
				slog.Any("reason", r),
			)
			if p.appMetrics != nil {
				p.appMetrics.RecordTransformFallback()
			}
			out = chunk
			reducedFrom = 0
		}
	}()

	if p.sizeReduction && len(out) >= p.minReduceSize {
		// Adopt the reduced form only when it is strictly smaller and
		// non-empty; otherwise the original is kept unmodified.
		if reduced := p.reduce(out); len(reduced) > 0 && len(reduced) < len(out) {
			reducedFrom = len(out)
			out = reduced
		}
	}

	if p.contentOptimization {
		out = optimizeContent(out)
	}

	return out, reducedFrom
}

// reducePayload trims outer whitespace from non-framed payloads.
// Event-stream framed payloads are returned untouched: whitespace is
// structural in that framing and trimming would corrupt the embedded
// JSON messages.
func reducePayload(chunk []byte) []byte {
	if sse.IsEventFramed(chunk) {
		return chunk
	}
	return bytes.TrimSpace(chunk)
}

// optimizeContent filters the lines of event-stream framed payloads.
// Every line is kept, blank ones included: blank lines terminate
// events in this framing. Aggressive line filtering has corrupted
// structured payloads in production before, so the pass stays an
// identity until a payload format is provably safe to alter. Non-framed
// payloads pass through unchanged.
func optimizeContent(chunk []byte) []byte {
	if !sse.IsEventFramed(chunk) {
		return chunk
	}
	lines := strings.Split(string(chunk), "\n")
	kept := lines[:0]
	for _, line := range lines {
		kept = append(kept, line)
	}
	return []byte(strings.Join(kept, "\n"))
}
