package sse

import "bytes"

// DataPrefix is the literal prefix of an event-stream data line.
const DataPrefix = "data: "

// Terminator separates events in the stream. Blank lines are structural:
// removing one merges adjacent events.
const Terminator = "\n\n"

var dataPrefix = []byte(DataPrefix)

// IsEventFramed reports whether a payload carries event-stream framing,
// i.e. its decoded text begins with the literal "data: " prefix.
func IsEventFramed(payload []byte) bool {
	return bytes.HasPrefix(payload, dataPrefix)
}

// FormatEvent wraps a payload in event-stream framing: a "data: " line
// followed by the blank-line terminator.
func FormatEvent(payload []byte) []byte {
	out := make([]byte, 0, len(dataPrefix)+len(payload)+len(Terminator))
	out = append(out, dataPrefix...)
	out = append(out, payload...)
	out = append(out, Terminator...)
	return out
}
