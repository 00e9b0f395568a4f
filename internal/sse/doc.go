// Package sse provides server-sent-event framing helpers and chunk
// sources over raw byte streams. The stream pipeline treats payloads as
// opaque except for the "data: " framing sniff defined here.
package sse
