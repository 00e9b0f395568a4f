// Package upstream provides the HTTP client that opens streaming
// responses against the upstream LLM endpoint. The client bounds
// concurrent requests, tracks rolling request statistics, and times out
// connection establishment only; response bodies stream untimed.
package upstream
