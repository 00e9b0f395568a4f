// Package server provides the HTTP surface of the relay: the streaming
// chat-completions endpoint plus monitoring and management endpoints.
package server
