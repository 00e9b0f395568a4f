package sse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsEventFramed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		framed  bool
	}{
		{"data line", "data: {\"x\":1}\n\n", true},
		{"data prefix only", "data: ", true},
		{"missing space", "data:{\"x\":1}", false},
		{"plain text", "hello world", false},
		{"empty", "", false},
		{"leading whitespace", " data: x", false},
		{"done marker", "data: [DONE]\n\n", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.framed, IsEventFramed([]byte(tt.payload)))
		})
	}
}

func TestFormatEvent(t *testing.T) {
	out := FormatEvent([]byte(`{"delta":"hi"}`))
	assert.Equal(t, "data: {\"delta\":\"hi\"}\n\n", string(out))
	assert.True(t, IsEventFramed(out))
}
