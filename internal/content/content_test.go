package content

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractText(t *testing.T) {
	e := NewExtractor(16)

	tests := []struct {
		name   string
		blocks []Block
		want   string
	}{
		{
			name:   "single text block",
			blocks: []Block{{Type: "text", Text: "hello"}},
			want:   "hello",
		},
		{
			name: "multiple text blocks joined with newline",
			blocks: []Block{
				{Type: "text", Text: "first"},
				{Type: "text", Text: "second"},
			},
			want: "first\nsecond",
		},
		{
			name: "non-text blocks skipped",
			blocks: []Block{
				{Type: "text", Text: "kept"},
				{Type: "image", Text: "ignored"},
				{Type: "tool_use"},
				{Type: "text", Text: "also kept"},
			},
			want: "kept\nalso kept",
		},
		{
			name:   "all non-text yields empty string",
			blocks: []Block{{Type: "image"}, {Type: "tool_use"}},
			want:   "",
		},
		{
			name:   "empty text blocks skipped",
			blocks: []Block{{Type: "text", Text: ""}, {Type: "text", Text: "x"}},
			want:   "x",
		},
		{
			name:   "no blocks",
			blocks: nil,
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.ExtractText(tt.blocks))
		})
	}
}

func TestExtractTextMemoization(t *testing.T) {
	e := NewExtractor(16)

	blocks := []Block{{Type: "text", Text: "cached"}}

	assert.Equal(t, "cached", e.ExtractText(blocks))
	assert.Equal(t, 1, e.cache.Len())

	// Same sequence hits the cache, different sequence adds an entry
	assert.Equal(t, "cached", e.ExtractText(blocks))
	assert.Equal(t, 1, e.cache.Len())

	assert.Equal(t, "other", e.ExtractText([]Block{{Type: "text", Text: "other"}}))
	assert.Equal(t, 2, e.cache.Len())
}

func TestCacheKeyDistinguishesSequences(t *testing.T) {
	// Separator encoding must keep adjacent fields from colliding
	a := cacheKey([]Block{{Type: "text", Text: "ab"}})
	b := cacheKey([]Block{{Type: "texta", Text: "b"}})
	assert.NotEqual(t, a, b)

	c := cacheKey([]Block{{Type: "text", Text: "a"}, {Type: "text", Text: "b"}})
	d := cacheKey([]Block{{Type: "text", Text: "a\nb"}})
	assert.NotEqual(t, c, d)
}

func TestNewExtractorDefaultSize(t *testing.T) {
	e := NewExtractor(0)
	assert.NotNil(t, e.cache)
}
