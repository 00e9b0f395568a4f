package content

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultCacheSize = 256

// Block is one element of structured chat-message content.
type Block struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Extractor flattens content blocks to plain text with memoization.
type Extractor struct {
	cache *lru.Cache[string, string]
}

// NewExtractor creates an extractor with a bounded memo cache. A
// non-positive size falls back to a default.
func NewExtractor(size int) *Extractor {
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, _ := lru.New[string, string](size)
	return &Extractor{cache: cache}
}

// ExtractText joins the text of all text-typed blocks with newlines.
// Non-text blocks are skipped; an all-non-text sequence yields the empty
// string.
func (e *Extractor) ExtractText(blocks []Block) string {
	key := cacheKey(blocks)
	if text, ok := e.cache.Get(key); ok {
		return text
	}

	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	text := strings.Join(parts, "\n")

	e.cache.Add(key, text)
	return text
}

// cacheKey encodes the block sequence with field and record separators
// so distinct sequences cannot collide.
func cacheKey(blocks []Block) string {
	var b strings.Builder
	for _, block := range blocks {
		b.WriteString(block.Type)
		b.WriteByte(0x1f)
		b.WriteString(block.Text)
		b.WriteByte(0x1e)
	}
	return b.String()
}
