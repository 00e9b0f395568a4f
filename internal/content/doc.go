// Package content normalizes structured chat-message content to plain
// text. Extraction is a pure function over the block sequence, memoized
// in a bounded LRU so repeated system prompts and few-shot prefixes are
// flattened once.
package content
