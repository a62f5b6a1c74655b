// Package tokenutil provides token counting backed by tiktoken-go. The
// cl100k_base encoding is initialized lazily on first use; when it is
// unavailable a character heuristic keeps the counters working.
package tokenutil

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

func enc() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = e
		}
	})
	return encoding
}

// Count returns the token count of text, falling back to Estimate when the
// encoding could not be loaded.
func Count(text string) int {
	if text == "" {
		return 0
	}
	if e := enc(); e != nil {
		return len(e.Encode(text, nil, nil))
	}
	return Estimate(text)
}

// Estimate returns a heuristic token count: max(runes/4, word count). Cheap
// enough for tight loops over large text.
func Estimate(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	runes := len([]rune(trimmed))
	words := len(strings.Fields(trimmed))
	estimate := runes / 4
	if estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// Truncate cuts text down to approximately maxTokens tokens, appending an
// ellipsis when anything was removed.
func Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return text
	}
	if e := enc(); e != nil {
		tokens := e.Encode(text, nil, nil)
		if len(tokens) <= maxTokens {
			return text
		}
		return e.Decode(tokens[:maxTokens]) + "..."
	}
	runes := []rune(text)
	limit := maxTokens * 4
	if limit >= len(runes) {
		return text
	}
	return string(runes[:limit]) + "..."
}
