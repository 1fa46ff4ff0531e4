// Package token counts and truncates text by token, backed by tiktoken-go's
// cl100k_base encoding with a rune-based heuristic fallback when the
// encoding cannot be initialized (offline environments).
package token

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encOnce  sync.Once
	encoding *tiktoken.Tiktoken
)

func enc() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		if e, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			encoding = e
		}
	})
	return encoding
}

// Count returns the token count of text.
func Count(text string) int {
	if e := enc(); e != nil {
		return len(e.Encode(text, nil, nil))
	}
	return estimate(text)
}

// Truncate cuts text down to at most maxTokens tokens, appending an
// ellipsis when anything was dropped. maxTokens <= 0 returns text unchanged.
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

// estimate is max(runes/4, words), never 0 for non-blank text.
func estimate(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	n := len([]rune(trimmed)) / 4
	if w := len(strings.Fields(trimmed)); n < w {
		n = w
	}
	if n == 0 {
		n = 1
	}
	return n
}
