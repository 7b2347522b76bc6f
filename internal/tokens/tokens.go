// Package tokens estimates and enforces token budgets. Counting uses the
// cl100k_base encoding, initialized lazily on first use; when the encoder
// cannot be built the package degrades to a rune/word heuristic rather than
// failing the caller.
package tokens

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/taskwave/taskwave/internal/domain"
)

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

func encoding() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		if e, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			enc = e
		}
	})
	return enc
}

// Count returns the token count of text, or a heuristic estimate when the
// encoder is unavailable.
func Count(text string) int {
	if e := encoding(); e != nil {
		return len(e.Encode(text, nil, nil))
	}
	return Estimate(text)
}

// Estimate is the cheap fallback: max(runes/4, word count), at least 1 for
// non-empty text.
func Estimate(text string) int {
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

// Truncate cuts text down to roughly maxTokens tokens and appends a marker
// when anything was dropped. maxTokens <= 0 disables the cap.
func Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return text
	}
	if e := encoding(); e != nil {
		toks := e.Encode(text, nil, nil)
		if len(toks) <= maxTokens {
			return text
		}
		return e.Decode(toks[:maxTokens]) + "\n[truncated]"
	}
	runes := []rune(text)
	limit := maxTokens * 4
	if limit >= len(runes) {
		return text
	}
	return string(runes[:limit]) + "\n[truncated]"
}

// CountMessages sums Count over every text part of a transcript: plain
// content, text blocks, tool inputs are skipped (they are small relative to
// results), tool results included.
func CountMessages(msgs []domain.TranscriptMessage) int {
	total := 0
	for _, m := range msgs {
		if !m.HasBlocks() {
			total += Count(m.Content)
			continue
		}
		for _, b := range m.Blocks {
			switch b.Type {
			case "text":
				total += Count(b.Text)
			case "tool_result":
				total += Count(b.ToolResult)
			}
		}
	}
	return total
}
