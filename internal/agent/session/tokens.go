package session

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"tern/internal/agent/ports"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

func tokenEncoding() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	return encoding
}

// CountTokens returns a token count using the cl100k_base encoding, falling
// back to a rune/word heuristic when the encoding is unavailable.
func CountTokens(text string) int {
	if enc := tokenEncoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return estimateFast(text)
}

// estimateFast returns max(runes/4, word count) as a cheap token estimate.
func estimateFast(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	estimate := len([]rune(trimmed)) / 4
	if words := len(strings.Fields(trimmed)); estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// itemTokens estimates the token weight of a single history item.
func itemTokens(item ports.ResponseItem) int {
	switch it := item.(type) {
	case ports.MessageItem:
		return CountTokens(it.Content) + 4
	case ports.ReasoningItem:
		return CountTokens(it.Summary) + 4
	case ports.FunctionCallItem:
		return CountTokens(it.Name) + CountTokens(it.Arguments) + 8
	case ports.FunctionCallOutputItem:
		return CountTokens(it.Output) + 8
	default:
		return 4
	}
}
