package llm

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

func getEncoding() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		// cl100k_base covers the GPT-4 family; close enough for budgeting
		// prompts against other providers.
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	return encoding
}

// CountTokens estimates the token count of text. Falls back to a
// 4-chars-per-token heuristic when the encoding is unavailable.
func CountTokens(text string) int {
	if enc := getEncoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

// TruncateToTokens trims text to at most maxTokens tokens, cutting on a
// line boundary where possible.
func TruncateToTokens(text string, maxTokens int) string {
	if maxTokens <= 0 || CountTokens(text) <= maxTokens {
		return text
	}

	lines := strings.Split(text, "\n")
	var out []string
	used := 0
	for _, line := range lines {
		cost := CountTokens(line) + 1
		if used+cost > maxTokens {
			break
		}
		out = append(out, line)
		used += cost
	}
	if len(out) == 0 && len(lines) > 0 {
		// Single oversized line: hard cut by the character heuristic.
		limit := maxTokens * 4
		if limit < len(text) {
			return text[:limit]
		}
	}
	return strings.Join(out, "\n")
}
