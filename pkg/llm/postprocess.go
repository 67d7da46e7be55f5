package llm

import (
	"encoding/json"
	"strings"
)

// StripCodeFences removes a surrounding ``` or ```lang fence from model
// output, returning the inner text. Input without fences passes through.
func StripCodeFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}

	// Drop the opening fence line (which may carry a language tag).
	if idx := strings.IndexByte(trimmed, '\n'); idx != -1 {
		trimmed = trimmed[idx+1:]
	} else {
		return strings.TrimPrefix(trimmed, "```")
	}

	if idx := strings.LastIndex(trimmed, "```"); idx != -1 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}

// CoerceJSON extracts a JSON value from model output. It tolerates code
// fences and leading/trailing prose around a single object or array.
func CoerceJSON(s string) (json.RawMessage, bool) {
	candidate := StripCodeFences(s)

	if json.Valid([]byte(candidate)) {
		return json.RawMessage(candidate), true
	}

	// Fall back to the outermost {...} or [...] span inside the text.
	for _, pair := range [][2]byte{{'{', '}'}, {'[', ']'}} {
		start := strings.IndexByte(candidate, pair[0])
		end := strings.LastIndexByte(candidate, pair[1])
		if start != -1 && end > start {
			span := candidate[start : end+1]
			if json.Valid([]byte(span)) {
				return json.RawMessage(span), true
			}
		}
	}
	return nil, false
}
