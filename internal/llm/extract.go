package llm

import (
	"encoding/json"
	"strings"

	"github.com/arvensis/weft/pkg/schema"
)

// ExtractJSON pulls a JSON value out of freeform model text: a fenced
// ```json ... ``` block takes priority, then the first balanced {...} or
// [...] span, then the whole trimmed text as a last resort.
func ExtractJSON(text string) (json.RawMessage, error) {
	if candidate, ok := fencedJSONBlock(text); ok {
		if json.Valid([]byte(candidate)) {
			return json.RawMessage(candidate), nil
		}
	}

	if candidate, ok := balancedJSONSpan(text); ok {
		if json.Valid([]byte(candidate)) {
			return json.RawMessage(candidate), nil
		}
	}

	trimmed := strings.TrimSpace(text)
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed), nil
	}

	return nil, schema.NewError(schema.ErrCodeSchema, "no valid JSON found in model output")
}

func fencedJSONBlock(text string) (string, bool) {
	const openTag = "```json"
	start := strings.Index(text, openTag)
	if start < 0 {
		start = strings.Index(text, "```")
		if start < 0 {
			return "", false
		}
		start += len("```")
	} else {
		start += len(openTag)
	}
	end := strings.Index(text[start:], "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(text[start : start+end]), true
}

// balancedJSONSpan finds the first top-level balanced {...} or [...] span,
// scanning past string literals so braces inside quoted values are ignored.
func balancedJSONSpan(text string) (string, bool) {
	startIdx := -1
	var open, close byte
	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			startIdx = i
			open = text[i]
			if open == '{' {
				close = '}'
			} else {
				close = ']'
			}
			break
		}
	}
	if startIdx < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := startIdx; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return text[startIdx : i+1], true
			}
		}
	}
	return "", false
}
