// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package toolcall

import (
	"encoding/json"
	"strings"
)

// =============================================================================
// JSON EXTRACTION
// =============================================================================

// extractFirstJSONObject finds the first balanced {...} substring in text.
// A fenced code block (``` or ```json) is preferred when it wraps a whole
// object; otherwise the scan tracks string literals and escape sequences so
// braces inside quoted values do not affect nesting depth.
func extractFirstJSONObject(text string) (string, bool) {
	if text == "" {
		return "", false
	}

	if inner, ok := fencedObject(text); ok {
		return inner, true
	}

	start := strings.IndexByte(text, '{')
	if start == -1 {
		return "", false
	}
	inStr := false
	esc := false
	depth := 0
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case ch == '\\':
				esc = true
			case ch == '"':
				inStr = false
			}
			continue
		}
		switch ch {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// fencedObject extracts a JSON object from the first complete fenced code
// block, if the block's inner text is itself a whole object.
func fencedObject(text string) (string, bool) {
	idx := strings.Index(text, "```json")
	if idx == -1 {
		idx = strings.Index(text, "```")
	}
	if idx == -1 {
		return "", false
	}
	tail := text[idx:]
	end := strings.Index(tail[3:], "```")
	if end == -1 {
		return "", false
	}
	inner := stripCodeFences(tail[:end+6])
	if strings.HasPrefix(inner, "{") && strings.HasSuffix(inner, "}") {
		return inner, true
	}
	return "", false
}

// stripCodeFences removes a surrounding triple-backtick fence, including
// any language tag on the opening line.
func stripCodeFences(text string) string {
	raw := strings.TrimSpace(text)
	if strings.HasPrefix(raw, "```") && strings.HasSuffix(raw, "```") {
		lines := strings.Split(raw, "\n")
		if len(lines) >= 3 {
			return strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
		}
	}
	return raw
}

// =============================================================================
// DECODING AND REPAIR
// =============================================================================

// decodeObject parses raw as a JSON object. On a strict-parse failure it
// applies exactly one repair pass, escaping literal newlines inside string
// values, then retries once.
func decodeObject(raw string) (map[string]interface{}, bool) {
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		fixed := escapeRawNewlines(raw)
		if fixed == raw {
			return nil, false
		}
		if err := json.Unmarshal([]byte(fixed), &v); err != nil {
			return nil, false
		}
	}
	obj, ok := v.(map[string]interface{})
	return obj, ok
}

// escapeRawNewlines converts literal CR/LF characters inside JSON string
// literals to an escaped \n. Models sometimes emit real newlines inside
// string values, which is invalid JSON; characters outside string literals
// are left untouched.
func escapeRawNewlines(raw string) string {
	if raw == "" {
		return raw
	}
	var b strings.Builder
	b.Grow(len(raw) + 8)
	inStr := false
	esc := false
	for i := 0; i < len(raw); i++ {
		ch := raw[i]
		if inStr {
			switch {
			case esc:
				esc = false
				b.WriteByte(ch)
			case ch == '\\':
				esc = true
				b.WriteByte(ch)
			case ch == '"':
				inStr = false
				b.WriteByte(ch)
			case ch == '\r' || ch == '\n':
				b.WriteString(`\n`)
			default:
				b.WriteByte(ch)
			}
			continue
		}
		if ch == '"' {
			inStr = true
		}
		b.WriteByte(ch)
	}
	return b.String()
}
