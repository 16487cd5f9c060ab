// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import "strings"

// UNICODE: all truncation here counts runes, not bytes, so multi-byte
// characters are never split.

// TruncateRunes truncates s to at most maxRunes characters, appending "..."
// when anything was cut and there is room for it.
func TruncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	if maxRunes <= 3 {
		return string(runes[:maxRunes])
	}
	return string(runes[:maxRunes-3]) + "..."
}

// TruncateRunesNoEllipsis truncates s to at most maxRunes characters.
func TruncateRunesNoEllipsis(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes])
}

// =============================================================================
// DISPLAY FILTERING
// =============================================================================

// StripEmoji removes pictographic characters from display text: emoji blocks,
// regional indicators, dingbats, tiles, and the joiners/selectors that glue
// emoji sequences together. Applied to display content only; raw content and
// context payloads are untouched.
func StripEmoji(s string) string {
	if s == "" {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '‍', '️', '⃣': // ZWJ, VS16, keycap combiner
			continue
		}
		if (r >= 0x1F300 && r <= 0x1FAFF) ||
			(r >= 0x1F1E6 && r <= 0x1F1FF) ||
			(r >= 0x2600 && r <= 0x26FF) ||
			(r >= 0x2700 && r <= 0x27BF) ||
			(r >= 0x1F000 && r <= 0x1F02F) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// StripPromptEcho removes echoed prompt scaffolding from assistant output.
// Some models repeat SYSTEM:/TOOL[...]/USER [...] blocks from their context;
// those blocks are dropped from a marker line through the next blank line.
func StripPromptEcho(s string) string {
	if s == "" {
		return ""
	}
	markers := []string{"SYSTEM:", "TOOL[", "TOOL [", "USER [", "ASSISTANT ["}
	found := false
	for _, m := range markers {
		if strings.Contains(s, m) {
			found = true
			break
		}
	}
	if !found {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	skipping := false
	start := 0
	for start <= len(s) {
		end := strings.IndexByte(s[start:], '\n')
		var line string
		if end < 0 {
			line = s[start:]
			start = len(s) + 1
		} else {
			line = s[start : start+end+1]
			start += end + 1
		}
		trimmed := strings.TrimSpace(line)
		if skipping {
			if trimmed == "" {
				skipping = false
			}
			continue
		}
		isMarker := false
		for _, m := range markers {
			if strings.HasPrefix(trimmed, m) {
				isMarker = true
				break
			}
		}
		if isMarker {
			skipping = true
			continue
		}
		b.WriteString(line)
	}
	return b.String()
}

// FormatBytes renders a byte count for humans: whole bytes below 1 KB, one
// decimal place above ("512 B", "1.5 KB", "2.0 MB").
func FormatBytes(n int64) string {
	value := float64(n)
	units := []string{"B", "KB", "MB", "GB", "TB"}
	idx := 0
	for value >= 1024 && idx < len(units)-1 {
		value /= 1024
		idx++
	}
	if idx == 0 {
		return FloatToStringPrec(value, 0) + " " + units[idx]
	}
	return FloatToStringPrec(value, 1) + " " + units[idx]
}
