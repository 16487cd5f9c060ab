// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
)

// =============================================================================
// MARKDOWN RENDERING
// =============================================================================

// markdownRenderer renders model output as styled terminal markdown.
// Initialized once; nil when initialization fails, in which case output
// falls back to plain text.
var markdownRenderer *glamour.TermRenderer

func init() {
	width := GetTerminalWidth()
	if width > 100 {
		width = 100
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err == nil {
		markdownRenderer = renderer
	}
}

// renderMarkdown renders content as terminal markdown, returning the
// content unchanged when no renderer is available or rendering fails.
func renderMarkdown(content string) string {
	if markdownRenderer == nil {
		return content
	}
	rendered, err := markdownRenderer.Render(content)
	if err != nil {
		return content
	}
	return rendered
}

// displayResponse prints assistant or tool output. Markdown styling only
// applies when stdout is a terminal; piped output stays plain so it can be
// processed downstream.
func displayResponse(content string) {
	if content == "" {
		return
	}
	if !IsStdoutTTY() {
		fmt.Println(content)
		return
	}
	rendered := renderMarkdown(content)
	fmt.Print(rendered)
	if !strings.HasSuffix(rendered, "\n") {
		fmt.Println()
	}
}
