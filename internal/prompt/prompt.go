// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package prompt assembles the flat text prompt sent to the completion
// endpoint: persona and behavior preamble, tool documentation for whichever
// tools are enabled, rendered conversation history, and the trailing
// ASSISTANT cue the model completes from.
package prompt

import (
	"strings"
	"time"

	"github.com/jeranaias/rigchat/internal/model"
	"github.com/jeranaias/rigchat/internal/util"
)

// assistantCue terminates every prompt; the model's completion continues
// from directly after it.
const assistantCue = "\nASSISTANT:"

// continueDirective is spliced in before the cue when a dropped stream is
// resumed so the model picks up where the previous attempt stopped.
const continueDirective = "\nSYSTEM: Previous stream disconnected. Continue from where you left off without repeating."

// =============================================================================
// PERSONA
// =============================================================================

// Persona controls how the assistant introduces itself in the preamble.
type Persona struct {
	Name string
	Tone string
}

// sanitize collapses runs of whitespace and bounds length so a hostile or
// accidental persona value cannot inject extra prompt lines.
func (p Persona) sanitize() (name, tone string) {
	name = strings.Join(strings.Fields(p.Name), " ")
	name = util.TruncateRunesNoEllipsis(name, 80)
	if name == "" {
		name = "Assistant"
	}
	tone = strings.Join(strings.Fields(p.Tone), " ")
	tone = util.TruncateRunesNoEllipsis(tone, 120)
	if tone == "" {
		tone = "helpful"
	}
	return name, tone
}

// =============================================================================
// ASSEMBLY
// =============================================================================

// Options carries everything the assembler needs. It is passed explicitly
// so prompt construction never reads ambient global state.
type Options struct {
	Persona Persona

	// Now stamps the date/time preamble line; the zero value means the
	// current wall clock.
	Now time.Time

	// FilesRoot is the directory file tools operate under, as shown to
	// the model. Empty renders as "(not configured)".
	FilesRoot string

	WebSearchEnabled bool
	FilesEnabled     bool

	// FilesMaxBytes is advertised in the fs_read example. Out-of-range
	// values are clamped to [10_000, 10_000_000]; zero means 200_000.
	FilesMaxBytes int
}

// Format renders the full prompt for one generation attempt: preamble, tool
// documentation, history, and the trailing ASSISTANT cue.
func Format(opts Options, messages []*model.Message) string {
	name, tone := opts.Persona.sanitize()
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	var parts []string
	parts = append(parts, "SYSTEM: You are "+name+", a helpful assistant with a "+tone+" tone.")
	parts = append(parts, "SYSTEM: Current date/time is "+now.Format("2006-01-02 15:04")+".")
	parts = append(parts, "SYSTEM: Format your normal responses in Markdown when it helps readability (headings, lists, code blocks, tables).")
	parts = append(parts, "SYSTEM: Do not wrap the entire response in a single code fence.")

	root := strings.TrimSpace(opts.FilesRoot)
	if root == "" {
		root = "(not configured)"
	}
	parts = append(parts, "SYSTEM: File tool root directory is: "+root)

	parts = append(parts, toolSection(opts)+"\n")

	for _, msg := range messages {
		switch msg.Role {
		case model.RoleUser:
			parts = append(parts, "USER ["+stamp(msg.Timestamp)+"]: "+msg.ContextText())
		case model.RoleToolResult:
			toolName := msg.ToolName
			if toolName == "" {
				toolName = "tool"
			}
			parts = append(parts, "TOOL["+toolName+"]: "+msg.ContextText())
		case model.RoleToolCallMarker:
			// Markers are presentation-only; the model never sees them.
			continue
		case model.RoleAssistant:
			parts = append(parts, "ASSISTANT ["+stamp(msg.Timestamp)+"]: "+msg.DisplayText())
		}
	}

	return strings.Join(parts, "\n") + assistantCue
}

// ContinueDirective rewrites a prompt for a reconnect attempt, instructing
// the model to continue rather than restart. Prompts without the trailing
// cue are returned unchanged.
func ContinueDirective(p string) string {
	if !strings.HasSuffix(p, assistantCue) {
		return p
	}
	return strings.TrimSuffix(p, assistantCue) + continueDirective + assistantCue
}

// toolSection renders the tool-calling contract: the JSON invocation rules,
// one documentation block per enabled tool, and the usage rules.
func toolSection(opts Options) string {
	var enabled []string
	if opts.WebSearchEnabled {
		enabled = append(enabled, "web_search")
	}
	if opts.FilesEnabled {
		enabled = append(enabled, "fs_list/fs_read/fs_write/fs_search")
	}
	enabledTxt := "(none)"
	if len(enabled) > 0 {
		enabledTxt = strings.Join(enabled, ", ")
	}

	var lines []string
	lines = append(lines, "SYSTEM: You can use tools by emitting a JSON tool call. These JSON objects are commands for you (the assistant).")
	lines = append(lines, "SYSTEM: The app will execute the tool call and then provide the result back to you as a TOOL[tool_name] message.")
	lines = append(lines, "SYSTEM: If you need to use a tool, respond with EXACTLY one JSON object and nothing else.")
	lines = append(lines, "SYSTEM: Do NOT include any prose like 'Sure, here is the JSON'. Do NOT wrap the JSON in Markdown code fences.")
	lines = append(lines, "SYSTEM: The JSON must be valid JSON.")
	lines = append(lines, "SYSTEM: Enabled tools (UI): "+enabledTxt)
	lines = append(lines, "SYSTEM: Supported tools:")

	if opts.WebSearchEnabled {
		lines = append(lines, "SYSTEM: - web_search")
		lines = append(lines, "SYSTEM:   Use this to look things up online (current events, facts, docs, troubleshooting).")
		lines = append(lines, `SYSTEM:   Format: {"tool":"web_search","args":{"query":"...","count":5}}`)
	}

	if opts.FilesEnabled {
		maxBytes := opts.FilesMaxBytes
		if maxBytes <= 0 {
			maxBytes = 200_000
		}
		if maxBytes < 10_000 {
			maxBytes = 10_000
		}
		if maxBytes > 10_000_000 {
			maxBytes = 10_000_000
		}

		lines = append(lines, "SYSTEM: - fs_list")
		lines = append(lines, "SYSTEM:   You can list files and folders under the file tool root directory using fs_list.")
		lines = append(lines, `SYSTEM:   Format: {"tool":"fs_list","args":{"path":".","recursive":false,"limit":200}}`)
		lines = append(lines, "SYSTEM:   Tip: Keep limit small (e.g. 50-200) and avoid recursive=true unless you truly need it.")

		lines = append(lines, "SYSTEM: - fs_read")
		lines = append(lines, "SYSTEM:   You can read a file's contents under the file tool root directory using fs_read.")
		lines = append(lines, `SYSTEM:   Format: {"tool":"fs_read","args":{"path":"relative/path.txt","max_bytes":`+util.IntToString(maxBytes)+`}}`)
		lines = append(lines, "SYSTEM:   Tip: Use a small max_bytes when possible to keep context small and fast.")

		lines = append(lines, "SYSTEM: - fs_write")
		lines = append(lines, "SYSTEM:   You can write or update a file under the file tool root directory using fs_write (only when the user asks).")
		lines = append(lines, `SYSTEM:   Format: {"tool":"fs_write","args":{"path":"relative/path.txt","content":"...","overwrite":false}}`)
		lines = append(lines, "SYSTEM:   IMPORTANT: When the user asks you to create/modify a file, do not print the file contents in chat. Call fs_write.")
		lines = append(lines, `SYSTEM:   For multi-line content, ensure valid JSON. Prefer using a single JSON string with \n escapes, or provide content_lines:["line1","line2",...].`)

		lines = append(lines, "SYSTEM: - fs_search")
		lines = append(lines, "SYSTEM:   You can search within files under the file tool root directory using fs_search.")
		lines = append(lines, `SYSTEM:   Format: {"tool":"fs_search","args":{"query":"needle","path":".","limit":50,"regex":false,"case_sensitive":false}}`)
	}

	lines = append(lines, "SYSTEM: Rules:")
	lines = append(lines, "SYSTEM: - Only call tools when necessary.")
	lines = append(lines, "SYSTEM: - When calling a tool, output only the JSON object.")
	if opts.FilesEnabled {
		lines = append(lines, "SYSTEM: - Paths for file tools must be RELATIVE to the configured file tool root directory.")
		lines = append(lines, "SYSTEM: - Only use fs_write when the user explicitly asks you to create or modify files.")
		lines = append(lines, `SYSTEM: - fs_write content must be a JSON string (escape newlines as \n).`)
		lines = append(lines, "SYSTEM: - For fs_write, avoid surrounding the JSON with markdown fences or extra text.")
		lines = append(lines, "SYSTEM: - fs_write will fail if the file already exists unless overwrite=true (you can also pick a new name like .bak).")
		lines = append(lines, "SYSTEM: - Prefer fs_read before fs_write when editing an existing file.")
		lines = append(lines, "SYSTEM: - If you are unsure about paths, call fs_list first.")
		lines = append(lines, "SYSTEM: - Prefer fs_search before fs_read when locating where to edit.")
		lines = append(lines, "SYSTEM: - Do not paste full fs_read contents into chat unless the user explicitly asks to see them.")
	}
	lines = append(lines, "SYSTEM: - Tool results will be provided in hidden context as TOOL[tool_name] messages. Do not repeat them verbatim; use them to answer normally.")
	lines = append(lines, "SYSTEM: - Never output TOOL[...] yourself; that is an internal label.")

	return strings.Join(lines, "\n")
}

// stamp renders a message timestamp for history lines; the zero time shows
// a placeholder.
func stamp(t time.Time) string {
	if t.IsZero() {
		return "--:--"
	}
	return t.Format("15:04")
}
