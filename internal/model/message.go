// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
package model

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/jeranaias/rigchat/internal/util"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the kind of transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleToolResult carries a tool's output back into the transcript.
	RoleToolResult Role = "tool_result"
	// RoleToolCallMarker replaces an assistant entry that turned out to be a
	// tool call. It exists for presentation state only and is never rendered
	// into the model's context.
	RoleToolCallMarker Role = "tool_call_marker"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	case RoleToolResult:
		return "Tool"
	case RoleToolCallMarker:
		return "Tool call"
	default:
		return string(r)
	}
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single transcript entry. An assistant entry is mutated
// in place while it streams and becomes immutable once finalized; every other
// role is immutable from creation.
type Message struct {
	// Identity
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`

	// Content is the raw accumulated text. For assistant entries this is what
	// the parser and the prompt assembler see; it may contain tool-call JSON
	// that the display never shows.
	Content string `json:"content"`

	// DisplayContent is the presentation form: emoji-filtered chunks with
	// echoed prompt scaffolding stripped. Empty means fall back to Content.
	DisplayContent string `json:"display_content,omitempty"`

	// displayRaw accumulates display chunks before echo stripping.
	displayRaw string

	// ContextPayload, when set, replaces Content during prompt assembly.
	// Tool results carry their compact context form here; user entries carry
	// their document-prefixed form.
	ContextPayload string `json:"context_payload,omitempty"`

	// ToolName identifies the tool for tool_result and tool_call_marker rows.
	ToolName string `json:"tool_name,omitempty"`

	// ToolCallRaw preserves the JSON command an assistant entry was relabeled
	// for. The orchestrator re-parses it when dispatching.
	ToolCallRaw string `json:"tool_call_raw,omitempty"`

	// Hidden entries stay in context but are not rendered in the transcript
	// (fs_list results are context-only).
	Hidden bool `json:"hidden,omitempty"`

	// Streaming marks an assistant entry still being written.
	Streaming bool `json:"-"`

	// Generation statistics (assistant entries).
	TokenCount    int           `json:"token_count,omitempty"`
	TTFT          time.Duration `json:"ttft_ns,omitempty"`
	TotalDuration time.Duration `json:"total_duration_ns,omitempty"`
	TokensPerSec  float64       `json:"tokens_per_sec,omitempty"`
}

// NewUserMessage creates a user entry. contextPayload may differ from the
// shown text when attached documents or pending search results are prefixed;
// pass "" to send the shown text.
func NewUserMessage(content, contextPayload string) *Message {
	return &Message{
		ID:             generateID(),
		Role:           RoleUser,
		Content:        content,
		ContextPayload: contextPayload,
		Timestamp:      time.Now(),
	}
}

// NewAssistantSlot creates an empty streaming assistant entry.
func NewAssistantSlot() *Message {
	return &Message{
		ID:        generateID(),
		Role:      RoleAssistant,
		Timestamp: time.Now(),
		Streaming: true,
	}
}

// NewToolResultMessage creates a tool_result entry. display is the
// human-readable block; contextPayload is the compact form re-injected into
// the prompt (falls back to display when empty). hidden keeps the entry out
// of the rendered transcript.
func NewToolResultMessage(toolName, display, contextPayload string, hidden bool) *Message {
	return &Message{
		ID:             generateID(),
		Role:           RoleToolResult,
		Content:        display,
		ContextPayload: contextPayload,
		ToolName:       toolName,
		Hidden:         hidden,
		Timestamp:      time.Now(),
	}
}

// =============================================================================
// STREAMING MUTATION
// =============================================================================

// AppendRaw appends decoded text to the raw content of a streaming entry.
func (m *Message) AppendRaw(chunk string) {
	if m.Streaming {
		m.Content += chunk
	}
}

// AppendDisplay appends an already-filtered display chunk and refreshes the
// echo-stripped display content.
func (m *Message) AppendDisplay(chunk string) {
	if !m.Streaming {
		return
	}
	m.displayRaw += chunk
	m.DisplayContent = util.StripPromptEcho(m.displayRaw)
}

// FinalizeStream completes streaming and records statistics.
func (m *Message) FinalizeStream(stats *Statistics) {
	if !m.Streaming {
		return
	}
	m.Streaming = false
	if stats != nil {
		m.TTFT = stats.TTFT
		m.TotalDuration = stats.TotalDuration
		m.TokenCount = stats.CompletionTokens
		m.TokensPerSec = stats.TokensPerSecond
	}
}

// RelabelToolCall permanently converts an assistant entry into a
// tool_call_marker carrying a short status line. rawCall preserves the JSON
// command for the dispatcher; pass "" for notices like budget exhaustion.
func (m *Message) RelabelToolCall(toolName, status, rawCall string) {
	m.Role = RoleToolCallMarker
	m.ToolName = toolName
	m.ToolCallRaw = rawCall
	m.Content = status
	m.displayRaw = status
	m.DisplayContent = status
	m.Streaming = false
}

// =============================================================================
// ACCESSORS
// =============================================================================

// DisplayText returns the presentation form of the entry.
func (m *Message) DisplayText() string {
	if m.DisplayContent != "" {
		return m.DisplayContent
	}
	return m.Content
}

// ContextText returns the form sent back to the model.
func (m *Message) ContextText() string {
	if m.ContextPayload != "" {
		return m.ContextPayload
	}
	return m.Content
}

// Preview returns a truncated single-line preview of the entry.
func (m *Message) Preview(maxLen int) string {
	return util.TruncateRunes(m.DisplayText(), maxLen)
}

// IsEmpty returns true if the entry has no content.
func (m *Message) IsEmpty() bool {
	return len(m.Content) == 0 && len(m.displayRaw) == 0
}

// EstimateTokens gives a rough token estimate at the given chars-per-token
// ratio. An approximation, not a tokenizer.
func (m *Message) EstimateTokens(charsPerToken int) int {
	if charsPerToken <= 0 {
		charsPerToken = 4
	}
	return len(m.ContextText()) / charsPerToken
}

// FormatStats returns the one-line statistics summary for a finalized
// assistant entry, or "" when none apply.
func (m *Message) FormatStats() string {
	if m.Role != RoleAssistant || m.TotalDuration == 0 {
		return ""
	}
	return formatDuration(m.TotalDuration.Seconds()) + " | " +
		util.IntToString(m.TokenCount) + " tokens | " +
		util.FloatToStringPrec(m.TokensPerSec, 1) + " tok/s | " +
		"TTFT " + util.Int64ToString(m.TTFT.Milliseconds()) + "ms"
}

// =============================================================================
// STATISTICS TYPE
// =============================================================================

// Statistics holds timing and token counts for one generation.
type Statistics struct {
	StartTime      time.Time
	FirstTokenTime time.Time
	EndTime        time.Time

	CompletionTokens int
	CharCount        int

	// Derived on Finalize.
	TTFT time.Duration
	// TotalDuration spans start to end.
	TotalDuration time.Duration
	// GenerationDuration spans first token (or start, when no token ever
	// arrived) to end.
	GenerationDuration time.Duration
	TokensPerSecond    float64
}

// NewStatistics creates a Statistics with the start time set.
func NewStatistics() *Statistics {
	return &Statistics{StartTime: time.Now()}
}

// RecordFirstToken records the first non-empty chunk. Subsequent calls are
// no-ops.
func (s *Statistics) RecordFirstToken() {
	if s.FirstTokenTime.IsZero() {
		s.FirstTokenTime = time.Now()
		s.TTFT = s.FirstTokenTime.Sub(s.StartTime)
	}
}

// Finalize computes the derived metrics from the accumulated character count.
// Token count is chars/ratio floored, with a minimum of 1 once any character
// was produced.
func (s *Statistics) Finalize(charsPerToken int) {
	s.EndTime = time.Now()
	if charsPerToken <= 0 {
		charsPerToken = 4
	}
	if s.CharCount > 0 {
		s.CompletionTokens = s.CharCount / charsPerToken
		if s.CompletionTokens < 1 {
			s.CompletionTokens = 1
		}
	}

	s.TotalDuration = s.EndTime.Sub(s.StartTime)
	genStart := s.FirstTokenTime
	if genStart.IsZero() {
		genStart = s.StartTime
	}
	s.GenerationDuration = s.EndTime.Sub(genStart)
	if s.GenerationDuration > 0 {
		s.TokensPerSecond = float64(s.CompletionTokens) / s.GenerationDuration.Seconds()
	}
}

// Format returns the one-line summary, e.g.
// "2.3s | 128 tokens | 54.1 tok/s | TTFT 210ms".
func (s *Statistics) Format() string {
	ttft := "-"
	if !s.FirstTokenTime.IsZero() {
		ttft = util.Int64ToString(s.TTFT.Milliseconds()) + "ms"
	}
	return formatDuration(s.TotalDuration.Seconds()) + " | " +
		util.IntToString(s.CompletionTokens) + " tokens | " +
		util.FloatToStringPrec(s.TokensPerSecond, 1) + " tok/s | " +
		"TTFT " + ttft
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// generateID creates a unique message ID.
func generateID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return "msg_" + hex.EncodeToString(bytes)
}

// formatDuration renders seconds as "850ms" below one second, "2.3s" above.
func formatDuration(seconds float64) string {
	if seconds < 1 {
		return util.IntToString(int(seconds*1000)) + "ms"
	}
	return util.FloatToStringPrec(seconds, 1) + "s"
}
