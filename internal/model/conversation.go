// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// MaxMessages caps conversation history length. Old entries are pruned
// beyond it to prevent unbounded memory growth.
const MaxMessages = 1000

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation holds the single process-wide chat transcript. The turn
// worker is the sole mutator during an active turn; the presentation layer
// reads through the events it is handed.
type Conversation struct {
	// Identity
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Messages in order.
	Messages []*Message `json:"messages"`

	// TokensUsed is the running context estimate (approximate).
	TokensUsed int `json:"tokens_used"`
}

// NewConversation creates an empty conversation with a generated ID.
func NewConversation() *Conversation {
	now := time.Now()
	return &Conversation{
		ID:        generateConversationID(),
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  make([]*Message, 0),
	}
}

// =============================================================================
// MESSAGE MANAGEMENT
// =============================================================================

// AddMessage appends an entry and refreshes metadata.
func (c *Conversation) AddMessage(msg *Message) {
	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = time.Now()
	c.updateTitle()
	c.pruneOldMessages()
}

// AddUserMessage creates and appends a user entry.
func (c *Conversation) AddUserMessage(content, contextPayload string) *Message {
	msg := NewUserMessage(content, contextPayload)
	c.AddMessage(msg)
	return msg
}

// AddAssistantSlot creates and appends an empty streaming assistant entry.
func (c *Conversation) AddAssistantSlot() *Message {
	msg := NewAssistantSlot()
	c.AddMessage(msg)
	return msg
}

// AddToolResult creates and appends a tool_result entry.
func (c *Conversation) AddToolResult(toolName, display, contextPayload string, hidden bool) *Message {
	msg := NewToolResultMessage(toolName, display, contextPayload, hidden)
	c.AddMessage(msg)
	return msg
}

// GetLastMessage returns the most recent entry, or nil when empty.
func (c *Conversation) GetLastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return c.Messages[len(c.Messages)-1]
}

// GetLastAssistantMessage returns the most recent assistant entry.
func (c *Conversation) GetLastAssistantMessage() *Message {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == RoleAssistant {
			return c.Messages[i]
		}
	}
	return nil
}

// GetMessageByID returns an entry by ID, or nil.
func (c *Conversation) GetMessageByID(id string) *Message {
	for _, msg := range c.Messages {
		if msg.ID == id {
			return msg
		}
	}
	return nil
}

// ClearHistory removes all entries. The only path that deletes messages.
func (c *Conversation) ClearHistory() {
	c.Messages = make([]*Message, 0)
	c.Title = ""
	c.TokensUsed = 0
	c.UpdatedAt = time.Now()
}

// MessageCount returns the number of entries.
func (c *Conversation) MessageCount() int {
	return len(c.Messages)
}

// IsEmpty returns true when there are no entries.
func (c *Conversation) IsEmpty() bool {
	return len(c.Messages) == 0
}

// GetHistory returns the entries for rendering or assembly.
func (c *Conversation) GetHistory() []*Message {
	return c.Messages
}

// =============================================================================
// TOKEN TRACKING
// =============================================================================

// EstimateTokens estimates the context size of the conversation at the given
// chars-per-token ratio. Approximate by design; surfaced with a "~" in meters.
func (c *Conversation) EstimateTokens(charsPerToken int) int {
	total := 0
	for _, msg := range c.Messages {
		if msg.Role == RoleToolCallMarker {
			continue
		}
		total += msg.EstimateTokens(charsPerToken)
		// Per-entry overhead for the role tag and timestamp.
		total += 4
	}
	c.TokensUsed = total
	return total
}

// =============================================================================
// TITLE MANAGEMENT
// =============================================================================

// updateTitle auto-generates a title from the first user entry if not set.
func (c *Conversation) updateTitle() {
	if c.Title != "" {
		return
	}
	for _, msg := range c.Messages {
		if msg.Role == RoleUser {
			c.Title = msg.Preview(50)
			return
		}
	}
}

// SetTitle manually sets the conversation title.
func (c *Conversation) SetTitle(title string) {
	c.Title = title
	c.UpdatedAt = time.Now()
}

// GetTitle returns the conversation title or a default.
func (c *Conversation) GetTitle() string {
	if c.Title != "" {
		return c.Title
	}
	return "New Conversation"
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// generateConversationID creates a unique conversation ID.
func generateConversationID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return "conv_" + hex.EncodeToString(bytes)
}

// pruneOldMessages drops the oldest entries beyond MaxMessages.
func (c *Conversation) pruneOldMessages() {
	if len(c.Messages) <= MaxMessages {
		return
	}
	c.Messages = c.Messages[len(c.Messages)-MaxMessages:]
}
