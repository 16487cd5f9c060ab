// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package prompt

import (
	"strings"

	"github.com/jeranaias/rigchat/internal/util"
)

// =============================================================================
// CONTEXT BLOCK
// =============================================================================

// Document is an attached file offered to the model as context.
type Document struct {
	Name    string
	Type    string
	Content string
	Err     string // non-empty when the file could not be loaded
}

// BuildContextBlock prefixes the user's text with attached-document and
// pending web-search context. Search contexts are consumed on use (a result
// is injected into exactly one prompt); the returned slice is the remaining
// pending set. Document content larger than maxEmbed bytes is referenced
// but not embedded.
func BuildContextBlock(docs []Document, pendingSearch []string, userText string, maxEmbed int, consumeSearch bool) (string, []string) {
	var context []string

	if len(docs) > 0 {
		context = append(context, "Loaded Documents:")
		for _, doc := range docs {
			name := doc.Name
			if name == "" {
				name = "Unknown file"
			}
			if doc.Err != "" {
				context = append(context, "[File: "+name+" - ERROR: "+doc.Err+"]")
				continue
			}
			docType := doc.Type
			if docType == "" {
				docType = "unknown"
			}
			context = append(context, "[File: "+name+" ("+docType+")]")
			switch {
			case doc.Content != "" && len(doc.Content) < maxEmbed:
				context = append(context, "Content:\n---\n"+doc.Content+"\n---")
			case doc.Content != "":
				context = append(context, "(File content too large to embed)")
			default:
				context = append(context, "(Binary file not embedded)")
			}
		}
		context = append(context, "")
	}

	remaining := pendingSearch
	if len(pendingSearch) > 0 {
		context = append(context, "Web Search Results:")
		for i, ctx := range pendingSearch {
			context = append(context, "Search "+util.IntToString(i+1)+":\n"+ctx)
		}
		context = append(context, "")
		if consumeSearch {
			remaining = nil
		}
	}

	prefix := ""
	if len(context) > 0 {
		prefix = strings.Join(context, "\n") + "\n"
	}
	if userText == "" {
		userText = "(no text)"
	}
	return prefix + userText, remaining
}
