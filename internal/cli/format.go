// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/jeranaias/rigchat/internal/docstore"
	"github.com/jeranaias/rigchat/internal/store"
	"github.com/jeranaias/rigchat/internal/tools"
	"github.com/jeranaias/rigchat/internal/util"
)

// =============================================================================
// FORMATTING HELPERS
// =============================================================================

// formatDuration renders an elapsed wall duration: "45s", "12m30s", "2h05m".
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

// onOff renders a toggle state.
func onOff(enabled bool) string {
	if enabled {
		return "on"
	}
	return "off"
}

// formatAttachment renders one attachment line: "notes.md (markdown, 1.5 KB)".
func formatAttachment(att docstore.Attachment) string {
	s := att.Name + " (" + att.Type + ", " + util.FormatBytes(att.Size) + ")"
	if att.Err != "" {
		s += "  [" + att.Err + "]"
	}
	return s
}

const (
	sessionTitleWidth   = 32
	sessionPreviewWidth = 40
)

// formatSessionTable renders saved sessions as a fixed-width table, index
// first so entries can be addressed as /load <n>. Column widths go through
// runewidth so wide characters in titles keep the table aligned.
func formatSessionTable(metas []store.SessionMeta) string {
	if len(metas) == 0 {
		return "No saved sessions."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%4s  ", "#")
	b.WriteString(runewidth.FillRight("TITLE", sessionTitleWidth))
	b.WriteString("  MSGS  ")
	b.WriteString(runewidth.FillRight("UPDATED", 12))
	b.WriteString("  PREVIEW\n")
	for i, m := range metas {
		fmt.Fprintf(&b, "%4d  ", i)
		b.WriteString(runewidth.FillRight(
			runewidth.Truncate(m.Title, sessionTitleWidth, "..."), sessionTitleWidth))
		fmt.Fprintf(&b, "  %4d  %s  %s\n",
			m.MessageCount,
			m.UpdatedAt.Format("Jan 02 15:04"),
			runewidth.Truncate(m.Preview, sessionPreviewWidth, "..."))
	}
	return strings.TrimRight(b.String(), "\n")
}

// decisionFromAnswer maps a conflict-prompt reply to a decision. Anything
// unrecognized cancels; an accidental Enter must never overwrite a file.
func decisionFromAnswer(answer string) tools.Decision {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "o", "overwrite":
		return tools.DecisionOverwrite
	case "b", "backup":
		return tools.DecisionBackup
	default:
		return tools.DecisionCancel
	}
}
