// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"context"
	"strings"
	"time"

	"github.com/jeranaias/rigchat/internal/util"
)

// =============================================================================
// FILE TOOLS
// =============================================================================

// FSList lists entries under the sandboxed file root.
func (c *Client) FSList(ctx context.Context, path string, recursive bool, limit int) (display, contextBlock string, err error) {
	if path == "" {
		path = "."
	}
	if limit <= 0 {
		limit = 200
	}

	start := time.Now()
	var data struct {
		Base      string `json:"base"`
		Truncated bool   `json:"truncated"`
		Entries   []struct {
			Path      string `json:"path"`
			IsDir     bool   `json:"is_dir"`
			SizeBytes *int64 `json:"size_bytes"`
		} `json:"entries"`
	}
	payload := map[string]interface{}{"path": path, "recursive": recursive, "limit": limit}
	if err := c.postJSON(ctx, "/files/list", payload, &data, "File listing failed"); err != nil {
		return "", "", err
	}

	base := data.Base
	if base == "" {
		base = "."
	}

	lines := []string{
		"## Files: `" + base + "`",
		"",
		"*Elapsed:* " + util.Int64ToString(elapsedMS(start)) + " ms",
		"",
	}
	ctxLines := []string{"FILES under " + base + ":"}
	for _, item := range data.Entries {
		if item.IsDir {
			lines = append(lines, "- `"+item.Path+"/`")
			ctxLines = append(ctxLines, "- DIR  "+item.Path+"/")
			continue
		}
		sizeTxt := "--"
		if item.SizeBytes != nil {
			sizeTxt = util.FormatBytes(*item.SizeBytes)
		}
		lines = append(lines, "- `"+item.Path+"` ("+sizeTxt+")")
		ctxLines = append(ctxLines, "- FILE "+item.Path+" ("+sizeTxt+")")
	}
	if data.Truncated {
		n := util.IntToString(len(data.Entries))
		lines = append(lines, "", "*Note: list truncated to "+n+" entries*")
		ctxLines = append(ctxLines, "(truncated to "+n+" entries)")
	}
	return strings.TrimSpace(strings.Join(lines, "\n")), strings.TrimSpace(strings.Join(ctxLines, "\n")), nil
}

// FSRead reads one file. The content goes only into the context block; the
// display block just confirms what was loaded.
func (c *Client) FSRead(ctx context.Context, path string, maxBytes int) (display, contextBlock string, err error) {
	if maxBytes <= 0 {
		maxBytes = 200_000
	}

	start := time.Now()
	var data struct {
		Path      string `json:"path"`
		Content   string `json:"content"`
		Truncated bool   `json:"truncated"`
		BytesRead int64  `json:"bytes_read"`
	}
	payload := map[string]interface{}{"path": path, "max_bytes": maxBytes}
	if err := c.postJSON(ctx, "/files/read", payload, &data, "File read failed"); err != nil {
		return "", "", err
	}

	rel := data.Path
	if rel == "" {
		rel = path
	}
	truncNote := ""
	if data.Truncated {
		truncNote = " (truncated)"
	}
	lines := []string{
		"## Read: `" + rel + "`",
		"",
		"*Bytes read:* " + util.Int64ToString(data.BytesRead) + truncNote,
		"*Elapsed:* " + util.Int64ToString(elapsedMS(start)) + " ms",
		"",
		"_Loaded into context (not shown in chat)._",
	}

	ctxBlock := "FILE READ: " + rel + "\n---\n" + data.Content + "\n---"
	if data.Truncated {
		ctxBlock += "\n(TRUNCATED)"
	}
	return strings.Join(lines, "\n"), ctxBlock, nil
}

// FSWrite writes a file under the sandboxed root. With overwrite false the
// backend refuses to replace an existing file; that refusal satisfies
// IsWriteConflict so callers can offer a resolution.
func (c *Client) FSWrite(ctx context.Context, path, content string, overwrite bool) (display, contextBlock string, err error) {
	start := time.Now()
	var data struct {
		Path         string `json:"path"`
		BytesWritten int64  `json:"bytes_written"`
		BackupPath   string `json:"backup_path"`
		Message      string `json:"message"`
	}
	payload := map[string]interface{}{"path": path, "content": content, "overwrite": overwrite, "mkdirs": true}
	if err := c.postJSON(ctx, "/files/write", payload, &data, "File write failed"); err != nil {
		return "", "", err
	}

	rel := data.Path
	if rel == "" {
		rel = path
	}
	lines := []string{
		"## Wrote: `" + rel + "`",
		"",
		"*Bytes written:* " + util.Int64ToString(data.BytesWritten),
		"*Elapsed:* " + util.Int64ToString(elapsedMS(start)) + " ms",
	}
	if data.BackupPath != "" {
		lines = append(lines, "*Backup:* `"+data.BackupPath+"`")
	}
	if msg := strings.TrimSpace(data.Message); msg != "" && msg != "OK" {
		lines = append(lines, "*Message:* "+msg)
	}

	ctxBlock := "FILE WROTE: " + rel + " (" + util.Int64ToString(data.BytesWritten) + " bytes)"
	if data.BackupPath != "" {
		ctxBlock += "\nBACKUP: " + data.BackupPath
	}
	return strings.Join(lines, "\n"), ctxBlock, nil
}

// fsSearchDisplayCap bounds how many matches render in chat.
const fsSearchDisplayCap = 100

// FSSearch searches file contents under the sandboxed root.
func (c *Client) FSSearch(ctx context.Context, query, path string, limit int, regex, caseSensitive bool) (display, contextBlock string, err error) {
	if path == "" {
		path = "."
	}
	if limit <= 0 {
		limit = 50
	}

	start := time.Now()
	var data struct {
		Base      string `json:"base"`
		Truncated bool   `json:"truncated"`
		Matches   []struct {
			Path   string   `json:"path"`
			Line   int      `json:"line"`
			Column *float64 `json:"column"`
			Text   string   `json:"text"`
		} `json:"matches"`
	}
	payload := map[string]interface{}{
		"query":          query,
		"path":           path,
		"limit":          limit,
		"regex":          regex,
		"case_sensitive": caseSensitive,
	}
	if err := c.postJSON(ctx, "/files/search", payload, &data, "File search failed"); err != nil {
		return "", "", err
	}

	base := data.Base
	if base == "" {
		base = "."
	}
	lines := []string{
		"## File search: `" + query + "`",
		"",
		"*Base:* `" + base + "`",
		"*Elapsed:* " + util.Int64ToString(elapsedMS(start)) + " ms",
		"",
	}
	ctxLines := []string{"FILE SEARCH: query=" + query + " base=" + base}
	if len(data.Matches) == 0 {
		lines = append(lines, "_No matches._")
		ctxLines = append(ctxLines, "(no matches)")
		return strings.TrimSpace(strings.Join(lines, "\n")), strings.TrimSpace(strings.Join(ctxLines, "\n")), nil
	}

	shown := 0
	for _, m := range data.Matches {
		loc := m.Path + ":" + util.IntToString(m.Line)
		if m.Column != nil {
			loc += ":" + util.IntToString(int(*m.Column))
		}
		text := strings.TrimRight(m.Text, " \t\r\n")
		lines = append(lines, "- `"+loc+"`: "+text)
		ctxLines = append(ctxLines, "- "+loc+": "+text)
		shown++
		if shown >= fsSearchDisplayCap {
			break
		}
	}
	if data.Truncated || len(data.Matches) > shown {
		n := util.IntToString(shown)
		lines = append(lines, "", "*Note: results truncated to "+n+" match(es).*")
		ctxLines = append(ctxLines, "(truncated to "+n+" matches)")
	}
	return strings.TrimSpace(strings.Join(lines, "\n")), strings.TrimSpace(strings.Join(ctxLines, "\n")), nil
}
