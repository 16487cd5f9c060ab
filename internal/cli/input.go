// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"os"
	"strings"

	"github.com/peterh/liner"
)

// =============================================================================
// LINE INPUT
// =============================================================================

// lineReader wraps liner with persistent history.
type lineReader struct {
	line        *liner.State
	historyPath string
}

// newLineReader creates a line reader and loads prior history from
// historyPath. An empty path disables persistence.
func newLineReader(historyPath string) *lineReader {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	r := &lineReader{
		line:        line,
		historyPath: historyPath,
	}
	r.loadHistory()
	return r
}

// Read prompts for one line. Non-blank input is appended to history.
// Returns liner.ErrPromptAborted on Ctrl+C at the prompt.
func (r *lineReader) Read(prompt string) (string, error) {
	input, err := r.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		r.line.AppendHistory(input)
	}
	return input, nil
}

// Close persists history and restores the terminal.
func (r *lineReader) Close() {
	r.saveHistory()
	r.line.Close()
}

func (r *lineReader) loadHistory() {
	if r.historyPath == "" {
		return
	}
	f, err := os.Open(r.historyPath)
	if err != nil {
		return
	}
	defer f.Close()
	r.line.ReadHistory(f)
}

// saveHistory writes history with owner-only permissions; past inputs may
// contain paths or queries the user considers private.
func (r *lineReader) saveHistory() {
	if r.historyPath == "" {
		return
	}
	f, err := os.OpenFile(r.historyPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	r.line.WriteHistory(f)
}
