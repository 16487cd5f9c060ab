// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the interactive chat REPL.
//
// The App owns the read-eval loop: it reads lines with liner, hands chat
// input to the engine, drains engine events while a turn runs, and renders
// final answers through glamour when stdout is a terminal. Slash commands
// cover sessions, attachments, tool toggles, and manual web searches.
//
// The App is also the engine's presentation layer (engine.Updater) and the
// dispatcher's conflict authority (tools.ConflictDecider): both callbacks
// funnel into the same event channel the turn loop drains, so all terminal
// writes happen on the REPL goroutine.
package cli
