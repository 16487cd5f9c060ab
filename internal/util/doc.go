// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small shared helpers for the rigchat engine.
//
// String helpers are UTF-8 safe (rune-based, never byte-sliced mid-character).
// StripEmoji filters pictographic characters out of display text; the model
// context keeps the raw form. AtomicWriteFile is the crash-safe write used by
// the config and session layers.
package util
