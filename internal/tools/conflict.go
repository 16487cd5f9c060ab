// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import "context"

// Decision is the user's answer to a write conflict.
type Decision int

const (
	// DecisionCancel leaves the existing file untouched. This is the
	// default whenever no explicit answer arrives.
	DecisionCancel Decision = iota
	// DecisionOverwrite replaces the existing file.
	DecisionOverwrite
	// DecisionBackup writes to the first free .bak name instead.
	DecisionBackup
)

// String returns the decision name for logs.
func (d Decision) String() string {
	switch d {
	case DecisionOverwrite:
		return "overwrite"
	case DecisionBackup:
		return "backup"
	default:
		return "cancel"
	}
}

// ConflictPrompt describes a pending overwrite decision.
type ConflictPrompt struct {
	// Path is the target the model tried to write.
	Path string
	// OverwriteRequested mirrors the overwrite flag from the model's own
	// call. It never authorizes anything; it is surfaced so the user
	// knows what the model asked for.
	OverwriteRequested bool
}

// Note renders the model-request line shown in the prompt.
func (p ConflictPrompt) Note() string {
	if p.OverwriteRequested {
		return "The model requested overwrite=true."
	}
	return "The model requested overwrite=false."
}

// ConflictDecider asks the user what to do when a write target already
// exists. Implementations should return DecisionCancel once ctx is done.
type ConflictDecider interface {
	DecideConflict(ctx context.Context, prompt ConflictPrompt) Decision
}

// DeciderFunc adapts a function to ConflictDecider.
type DeciderFunc func(ctx context.Context, prompt ConflictPrompt) Decision

// DecideConflict calls f.
func (f DeciderFunc) DecideConflict(ctx context.Context, prompt ConflictPrompt) Decision {
	return f(ctx, prompt)
}
