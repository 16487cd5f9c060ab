// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import "github.com/jeranaias/rigchat/internal/model"

// =============================================================================
// EVENTS
// =============================================================================

// EventType identifies what happened on the transcript.
type EventType int

const (
	// EventMessageAdded announces a new transcript entry: the user's
	// message, a fresh assistant slot, or a tool result.
	EventMessageAdded EventType = iota

	// EventMessageUpdated announces that an existing entry changed: a
	// streaming flush, a relabel, or the final render.
	EventMessageUpdated

	// EventNotice carries a transient user-facing line that is not part
	// of the transcript: reconnects, model loading, stop confirmations.
	EventNotice

	// EventTurnEnded closes a turn. Outcome is always set.
	EventTurnEnded
)

// String returns the event type name for logs.
func (t EventType) String() string {
	switch t {
	case EventMessageAdded:
		return "message_added"
	case EventMessageUpdated:
		return "message_updated"
	case EventNotice:
		return "notice"
	case EventTurnEnded:
		return "turn_ended"
	default:
		return "unknown"
	}
}

// Event is one unit of presentation state flowing from the turn worker.
// Message pointers reference live transcript entries; the worker is the
// only mutator while a turn runs, so handlers should read what they need
// when the event arrives rather than hold the pointer across turns.
type Event struct {
	Type    EventType
	TurnID  string
	Message *model.Message
	Notice  string
	Outcome *TurnOutcome
}

// Updater delivers events to the presentation layer. Post is called from
// the turn worker goroutine; implementations marshal onto their own
// update mechanism and must not block for long.
type Updater interface {
	Post(ev Event)
}

// UpdaterFunc adapts a function to Updater.
type UpdaterFunc func(ev Event)

// Post calls f.
func (f UpdaterFunc) Post(ev Event) { f(ev) }

// =============================================================================
// TURN OUTCOME
// =============================================================================

// EndReason says why a turn ended.
type EndReason int

const (
	// ReasonCompleted is a normal finish: the model stopped on its own.
	ReasonCompleted EndReason = iota
	// ReasonCancelled means the user stopped the turn.
	ReasonCancelled
	// ReasonFailed means the stream died beyond recovery.
	ReasonFailed
	// ReasonBudgetExceeded means the model kept calling tools past the
	// per-turn allowance.
	ReasonBudgetExceeded
)

// String returns the reason name for logs.
func (r EndReason) String() string {
	switch r {
	case ReasonCompleted:
		return "completed"
	case ReasonCancelled:
		return "cancelled"
	case ReasonFailed:
		return "failed"
	case ReasonBudgetExceeded:
		return "budget_exceeded"
	default:
		return "unknown"
	}
}

// TurnOutcome summarizes a finished turn.
type TurnOutcome struct {
	Reason EndReason
	// Err is set for ReasonFailed.
	Err error
	// Stats covers the turn's final generation segment.
	Stats *model.Statistics
}
