// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine orchestrates turns: it owns the conversation, runs the
// stream consumer, dispatches tool calls within a per-turn budget, and
// feeds presentation events to the UI layer.
//
// One turn is active at a time. The turn worker goroutine is the only
// mutator of the conversation while it runs; everything the UI needs to
// know arrives through the Updater.
package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jeranaias/rigchat/internal/infer"
	"github.com/jeranaias/rigchat/internal/model"
	"github.com/jeranaias/rigchat/internal/prompt"
	"github.com/jeranaias/rigchat/internal/stream"
	"github.com/jeranaias/rigchat/internal/tools"
)

// =============================================================================
// ERRORS AND CONSTANTS
// =============================================================================

var (
	// ErrBusy is returned by Send while a turn is already running.
	ErrBusy = errors.New("a turn is already in progress")
	// ErrEmptyMessage is returned by Send for blank input.
	ErrEmptyMessage = errors.New("message is empty")
)

const budgetExceededText = "Tool budget exceeded for this message. Send a new message to continue."

const defaultToolBudget = 8

// =============================================================================
// SETTINGS
// =============================================================================

// Settings are the per-turn generation parameters. They are sampled once
// when the turn starts so mid-turn edits apply from the next turn on.
type Settings struct {
	Temperature   float64
	TopP          float64
	TopK          int
	MaxTokens     int
	Stop          []string
	CharsPerToken int
	StripEmoji    bool

	Persona          prompt.Persona
	FilesRoot        string
	WebSearchEnabled bool
	FilesEnabled     bool
	FilesMaxBytes    int

	// ToolBudget caps tool rounds per user turn (default: 8).
	ToolBudget int
}

// SettingsSource supplies the current settings at turn start.
type SettingsSource func() Settings

// ContextProvider prepares the context payload for an outgoing user
// message: attached documents and pending search results prefixed ahead
// of the typed text. Empty means the text goes out as-is.
type ContextProvider interface {
	BuildContext(userText string) string
}

// =============================================================================
// STATE
// =============================================================================

// State is the engine's coarse lifecycle phase, used to gate input.
type State int

const (
	// StateIdle accepts a new message.
	StateIdle State = iota
	// StateGenerating streams model output.
	StateGenerating
	// StateDispatching runs a tool call.
	StateDispatching
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case StateGenerating:
		return "generating"
	case StateDispatching:
		return "dispatching"
	default:
		return "idle"
	}
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine coordinates one conversation's turns.
type Engine struct {
	consumer   *stream.Consumer
	dispatcher *tools.Dispatcher
	client     *infer.Client
	conv       *model.Conversation
	updater    Updater
	settings   SettingsSource
	docs       ContextProvider
	logger     zerolog.Logger

	mu        sync.Mutex
	state     State
	cancelMgr *cancelHolder
	wg        sync.WaitGroup
}

// New creates an engine. docs may be nil when no document attachment is
// wired in.
func New(
	consumer *stream.Consumer,
	dispatcher *tools.Dispatcher,
	client *infer.Client,
	conv *model.Conversation,
	updater Updater,
	settings SettingsSource,
	docs ContextProvider,
	logger zerolog.Logger,
) *Engine {
	return &Engine{
		consumer:   consumer,
		dispatcher: dispatcher,
		client:     client,
		conv:       conv,
		updater:    updater,
		settings:   settings,
		docs:       docs,
		logger:     logger,
		cancelMgr:  newCancelHolder(),
	}
}

// Conversation returns the transcript. Callers must not mutate it while
// a turn is running.
func (e *Engine) Conversation() *model.Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conv
}

// SetConversation swaps in a different transcript, typically one loaded
// from the session store. Rejected while a turn is running.
func (e *Engine) SetConversation(conv *model.Conversation) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateIdle {
		return ErrBusy
	}
	e.conv = conv
	return nil
}

// State returns the current lifecycle phase.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Busy reports whether a turn is running.
func (e *Engine) Busy() bool {
	return e.State() != StateIdle
}

// Wait blocks until the active turn, if any, has fully finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Send starts a turn for the given user text. It returns the turn ID
// immediately; progress and completion arrive as events.
func (e *Engine) Send(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}

	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return "", ErrBusy
	}
	e.state = StateGenerating
	e.mu.Unlock()

	turnID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	e.cancelMgr.set(cancel)

	contextPayload := ""
	if e.docs != nil {
		contextPayload = e.docs.BuildContext(text)
	}
	userMsg := e.conv.AddUserMessage(text, contextPayload)
	e.post(Event{Type: EventMessageAdded, TurnID: turnID, Message: userMsg})

	slot := e.conv.AddAssistantSlot()
	e.post(Event{Type: EventMessageAdded, TurnID: turnID, Message: slot})

	e.wg.Add(1)
	go e.runTurn(ctx, turnID, slot)
	return turnID, nil
}

// Stop cancels the active turn: the shared cancellation fires, the open
// stream unblocks, and the server is asked, best effort, to halt
// generation. No-op when idle.
func (e *Engine) Stop() {
	e.cancelMgr.cancel()
	e.client.Cancel()
}

// =============================================================================
// TURN WORKER
// =============================================================================

func (e *Engine) runTurn(ctx context.Context, turnID string, slot *model.Message) {
	defer e.wg.Done()
	defer func() {
		// Backstop for abnormal exits; finishTurn already did this on
		// the normal paths.
		e.cancelMgr.cancel()
		e.setState(StateIdle)
	}()

	settings := e.settings()
	budget := settings.ToolBudget
	if budget <= 0 {
		budget = defaultToolBudget
	}
	log := e.logger.With().Str("turn_id", turnID).Logger()
	log.Info().Int("tool_budget", budget).Msg("turn started")

	cb := stream.Callbacks{
		OnUpdate: func(m *model.Message) {
			e.post(Event{Type: EventMessageUpdated, TurnID: turnID, Message: m})
		},
		OnNotice: func(text string) {
			e.post(Event{Type: EventNotice, TurnID: turnID, Notice: text})
		},
	}

	current := slot
	for {
		outcome := e.consumer.Run(ctx, e.buildRequest(settings), current, cb)

		if outcome.Err != nil {
			e.post(Event{Type: EventNotice, TurnID: turnID, Notice: "Stream error: " + outcome.Err.Error()})
			e.post(Event{Type: EventMessageUpdated, TurnID: turnID, Message: current})
			e.finishTurn(log, turnID, TurnOutcome{Reason: ReasonFailed, Err: outcome.Err, Stats: outcome.Stats})
			return
		}
		if outcome.Cancelled {
			e.post(Event{Type: EventMessageUpdated, TurnID: turnID, Message: current})
			e.post(Event{Type: EventNotice, TurnID: turnID, Notice: "Generation stopped."})
			e.finishTurn(log, turnID, TurnOutcome{Reason: ReasonCancelled, Stats: outcome.Stats})
			return
		}

		call := outcome.ToolCall
		if call == nil {
			e.post(Event{Type: EventMessageUpdated, TurnID: turnID, Message: current})
			e.finishTurn(log, turnID, TurnOutcome{Reason: ReasonCompleted, Stats: outcome.Stats})
			return
		}

		if budget <= 0 {
			current.RelabelToolCall(string(call.Tool), budgetExceededText, call.Raw)
			e.post(Event{Type: EventMessageUpdated, TurnID: turnID, Message: current})
			e.finishTurn(log, turnID, TurnOutcome{Reason: ReasonBudgetExceeded, Stats: outcome.Stats})
			return
		}
		budget--

		e.setState(StateDispatching)
		result, derr := e.dispatcher.Dispatch(ctx, call)
		e.setState(StateGenerating)

		if derr != nil && ctx.Err() != nil {
			e.post(Event{Type: EventNotice, TurnID: turnID, Notice: "Generation stopped."})
			e.finishTurn(log, turnID, TurnOutcome{Reason: ReasonCancelled, Stats: outcome.Stats})
			return
		}

		var toolMsg *model.Message
		if derr != nil {
			// The turn survives tool failures; the model sees the error
			// and may try something else.
			toolMsg = e.conv.AddToolResult(string(call.Tool), "## Tool error\n"+derr.Error(), "", false)
		} else {
			toolMsg = e.conv.AddToolResult(result.ToolName, result.Display, result.Context, result.Hidden)
		}
		e.post(Event{Type: EventMessageAdded, TurnID: turnID, Message: toolMsg})

		current = e.conv.AddAssistantSlot()
		e.post(Event{Type: EventMessageAdded, TurnID: turnID, Message: current})
	}
}

func (e *Engine) buildRequest(s Settings) stream.Request {
	return stream.Request{
		BuildPrompt: func() string {
			return prompt.Format(prompt.Options{
				Persona:          s.Persona,
				Now:              time.Now(),
				FilesRoot:        s.FilesRoot,
				WebSearchEnabled: s.WebSearchEnabled,
				FilesEnabled:     s.FilesEnabled,
				FilesMaxBytes:    s.FilesMaxBytes,
			}, e.conv.GetHistory())
		},
		Temperature:   s.Temperature,
		TopP:          s.TopP,
		TopK:          s.TopK,
		MaxTokens:     s.MaxTokens,
		Stop:          s.Stop,
		CharsPerToken: s.CharsPerToken,
		StripEmoji:    s.StripEmoji,
	}
}

// finishTurn releases the turn before announcing its end, so a handler
// reacting to EventTurnEnded can start the next turn immediately.
func (e *Engine) finishTurn(log zerolog.Logger, turnID string, outcome TurnOutcome) {
	e.cancelMgr.cancel()
	e.setState(StateIdle)
	log.Info().
		Str("reason", outcome.Reason.String()).
		Err(outcome.Err).
		Msg("turn ended")
	e.post(Event{Type: EventTurnEnded, TurnID: turnID, Outcome: &outcome})
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) post(ev Event) {
	if e.updater != nil {
		e.updater.Post(ev)
	}
}
