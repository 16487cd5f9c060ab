// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/peterh/liner"
	"github.com/rs/zerolog"

	"github.com/jeranaias/rigchat/internal/backend"
	"github.com/jeranaias/rigchat/internal/config"
	"github.com/jeranaias/rigchat/internal/docstore"
	"github.com/jeranaias/rigchat/internal/engine"
	"github.com/jeranaias/rigchat/internal/model"
	"github.com/jeranaias/rigchat/internal/prompt"
	"github.com/jeranaias/rigchat/internal/store"
	"github.com/jeranaias/rigchat/internal/tools"
)

const appName = "rigchat"

// REPL-local styles.
var (
	promptStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("51")).Bold(true)
	commandStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("117"))
)

// =============================================================================
// EVENT PLUMBING
// =============================================================================

// uiEvent is one item for the REPL goroutine: an engine event, or a
// write-conflict question from the dispatcher.
type uiEvent struct {
	engine   *engine.Event
	conflict *conflictRequest
}

// conflictRequest carries a pending overwrite decision from the turn
// worker to the terminal and the answer back.
type conflictRequest struct {
	prompt tools.ConflictPrompt
	reply  chan tools.Decision
}

// =============================================================================
// APP
// =============================================================================

// App is the interactive chat client.
type App struct {
	version    string
	configPath string
	docs       *docstore.Store
	sessions   *store.Store
	backend    *backend.Client
	input      *lineReader
	logger     zerolog.Logger

	eng        *engine.Engine
	dispatcher *tools.Dispatcher

	// mu guards cfg: Settings() runs on the turn worker while /tools
	// mutates toggles on the REPL goroutine.
	mu  sync.Mutex
	cfg *config.Config

	events    chan uiEvent
	markers   map[string]string
	lastStats *model.Statistics
	startedAt time.Time
}

// Options bundles the App's collaborators.
type Options struct {
	Config *config.Config
	// ConfigPath is where /tools toggles are persisted. Empty disables
	// persistence.
	ConfigPath  string
	Docs        *docstore.Store
	Sessions    *store.Store
	Backend     *backend.Client
	HistoryPath string
	Version     string
	Logger      zerolog.Logger
}

// NewApp builds the REPL around already-constructed collaborators. Bind
// must be called with the engine and dispatcher before Run; the split
// exists because the engine takes the App as its Updater and settings
// source.
func NewApp(opts Options) *App {
	return &App{
		version:    opts.Version,
		configPath: opts.ConfigPath,
		cfg:        opts.Config,
		docs:       opts.Docs,
		sessions:   opts.Sessions,
		backend:    opts.Backend,
		input:      newLineReader(opts.HistoryPath),
		logger:     opts.Logger,
		events:     make(chan uiEvent, 256),
		markers:    make(map[string]string),
		startedAt:  time.Now(),
	}
}

// Bind attaches the engine and tool dispatcher.
func (a *App) Bind(eng *engine.Engine, dispatcher *tools.Dispatcher) {
	a.eng = eng
	a.dispatcher = dispatcher
}

// Settings snapshots the current configuration for one turn. Implements
// engine.SettingsSource.
func (a *App) Settings() engine.Settings {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.cfg
	return engine.Settings{
		Temperature:      c.Sampling.Temperature,
		TopP:             c.Sampling.TopP,
		TopK:             c.Sampling.TopK,
		MaxTokens:        c.Sampling.MaxTokens,
		Stop:             append([]string(nil), c.Sampling.Stop...),
		CharsPerToken:    c.Sampling.CharsPerToken,
		StripEmoji:       c.Display.StripEmoji,
		Persona:          prompt.Persona{Name: c.Persona.Name, Tone: c.Persona.Tone},
		FilesRoot:        c.Tools.FilesRoot,
		WebSearchEnabled: c.Tools.WebSearch,
		FilesEnabled:     c.Tools.Files,
		FilesMaxBytes:    c.Tools.FilesMaxBytes,
		ToolBudget:       c.Tools.Budget,
	}
}

// Post implements engine.Updater. Called from the turn worker; the REPL
// goroutine drains the channel while a turn runs.
func (a *App) Post(ev engine.Event) {
	a.events <- uiEvent{engine: &ev}
}

// DecideConflict implements tools.ConflictDecider by relaying the prompt
// to the REPL goroutine and waiting for the user's answer.
func (a *App) DecideConflict(ctx context.Context, prompt tools.ConflictPrompt) tools.Decision {
	req := &conflictRequest{prompt: prompt, reply: make(chan tools.Decision, 1)}
	select {
	case a.events <- uiEvent{conflict: req}:
	case <-ctx.Done():
		return tools.DecisionCancel
	}
	select {
	case d := <-req.reply:
		return d
	case <-ctx.Done():
		return tools.DecisionCancel
	}
}

// =============================================================================
// MAIN LOOP
// =============================================================================

// Run is the read-eval loop. It returns when the user exits.
func (a *App) Run() error {
	defer a.input.Close()

	// Ctrl+C during generation lands here as SIGINT and stops the turn.
	// At the prompt liner owns the terminal and raises ErrPromptAborted
	// instead.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		for range sigChan {
			a.eng.Stop()
		}
	}()

	if IsStdinTTY() {
		a.printWelcome()
	}

	for {
		input, err := a.input.Read(promptStyle.Render(appName + "> "))
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println()
				break
			}
			return fmt.Errorf("failed to read input: %w", err)
		}
		trimmed := strings.TrimSpace(input)
		if trimmed == "" {
			continue
		}
		if trimmed == "exit" || trimmed == "quit" {
			break
		}
		if strings.HasPrefix(trimmed, "/") {
			keepGoing, err := a.handleCommand(trimmed)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s %v\n", ErrorStyle.Render("[Error]"), err)
			}
			if !keepGoing {
				break
			}
			continue
		}
		a.chat(trimmed)
	}

	a.finish()
	return nil
}

// chat runs one full turn for typed input, blocking until it ends.
func (a *App) chat(text string) {
	if _, err := a.eng.Send(text); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ErrorStyle.Render("[Error]"), err)
		return
	}
	fmt.Println()
	a.drainTurn()
}

// drainTurn consumes events until the active turn ends. All terminal
// writes for a turn happen here, on the REPL goroutine.
func (a *App) drainTurn() {
	a.markers = make(map[string]string)
	for item := range a.events {
		if item.conflict != nil {
			item.conflict.reply <- a.promptConflict(item.conflict.prompt)
			continue
		}
		ev := item.engine
		switch ev.Type {
		case engine.EventMessageAdded:
			a.showAdded(ev.Message)
		case engine.EventMessageUpdated:
			a.showUpdated(ev.Message)
		case engine.EventNotice:
			fmt.Println(WarningStyle.Render(ev.Notice))
		case engine.EventTurnEnded:
			a.showOutcome(ev.Outcome)
			return
		}
	}
}

// showAdded surfaces new transcript entries. User messages were just
// typed and assistant slots render on completion, so only visible tool
// results print here.
func (a *App) showAdded(msg *model.Message) {
	if msg == nil || msg.Hidden {
		return
	}
	if msg.Role == model.RoleToolResult {
		displayResponse(msg.DisplayText())
	}
}

// showUpdated surfaces tool-call progress. Streaming assistant text is
// collected and rendered whole when the turn ends, the same way piped
// output works, so mid-stream updates print nothing.
func (a *App) showUpdated(msg *model.Message) {
	if msg == nil || msg.Role != model.RoleToolCallMarker {
		return
	}
	status := msg.DisplayText()
	if status == "" || a.markers[msg.ID] == status {
		return
	}
	a.markers[msg.ID] = status
	fmt.Println(DimStyle.Render("* " + status))
}

// showOutcome renders the final assistant text and the turn's stats line.
func (a *App) showOutcome(outcome *engine.TurnOutcome) {
	if last := a.eng.Conversation().GetLastMessage(); last != nil &&
		last.Role == model.RoleAssistant && !last.IsEmpty() {
		displayResponse(last.DisplayText())
	}
	if outcome != nil && outcome.Reason == engine.ReasonCompleted && outcome.Stats != nil {
		a.lastStats = outcome.Stats
		fmt.Println(DimStyle.Render(outcome.Stats.Format()))
	}
	fmt.Println()
	a.autosave()
}

// promptConflict asks the user to resolve a file-write conflict inline.
// The dispatcher blocks on the answer; an unrecognized or failed read
// cancels the write.
func (a *App) promptConflict(p tools.ConflictPrompt) tools.Decision {
	fmt.Println()
	fmt.Println(WarningStyle.Render("File exists: " + p.Path))
	fmt.Println(DimStyle.Render(p.Note()))
	answer, err := a.input.Read("[o]verwrite, [b]ackup, or [c]ancel? ")
	if err != nil {
		return tools.DecisionCancel
	}
	d := decisionFromAnswer(answer)
	fmt.Println(DimStyle.Render("-> " + d.String()))
	return d
}

// autosave persists the conversation after a turn when enabled.
func (a *App) autosave() {
	a.mu.Lock()
	enabled := a.cfg.Session.Autosave
	a.mu.Unlock()
	if !enabled {
		return
	}
	conv := a.eng.Conversation()
	if conv.IsEmpty() {
		return
	}
	if _, err := a.sessions.Save(conv); err != nil {
		a.logger.Warn().Err(err).Msg("autosave failed")
	}
}

// finish saves the session on the way out and says goodbye.
func (a *App) finish() {
	a.mu.Lock()
	autosaveOn := a.cfg.Session.Autosave
	a.mu.Unlock()
	conv := a.eng.Conversation()
	if autosaveOn && !conv.IsEmpty() {
		if id, err := a.sessions.Save(conv); err == nil {
			fmt.Println(DimStyle.Render("Session saved (" + id + ")."))
		} else {
			a.logger.Warn().Err(err).Msg("exit save failed")
		}
	}
	fmt.Println(InfoStyle.Render("Goodbye."))
}

// printWelcome shows the banner: endpoints, persona, tool state, hints.
func (a *App) printWelcome() {
	a.mu.Lock()
	c := a.cfg
	completionURL := c.Server.CompletionURL
	toolsURL := c.Server.ToolsURL
	personaName := c.Persona.Name
	web, files := c.Tools.WebSearch, c.Tools.Files
	a.mu.Unlock()

	sep := SeparatorStyle.Render(strings.Repeat("─", 60))
	fmt.Println(sep)
	fmt.Println(TitleStyle.Render(appName+" "+a.version) + DimStyle.Render("  local chat, local tools"))
	fmt.Println(LabelStyle.Render("Inference") + ValueStyle.Render(completionURL))
	fmt.Println(LabelStyle.Render("Tools") + ValueStyle.Render(
		toolsURL+"  (web "+onOff(web)+", files "+onOff(files)+")"))
	fmt.Println(LabelStyle.Render("Persona") + ValueStyle.Render(personaName))
	fmt.Println(sep)
	fmt.Println(DimStyle.Render("Type a message to chat, /help for commands, Ctrl+C to stop generation."))
	fmt.Println()
}
