// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jeranaias/rigchat/internal/config"
	"github.com/jeranaias/rigchat/internal/model"
	"github.com/jeranaias/rigchat/internal/store"
	"github.com/jeranaias/rigchat/internal/tools"
	"github.com/jeranaias/rigchat/internal/util"
)

// =============================================================================
// SLASH COMMANDS
// =============================================================================

// commandHelp drives the /help table.
var commandHelp = []struct {
	cmd  string
	desc string
}{
	{"/help", "Show this help"},
	{"/clear", "Start a new chat"},
	{"/save", "Save the current session"},
	{"/title <text>", "Name the current session"},
	{"/sessions [query]", "List saved sessions, optionally filtered"},
	{"/load <n|id>", "Load a saved session"},
	{"/delete <n|id>", "Delete a saved session"},
	{"/export [file]", "Export the chat as markdown"},
	{"/attach <path>", "Attach a file as context (no argument: list)"},
	{"/detach <path|all>", "Detach a file"},
	{"/search <query>", "Web search now; results join your next message"},
	{"/tools [web|files on|off]", "Show or toggle tool availability"},
	{"/history", "Reprint the visible transcript"},
	{"/stats", "Show session status"},
	{"/quit", "Exit"},
}

// handleCommand dispatches one slash command. The bool is false when the
// REPL should exit.
func (a *App) handleCommand(input string) (bool, error) {
	parts := strings.Fields(input)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]
	// rest preserves spaces for path and query arguments.
	rest := strings.TrimSpace(strings.TrimPrefix(input, parts[0]))

	switch cmd {
	case "/help", "/h", "/?":
		a.printHelp()
	case "/clear", "/c", "/new":
		return true, a.clearChat()
	case "/save", "/s":
		return true, a.saveSession()
	case "/title":
		return true, a.setTitle(rest)
	case "/sessions", "/ls":
		return true, a.listSessions(rest)
	case "/load":
		return true, a.loadSession(args)
	case "/delete", "/rm":
		return true, a.deleteSession(args)
	case "/export":
		return true, a.exportSession(rest)
	case "/attach", "/a":
		return true, a.attach(rest)
	case "/detach":
		return true, a.detach(rest)
	case "/search":
		return true, a.webSearch(rest)
	case "/tools", "/t":
		return true, a.toggleTools(args)
	case "/history":
		a.printHistory()
	case "/stats", "/status":
		a.printStats()
	case "/quit", "/q", "/exit":
		return false, nil
	default:
		return true, fmt.Errorf("unknown command: %s (type /help for commands)", cmd)
	}
	return true, nil
}

func (a *App) printHelp() {
	fmt.Println(TitleStyle.Render("Commands"))
	for _, c := range commandHelp {
		fmt.Printf("  %s %s\n", commandStyle.Render(fmt.Sprintf("%-26s", c.cmd)), c.desc)
	}
	fmt.Println(DimStyle.Render("  Bare 'exit' or 'quit' also works. Ctrl+C stops a running generation."))
}

// =============================================================================
// CHAT AND SESSION COMMANDS
// =============================================================================

// clearChat starts a fresh conversation. Attachments stay; they belong to
// the workspace, not the transcript.
func (a *App) clearChat() error {
	if err := a.eng.SetConversation(model.NewConversation()); err != nil {
		return err
	}
	a.lastStats = nil
	fmt.Println(SuccessStyle.Render("[OK]") + " Started a new chat. Attachments are kept; /detach all drops them.")
	return nil
}

func (a *App) saveSession() error {
	conv := a.eng.Conversation()
	if conv.IsEmpty() {
		return errors.New("nothing to save yet")
	}
	id, err := a.sessions.Save(conv)
	if err != nil {
		return err
	}
	fmt.Println(SuccessStyle.Render("[OK]") + " Saved session " + id + ".")
	return nil
}

// setTitle names the current session. /save and autosave keep this title
// instead of deriving one from the first message.
func (a *App) setTitle(rest string) error {
	if rest == "" {
		return errors.New("usage: /title <text>")
	}
	title := util.TruncateRunes(rest, 50)
	a.eng.Conversation().SetTitle(title)
	fmt.Println(SuccessStyle.Render("[OK]") + fmt.Sprintf(" Title set to %q.", title))
	return nil
}

func (a *App) listSessions(query string) error {
	var (
		metas []store.SessionMeta
		err   error
	)
	if query == "" {
		metas, err = a.sessions.List()
	} else {
		metas, err = a.sessions.SearchMessages(query)
	}
	if err != nil {
		return err
	}
	fmt.Println(formatSessionTable(metas))
	return nil
}

func (a *App) loadSession(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: /load <n|id>")
	}
	var (
		conv *model.Conversation
		err  error
	)
	if n, convErr := strconv.Atoi(args[0]); convErr == nil {
		conv, err = a.sessions.LoadByIndex(n)
	} else {
		id, rerr := a.resolveSessionID(args[0])
		if rerr != nil {
			return rerr
		}
		conv, err = a.sessions.Load(id)
	}
	if err != nil {
		return err
	}
	if err := a.eng.SetConversation(conv); err != nil {
		return err
	}
	a.lastStats = nil
	fmt.Println(SuccessStyle.Render("[OK]") + fmt.Sprintf(" Loaded %q (%d messages).", conv.GetTitle(), conv.MessageCount()))
	fmt.Println()
	a.printHistory()
	return nil
}

// resolveSessionID matches an id argument exactly or as a unique prefix,
// so users can paste the short front of an id from /sessions.
func (a *App) resolveSessionID(arg string) (string, error) {
	metas, err := a.sessions.List()
	if err != nil {
		return "", err
	}
	match := ""
	for _, m := range metas {
		if m.ID == arg {
			return m.ID, nil
		}
		if strings.HasPrefix(m.ID, arg) {
			if match != "" {
				return "", fmt.Errorf("ambiguous session id %q", arg)
			}
			match = m.ID
		}
	}
	if match == "" {
		return "", store.ErrSessionNotFound
	}
	return match, nil
}

func (a *App) deleteSession(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: /delete <n|id>")
	}
	id := args[0]
	if n, err := strconv.Atoi(args[0]); err == nil {
		metas, err := a.sessions.List()
		if err != nil {
			return err
		}
		if n < 0 || n >= len(metas) {
			return store.ErrSessionNotFound
		}
		id = metas[n].ID
	} else {
		resolved, err := a.resolveSessionID(args[0])
		if err != nil {
			return err
		}
		id = resolved
	}
	if err := a.sessions.Delete(id); err != nil {
		return err
	}
	fmt.Println(SuccessStyle.Render("[OK]") + " Deleted session " + id + ".")
	return nil
}

func (a *App) exportSession(rest string) error {
	conv := a.eng.Conversation()
	if conv.IsEmpty() {
		return errors.New("nothing to export yet")
	}
	path := rest
	if path == "" {
		path = appName + "-export-" + time.Now().Format("20060102-150405") + ".md"
	}
	md := store.ExportMarkdown(conv)
	if err := util.AtomicWriteFile(path, []byte(md), 0644); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	fmt.Println(SuccessStyle.Render("[OK]") + " Exported to " + path + ".")
	return nil
}

// =============================================================================
// ATTACHMENT COMMANDS
// =============================================================================

func (a *App) attach(rest string) error {
	if rest == "" {
		a.printAttachments()
		return nil
	}
	att, err := a.docs.Attach(rest)
	if err != nil {
		return err
	}
	fmt.Println(SuccessStyle.Render("[OK]") + " Attached " + formatAttachment(att))
	return nil
}

func (a *App) detach(rest string) error {
	if rest == "" {
		return errors.New("usage: /detach <path|all>")
	}
	if strings.EqualFold(rest, "all") {
		a.docs.DetachAll()
		fmt.Println(SuccessStyle.Render("[OK]") + " Detached all files.")
		return nil
	}
	if !a.docs.Detach(rest) {
		return fmt.Errorf("not attached: %s", rest)
	}
	fmt.Println(SuccessStyle.Render("[OK]") + " Detached " + rest + ".")
	return nil
}

func (a *App) printAttachments() {
	atts := a.docs.List()
	if len(atts) == 0 {
		fmt.Println(DimStyle.Render("No files attached. Usage: /attach <path>"))
		return
	}
	for _, att := range atts {
		fmt.Println("  " + formatAttachment(att))
	}
	if n := a.docs.PendingSearches(); n > 0 {
		fmt.Println(DimStyle.Render("  plus " + util.IntToString(n) + " queued search result block(s)"))
	}
}

// =============================================================================
// TOOL COMMANDS
// =============================================================================

// webSearch runs a search on the user's behalf. Results print immediately
// and are queued so the next message carries them as context, the same
// path model-initiated searches use.
func (a *App) webSearch(query string) error {
	if query == "" {
		return errors.New("usage: /search <query>")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	display, contextBlock, err := a.backend.WebSearch(ctx, query, 5)
	if err != nil {
		return err
	}
	displayResponse(display)
	a.docs.AddSearchContext(contextBlock)
	fmt.Println(DimStyle.Render("Results queued; they ride along with your next message."))
	return nil
}

func (a *App) toggleTools(args []string) error {
	if len(args) == 0 {
		a.printToolStates()
		return nil
	}
	if len(args) != 2 {
		return errors.New("usage: /tools <web|files> <on|off>")
	}
	var enable bool
	switch strings.ToLower(args[1]) {
	case "on":
		enable = true
	case "off":
	default:
		return errors.New("usage: /tools <web|files> <on|off>")
	}

	a.mu.Lock()
	switch strings.ToLower(args[0]) {
	case "web", "web_search", "search":
		a.cfg.Tools.WebSearch = enable
	case "files", "file", "fs":
		a.cfg.Tools.Files = enable
	default:
		a.mu.Unlock()
		return fmt.Errorf("unknown tool group: %s", args[0])
	}
	toolCfg := tools.Config{
		WebSearchEnabled: a.cfg.Tools.WebSearch,
		FilesEnabled:     a.cfg.Tools.Files,
		FilesMaxBytes:    a.cfg.Tools.FilesMaxBytes,
	}
	cfgCopy := *a.cfg
	a.mu.Unlock()

	// The dispatcher change applies to the running turn's next call; the
	// prompt change applies from the next turn.
	a.dispatcher.SetConfig(toolCfg)
	if a.configPath != "" {
		if err := config.SaveTOML(&cfgCopy, a.configPath); err != nil {
			a.logger.Warn().Err(err).Msg("could not persist tool toggle")
		}
	}
	a.printToolStates()
	return nil
}

func (a *App) printToolStates() {
	a.mu.Lock()
	web, files := a.cfg.Tools.WebSearch, a.cfg.Tools.Files
	root := a.cfg.Tools.FilesRoot
	budget := a.cfg.Tools.Budget
	a.mu.Unlock()

	fmt.Println(LabelStyle.Render("web_search") + ValueStyle.Render(onOff(web)))
	line := onOff(files)
	if files && root != "" {
		line += "  (root " + root + ")"
	}
	fmt.Println(LabelStyle.Render("file tools") + ValueStyle.Render(line))
	fmt.Println(LabelStyle.Render("tool budget") + ValueStyle.Render(util.IntToString(budget)+" calls per message"))
}

// =============================================================================
// STATUS COMMANDS
// =============================================================================

func (a *App) printStats() {
	conv := a.eng.Conversation()
	a.mu.Lock()
	cpt := a.cfg.Sampling.CharsPerToken
	maxTokens := a.cfg.Sampling.MaxTokens
	autosaveOn := a.cfg.Session.Autosave
	a.mu.Unlock()

	sep := SeparatorStyle.Render(strings.Repeat("─", 60))
	fmt.Println(sep)
	fmt.Println(LabelStyle.Render("Title") + ValueStyle.Render(conv.GetTitle()))
	fmt.Println(LabelStyle.Render("Messages") + ValueStyle.Render(util.IntToString(conv.MessageCount())))
	fmt.Println(LabelStyle.Render("Context est.") + ValueStyle.Render(
		util.IntToString(conv.EstimateTokens(cpt))+" tokens (max reply "+util.IntToString(maxTokens)+")"))
	attLine := util.IntToString(a.docs.Count())
	if pending := a.docs.PreviewContext(""); pending != "" {
		attLine += " (~" + util.IntToString(len(pending)/cpt) + " tokens on next message)"
	}
	fmt.Println(LabelStyle.Render("Attachments") + ValueStyle.Render(attLine))
	fmt.Println(LabelStyle.Render("Uptime") + ValueStyle.Render(formatDuration(time.Since(a.startedAt))))
	fmt.Println(LabelStyle.Render("Autosave") + ValueStyle.Render(onOff(autosaveOn)))
	if a.lastStats != nil {
		fmt.Println(LabelStyle.Render("Last turn") + ValueStyle.Render(a.lastStats.Format()))
	}
	a.printToolStates()
	fmt.Println(sep)
}

// printHistory re-renders the visible transcript, oldest first.
func (a *App) printHistory() {
	for _, msg := range a.eng.Conversation().GetHistory() {
		if msg.Hidden {
			continue
		}
		switch msg.Role {
		case model.RoleUser:
			fmt.Println(promptStyle.Render(msg.Role.DisplayName()+":") + " " + msg.DisplayText())
		case model.RoleAssistant, model.RoleToolResult:
			displayResponse(msg.DisplayText())
		case model.RoleToolCallMarker:
			fmt.Println(DimStyle.Render("* " + msg.DisplayText()))
		}
		fmt.Println()
	}
}
