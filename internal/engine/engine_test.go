// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jeranaias/rigchat/internal/backend"
	"github.com/jeranaias/rigchat/internal/infer"
	"github.com/jeranaias/rigchat/internal/logging"
	"github.com/jeranaias/rigchat/internal/model"
	"github.com/jeranaias/rigchat/internal/prompt"
	"github.com/jeranaias/rigchat/internal/stream"
	"github.com/jeranaias/rigchat/internal/tools"
)

// =============================================================================
// TEST FIXTURES
// =============================================================================

// eventLog collects engine events. The optional hook runs synchronously on
// the posting goroutine, which lets tests react mid-turn (e.g. call Stop).
type eventLog struct {
	mu     sync.Mutex
	events []Event
	hook   func(Event)
}

func (l *eventLog) Post(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	hook := l.hook
	l.mu.Unlock()
	if hook != nil {
		hook(ev)
	}
}

func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

func (l *eventLog) notices() []string {
	var out []string
	for _, ev := range l.snapshot() {
		if ev.Type == EventNotice {
			out = append(out, ev.Notice)
		}
	}
	return out
}

func (l *eventLog) ended() *TurnOutcome {
	var out *TurnOutcome
	for _, ev := range l.snapshot() {
		if ev.Type == EventTurnEnded {
			out = ev.Outcome
		}
	}
	return out
}

func (l *eventLog) added() []*model.Message {
	var out []*model.Message
	for _, ev := range l.snapshot() {
		if ev.Type == EventMessageAdded {
			out = append(out, ev.Message)
		}
	}
	return out
}

func sseChunk(content string) string {
	b, _ := json.Marshal(map[string]string{"content": content})
	return "data: " + string(b) + "\n\n"
}

// modelScript drives the fake completion server: one chunk list per
// expected request. With repeat set, the last response serves forever.
type modelScript struct {
	mu        sync.Mutex
	responses [][]string
	repeat    bool
	prompts   []string
}

func (s *modelScript) record(prompt string) (chunks []string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.prompts)
	s.prompts = append(s.prompts, prompt)
	if idx >= len(s.responses) {
		if !s.repeat || len(s.responses) == 0 {
			return nil, false
		}
		idx = len(s.responses) - 1
	}
	return s.responses[idx], true
}

func (s *modelScript) promptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

func (s *modelScript) prompt(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompts[i]
}

func newModelServer(t *testing.T, script *modelScript) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/completion", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Prompt string `json:"prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode completion request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		chunks, ok := script.record(req.Prompt)
		if !ok {
			t.Error("completion request beyond script")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, c := range chunks {
			io.WriteString(w, sseChunk(c))
			flusher.Flush()
		}
	})
	return httptest.NewServer(mux)
}

// newHoldingModelServer streams lead and then holds the response open until
// the client goes away. Used to test cancellation mid-stream.
func newHoldingModelServer(t *testing.T, lead string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/completion", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		io.WriteString(w, sseChunk(lead))
		flusher.Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	return httptest.NewServer(mux)
}

// toolsBackend is a minimal fake for the local tools API.
type toolsBackend struct {
	mu       sync.Mutex
	searches int
	srv      *httptest.Server
}

func newToolsBackend(t *testing.T) *toolsBackend {
	t.Helper()
	b := &toolsBackend{}
	mux := http.NewServeMux()
	mux.HandleFunc("/search/web", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.searches++
		b.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []map[string]string{
				{"title": "Go", "url": "https://go.dev", "snippet": "The Go programming language"},
			},
		})
	})
	b.srv = httptest.NewServer(mux)
	return b
}

func (b *toolsBackend) searchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.searches
}

func fixedSettings(budget int) SettingsSource {
	return func() Settings {
		return Settings{
			Temperature:      0.7,
			TopP:             0.95,
			TopK:             40,
			MaxTokens:        256,
			CharsPerToken:    4,
			Persona:          prompt.Persona{Name: "Rig", Tone: "friendly"},
			FilesRoot:        "/tmp/sandbox",
			WebSearchEnabled: true,
			FilesEnabled:     true,
			FilesMaxBytes:    200_000,
			ToolBudget:       budget,
		}
	}
}

func newTestEngine(t *testing.T, completionURL, toolsURL string, log *eventLog, settings SettingsSource, toolCfg tools.Config) *Engine {
	t.Helper()
	nop := logging.Nop()
	client := infer.NewClient(infer.Config{BaseURL: completionURL}, nop)
	consumer := stream.NewConsumer(client, stream.Config{
		FlushInterval:   5 * time.Millisecond,
		LoadingPoll:     5 * time.Millisecond,
		LoadingDeadline: 5 * time.Second,
	}, nop)
	dispatcher := tools.NewDispatcher(backend.NewClient(toolsURL, nop), nil, toolCfg, nop)
	return New(consumer, dispatcher, client, model.NewConversation(), log, settings, nil, nop)
}

func enabledToolConfig() tools.Config {
	return tools.Config{
		WebSearchEnabled: true,
		FilesEnabled:     true,
		DecisionTimeout:  time.Second,
		SearchInterval:   time.Millisecond,
	}
}

const searchCallJSON = `{"tool": "web_search", "args": {"query": "go", "count": 2}}`

// =============================================================================
// TESTS
// =============================================================================

func TestSendStreamsPlainTurn(t *testing.T) {
	script := &modelScript{responses: [][]string{{"Hello", " there."}}}
	srv := newModelServer(t, script)
	defer srv.Close()
	tb := newToolsBackend(t)
	defer tb.srv.Close()

	log := &eventLog{}
	eng := newTestEngine(t, srv.URL, tb.srv.URL, log, fixedSettings(8), enabledToolConfig())

	turnID, err := eng.Send("hi")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	eng.Wait()

	if eng.State() != StateIdle {
		t.Errorf("state = %v after turn", eng.State())
	}
	conv := eng.Conversation()
	if conv.MessageCount() != 2 {
		t.Fatalf("message count = %d, want 2", conv.MessageCount())
	}
	final := conv.GetLastMessage()
	if final.Role != model.RoleAssistant || final.Content != "Hello there." {
		t.Errorf("final message = %q (%s)", final.Content, final.Role)
	}
	if final.Streaming {
		t.Error("final message still streaming")
	}

	events := log.snapshot()
	if len(events) < 3 {
		t.Fatalf("only %d events", len(events))
	}
	if events[0].Type != EventMessageAdded || events[0].Message.Role != model.RoleUser {
		t.Errorf("first event = %v", events[0].Type)
	}
	if events[1].Type != EventMessageAdded || events[1].Message.Role != model.RoleAssistant {
		t.Errorf("second event = %v", events[1].Type)
	}
	last := events[len(events)-1]
	if last.Type != EventTurnEnded {
		t.Fatalf("last event = %v, want turn_ended", last.Type)
	}
	if last.Outcome.Reason != ReasonCompleted || last.Outcome.Err != nil {
		t.Errorf("outcome = %+v", last.Outcome)
	}
	if last.Outcome.Stats == nil || last.Outcome.Stats.CompletionTokens == 0 {
		t.Errorf("stats missing from outcome: %+v", last.Outcome.Stats)
	}
	for _, ev := range events {
		if ev.TurnID != turnID {
			t.Errorf("event %v has turn ID %q, want %q", ev.Type, ev.TurnID, turnID)
		}
	}

	if script.promptCount() != 1 {
		t.Fatalf("prompt count = %d", script.promptCount())
	}
	p := script.prompt(0)
	if !strings.Contains(p, "hi") || !strings.Contains(p, "Rig") {
		t.Errorf("prompt missing user text or persona:\n%s", p)
	}
	if !strings.HasSuffix(p, "\nASSISTANT:") {
		t.Errorf("prompt does not end with assistant cue: %q", p[len(p)-30:])
	}
}

func TestSendRunsToolRoundThenFinal(t *testing.T) {
	script := &modelScript{responses: [][]string{
		{searchCallJSON},
		{"Found it."},
	}}
	srv := newModelServer(t, script)
	defer srv.Close()
	tb := newToolsBackend(t)
	defer tb.srv.Close()

	log := &eventLog{}
	eng := newTestEngine(t, srv.URL, tb.srv.URL, log, fixedSettings(8), enabledToolConfig())

	if _, err := eng.Send("look this up"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	eng.Wait()

	msgs := eng.Conversation().GetHistory()
	if len(msgs) != 4 {
		t.Fatalf("message count = %d, want 4 (user, marker, result, assistant)", len(msgs))
	}
	if msgs[1].Role != model.RoleToolCallMarker || msgs[1].ToolName != "web_search" {
		t.Errorf("marker = %+v", msgs[1])
	}
	if msgs[2].Role != model.RoleToolResult || !strings.HasPrefix(msgs[2].Content, "## Web search: go") {
		t.Errorf("tool result = %q (%s)", msgs[2].Content, msgs[2].Role)
	}
	if msgs[2].Hidden {
		t.Error("web search result should be visible")
	}
	if msgs[3].Content != "Found it." {
		t.Errorf("final assistant = %q", msgs[3].Content)
	}

	if got := tb.searchCount(); got != 1 {
		t.Errorf("search count = %d, want 1", got)
	}
	if added := log.added(); len(added) != 4 {
		t.Errorf("message_added events = %d, want 4", len(added))
	}
	if out := log.ended(); out == nil || out.Reason != ReasonCompleted {
		t.Errorf("outcome = %+v", out)
	}

	if script.promptCount() != 2 {
		t.Fatalf("prompt count = %d, want 2", script.promptCount())
	}
	second := script.prompt(1)
	if !strings.Contains(second, "TOOL[web_search]: [1] Go") {
		t.Errorf("follow-up prompt missing tool result:\n%s", second)
	}
	if strings.Contains(second, "Searching the web...") {
		t.Error("marker text leaked into the prompt")
	}
}

func TestSendEnforcesToolBudget(t *testing.T) {
	script := &modelScript{responses: [][]string{{searchCallJSON}}, repeat: true}
	srv := newModelServer(t, script)
	defer srv.Close()
	tb := newToolsBackend(t)
	defer tb.srv.Close()

	log := &eventLog{}
	eng := newTestEngine(t, srv.URL, tb.srv.URL, log, fixedSettings(2), enabledToolConfig())

	if _, err := eng.Send("search forever"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	eng.Wait()

	if got := tb.searchCount(); got != 2 {
		t.Errorf("search count = %d, want 2 (budget)", got)
	}
	if script.promptCount() != 3 {
		t.Errorf("stream count = %d, want 3", script.promptCount())
	}

	msgs := eng.Conversation().GetHistory()
	// user, then (marker, result) x2, then the refused marker.
	if len(msgs) != 6 {
		t.Fatalf("message count = %d, want 6", len(msgs))
	}
	last := msgs[len(msgs)-1]
	if last.Role != model.RoleToolCallMarker {
		t.Fatalf("last message role = %s", last.Role)
	}
	if last.DisplayText() != "Tool budget exceeded for this message. Send a new message to continue." {
		t.Errorf("refusal text = %q", last.DisplayText())
	}
	if out := log.ended(); out == nil || out.Reason != ReasonBudgetExceeded {
		t.Errorf("outcome = %+v", out)
	}
}

func TestSendToolErrorKeepsTurnAlive(t *testing.T) {
	script := &modelScript{responses: [][]string{
		{searchCallJSON},
		{"Understood."},
	}}
	srv := newModelServer(t, script)
	defer srv.Close()
	tb := newToolsBackend(t)
	defer tb.srv.Close()

	cfg := enabledToolConfig()
	cfg.WebSearchEnabled = false
	log := &eventLog{}
	eng := newTestEngine(t, srv.URL, tb.srv.URL, log, fixedSettings(8), cfg)

	if _, err := eng.Send("search please"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	eng.Wait()

	msgs := eng.Conversation().GetHistory()
	if len(msgs) != 4 {
		t.Fatalf("message count = %d, want 4", len(msgs))
	}
	errMsg := msgs[2]
	if errMsg.Role != model.RoleToolResult || errMsg.ToolName != "web_search" {
		t.Fatalf("tool entry = %+v", errMsg)
	}
	want := "## Tool error\nTool disabled: web_search (enable it in the Tools tab)."
	if errMsg.Content != want {
		t.Errorf("tool error display = %q", errMsg.Content)
	}
	if msgs[3].Content != "Understood." {
		t.Errorf("final assistant = %q", msgs[3].Content)
	}
	if got := tb.searchCount(); got != 0 {
		t.Errorf("backend searches = %d, want 0", got)
	}
	if out := log.ended(); out == nil || out.Reason != ReasonCompleted {
		t.Errorf("outcome = %+v", out)
	}
	// The model sees the error text and can adjust.
	if !strings.Contains(script.prompt(1), "TOOL[web_search]: ## Tool error") {
		t.Errorf("follow-up prompt missing error entry:\n%s", script.prompt(1))
	}
}

func TestStopCancelsStreaming(t *testing.T) {
	srv := newHoldingModelServer(t, "Working on it")
	defer srv.Close()
	tb := newToolsBackend(t)
	defer tb.srv.Close()

	log := &eventLog{}
	eng := newTestEngine(t, srv.URL, tb.srv.URL, log, fixedSettings(8), enabledToolConfig())

	var once sync.Once
	log.hook = func(ev Event) {
		if ev.Type == EventMessageUpdated {
			once.Do(eng.Stop)
		}
	}

	if _, err := eng.Send("long task"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	eng.Wait()

	out := log.ended()
	if out == nil || out.Reason != ReasonCancelled || out.Err != nil {
		t.Fatalf("outcome = %+v", out)
	}
	found := false
	for _, n := range log.notices() {
		if n == "Generation stopped." {
			found = true
		}
	}
	if !found {
		t.Errorf("missing stop notice, got %v", log.notices())
	}
	final := eng.Conversation().GetLastMessage()
	if !strings.Contains(final.DisplayText(), "Working on it") {
		t.Errorf("partial output lost: %q", final.DisplayText())
	}
	if final.Streaming {
		t.Error("message left streaming after cancel")
	}
	if eng.State() != StateIdle {
		t.Errorf("state = %v", eng.State())
	}
}

func TestStopDuringDispatchEndsTurnCancelled(t *testing.T) {
	script := &modelScript{responses: [][]string{{searchCallJSON}}, repeat: true}
	srv := newModelServer(t, script)
	defer srv.Close()
	tb := newToolsBackend(t)
	defer tb.srv.Close()

	log := &eventLog{}
	eng := newTestEngine(t, srv.URL, tb.srv.URL, log, fixedSettings(8), enabledToolConfig())

	// Stop as soon as the marker relabel lands, before dispatch begins.
	var once sync.Once
	log.hook = func(ev Event) {
		if ev.Type == EventMessageUpdated && ev.Message.Role == model.RoleToolCallMarker {
			once.Do(eng.Stop)
		}
	}

	if _, err := eng.Send("search"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	eng.Wait()

	if out := log.ended(); out == nil || out.Reason != ReasonCancelled {
		t.Fatalf("outcome = %+v", out)
	}
	if got := tb.searchCount(); got != 0 {
		t.Errorf("backend searches = %d, want 0", got)
	}
	for _, m := range eng.Conversation().GetHistory() {
		if m.Role == model.RoleToolResult {
			t.Errorf("unexpected tool result after cancel: %q", m.Content)
		}
	}
	if last := eng.Conversation().GetLastMessage(); last.Role != model.RoleToolCallMarker {
		t.Errorf("last message role = %s", last.Role)
	}
}

func TestSendRejectsWhileBusy(t *testing.T) {
	srv := newHoldingModelServer(t, "busy")
	defer srv.Close()
	tb := newToolsBackend(t)
	defer tb.srv.Close()

	log := &eventLog{}
	eng := newTestEngine(t, srv.URL, tb.srv.URL, log, fixedSettings(8), enabledToolConfig())

	if _, err := eng.Send("first"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := eng.Send("second"); !errors.Is(err, ErrBusy) {
		t.Errorf("concurrent Send error = %v, want ErrBusy", err)
	}

	eng.Stop()
	eng.Wait()
	if eng.Busy() {
		t.Fatal("engine still busy after Wait")
	}

	// A fresh turn is accepted once the previous one finished.
	if _, err := eng.Send("third"); err != nil {
		t.Fatalf("Send after idle: %v", err)
	}
	eng.Stop()
	eng.Wait()
}

func TestSendRejectsEmptyInput(t *testing.T) {
	log := &eventLog{}
	eng := newTestEngine(t, "http://127.0.0.1:1", "http://127.0.0.1:1", log, fixedSettings(8), enabledToolConfig())

	for _, in := range []string{"", "   ", "\n\t"} {
		if _, err := eng.Send(in); !errors.Is(err, ErrEmptyMessage) {
			t.Errorf("Send(%q) error = %v, want ErrEmptyMessage", in, err)
		}
	}
	if len(log.snapshot()) != 0 {
		t.Errorf("events posted for rejected input: %d", len(log.snapshot()))
	}
	if !eng.Conversation().IsEmpty() {
		t.Error("conversation not empty")
	}
}

func TestStreamErrorFailsTurn(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/completion", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	tb := newToolsBackend(t)
	defer tb.srv.Close()

	log := &eventLog{}
	eng := newTestEngine(t, srv.URL, tb.srv.URL, log, fixedSettings(8), enabledToolConfig())

	if _, err := eng.Send("hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	eng.Wait()

	out := log.ended()
	if out == nil || out.Reason != ReasonFailed || out.Err == nil {
		t.Fatalf("outcome = %+v", out)
	}
	streamErr := false
	for _, n := range log.notices() {
		if strings.HasPrefix(n, "Stream error: ") {
			streamErr = true
		}
	}
	if !streamErr {
		t.Errorf("missing stream error notice: %v", log.notices())
	}
	if eng.State() != StateIdle {
		t.Errorf("state = %v", eng.State())
	}
	if slot := eng.Conversation().GetLastMessage(); slot.Streaming {
		t.Error("slot left streaming after failure")
	}
}
