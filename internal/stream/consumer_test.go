// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jeranaias/rigchat/internal/infer"
	"github.com/jeranaias/rigchat/internal/logging"
	"github.com/jeranaias/rigchat/internal/model"
	"github.com/jeranaias/rigchat/internal/toolcall"
)

// completionRequest mirrors the fields the tests assert on.
type completionRequest struct {
	Prompt   string `json:"prompt"`
	Stream   bool   `json:"stream"`
	NPredict int    `json:"n_predict"`
}

// sse renders one protocol line carrying content.
func sse(content string) string {
	b, _ := json.Marshal(struct {
		Content string `json:"content"`
	}{content})
	return "data: " + string(b) + "\n\n"
}

// fastConfig keeps test runs short. Retries stay at the default of 2.
func fastConfig() Config {
	return Config{
		FlushInterval:   5 * time.Millisecond,
		LoadingPoll:     5 * time.Millisecond,
		LoadingDeadline: 5 * time.Second,
	}
}

func newTestConsumer(t *testing.T, baseURL string, cfg Config) *Consumer {
	t.Helper()
	client := infer.NewClient(infer.Config{BaseURL: baseURL}, logging.Nop())
	return NewConsumer(client, cfg, logging.Nop())
}

func staticPrompt(p string) func() string {
	return func() string { return p }
}

func TestRunStreamsCompletion(t *testing.T) {
	var mu sync.Mutex
	var got completionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		got = req
		mu.Unlock()
		fl := w.(http.Flusher)
		for _, c := range []string{"Hel", "lo,", " world!"} {
			io.WriteString(w, sse(c))
			fl.Flush()
		}
	}))
	defer srv.Close()

	consumer := newTestConsumer(t, srv.URL, fastConfig())
	msg := model.NewAssistantSlot()
	updates := 0
	out := consumer.Run(context.Background(), Request{
		BuildPrompt:   staticPrompt("PROMPT\nASSISTANT:"),
		MaxTokens:     128,
		CharsPerToken: 4,
	}, msg, Callbacks{OnUpdate: func(*model.Message) { updates++ }})

	if out.Err != nil {
		t.Fatalf("Run() error = %v", out.Err)
	}
	if out.Cancelled {
		t.Error("Run() reported cancelled")
	}
	if out.ToolCall != nil {
		t.Errorf("Run() detected unexpected tool call %+v", out.ToolCall)
	}
	if msg.DisplayText() != "Hello, world!" {
		t.Errorf("display = %q, want %q", msg.DisplayText(), "Hello, world!")
	}
	if msg.Content != "Hello, world!" {
		t.Errorf("content = %q, want %q", msg.Content, "Hello, world!")
	}
	if msg.Streaming {
		t.Error("message still marked streaming after completion")
	}
	// 13 chars at 4 chars/token.
	if out.Stats.CompletionTokens != 3 {
		t.Errorf("CompletionTokens = %d, want 3", out.Stats.CompletionTokens)
	}
	if msg.TokenCount != 3 {
		t.Errorf("message TokenCount = %d, want 3", msg.TokenCount)
	}
	if out.Stats.FirstTokenTime.IsZero() {
		t.Error("first token time never recorded")
	}
	if updates == 0 {
		t.Error("OnUpdate never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	if !got.Stream {
		t.Error("request did not ask for streaming")
	}
	if got.NPredict != 128 {
		t.Errorf("n_predict = %d, want 128", got.NPredict)
	}
	if got.Prompt != "PROMPT\nASSISTANT:" {
		t.Errorf("prompt = %q", got.Prompt)
	}
}

func TestRunInterceptsToolCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		io.WriteString(w, sse("Let me check.\n"))
		fl.Flush()
		// Give the debounce tick time to flush the prose first.
		time.Sleep(150 * time.Millisecond)
		io.WriteString(w, sse(`{"tool": "web_search", `))
		fl.Flush()
		io.WriteString(w, sse(`"args": {"query": "go generics", "count": 3}}`))
		fl.Flush()
		// Stay open: the consumer must close the stream, not wait it out.
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	consumer := newTestConsumer(t, srv.URL, fastConfig())
	msg := model.NewAssistantSlot()
	var snapshots []string
	out := consumer.Run(context.Background(), Request{
		BuildPrompt:   staticPrompt("PROMPT\nASSISTANT:"),
		MaxTokens:     128,
		CharsPerToken: 4,
	}, msg, Callbacks{OnUpdate: func(m *model.Message) {
		snapshots = append(snapshots, m.DisplayText())
	}})

	if out.Err != nil {
		t.Fatalf("Run() error = %v", out.Err)
	}
	if out.ToolCall == nil {
		t.Fatal("Run() did not detect the tool call")
	}
	if out.ToolCall.Tool != toolcall.WebSearch {
		t.Errorf("tool = %q, want web_search", out.ToolCall.Tool)
	}
	if out.ToolCall.WebSearch == nil || out.ToolCall.WebSearch.Query != "go generics" {
		t.Errorf("args = %+v, want query %q", out.ToolCall.WebSearch, "go generics")
	}
	if out.ToolCall.WebSearch != nil && out.ToolCall.WebSearch.Count != 3 {
		t.Errorf("count = %d, want 3", out.ToolCall.WebSearch.Count)
	}
	if msg.Role != model.RoleToolCallMarker {
		t.Errorf("role = %q, want tool_call_marker", msg.Role)
	}
	if msg.DisplayText() != "Searching the web..." {
		t.Errorf("display = %q, want the status line", msg.DisplayText())
	}
	if !strings.Contains(msg.ToolCallRaw, `"web_search"`) {
		t.Errorf("ToolCallRaw = %q, missing the command", msg.ToolCallRaw)
	}

	// The prose streamed before the call was shown, then replaced by the
	// status. The command syntax itself never reached the display.
	sawProse := false
	for _, s := range snapshots {
		if strings.Contains(s, "Let me check.") {
			sawProse = true
		}
	}
	if !sawProse {
		t.Error("prose was never flushed before the tool call arrived")
	}
	if last := snapshots[len(snapshots)-1]; last != "Searching the web..." {
		t.Errorf("final snapshot = %q, want the status line", last)
	}
	if strings.Contains(msg.DisplayText(), "{") {
		t.Errorf("display leaked command syntax: %q", msg.DisplayText())
	}
}

func TestRunReconnectsAndContinues(t *testing.T) {
	var mu sync.Mutex
	var prompts []string
	var npredicts []int
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		prompts = append(prompts, req.Prompt)
		npredicts = append(npredicts, req.NPredict)
		n := attempts
		attempts++
		mu.Unlock()

		fl := w.(http.Flusher)
		if n == 0 {
			// Promise a large body and cut it short so the client hits
			// an unexpected EOF after the flushed lines.
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Content-Length", "1048576")
			io.WriteString(w, sse("Hello, "))
			io.WriteString(w, sse("wo"))
			fl.Flush()
			return
		}
		io.WriteString(w, sse("rld!"))
		fl.Flush()
	}))
	defer srv.Close()

	consumer := newTestConsumer(t, srv.URL, fastConfig())
	msg := model.NewAssistantSlot()
	buildPrompt := func() string { return "HISTORY " + msg.Content + "\nASSISTANT:" }
	var notices []string
	out := consumer.Run(context.Background(), Request{
		BuildPrompt:   buildPrompt,
		MaxTokens:     200,
		CharsPerToken: 4,
	}, msg, Callbacks{OnNotice: func(text string) { notices = append(notices, text) }})

	if out.Err != nil {
		t.Fatalf("Run() error = %v", out.Err)
	}
	if msg.Content != "Hello, world!" {
		t.Errorf("content = %q, want cumulative %q", msg.Content, "Hello, world!")
	}
	if msg.DisplayText() != "Hello, world!" {
		t.Errorf("display = %q, want %q", msg.DisplayText(), "Hello, world!")
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
	if want := "Stream interrupted; reconnecting (attempt 1/2)..."; len(notices) != 1 || notices[0] != want {
		t.Errorf("notices = %q, want [%q]", notices, want)
	}
	// The reconnect prompt carries the partial output and the continue
	// directive, and the token budget shrinks by what was produced.
	if !strings.Contains(prompts[1], "Hello, wo") {
		t.Errorf("reconnect prompt missing partial output: %q", prompts[1])
	}
	if !strings.Contains(prompts[1], "Previous stream disconnected") {
		t.Errorf("reconnect prompt missing continue directive: %q", prompts[1])
	}
	if strings.Contains(prompts[0], "Previous stream disconnected") {
		t.Error("first attempt carried the continue directive")
	}
	if npredicts[0] != 200 {
		t.Errorf("first n_predict = %d, want 200", npredicts[0])
	}
	// 9 chars produced at 4 chars/token leaves 200-2.
	if npredicts[1] != 198 {
		t.Errorf("reconnect n_predict = %d, want 198", npredicts[1])
	}
}

func TestRunRetryBudgetExhausted(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.Header().Set("Content-Length", "1048576")
		io.WriteString(w, sse("x"))
		w.(http.Flusher).Flush()
	}))
	defer srv.Close()

	consumer := newTestConsumer(t, srv.URL, fastConfig())
	msg := model.NewAssistantSlot()
	var notices []string
	out := consumer.Run(context.Background(), Request{
		BuildPrompt:   staticPrompt("PROMPT\nASSISTANT:"),
		MaxTokens:     64,
		CharsPerToken: 4,
	}, msg, Callbacks{OnNotice: func(text string) { notices = append(notices, text) }})

	if out.Err == nil {
		t.Fatal("Run() succeeded, want terminal stream error")
	}
	if !infer.IsRetryable(out.Err) {
		t.Errorf("terminal error not a connection failure: %v", out.Err)
	}
	if out.Cancelled {
		t.Error("Run() reported cancelled")
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Errorf("attempts = %d, want initial + 2 retries", attempts)
	}
	want := []string{
		"Stream interrupted; reconnecting (attempt 1/2)...",
		"Stream interrupted; reconnecting (attempt 2/2)...",
	}
	if len(notices) != 2 || notices[0] != want[0] || notices[1] != want[1] {
		t.Errorf("notices = %q, want %q", notices, want)
	}
	// Every attempt's partial output is kept.
	if msg.Content != "xxx" {
		t.Errorf("content = %q, want %q", msg.Content, "xxx")
	}
	if msg.Streaming {
		t.Error("message still marked streaming after failure")
	}
}

func TestRunWaitsOutModelLoading(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		n := attempts
		attempts++
		mu.Unlock()
		if n < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			io.WriteString(w, `{"error":{"type":"unavailable_error","message":"Model is loading"}}`)
			return
		}
		io.WriteString(w, sse("Ready."))
		w.(http.Flusher).Flush()
	}))
	defer srv.Close()

	consumer := newTestConsumer(t, srv.URL, fastConfig())
	msg := model.NewAssistantSlot()
	var notices []string
	out := consumer.Run(context.Background(), Request{
		BuildPrompt:   staticPrompt("PROMPT\nASSISTANT:"),
		MaxTokens:     64,
		CharsPerToken: 4,
	}, msg, Callbacks{OnNotice: func(text string) { notices = append(notices, text) }})

	if out.Err != nil {
		t.Fatalf("Run() error = %v", out.Err)
	}
	if msg.Content != "Ready." {
		t.Errorf("content = %q, want %q", msg.Content, "Ready.")
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3 (two loading probes, one stream)", attempts)
	}
	// Announced once, and never treated as a reconnect.
	if len(notices) != 1 || notices[0] != "Model is loading... waiting." {
		t.Errorf("notices = %q, want single loading notice", notices)
	}
}

func TestRunModelLoadingTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, `{"error":{"type":"unavailable_error","message":"Model is loading"}}`)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.LoadingDeadline = 40 * time.Millisecond
	consumer := newTestConsumer(t, srv.URL, cfg)
	msg := model.NewAssistantSlot()
	var notices []string
	out := consumer.Run(context.Background(), Request{
		BuildPrompt:   staticPrompt("PROMPT\nASSISTANT:"),
		MaxTokens:     64,
		CharsPerToken: 4,
	}, msg, Callbacks{OnNotice: func(text string) { notices = append(notices, text) }})

	if out.Err == nil {
		t.Fatal("Run() succeeded, want loading timeout")
	}
	if out.Err.Error() != "Model is still loading (timeout)." {
		t.Errorf("error = %q", out.Err.Error())
	}
	if infer.IsRetryable(out.Err) {
		t.Error("loading timeout should not be retryable")
	}
	if out.Cancelled {
		t.Error("Run() reported cancelled")
	}
	if len(notices) != 1 || notices[0] != "Model is loading... waiting." {
		t.Errorf("notices = %q, want single loading notice", notices)
	}
}

func TestRunCancelPreservesPartialOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, sse("Partial output"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	consumer := newTestConsumer(t, srv.URL, fastConfig())
	msg := model.NewAssistantSlot()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := consumer.Run(ctx, Request{
		BuildPrompt:   staticPrompt("PROMPT\nASSISTANT:"),
		MaxTokens:     64,
		CharsPerToken: 4,
	}, msg, Callbacks{OnUpdate: func(*model.Message) {
		// Stop as soon as the first flush lands.
		cancel()
	}})

	if !out.Cancelled {
		t.Fatal("Run() did not report cancellation")
	}
	if out.Err != nil {
		t.Errorf("cancellation produced error %v", out.Err)
	}
	if out.ToolCall != nil {
		t.Error("cancellation produced a tool call")
	}
	if !strings.Contains(msg.DisplayText(), "Partial output") {
		t.Errorf("partial output lost: display = %q", msg.DisplayText())
	}
	if msg.Streaming {
		t.Error("message still marked streaming after cancel")
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
	}))
	defer srv.Close()

	consumer := newTestConsumer(t, srv.URL, fastConfig())
	msg := model.NewAssistantSlot()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := consumer.Run(ctx, Request{
		BuildPrompt:   staticPrompt("PROMPT\nASSISTANT:"),
		MaxTokens:     64,
		CharsPerToken: 4,
	}, msg, Callbacks{})

	if !out.Cancelled {
		t.Fatal("Run() did not report cancellation")
	}
	if out.Err != nil {
		t.Errorf("cancellation produced error %v", out.Err)
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 0 {
		t.Errorf("attempts = %d, want 0", attempts)
	}
}

func TestRunStripsEmojiFromDisplayOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		io.WriteString(w, sse("Done \U0001F389"))
		fl.Flush()
		io.WriteString(w, sse("!"))
		fl.Flush()
	}))
	defer srv.Close()

	consumer := newTestConsumer(t, srv.URL, fastConfig())
	msg := model.NewAssistantSlot()
	out := consumer.Run(context.Background(), Request{
		BuildPrompt:   staticPrompt("PROMPT\nASSISTANT:"),
		MaxTokens:     64,
		CharsPerToken: 4,
		StripEmoji:    true,
	}, msg, Callbacks{})

	if out.Err != nil {
		t.Fatalf("Run() error = %v", out.Err)
	}
	if msg.DisplayText() != "Done !" {
		t.Errorf("display = %q, want emoji stripped", msg.DisplayText())
	}
	if msg.Content != "Done \U0001F389!" {
		t.Errorf("content = %q, want raw emoji kept", msg.Content)
	}
}
