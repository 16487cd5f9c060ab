// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream consumes one streaming completion into one conversation
// message: reconnects across transport drops, waits out model loading,
// debounces display updates, and intercepts tool calls mid-stream.
package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/rigchat/internal/infer"
	"github.com/jeranaias/rigchat/internal/model"
	"github.com/jeranaias/rigchat/internal/prompt"
	"github.com/jeranaias/rigchat/internal/toolcall"
	"github.com/jeranaias/rigchat/internal/util"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config tunes the consumer's timing. Zero fields take defaults.
type Config struct {
	// FlushInterval is the debounce period for display updates
	// (default: 50ms).
	FlushInterval time.Duration

	// LoadingPoll is the sleep between loading-wait probes (default: 500ms).
	LoadingPoll time.Duration

	// LoadingDeadline bounds the total time spent waiting for the model to
	// load, measured from stream start (default: 180s).
	LoadingDeadline time.Duration

	// MaxRetries is the number of reconnect attempts after the initial one,
	// spent only on transport failures (default: 2).
	MaxRetries int
}

// DefaultConfig returns the default consumer timing.
func DefaultConfig() Config {
	return Config{
		FlushInterval:   50 * time.Millisecond,
		LoadingPoll:     500 * time.Millisecond,
		LoadingDeadline: 180 * time.Second,
		MaxRetries:      2,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FlushInterval <= 0 {
		c.FlushInterval = def.FlushInterval
	}
	if c.LoadingPoll <= 0 {
		c.LoadingPoll = def.LoadingPoll
	}
	if c.LoadingDeadline <= 0 {
		c.LoadingDeadline = def.LoadingDeadline
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = def.MaxRetries
	}
	return c
}

// =============================================================================
// REQUEST AND OUTCOME
// =============================================================================

// Request describes one generation segment.
type Request struct {
	// BuildPrompt renders the prompt for an attempt. It is called fresh per
	// attempt so reconnects see partial output already flushed into the
	// history.
	BuildPrompt func() string

	Temperature   float64
	TopP          float64
	TopK          int
	MaxTokens     int
	Stop          []string
	CharsPerToken int
	StripEmoji    bool
}

// Callbacks surface progress to the caller. Both fields may be nil. They
// are invoked from the consumer's goroutine; implementations must marshal
// to their own update mechanism.
type Callbacks struct {
	// OnUpdate fires after every display change on the target message.
	OnUpdate func(msg *model.Message)
	// OnNotice surfaces transient conditions: reconnects, model loading.
	OnNotice func(text string)
}

// Outcome is the result of consuming one stream.
type Outcome struct {
	// Cancelled is set when the user stopped the stream. Cancellation is
	// not an error; partial output stays flushed.
	Cancelled bool

	// Err is the terminal error, nil on success or cancellation.
	Err error

	// ToolCall is non-nil when generation was intercepted by a tool
	// request. The target message has already been relabeled.
	ToolCall *toolcall.Call

	// Stats covers this segment: timings and estimated tokens.
	Stats *model.Statistics
}

// =============================================================================
// CONSUMER
// =============================================================================

// Consumer drives streaming completions. Safe for sequential reuse; one
// Run may be active at a time per target message.
type Consumer struct {
	client *infer.Client
	config Config
	logger zerolog.Logger
}

// NewConsumer creates a consumer over the given completion client.
func NewConsumer(client *infer.Client, config Config, logger zerolog.Logger) *Consumer {
	return &Consumer{
		client: client,
		config: config.withDefaults(),
		logger: logger,
	}
}

// Run streams one completion into msg. It returns when the stream ends, a
// tool call is detected, the retry budget is exhausted, or ctx is
// cancelled. Display text is flushed on a fixed debounce tick, never per
// chunk; on tool detection the un-flushed tail is discarded so command
// syntax is not rendered.
func (c *Consumer) Run(ctx context.Context, req Request, msg *model.Message, cb Callbacks) Outcome {
	seg := &segment{
		config: c.config,
		req:    req,
		msg:    msg,
		cb:     cb,
		stats:  model.NewStatistics(),
		cpt:    req.CharsPerToken,
	}
	if seg.cpt <= 0 {
		seg.cpt = 4
	}
	loadingDeadline := time.Now().Add(c.config.LoadingDeadline)

	var (
		lastErr         error
		cancelled       bool
		loadingNotified bool
	)

	attempt := 0
	for attempt <= c.config.MaxRetries {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		if attempt > 0 {
			seg.notice("Stream interrupted; reconnecting (attempt " +
				util.IntToString(attempt) + "/" + util.IntToString(c.config.MaxRetries) + ")...")
		}

		p := req.BuildPrompt()
		if attempt > 0 {
			p = prompt.ContinueDirective(p)
		}
		// The token budget shrinks with what earlier attempts produced.
		remaining := req.MaxTokens - seg.chars/seg.cpt
		if remaining < 16 {
			remaining = 16
		}

		s, err := c.client.OpenStream(ctx, infer.Request{
			Prompt:      p,
			Temperature: req.Temperature,
			TopP:        req.TopP,
			TopK:        req.TopK,
			NPredict:    remaining,
			Stop:        req.Stop,
		})
		if err != nil {
			if ctx.Err() != nil {
				cancelled = true
				break
			}
			if infer.IsModelLoading(err) {
				// Loading-wait does not consume a retry.
				if !loadingNotified {
					loadingNotified = true
					seg.notice("Model is loading... waiting.")
				}
				if time.Now().After(loadingDeadline) {
					lastErr = errors.New("Model is still loading (timeout).")
					break
				}
				select {
				case <-ctx.Done():
					cancelled = true
				case <-time.After(c.config.LoadingPoll):
				}
				if cancelled {
					break
				}
				continue
			}
			lastErr = err
			if infer.IsRetryable(err) && attempt < c.config.MaxRetries {
				attempt++
				continue
			}
			break
		}

		result := seg.consume(ctx, s)
		seg.flushPending()
		if result.cancelled {
			cancelled = true
			break
		}
		if result.done {
			break
		}
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		lastErr = result.err
		if infer.IsRetryable(result.err) && attempt < c.config.MaxRetries {
			attempt++
			continue
		}
		break
	}

	seg.flushPending()
	seg.stats.CharCount = seg.chars
	seg.stats.Finalize(seg.cpt)
	if seg.detected == nil {
		msg.FinalizeStream(seg.stats)
	}
	if cancelled {
		lastErr = nil
	}
	c.logger.Debug().
		Bool("cancelled", cancelled).
		Bool("tool_call", seg.detected != nil).
		Int("chars", seg.chars).
		Err(lastErr).
		Msg("stream finished")
	return Outcome{
		Cancelled: cancelled,
		Err:       lastErr,
		ToolCall:  seg.detected,
		Stats:     seg.stats,
	}
}

// =============================================================================
// SEGMENT STATE
// =============================================================================

// segment accumulates one generation across its reconnect attempts.
type segment struct {
	config Config
	req    Request
	msg    *model.Message
	cb     Callbacks
	stats  *model.Statistics

	pending  pendingBuffer
	chars    int
	cpt      int
	detected *toolcall.Call
}

func (g *segment) notice(text string) {
	if g.cb.OnNotice != nil {
		g.cb.OnNotice(text)
	}
}

// flushPending moves buffered text onto the message and reports the
// display change.
func (g *segment) flushPending() {
	display, raw, ok := g.pending.drain()
	if !ok {
		return
	}
	if raw != "" {
		g.msg.AppendRaw(raw)
	}
	if display != "" {
		g.msg.AppendDisplay(display)
		if g.cb.OnUpdate != nil {
			g.cb.OnUpdate(g.msg)
		}
	}
}

// readResult is one stream read handed from the reader goroutine to the
// consume loop.
type readResult struct {
	content string
	err     error
}

// consumeResult reports how one attempt's read loop ended.
type consumeResult struct {
	done      bool // end of stream, or tool call detected
	cancelled bool
	err       error // stream failure when neither done nor cancelled
}

// consume runs the select loop for one open stream: a reader goroutine
// feeds chunks while the debounce ticker drives flushes, with
// cancellation watched throughout. Returns with the stream closed.
func (g *segment) consume(ctx context.Context, s *infer.Stream) consumeResult {
	defer s.Close()

	readerDone := make(chan struct{})
	defer close(readerDone)
	reads := make(chan readResult)
	go func() {
		for {
			content, err := s.Recv()
			select {
			case reads <- readResult{content: content, err: err}:
			case <-readerDone:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(g.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return consumeResult{cancelled: true}

		case <-ticker.C:
			g.flushPending()

		case res := <-reads:
			if res.err != nil {
				if res.err == io.EOF {
					return consumeResult{done: true}
				}
				if ctx.Err() != nil {
					return consumeResult{cancelled: true}
				}
				return consumeResult{err: res.err}
			}
			if g.ingest(res.content) {
				return consumeResult{done: true}
			}
		}
	}
}

// ingest appends one chunk and checks for a tool call. Returns true when
// generation should stop because a call was detected.
func (g *segment) ingest(raw string) bool {
	if g.stats.FirstTokenTime.IsZero() {
		g.stats.RecordFirstToken()
	}
	display := raw
	if g.req.StripEmoji {
		display = util.StripEmoji(raw)
	}
	g.chars += len(raw)
	g.pending.write(display, raw)

	if g.detected != nil {
		return false
	}
	combined := strings.TrimSpace(g.msg.Content + g.pending.rawString())
	call, ok := toolcall.Detect(combined)
	if !ok {
		return false
	}
	g.detected = call
	// The buffered tail is command syntax, not prose; it is never
	// rendered.
	g.pending.discard()
	g.msg.RelabelToolCall(string(call.Tool), call.Status(), call.Raw)
	if g.cb.OnUpdate != nil {
		g.cb.OnUpdate(g.msg)
	}
	return true
}
