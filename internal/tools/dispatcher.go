// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tools dispatches parsed tool calls against the local tools
// backend: enablement gates, read-budget clamping, search pacing, and
// the interactive overwrite-conflict flow for file writes.
package tools

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/jeranaias/rigchat/internal/backend"
	"github.com/jeranaias/rigchat/internal/toolcall"
	"github.com/jeranaias/rigchat/internal/util"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config controls which tools run and under what limits.
type Config struct {
	// WebSearchEnabled gates web_search.
	WebSearchEnabled bool

	// FilesEnabled gates fs_list, fs_read, fs_write, and fs_search.
	FilesEnabled bool

	// FilesMaxBytes caps how much fs_read may pull into context. Clamped
	// to [10000, 10000000]; zero or invalid means 200000.
	FilesMaxBytes int

	// DecisionTimeout bounds how long a write-conflict prompt waits for
	// the user before defaulting to cancel (default: 180s).
	DecisionTimeout time.Duration

	// SearchInterval paces successive web searches so the backend's
	// upstream is not hammered (default: 1s).
	SearchInterval time.Duration
}

const (
	defaultFilesMaxBytes  = 200_000
	minFilesMaxBytes      = 10_000
	maxFilesMaxBytes      = 10_000_000
	minReadBytes          = 1_000
	defaultDecisionWait   = 180 * time.Second
	defaultSearchInterval = time.Second
	backupAttempts        = 50
)

// =============================================================================
// DISPATCHER
// =============================================================================

// Result is a completed tool invocation: the markdown shown in the
// transcript and the compact form re-injected into the prompt.
type Result struct {
	ToolName string
	Display  string
	Context  string

	// Hidden keeps the entry out of the rendered transcript while its
	// context still reaches the model (directory listings).
	Hidden bool
}

// Dispatcher routes tool calls to the backend. Errors it returns carry
// user-facing text; the orchestrator renders them into the transcript
// and keeps the turn alive.
type Dispatcher struct {
	backend *backend.Client
	decider ConflictDecider
	limiter *rate.Limiter
	logger  zerolog.Logger

	mu     sync.RWMutex
	config Config
}

// NewDispatcher creates a dispatcher. decider may be nil, in which case
// every write conflict resolves to cancel.
func NewDispatcher(bc *backend.Client, decider ConflictDecider, config Config, logger zerolog.Logger) *Dispatcher {
	if config.DecisionTimeout <= 0 {
		config.DecisionTimeout = defaultDecisionWait
	}
	if config.SearchInterval <= 0 {
		config.SearchInterval = defaultSearchInterval
	}
	return &Dispatcher{
		backend: bc,
		decider: decider,
		limiter: rate.NewLimiter(rate.Every(config.SearchInterval), 1),
		config:  config,
		logger:  logger,
	}
}

// SetConfig swaps the limits and enablement gates. Safe while dispatches
// are in flight; the search pacing keeps its state.
func (d *Dispatcher) SetConfig(config Config) {
	if config.DecisionTimeout <= 0 {
		config.DecisionTimeout = defaultDecisionWait
	}
	if config.SearchInterval <= 0 {
		config.SearchInterval = defaultSearchInterval
	}
	d.mu.Lock()
	d.config = config
	d.mu.Unlock()
}

// snapshot returns the current configuration.
func (d *Dispatcher) snapshot() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

// Dispatch executes one parsed call and returns its transcript entry.
func (d *Dispatcher) Dispatch(ctx context.Context, call *toolcall.Call) (*Result, error) {
	start := time.Now()
	res, err := d.dispatch(ctx, call)
	evt := d.logger.Debug().
		Str("tool", string(call.Tool)).
		Dur("elapsed", time.Since(start))
	if err != nil {
		evt.Err(err).Msg("tool dispatch failed")
		return nil, err
	}
	evt.Msg("tool dispatch done")
	return res, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, call *toolcall.Call) (*Result, error) {
	cfg := d.snapshot()
	switch call.Tool {
	case toolcall.WebSearch:
		if !cfg.WebSearchEnabled {
			return nil, errors.New("Tool disabled: web_search (enable it in the Tools tab).")
		}
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		display, contextText, err := d.backend.WebSearch(ctx, call.WebSearch.Query, call.WebSearch.Count)
		if err != nil {
			return nil, err
		}
		return &Result{ToolName: "web_search", Display: display, Context: contextText}, nil

	case toolcall.FSList:
		if err := filesGate(cfg); err != nil {
			return nil, err
		}
		display, contextText, err := d.backend.FSList(ctx, call.FSList.Path, call.FSList.Recursive, call.FSList.Limit)
		if err != nil {
			return nil, err
		}
		return &Result{ToolName: "fs_list", Display: display, Context: contextText, Hidden: true}, nil

	case toolcall.FSRead:
		if err := filesGate(cfg); err != nil {
			return nil, err
		}
		display, contextText, err := d.backend.FSRead(ctx, call.FSRead.Path, readBudget(cfg, call.FSRead.MaxBytes))
		if err != nil {
			return nil, err
		}
		return &Result{ToolName: "fs_read", Display: display, Context: contextText}, nil

	case toolcall.FSWrite:
		if err := filesGate(cfg); err != nil {
			return nil, err
		}
		return d.dispatchWrite(ctx, cfg, call.FSWrite)

	case toolcall.FSSearch:
		if err := filesGate(cfg); err != nil {
			return nil, err
		}
		display, contextText, err := d.backend.FSSearch(ctx,
			call.FSSearch.Query, call.FSSearch.Path, call.FSSearch.Limit,
			call.FSSearch.Regex, call.FSSearch.CaseSensitive)
		if err != nil {
			return nil, err
		}
		return &Result{ToolName: "fs_search", Display: display, Context: contextText}, nil

	default:
		return nil, errors.New("Unsupported tool: " + string(call.Tool))
	}
}

func filesGate(cfg Config) error {
	if !cfg.FilesEnabled {
		return errors.New("Tool disabled: file tools (enable them in the Tools tab).")
	}
	return nil
}

// readBudget resolves the effective fs_read byte budget. The configured
// cap is clamped to its own bounds first, then the request is clamped
// into [1000, cap]. SECURITY: the model can never read past the
// configured cap no matter what max_bytes it asks for.
func readBudget(cfg Config, requested int) int {
	capBytes := cfg.FilesMaxBytes
	if capBytes <= 0 {
		capBytes = defaultFilesMaxBytes
	}
	if capBytes < minFilesMaxBytes {
		capBytes = minFilesMaxBytes
	}
	if capBytes > maxFilesMaxBytes {
		capBytes = maxFilesMaxBytes
	}
	if requested <= 0 {
		requested = capBytes
	}
	if requested < minReadBytes {
		requested = minReadBytes
	}
	if requested > capBytes {
		requested = capBytes
	}
	return requested
}

// =============================================================================
// WRITE CONFLICT FLOW
// =============================================================================

// dispatchWrite always asks the backend for a non-destructive write
// first. The model's own overwrite flag is never honored directly; it
// only informs the user prompt when the target already exists.
func (d *Dispatcher) dispatchWrite(ctx context.Context, cfg Config, args *toolcall.FSWriteArgs) (*Result, error) {
	display, contextText, err := d.backend.FSWrite(ctx, args.Path, args.Content, false)
	if err == nil {
		return &Result{ToolName: "fs_write", Display: display, Context: contextText}, nil
	}
	if !backend.IsWriteConflict(err) {
		return nil, err
	}

	prompt := ConflictPrompt{Path: args.Path, OverwriteRequested: args.Overwrite}
	switch d.awaitDecision(ctx, cfg, prompt) {
	case DecisionOverwrite:
		display, contextText, err = d.backend.FSWrite(ctx, args.Path, args.Content, true)
		if err != nil {
			return nil, err
		}
		return &Result{ToolName: "fs_write", Display: display, Context: contextText}, nil

	case DecisionBackup:
		display, contextText, err = d.writeUniqueBackup(ctx, args.Path, args.Content)
		if err != nil {
			return nil, err
		}
		return &Result{ToolName: "fs_write", Display: display, Context: contextText}, nil

	default:
		return &Result{
			ToolName: "fs_write",
			Display:  "## Write cancelled\nDid not write `" + args.Path + "`.",
			Context:  "FILE WRITE CANCELLED: " + args.Path,
		}, nil
	}
}

// writeUniqueBackup probes candidate names until one does not exist:
// path.bak, then path.bak.1 through path.bak.49. Only existence
// conflicts keep the scan going; any other failure aborts it.
func (d *Dispatcher) writeUniqueBackup(ctx context.Context, path, content string) (string, string, error) {
	for n := 0; n < backupAttempts; n++ {
		candidate := path + ".bak"
		if n > 0 {
			candidate = path + ".bak." + util.IntToString(n)
		}
		display, contextText, err := d.backend.FSWrite(ctx, candidate, content, false)
		if err == nil {
			return display, contextText, nil
		}
		if backend.IsWriteConflict(err) {
			continue
		}
		return "", "", err
	}
	return "", "", errors.New("Unable to find an available .bak filename after " +
		util.IntToString(backupAttempts) + " attempts.")
}

// awaitDecision asks the decider and enforces the timeout. A missing
// decider or an expired wait both resolve to cancel.
func (d *Dispatcher) awaitDecision(ctx context.Context, cfg Config, prompt ConflictPrompt) Decision {
	if d.decider == nil {
		return DecisionCancel
	}
	dctx, cancel := context.WithTimeout(ctx, cfg.DecisionTimeout)
	defer cancel()
	ch := make(chan Decision, 1)
	go func() { ch <- d.decider.DecideConflict(dctx, prompt) }()
	select {
	case dec := <-ch:
		return dec
	case <-dctx.Done():
		return DecisionCancel
	}
}
