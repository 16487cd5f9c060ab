// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// This file implements thread-safe cancel function handling so the turn
// context can be cancelled from the UI goroutine while the worker owns it.
package engine

import (
	"context"
	"sync"
)

// cancelHolder guards the active turn's cancel function. Must be used as
// a pointer so the mutex is never copied.
type cancelHolder struct {
	mu         sync.Mutex
	cancelFunc context.CancelFunc
}

func newCancelHolder() *cancelHolder {
	return &cancelHolder{}
}

// set stores the cancel function for a starting turn.
func (h *cancelHolder) set(fn context.CancelFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelFunc = fn
}

// cancel invokes and clears the stored function. Safe to call multiple
// times or with nothing set; a finished turn calls this too, so the
// context is always released.
func (h *cancelHolder) cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelFunc != nil {
		h.cancelFunc()
		h.cancelFunc = nil
	}
}
