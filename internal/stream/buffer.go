// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"strings"
	"sync"
)

// pendingBuffer accumulates un-flushed stream text. Display and raw run
// in parallel: display may have emoji stripped while raw keeps the exact
// model output for tool detection and prompt reconstruction.
//
// The flush cadence lives in the consumer's ticker; the buffer itself
// only stores and hands off text.
type pendingBuffer struct {
	mu      sync.Mutex
	display strings.Builder
	raw     strings.Builder
}

// write appends one chunk to both channels.
func (b *pendingBuffer) write(display, raw string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.display.WriteString(display)
	b.raw.WriteString(raw)
}

// drain returns the buffered text and resets the buffer. ok is false
// when nothing was pending.
func (b *pendingBuffer) drain() (display, raw string, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.display.Len() == 0 && b.raw.Len() == 0 {
		return "", "", false
	}
	display = b.display.String()
	raw = b.raw.String()
	b.display.Reset()
	b.raw.Reset()
	return display, raw, true
}

// discard drops everything pending without flushing it.
func (b *pendingBuffer) discard() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.display.Reset()
	b.raw.Reset()
}

// rawString peeks at the pending raw text without draining.
func (b *pendingBuffer) rawString() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.raw.String()
}
