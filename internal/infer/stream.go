// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package infer

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// =============================================================================
// STREAM
// =============================================================================

// Stream is one open streaming completion. The server emits line-delimited
// "data: {json}" events; Recv surfaces the non-empty content chunks and
// io.EOF at end of stream.
//
// Close is safe to call from another goroutine while Recv blocks; it closes
// the transport, which unblocks the read.
type Stream struct {
	body        io.ReadCloser
	reader      *bufio.Reader
	readTimeout time.Duration

	// watchdog closes the body when no data arrives within readTimeout.
	watchdog *time.Timer
	timedOut atomic.Bool

	closeOnce sync.Once
}

const dataPrefix = "data: "

func newStream(body io.ReadCloser, readTimeout time.Duration) *Stream {
	s := &Stream{
		body:        body,
		reader:      bufio.NewReader(body),
		readTimeout: readTimeout,
	}
	if readTimeout > 0 {
		s.watchdog = time.AfterFunc(readTimeout, func() {
			s.timedOut.Store(true)
			s.body.Close()
		})
	}
	return s
}

// Recv returns the next content chunk. Empty payloads and heartbeat lines
// are skipped. End of stream is io.EOF; a stalled connection past the read
// timeout surfaces as a retryable connection error.
func (s *Stream) Recv() (string, error) {
	for {
		if s.watchdog != nil {
			s.watchdog.Reset(s.readTimeout)
		}
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if s.timedOut.Load() {
				return "", &ClientError{Type: ErrTypeConnection, Message: "stream read timed out"}
			}
			if err == io.EOF {
				// A final unterminated line still carries data.
				if content, found, perr := parseDataLine(line); perr != nil {
					return "", perr
				} else if found {
					return content, nil
				}
				return "", io.EOF
			}
			return "", &ClientError{Type: ErrTypeConnection, Message: "stream read failed", Cause: err}
		}

		content, found, perr := parseDataLine(line)
		if perr != nil {
			return "", perr
		}
		if found {
			return content, nil
		}
	}
}

// Close releases the transport. Safe to call more than once.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		if s.watchdog != nil {
			s.watchdog.Stop()
		}
		s.body.Close()
	})
}

// parseDataLine decodes one protocol line. Blank lines and lines without
// the data prefix are heartbeats; data lines with empty content are keep-
// alives. Both report found=false.
func parseDataLine(line string) (content string, found bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, dataPrefix) {
		return "", false, nil
	}
	var payload struct {
		Content string `json:"content"`
	}
	if uerr := json.Unmarshal([]byte(line[len(dataPrefix):]), &payload); uerr != nil {
		return "", false, &ClientError{Type: ErrTypeInvalidResponse, Message: "malformed stream payload", Cause: uerr}
	}
	if payload.Content == "" {
		return "", false, nil
	}
	return payload.Content, true, nil
}
