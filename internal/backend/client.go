// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package backend provides the HTTP client for the local tools API: web
// search and sandboxed file operations. Every tool returns a display block
// (markdown shown in chat) and a context block (plain text sent back to
// the model), which differ deliberately.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// requestTimeout bounds every tool call round trip.
const requestTimeout = 20 * time.Second

// =============================================================================
// ERRORS
// =============================================================================

// APIError is a failure reported by the tools backend. Detail keeps the
// backend's message verbatim: callers match on it to classify conflicts.
type APIError struct {
	Status     int           // HTTP status, 0 for API-level errors in a 200 body
	Detail     string
	RetryAfter time.Duration // non-zero when the backend asked to back off
}

func (e *APIError) Error() string {
	return e.Detail
}

// IsWriteConflict reports whether err is the backend refusing to replace
// an existing file during a non-overwrite fs_write.
func IsWriteConflict(err error) bool {
	var ae *APIError
	if !errors.As(err, &ae) {
		return false
	}
	return strings.Contains(ae.Detail, "overwrite=false") || strings.Contains(ae.Detail, "File exists")
}

// RetryAfter extracts the backend's requested backoff, if any.
func RetryAfter(err error) time.Duration {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.RetryAfter
	}
	return 0
}

// =============================================================================
// CLIENT
// =============================================================================

// Client calls the local tools API. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a tools API client for the given base URL.
func NewClient(baseURL string, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: requestTimeout},
		logger:     logger,
	}
}

// BaseURL returns the configured tools API URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// postJSON performs one tool API round trip, decoding a success body into
// out. Non-OK responses become an APIError carrying the backend's detail
// string, falling back to fallbackDetail when the body is empty.
func (c *Client) postJSON(ctx context.Context, path string, payload, out interface{}, fallbackDetail string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &APIError{Detail: "failed to encode tool request: " + err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return &APIError{Detail: "failed to create tool request: " + err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &APIError{Detail: "tools backend unreachable: " + err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Status: resp.StatusCode, Detail: errorDetail(resp.Body, fallbackDetail)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &APIError{Detail: "invalid response from tools backend: " + err.Error()}
	}
	return nil
}

// errorDetail pulls the human-readable message out of an error response:
// the JSON "detail" field when present, otherwise the raw body.
func errorDetail(r io.Reader, fallback string) string {
	data, err := io.ReadAll(io.LimitReader(r, 16384))
	if err != nil || len(data) == 0 {
		return fallback
	}
	var body struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(data, &body); err == nil && strings.TrimSpace(body.Detail) != "" {
		return strings.TrimSpace(body.Detail)
	}
	detail := strings.TrimSpace(string(data))
	if detail == "" {
		return fallback
	}
	return detail
}

// elapsedMS renders a round-trip duration for result blocks.
func elapsedMS(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
