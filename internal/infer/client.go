// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package infer provides the HTTP client for the local completion server's
// streaming endpoint.
package infer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/rigchat/internal/util"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ClientError represents an error from the completion client.
type ClientError struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

// ErrorType categorizes client errors for handling.
type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota
	// ErrTypeConnection covers dial failures, dropped connections, and
	// read timeouts. These are the only retryable failures.
	ErrTypeConnection
	// ErrTypeModelLoading is the server's 503 "still loading the model"
	// response. Callers poll rather than retry or fail.
	ErrTypeModelLoading
	// ErrTypeHTTP is any other non-OK response.
	ErrTypeHTTP
	// ErrTypeInvalidResponse is a malformed stream payload.
	ErrTypeInvalidResponse
)

// ErrModelLoading is the sentinel for the loading-wait state.
var ErrModelLoading = &ClientError{Type: ErrTypeModelLoading, Message: "model is loading"}

// IsRetryable reports whether err is a transport failure worth a reconnect
// attempt. HTTP-level errors and malformed payloads are not retryable.
func IsRetryable(err error) bool {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Type == ErrTypeConnection
	}
	return false
}

// IsModelLoading reports whether err is the loading-wait signal.
func IsModelLoading(err error) bool {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Type == ErrTypeModelLoading
	}
	return false
}

// =============================================================================
// CLIENT
// =============================================================================

// Config holds connection settings for the completion client.
type Config struct {
	// BaseURL of the completion server (default: http://127.0.0.1:8080).
	BaseURL string

	// ConnectTimeout bounds dialing (default: 10s).
	ConnectTimeout time.Duration

	// ReadTimeout bounds the gap between stream reads. Zero means
	// unbounded, for slow models.
	ReadTimeout time.Duration
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:        "http://127.0.0.1:8080",
		ConnectTimeout: 10 * time.Second,
		ReadTimeout:    300 * time.Second,
	}
}

// Request describes one streaming completion attempt.
type Request struct {
	Prompt      string
	Temperature float64
	TopP        float64
	TopK        int
	NPredict    int
	Stop        []string
}

// Client opens streaming completions against a llama.cpp-compatible
// server. It is safe for concurrent use.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a completion client. Zero config fields take defaults.
func NewClient(config Config, logger zerolog.Logger) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = def.ConnectTimeout
	}

	// No overall client timeout: a stream legitimately runs for minutes.
	// The dial is bounded here and reads are bounded per-gap by the
	// stream's watchdog.
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: config.ConnectTimeout}).DialContext,
	}
	return &Client{
		config:     config,
		httpClient: &http.Client{Transport: transport},
		logger:     logger,
	}
}

// OpenStream issues the streaming completion request and hands back the
// open stream. The caller owns the stream and must Close it. A model-still-
// loading response returns an error satisfying IsModelLoading; transport
// failures return errors satisfying IsRetryable.
func (c *Client) OpenStream(ctx context.Context, req Request) (*Stream, error) {
	stop := req.Stop
	if stop == nil {
		stop = []string{}
	}
	body, err := json.Marshal(completionPayload{
		Prompt:      req.Prompt,
		Stream:      true,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		TopK:        req.TopK,
		NPredict:    req.NPredict,
		Stop:        stop,
	})
	if err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to marshal request", Cause: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/completion", bytes.NewReader(body))
	if err != nil {
		return nil, &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &ClientError{Type: ErrTypeConnection, Message: "completion request failed", Cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		detail := readErrorDetail(resp.Body)
		resp.Body.Close()
		if resp.StatusCode == http.StatusServiceUnavailable && isLoadingDetail(detail) {
			c.logger.Debug().Msg("completion server is loading the model")
			return nil, ErrModelLoading
		}
		if detail == "" {
			detail = http.StatusText(resp.StatusCode)
		}
		if detail == "" {
			detail = "Bad request"
		}
		return nil, &ClientError{
			Type:    ErrTypeHTTP,
			Message: "Completion error " + util.IntToString(resp.StatusCode) + ": " + detail,
		}
	}

	c.logger.Debug().Int("n_predict", req.NPredict).Msg("completion stream opened")
	return newStream(resp.Body, c.config.ReadTimeout), nil
}

// Cancel posts a best-effort generation cancel to the server. The endpoint
// is optional; failures are discarded. The real interrupt is closing the
// active stream, which this does not do.
func (c *Client) Cancel() {
	client := &http.Client{Timeout: 200 * time.Millisecond}
	resp, err := client.Post(c.config.BaseURL+"/cancel", "application/json", nil)
	if err != nil {
		return
	}
	resp.Body.Close()
}

// BaseURL returns the configured server URL.
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

type completionPayload struct {
	Prompt      string   `json:"prompt"`
	Stream      bool     `json:"stream"`
	Temperature float64  `json:"temperature"`
	TopP        float64  `json:"top_p"`
	TopK        int      `json:"top_k"`
	NPredict    int      `json:"n_predict"`
	Stop        []string `json:"stop"`
}

// readErrorDetail drains a bounded amount of an error response body.
func readErrorDetail(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 8192))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// isLoadingDetail matches the two body shapes the server emits while the
// model is still loading.
func isLoadingDetail(detail string) bool {
	low := strings.ToLower(detail)
	return strings.Contains(low, "loading model") || strings.Contains(low, "unavailable_error")
}
