// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package toolcall detects and validates tool-call requests embedded in
// streamed model output.
//
// A tool call is a single JSON object of the form:
//
//	{"tool":"web_search","args":{"query":"...","count":5}}
//
// emitted by the model anywhere in its response text, optionally inside a
// fenced code block. Detection runs incrementally on every streamed flush,
// so it has to be cheap and must never report an error: anything that does
// not validate is ordinary assistant prose.
package toolcall

import (
	"encoding/json"
	"strconv"
	"strings"
)

// =============================================================================
// TOOL NAMES AND ARGUMENT TYPES
// =============================================================================

// Name identifies one of the closed set of tools the model may invoke.
type Name string

const (
	WebSearch Name = "web_search"
	FSList    Name = "fs_list"
	FSRead    Name = "fs_read"
	FSWrite   Name = "fs_write"
	FSSearch  Name = "fs_search"
)

// WebSearchArgs holds validated arguments for a web_search call.
type WebSearchArgs struct {
	Query string `json:"query"`
	Count int    `json:"count"` // clamped to [1, 10], default 5
}

// FSListArgs holds validated arguments for an fs_list call.
type FSListArgs struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
	Limit     int    `json:"limit"` // clamped to [1, 1000], default 200
}

// FSReadArgs holds validated arguments for an fs_read call.
type FSReadArgs struct {
	Path     string `json:"path"`
	MaxBytes int    `json:"max_bytes"` // clamped to [1, 5_000_000], default 200_000
}

// FSWriteArgs holds validated arguments for an fs_write call.
type FSWriteArgs struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Overwrite bool   `json:"overwrite"` // default true
}

// FSSearchArgs holds validated arguments for an fs_search call.
type FSSearchArgs struct {
	Query         string `json:"query"`
	Path          string `json:"path"`
	Limit         int    `json:"limit"` // clamped to [1, 500], default 50
	Regex         bool   `json:"regex"`
	CaseSensitive bool   `json:"case_sensitive"`
}

// Call is a validated tool invocation. Tool names the variant; exactly one
// of the argument pointers is non-nil.
type Call struct {
	Tool Name
	Raw  string // the JSON substring the call was parsed from

	WebSearch *WebSearchArgs
	FSList    *FSListArgs
	FSRead    *FSReadArgs
	FSWrite   *FSWriteArgs
	FSSearch  *FSSearchArgs
}

// Encode serializes the call back to its canonical wire form. Re-parsing
// the result yields an equal call.
func (c *Call) Encode() (string, error) {
	var args interface{}
	switch c.Tool {
	case WebSearch:
		args = c.WebSearch
	case FSList:
		args = c.FSList
	case FSRead:
		args = c.FSRead
	case FSWrite:
		args = c.FSWrite
	case FSSearch:
		args = c.FSSearch
	}
	data, err := json.Marshal(struct {
		Tool string      `json:"tool"`
		Args interface{} `json:"args"`
	}{Tool: string(c.Tool), Args: args})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Status returns the short progress label shown in place of the call while
// the tool runs.
func (c *Call) Status() string {
	switch c.Tool {
	case WebSearch:
		return "Searching the web..."
	case FSList:
		return "Listing files..."
	case FSRead:
		return "Reading file..."
	case FSWrite:
		return "Writing file..."
	case FSSearch:
		return "Searching files..."
	}
	return "Running tool..."
}

// =============================================================================
// DETECTION
// =============================================================================

// Detect scans accumulated response text for the first valid tool call.
// It returns (nil, false) for anything that is not a well-formed call:
// missing JSON, unknown tool, malformed args. Callers treat a negative
// result as plain assistant text, never as an error.
func Detect(text string) (*Call, bool) {
	raw, ok := extractFirstJSONObject(strings.TrimSpace(text))
	if !ok {
		return nil, false
	}
	obj, ok := decodeObject(raw)
	if !ok {
		return nil, false
	}

	tool, _ := obj["tool"].(string)
	args, ok := obj["args"].(map[string]interface{})
	if !ok {
		return nil, false
	}

	switch Name(tool) {
	case WebSearch:
		return buildWebSearch(raw, args)
	case FSList:
		return buildFSList(raw, args)
	case FSRead:
		return buildFSRead(raw, args)
	case FSWrite:
		return buildFSWrite(raw, args)
	case FSSearch:
		return buildFSSearch(raw, args)
	}
	return nil, false
}

func buildWebSearch(raw string, args map[string]interface{}) (*Call, bool) {
	query, ok := requiredString(args, "query")
	if !ok {
		return nil, false
	}
	return &Call{
		Tool: WebSearch,
		Raw:  raw,
		WebSearch: &WebSearchArgs{
			Query: query,
			Count: clamp(intArg(args["count"], 5), 1, 10),
		},
	}, true
}

func buildFSList(raw string, args map[string]interface{}) (*Call, bool) {
	return &Call{
		Tool: FSList,
		Raw:  raw,
		FSList: &FSListArgs{
			Path:      optionalPath(args, "path"),
			Recursive: truthy(args["recursive"]),
			Limit:     clamp(intArg(args["limit"], 200), 1, 1000),
		},
	}, true
}

func buildFSRead(raw string, args map[string]interface{}) (*Call, bool) {
	path, ok := requiredString(args, "path")
	if !ok {
		return nil, false
	}
	return &Call{
		Tool: FSRead,
		Raw:  raw,
		FSRead: &FSReadArgs{
			Path:     path,
			MaxBytes: clamp(intArg(args["max_bytes"], 200_000), 1, 5_000_000),
		},
	}, true
}

func buildFSWrite(raw string, args map[string]interface{}) (*Call, bool) {
	path, ok := requiredString(args, "path")
	if !ok {
		return nil, false
	}

	// Content may be a string or a list of lines. Some models emit the
	// lines under "content_lines" instead; accept that only when
	// "content" is absent entirely.
	var content string
	switch c := args["content"].(type) {
	case string:
		content = c
	case []interface{}:
		joined, ok := joinLines(c)
		if !ok {
			return nil, false
		}
		content = joined
	case nil:
		lines, isList := args["content_lines"].([]interface{})
		if !isList {
			return nil, false
		}
		joined, ok := joinLines(lines)
		if !ok {
			return nil, false
		}
		content = joined
	default:
		return nil, false
	}

	overwrite := true
	if _, present := args["overwrite"]; present {
		overwrite = truthy(args["overwrite"])
	}
	return &Call{
		Tool: FSWrite,
		Raw:  raw,
		FSWrite: &FSWriteArgs{
			Path:      path,
			Content:   content,
			Overwrite: overwrite,
		},
	}, true
}

func buildFSSearch(raw string, args map[string]interface{}) (*Call, bool) {
	query, ok := requiredString(args, "query")
	if !ok {
		return nil, false
	}
	return &Call{
		Tool: FSSearch,
		Raw:  raw,
		FSSearch: &FSSearchArgs{
			Query:         query,
			Path:          optionalPath(args, "path"),
			Limit:         clamp(intArg(args["limit"], 50), 1, 500),
			Regex:         truthy(args["regex"]),
			CaseSensitive: truthy(args["case_sensitive"]),
		},
	}, true
}

// =============================================================================
// ARGUMENT COERCION
// =============================================================================

// requiredString returns the trimmed string value for key, failing on any
// non-string or blank value.
func requiredString(args map[string]interface{}, key string) (string, bool) {
	s, ok := args[key].(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	return s, true
}

// optionalPath returns the trimmed string value for key, or "." when the
// value is absent, non-string, or blank.
func optionalPath(args map[string]interface{}, key string) string {
	s, ok := args[key].(string)
	if !ok {
		return "."
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "."
	}
	return s
}

// intArg coerces a decoded JSON value to int. Numbers truncate, numeric
// strings parse, everything else falls back to def.
func intArg(v interface{}, def int) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return def
		}
		return n
	}
	return def
}

// truthy reports whether a decoded JSON value is truthy: true, a non-zero
// number, a non-empty string, or a non-empty container.
func truthy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case []interface{}:
		return len(t) > 0
	case map[string]interface{}:
		return len(t) > 0
	}
	return false
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// joinLines joins a decoded JSON array into newline-separated text,
// failing if any element is not a string.
func joinLines(items []interface{}) (string, bool) {
	lines := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return "", false
		}
		lines = append(lines, s)
	}
	return strings.Join(lines, "\n"), true
}
