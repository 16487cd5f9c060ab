// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jeranaias/rigchat/internal/util"
)

// WebSearch runs a web search through the backend. The display block is a
// markdown result list; the context block is a plain numbered digest for
// the model.
func (c *Client) WebSearch(ctx context.Context, query string, count int) (display, contextBlock string, err error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", "", &APIError{Detail: "Search query cannot be empty."}
	}
	if count <= 0 {
		count = 5
	}

	var data struct {
		Cached      bool        `json:"cached"`
		Error       interface{} `json:"error"`
		RetryAfterS float64     `json:"retry_after_s"`
		Results     []struct {
			Name    string `json:"name"`
			Title   string `json:"title"`
			URL     string `json:"url"`
			Snippet string `json:"snippet"`
			Content string `json:"content"`
		} `json:"results"`
	}
	payload := map[string]interface{}{"query": query, "count": count}
	if err := c.postJSON(ctx, "/search/web", payload, &data, "Unknown error"); err != nil {
		return "", "", err
	}

	if data.Error != nil {
		detail := fmt.Sprintf("%v", data.Error)
		var retryAfter time.Duration
		if data.RetryAfterS > 0 {
			retryAfter = time.Duration(data.RetryAfterS * float64(time.Second))
			detail += "\n\nRetry after: " + util.IntToString(int(data.RetryAfterS)) + "s"
		}
		low := strings.ToLower(detail)
		if strings.Contains(low, "rate") || strings.Contains(low, "429") || strings.Contains(low, "too many") {
			detail += "\n\nTip: DuckDuckGo is rate-limiting requests. Wait a bit and retry, or reduce frequency."
		}
		return "", "", &APIError{Detail: detail, RetryAfter: retryAfter}
	}

	c.logger.Debug().Str("query", query).Int("results", len(data.Results)).Msg("web search done")

	lines := []string{"## Web search: " + query}
	if data.Cached {
		lines = append(lines, "", "*Cached:* yes")
	}
	var ctxLines []string
	for i, item := range data.Results {
		idx := util.IntToString(i + 1)
		title := item.Name
		if title == "" {
			title = item.Title
		}
		if title == "" {
			title = item.URL
		}
		if title == "" {
			title = "Result " + idx
		}
		snippet := item.Snippet
		if snippet == "" {
			snippet = item.Content
		}
		if item.URL != "" {
			lines = append(lines, idx+". ["+title+"](<"+item.URL+">)")
		} else {
			lines = append(lines, idx+". "+title)
		}
		if snippet != "" {
			lines = append(lines, snippet)
		}
		lines = append(lines, "")
		ctxLines = append(ctxLines, "["+idx+"] "+title+"\nURL: "+item.URL+"\n"+snippet)
	}
	return strings.Join(lines, "\n"), strings.TrimSpace(strings.Join(ctxLines, "\n\n")), nil
}
