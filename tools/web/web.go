// Package web provides the WebFetch tool: fetch a URL and reduce the page
// to readable text. The runtime layers prompt-mode analysis on top of it.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	conduit "github.com/nevindra/conduit"
)

const (
	defaultFetchTimeout = 30 * time.Second
	maxBodyBytes        = 5 << 20
	maxTextBytes        = 100_000
)

// Option configures the WebFetch tool.
type Option func(*fetcher)

type fetcher struct {
	client *http.Client
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *fetcher) { f.client = c }
}

// FetchTool downloads a URL and extracts the main article text with
// readability. Non-HTML content is returned raw.
func FetchTool(opts ...Option) conduit.Tool {
	f := &fetcher{client: &http.Client{Timeout: defaultFetchTimeout}}
	for _, opt := range opts {
		opt(f)
	}

	schema := json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"URL to fetch"},"prompt":{"type":"string","description":"Optional question to answer from the page"}},"required":["url"]}`)
	return conduit.NewTool(conduit.ToolWebFetch, "Fetch a URL and return its readable text content.", schema,
		func(ctx context.Context, input json.RawMessage, _ conduit.ToolContext) (any, error) {
			var params struct {
				URL string `json:"url"`
			}
			if err := json.Unmarshal(input, &params); err != nil {
				return nil, fmt.Errorf("invalid args: %w", err)
			}
			return f.fetch(ctx, params.URL)
		})
}

func (f *fetcher) fetch(ctx context.Context, rawURL string) (any, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid url %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "conduit/"+conduit.Version)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}
	if resp.StatusCode >= 400 {
		return nil, &conduit.ErrHTTP{Status: resp.StatusCode, Body: truncate(string(body), 500)}
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	text := string(body)
	title := ""
	if strings.Contains(resp.Header.Get("Content-Type"), "html") {
		article, rErr := readability.FromReader(strings.NewReader(text), resp.Request.URL)
		if rErr == nil {
			title = article.Title
			text = article.TextContent
		}
	}

	return map[string]any{
		"url":       rawURL,
		"final_url": finalURL,
		"status":    resp.StatusCode,
		"title":     title,
		"text":      truncate(text, maxTextBytes),
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
