package web

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	readability "github.com/go-shiori/go-readability"
)

// requestTimeout is the hard deadline on every search and fetch call.
const requestTimeout = 10 * time.Second

// maxFetchBytes bounds the raw HTML read before extraction.
const maxFetchBytes = 4 * 1024 * 1024 // 4MB

// userAgent identifies fetches politely; some hosts reject the Go default.
const userAgent = "Mozilla/5.0 (compatible; foreman-research/1.0)"

// Page is the extracted content of one fetched URL.
type Page struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// Client is the web collaborator.
type Client struct {
	httpClient    *http.Client
	braveAPIKey   string
	searchBaseURL string
	converter     *md.Converter
	logger        *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = h }
}

// WithSearchBaseURL overrides the search endpoint (tests).
func WithSearchBaseURL(u string) ClientOption {
	return func(c *Client) { c.searchBaseURL = u }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates the web collaborator. An empty braveAPIKey disables
// search; fetching still works.
func NewClient(braveAPIKey string, opts ...ClientOption) *Client {
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())

	c := &Client{
		httpClient:  &http.Client{Timeout: requestTimeout},
		braveAPIKey: braveAPIKey,
		converter:   converter,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchPage downloads a URL, extracts the readable article content, converts
// it to markdown, and truncates to maxChars. Social URLs are rewritten to a
// public JSON mirror first since the canonical hosts block plain fetches.
func (c *Client) FetchPage(ctx context.Context, pageURL string, maxChars int) (*Page, error) {
	if maxChars <= 0 {
		maxChars = 8000
	}
	fetchURL := RewriteSocialURL(pageURL)

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build fetch request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch failed for %s: %w", fetchURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch returned status %d for %s", resp.StatusCode, fetchURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read page body: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "application/json") || strings.Contains(contentType, "text/plain") {
		// Mirror endpoints and plain documents pass through untouched
		return &Page{URL: pageURL, Content: Truncate(string(body), maxChars)}, nil
	}

	parsedURL, err := url.Parse(fetchURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse fetch URL: %w", err)
	}

	title, markdown := c.extract(body, parsedURL)
	return &Page{Title: title, URL: pageURL, Content: Truncate(markdown, maxChars)}, nil
}

// extract runs readability extraction and falls back to converting the whole
// document when the extractor finds no article.
func (c *Client) extract(body []byte, pageURL *url.URL) (title, markdown string) {
	article, err := readability.FromReader(strings.NewReader(string(body)), pageURL)
	if err == nil && strings.TrimSpace(article.Content) != "" {
		markdown, convErr := c.converter.ConvertString(article.Content)
		if convErr == nil {
			return article.Title, tidyMarkdown(markdown)
		}
		c.logger.Debug("Markdown conversion of extracted article failed, using raw text",
			"url", pageURL.String(), "error", convErr)
		return article.Title, tidyMarkdown(article.TextContent)
	}

	markdown, convErr := c.converter.ConvertString(string(body))
	if convErr != nil {
		c.logger.Debug("Full-document markdown conversion failed", "url", pageURL.String(), "error", convErr)
		return "", ""
	}
	return "", tidyMarkdown(markdown)
}

// tidyMarkdown collapses excessive blank lines and trims the result.
func tidyMarkdown(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blanks := 0
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			blanks++
			if blanks > 2 {
				continue
			}
		} else {
			blanks = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// Truncate caps s at maxChars runes.
func Truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}

// RewriteSocialURL maps twitter.com and x.com URLs onto the fxtwitter JSON
// mirror, which serves post content without authentication.
func RewriteSocialURL(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil {
		return pageURL
	}
	host := strings.ToLower(strings.TrimPrefix(u.Host, "www."))
	switch host {
	case "twitter.com", "x.com", "mobile.twitter.com":
		u.Scheme = "https"
		u.Host = "api.fxtwitter.com"
		return u.String()
	}
	return pageURL
}
