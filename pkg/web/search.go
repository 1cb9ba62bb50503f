// Package web is the search and page-fetch collaborator used by the research
// phase. Both operations honor a 10s deadline and report errors as values;
// the pipeline degrades on failure instead of aborting.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

// ErrSearchDisabled is returned when no search API key is configured. The
// research phase treats it as an empty result set.
var ErrSearchDisabled = errors.New("web search disabled: no API key configured")

const braveSearchURL = "https://api.search.brave.com/res/v1/web/search"

// SearchResult is one search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

// SearchWeb runs one query against the Brave search API and returns up to
// maxResults hits.
func (c *Client) SearchWeb(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	if c.braveAPIKey == "" {
		return nil, ErrSearchDisabled
	}
	if maxResults <= 0 {
		maxResults = 5
	}

	endpoint := c.searchBaseURL
	if endpoint == "" {
		endpoint = braveSearchURL
	}
	reqURL := endpoint + "?q=" + url.QueryEscape(query) + "&count=" + strconv.Itoa(maxResults)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", c.braveAPIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("search API returned status %d: %s", resp.StatusCode, body)
	}

	var parsed braveResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	results := make([]SearchResult, 0, len(parsed.Web.Results))
	for _, r := range parsed.Web.Results {
		results = append(results, SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Description})
		if len(results) >= maxResults {
			break
		}
	}
	return results, nil
}
