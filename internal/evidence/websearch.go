package evidence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// defaultSearchURL is the Tavily API endpoint used when no override is
// configured.
const defaultSearchURL = "https://api.tavily.com/search"

// WebSearch queries a Tavily-compatible search API.
type WebSearch struct {
	APIKey string
	// Depth controls the provider's depth parameter (basic or advanced).
	Depth   string
	baseURL string
	client  *http.Client
}

// NewWebSearch constructs a web search source. baseURL may be empty to use
// the default Tavily endpoint.
func NewWebSearch(apiKey, baseURL string) *WebSearch {
	return NewWebSearchWithClient(apiKey, baseURL, &http.Client{Timeout: 10 * time.Second})
}

// NewWebSearchWithClient constructs a web search source using the supplied
// HTTP client. This is useful for overriding the default timeout.
func NewWebSearchWithClient(apiKey, baseURL string, client *http.Client) *WebSearch {
	if baseURL == "" {
		baseURL = defaultSearchURL
	}
	return &WebSearch{APIKey: apiKey, Depth: "basic", baseURL: baseURL, client: client}
}

// Name identifies this source in logs.
func (w *WebSearch) Name() string { return "websearch" }

// Search posts a query to the search API and maps its results.
func (w *WebSearch) Search(ctx context.Context, query string, limit int) ([]RawResult, error) {
	if strings.TrimSpace(w.APIKey) == "" {
		return nil, errors.New("websearch: API key is missing")
	}

	body := map[string]any{
		"query":       query,
		"api_key":     w.APIKey,
		"depth":       w.Depth,
		"max_results": limit,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	var resp *http.Response
	delay := 1 * time.Second
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err = w.client.Do(req)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusTooManyRequests {
			break
		}
		resp.Body.Close()

		// Back off and retry on 429, doubling the delay each time up to 30 s.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		if delay < 30*time.Second {
			delay *= 2
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("websearch http %d", resp.StatusCode)
	}

	var response struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, err
	}

	results := make([]RawResult, 0, len(response.Results))
	for _, r := range response.Results {
		results = append(results, RawResult{Title: r.Title, URI: r.URL, Text: r.Content})
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}
