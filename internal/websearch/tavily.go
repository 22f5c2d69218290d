package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
)

// TavilyEndpoint is the Tavily search API URL.
const TavilyEndpoint = "https://api.tavily.com/search"

const maxSnippetLen = 400

type tavilyRequest struct {
	APIKey        string `json:"api_key"`
	Query         string `json:"query"`
	SearchDepth   string `json:"search_depth"`
	MaxResults    int    `json:"max_results"`
	IncludeAnswer bool   `json:"include_answer"`
	IncludeImages bool   `json:"include_images"`
}

type tavilyResponse struct {
	Query   string         `json:"query"`
	Results []tavilyResult `json:"results"`
}

type tavilyResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Tavily searches through the Tavily API.
type Tavily struct {
	opts Opts
}

// NewTavily creates a Tavily searcher. The API key falls back to TAVILY_API_KEY.
func NewTavily(opts ...Option) (*Tavily, error) {
	o := buildOpts(TavilyEndpoint, opts)
	if o.APIKey == "" {
		o.APIKey = os.Getenv("TAVILY_API_KEY")
	}
	if o.APIKey == "" {
		return nil, fmt.Errorf("tavily: %w: TAVILY_API_KEY not set", ErrNotConfigured)
	}
	return &Tavily{opts: o}, nil
}

// Search implements Searcher.
func (t *Tavily) Search(ctx context.Context, query string) ([]Result, error) {
	body, err := json.Marshal(tavilyRequest{
		APIKey:      t.opts.APIKey,
		Query:       query,
		SearchDepth: "basic",
		MaxResults:  t.opts.MaxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("tavily: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tavily: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tavily: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tavily: api returned status %d", resp.StatusCode)
	}

	var tr tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("tavily: decode response: %w", err)
	}

	out := make([]Result, 0, len(tr.Results))
	for _, r := range tr.Results {
		if r.URL == "" {
			continue
		}
		out = append(out, Result{Title: r.Title, Snippet: truncate(r.Content, maxSnippetLen), URL: r.URL})
		if len(out) == t.opts.MaxResults {
			break
		}
	}
	slog.Debug("Tavily.Search: completed", "results", len(out))
	return out, nil
}
