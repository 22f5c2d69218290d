// Package websearch provides the lower-trust web search fallback used when
// catalog retrieval is not confident.
package websearch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// DefaultMaxResults caps the number of results returned per search.
const DefaultMaxResults = 5

// DefaultTimeout bounds a single search request.
const DefaultTimeout = 5 * time.Second

// ErrNotConfigured is returned when a backend is missing required credentials.
var ErrNotConfigured = errors.New("web search not configured")

// Result is one web search hit.
type Result struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	URL     string `json:"url"`
}

// Searcher runs a web search.
type Searcher interface {
	Search(ctx context.Context, query string) ([]Result, error)
}

// Opts holds configuration shared by the search backends.
type Opts struct {
	APIKey     string
	Endpoint   string
	MaxResults int
	HTTPClient *http.Client
}

// Option configures a search backend.
type Option func(*Opts)

// WithAPIKey sets the backend API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithEndpoint overrides the backend URL.
func WithEndpoint(url string) Option {
	return func(o *Opts) { o.Endpoint = url }
}

// WithMaxResults caps the number of results.
func WithMaxResults(n int) Option {
	return func(o *Opts) { o.MaxResults = n }
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

func buildOpts(defaultEndpoint string, opts []Option) Opts {
	o := Opts{Endpoint: defaultEndpoint, MaxResults: DefaultMaxResults}
	for _, opt := range opts {
		opt(&o)
	}
	if o.MaxResults <= 0 {
		o.MaxResults = DefaultMaxResults
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	return o
}

// New creates the searcher for backend ("tavily" or "duckduckgo").
func New(backend string, opts ...Option) (Searcher, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "tavily":
		return NewTavily(opts...)
	case "", "duckduckgo", "ddg":
		return NewDuckDuckGo(opts...), nil
	default:
		return nil, fmt.Errorf("unknown search backend %q", backend)
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	cut := strings.LastIndex(s[:n], " ")
	if cut <= 0 {
		cut = n
	}
	return s[:cut] + "..."
}
