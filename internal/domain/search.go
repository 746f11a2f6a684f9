package domain

import "context"

type SearchHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

type SearchResult struct {
	Query   string      `json:"query"`
	Results []SearchHit `json:"results"`
	Error   string      `json:"error,omitempty"`
}

// Searcher runs a web search on behalf of an agent.
type Searcher interface {
	Search(ctx context.Context, query string) (*SearchResult, error)
}
