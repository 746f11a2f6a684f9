package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"groupchat/internal/domain"
)

const braveEndpoint = "https://api.search.brave.com/res/v1/web/search"

// Brave queries the Brave Search web API.
type Brave struct {
	endpoint   string
	apiKey     string
	maxResults int
	client     *http.Client
	logger     *slog.Logger
}

func NewBrave(cfg Config) *Brave {
	endpoint := cfg.BaseURL
	if endpoint == "" {
		endpoint = braveEndpoint
	}
	return &Brave{endpoint: endpoint, apiKey: cfg.APIKey, maxResults: cfg.MaxResults, client: cfg.Client, logger: cfg.Logger}
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

func (b *Brave) Search(ctx context.Context, query string) (*domain.SearchResult, error) {
	u, err := url.Parse(b.endpoint)
	if err != nil {
		return nil, fmt.Errorf("search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("count", strconv.Itoa(b.maxResults))
	u.RawQuery = q.Encode()

	var br braveResponse
	headers := map[string]string{"X-Subscription-Token": b.apiKey}
	if err := getJSON(ctx, b.client, u.String(), headers, &br); err != nil {
		return nil, err
	}

	res := &domain.SearchResult{Query: query}
	for _, r := range br.Web.Results {
		if len(res.Results) >= b.maxResults {
			break
		}
		res.Results = append(res.Results, domain.SearchHit{Title: r.Title, URL: r.URL, Snippet: stripTags(r.Description)})
	}
	b.logger.Debug("search done", "backend", "brave", "query", query, "hits", len(res.Results))
	return res, nil
}
