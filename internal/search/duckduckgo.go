package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"groupchat/internal/domain"
)

const ddgEndpoint = "https://api.duckduckgo.com/"

// DuckDuckGo queries the keyless Instant Answer API.
type DuckDuckGo struct {
	endpoint   string
	maxResults int
	client     *http.Client
	logger     *slog.Logger
}

func NewDuckDuckGo(cfg Config) *DuckDuckGo {
	endpoint := cfg.BaseURL
	if endpoint == "" {
		endpoint = ddgEndpoint
	}
	return &DuckDuckGo{endpoint: endpoint, maxResults: cfg.MaxResults, client: cfg.Client, logger: cfg.Logger}
}

type ddgResponse struct {
	Abstract      string     `json:"Abstract"`
	AbstractURL   string     `json:"AbstractURL"`
	Heading       string     `json:"Heading"`
	Answer        string     `json:"Answer"`
	RelatedTopics []ddgTopic `json:"RelatedTopics"`
}

// ddgTopic is either a result or a named group of results.
type ddgTopic struct {
	Text     string     `json:"Text"`
	FirstURL string     `json:"FirstURL"`
	Name     string     `json:"Name"`
	Topics   []ddgTopic `json:"Topics"`
}

func (d *DuckDuckGo) Search(ctx context.Context, query string) (*domain.SearchResult, error) {
	u, err := url.Parse(d.endpoint)
	if err != nil {
		return nil, fmt.Errorf("search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("format", "json")
	q.Set("no_html", "1")
	q.Set("skip_disambig", "1")
	u.RawQuery = q.Encode()

	var ddg ddgResponse
	if err := getJSON(ctx, d.client, u.String(), nil, &ddg); err != nil {
		return nil, err
	}

	res := &domain.SearchResult{Query: query}
	if ddg.Answer != "" {
		res.Results = append(res.Results, domain.SearchHit{Title: "Answer", Snippet: ddg.Answer})
	}
	if ddg.Abstract != "" {
		res.Results = append(res.Results, domain.SearchHit{Title: ddg.Heading, Snippet: ddg.Abstract, URL: ddg.AbstractURL})
	}

	var walk func([]ddgTopic)
	walk = func(topics []ddgTopic) {
		for _, t := range topics {
			if len(res.Results) >= d.maxResults {
				return
			}
			if len(t.Topics) > 0 {
				walk(t.Topics)
				continue
			}
			if t.Text == "" {
				continue
			}
			title, snippet, _ := strings.Cut(t.Text, " - ")
			res.Results = append(res.Results, domain.SearchHit{Title: title, Snippet: snippet, URL: t.FirstURL})
		}
	}
	walk(ddg.RelatedTopics)

	if len(res.Results) > d.maxResults {
		res.Results = res.Results[:d.maxResults]
	}
	d.logger.Debug("search done", "backend", "duckduckgo", "query", query, "hits", len(res.Results))
	return res, nil
}
