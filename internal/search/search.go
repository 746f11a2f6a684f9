// Package search runs the web searches agents ask for with {{SEARCH: ...}}.
package search

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"groupchat/internal/domain"
)

const (
	searchTimeout     = 15 * time.Second
	defaultMaxResults = 5
	userAgentString   = "groupchat/0.1"
)

// Config selects and configures a search backend.
type Config struct {
	Provider   string // duckduckgo | brave
	APIKey     string // brave only
	BaseURL    string // overrides the backend endpoint
	MaxResults int
	Client     *http.Client
	Logger     *slog.Logger
}

// New returns the configured searcher. An empty provider picks Brave when a
// key is present and DuckDuckGo otherwise.
func New(cfg Config) (domain.Searcher, error) {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultMaxResults
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: searchTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	provider := strings.ToLower(cfg.Provider)
	if provider == "" {
		provider = "duckduckgo"
		if cfg.APIKey != "" {
			provider = "brave"
		}
	}
	switch provider {
	case "duckduckgo", "ddg":
		return NewDuckDuckGo(cfg), nil
	case "brave":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("%w: brave search needs an api key", domain.ErrNotConfigured)
		}
		return NewBrave(cfg), nil
	}
	return nil, fmt.Errorf("%w: unknown search provider %q", domain.ErrNotConfigured, cfg.Provider)
}
