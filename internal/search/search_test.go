package search

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupchat/internal/domain"
)

func TestDuckDuckGo_Search(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "golang", r.URL.Query().Get("q"))
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		fmt.Fprint(w, `{
			"Heading": "Go",
			"Abstract": "Go is a programming language.",
			"AbstractURL": "https://go.dev",
			"RelatedTopics": [
				{"Text": "Gopher - The mascot", "FirstURL": "https://go.dev/gopher"},
				{"Name": "Tools", "Topics": [
					{"Text": "gofmt - Formatter", "FirstURL": "https://go.dev/gofmt"},
					{"Text": "vet - Checker", "FirstURL": "https://go.dev/vet"}
				]}
			]
		}`)
	}))
	defer srv.Close()

	s, err := New(Config{Provider: "duckduckgo", BaseURL: srv.URL, MaxResults: 3})
	require.NoError(t, err)

	res, err := s.Search(context.Background(), "golang")
	require.NoError(t, err)
	assert.Equal(t, "golang", res.Query)
	require.Len(t, res.Results, 3)
	assert.Equal(t, domain.SearchHit{Title: "Go", Snippet: "Go is a programming language.", URL: "https://go.dev"}, res.Results[0])
	assert.Equal(t, "Gopher", res.Results[1].Title)
	assert.Equal(t, "The mascot", res.Results[1].Snippet)
	assert.Equal(t, "gofmt", res.Results[2].Title)
}

func TestDuckDuckGo_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	s, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = s.Search(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestBrave_Search(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("X-Subscription-Token"))
		assert.Equal(t, "2", r.URL.Query().Get("count"))
		fmt.Fprint(w, `{"web":{"results":[
			{"title":"A","url":"https://a","description":"<strong>alpha</strong> text"},
			{"title":"B","url":"https://b","description":"beta"},
			{"title":"C","url":"https://c","description":"gamma"}
		]}}`)
	}))
	defer srv.Close()

	s, err := New(Config{APIKey: "key", BaseURL: srv.URL, MaxResults: 2})
	require.NoError(t, err)
	require.IsType(t, &Brave{}, s)

	res, err := s.Search(context.Background(), "q")
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	assert.Equal(t, "alpha text", res.Results[0].Snippet)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Provider: "brave"})
	assert.True(t, errors.Is(err, domain.ErrNotConfigured))

	_, err = New(Config{Provider: "altavista"})
	assert.True(t, errors.Is(err, domain.ErrNotConfigured))

	s, err := New(Config{})
	require.NoError(t, err)
	assert.IsType(t, &DuckDuckGo{}, s)
}
