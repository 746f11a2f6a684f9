package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"groupchat/internal/domain"
)

// Default endpoints for the OpenAI-compatible kinds.
const (
	openAIDefaultBase   = "https://api.openai.com/v1"
	deepSeekDefaultBase = "https://api.deepseek.com/v1"
	geminiDefaultBase   = "https://generativelanguage.googleapis.com/v1beta/openai"
)

// OpenAI streams chat completions from any OpenAI-compatible endpoint.
// DeepSeek and Gemini are served through their compatible APIs.
type OpenAI struct {
	name    string
	apiKey  string
	apiBase string
	client  *http.Client
	logger  *slog.Logger
}

type OpenAIConfig struct {
	Name    string
	APIKey  string
	APIBase string
	Client  *http.Client
	Logger  *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.APIBase == "" {
		cfg.APIBase = openAIDefaultBase
	}
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(defaultHTTPTimeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &OpenAI{
		name:    cfg.Name,
		apiKey:  cfg.APIKey,
		apiBase: strings.TrimRight(cfg.APIBase, "/"),
		client:  cfg.Client,
		logger:  cfg.Logger,
	}
}

func (o *OpenAI) Name() string { return o.name }

type oaiRequest struct {
	Model         string            `json:"model"`
	Messages      []oaiMessage      `json:"messages"`
	MaxTokens     int               `json:"max_tokens,omitempty"`
	Temperature   *float64          `json:"temperature,omitempty"`
	Stream        bool              `json:"stream"`
	StreamOptions *oaiStreamOptions `json:"stream_options,omitempty"`
}

type oaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// oaiMessage content is either a string or a list of parts.
type oaiMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type oaiPart struct {
	Type     string       `json:"type"`
	Text     string       `json:"text,omitempty"`
	ImageURL *oaiImageURL `json:"image_url,omitempty"`
}

type oaiImageURL struct {
	URL string `json:"url"`
}

type oaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *oaiUsage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type oaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func oaiMessages(system string, msgs []domain.ChatMessage) []oaiMessage {
	out := make([]oaiMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, oaiMessage{Role: "system", Content: system})
	}
	for _, m := range msgs {
		if len(m.Images) == 0 {
			out = append(out, oaiMessage{Role: m.Role, Content: m.Content})
			continue
		}
		parts := []oaiPart{{Type: "text", Text: m.Content}}
		for _, img := range m.Images {
			parts = append(parts, oaiPart{
				Type:     "image_url",
				ImageURL: &oaiImageURL{URL: dataURL(img.MimeType, img.Data)},
			})
		}
		out = append(out, oaiMessage{Role: m.Role, Content: parts})
	}
	return out
}

func dataURL(mime, b64 string) string {
	return "data:" + mime + ";base64," + b64
}

func (o *OpenAI) Stream(ctx context.Context, req domain.StreamRequest, out chan<- domain.StreamChunk) error {
	defer close(out)

	body := oaiRequest{
		Model:         req.Model.ID,
		Messages:      oaiMessages(req.SystemPrompt, req.Messages),
		MaxTokens:     req.Agent.Config.MaxTokens,
		Stream:        true,
		StreamOptions: &oaiStreamOptions{IncludeUsage: true},
	}
	if t := req.Agent.Config.Temperature; t > 0 {
		body.Temperature = &t
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	resp, err := doWithRetry(ctx, o.client, o.name, func() (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, o.apiBase+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("Accept", "text/event-stream")
		if o.apiKey != "" {
			r.Header.Set("Authorization", "Bearer "+o.apiKey)
		}
		return r, nil
	}, o.logger)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	err = readSSE(resp.Body, func(ev sseEvent) (bool, error) {
		if ev.data == "[DONE]" {
			return true, nil
		}
		var chunk oaiStreamChunk
		if err := json.Unmarshal([]byte(ev.data), &chunk); err != nil {
			o.logger.Debug("skip malformed chunk", "provider", o.name, "err", err)
			return false, nil
		}
		if chunk.Error != nil {
			return true, &domain.ProviderError{Provider: o.name, Body: chunk.Error.Message}
		}
		var c domain.StreamChunk
		if len(chunk.Choices) > 0 {
			c.Text = chunk.Choices[0].Delta.Content
			c.Reasoning = chunk.Choices[0].Delta.ReasoningContent
		}
		if u := chunk.Usage; u != nil {
			c.Usage = &domain.Usage{Input: u.PromptTokens, Output: u.CompletionTokens}
		}
		if c == (domain.StreamChunk{}) {
			return false, nil
		}
		return false, send(ctx, out, c)
	})
	return streamErr(ctx, err)
}
