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

const (
	claudeDefaultBase = "https://api.anthropic.com"
	claudeAPIVersion  = "2023-06-01"
	defaultMaxTokens  = 4096
)

// Claude streams from the Anthropic Messages API.
type Claude struct {
	apiKey  string
	apiBase string
	client  *http.Client
	logger  *slog.Logger
}

type ClaudeConfig struct {
	APIKey  string
	APIBase string
	Client  *http.Client
	Logger  *slog.Logger
}

// NewClaude creates a new Claude stream source.
func NewClaude(cfg ClaudeConfig) *Claude {
	if cfg.APIBase == "" {
		cfg.APIBase = claudeDefaultBase
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(defaultHTTPTimeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Claude{
		apiKey:  cfg.APIKey,
		apiBase: strings.TrimRight(cfg.APIBase, "/"),
		client:  cfg.Client,
		logger:  cfg.Logger,
	}
}

func (c *Claude) Name() string { return "claude" }

type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	System      string          `json:"system,omitempty"`
	Messages    []claudeMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	Thinking    *claudeThinking `json:"thinking,omitempty"`
	Stream      bool            `json:"stream"`
}

type claudeThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type claudeMessage struct {
	Role    string         `json:"role"`
	Content []claudeBlock `json:"content"`
}

type claudeBlock struct {
	Type   string        `json:"type"`
	Text   string        `json:"text,omitempty"`
	Source *claudeSource `json:"source,omitempty"`
}

type claudeSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type claudeEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage claudeUsage `json:"usage"`
	} `json:"message"`
	Delta *struct {
		Type      string `json:"type"`
		Text      string `json:"text"`
		Thinking  string `json:"thinking"`
		Signature string `json:"signature"`
	} `json:"delta"`
	Usage *claudeUsage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// claudeMessages converts the history into the strictly alternating,
// user-first shape the Messages API requires.
func claudeMessages(msgs []domain.ChatMessage) []claudeMessage {
	out := make([]claudeMessage, 0, len(msgs)+2)
	for _, m := range msgs {
		blocks := make([]claudeBlock, 0, 1+len(m.Images))
		for _, img := range m.Images {
			blocks = append(blocks, claudeBlock{
				Type:   "image",
				Source: &claudeSource{Type: "base64", MediaType: img.MimeType, Data: img.Data},
			})
		}
		blocks = append(blocks, claudeBlock{Type: "text", Text: m.Content})
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			continue
		}
		out = append(out, claudeMessage{Role: m.Role, Content: blocks})
	}
	if len(out) == 0 || out[0].Role != "user" {
		out = append([]claudeMessage{{Role: "user", Content: []claudeBlock{{Type: "text", Text: "(对话开始)"}}}}, out...)
	}
	if out[len(out)-1].Role != "user" {
		out = append(out, claudeMessage{Role: "user", Content: []claudeBlock{{Type: "text", Text: "(轮到你发言)"}}})
	}
	return out
}

func (c *Claude) Stream(ctx context.Context, req domain.StreamRequest, out chan<- domain.StreamChunk) error {
	defer close(out)

	gen := req.Agent.Config
	body := claudeRequest{
		Model:     req.Model.ID,
		MaxTokens: gen.MaxTokens,
		System:    req.SystemPrompt,
		Messages:  claudeMessages(req.Messages),
		Stream:    true,
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = defaultMaxTokens
	}
	if gen.ThinkingBudget > 0 {
		body.Thinking = &claudeThinking{Type: "enabled", BudgetTokens: gen.ThinkingBudget}
		if body.MaxTokens <= gen.ThinkingBudget {
			body.MaxTokens = gen.ThinkingBudget + defaultMaxTokens
		}
	} else if gen.Temperature > 0 {
		t := gen.Temperature
		body.Temperature = &t
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	resp, err := doWithRetry(ctx, c.client, c.Name(), func() (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/v1/messages", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("x-api-key", c.apiKey)
		r.Header.Set("anthropic-version", claudeAPIVersion)
		return r, nil
	}, c.logger)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var usage domain.Usage
	err = readSSE(resp.Body, func(ev sseEvent) (bool, error) {
		var e claudeEvent
		if err := json.Unmarshal([]byte(ev.data), &e); err != nil {
			c.logger.Debug("skip malformed event", "event", ev.event, "err", err)
			return false, nil
		}
		switch e.Type {
		case "message_start":
			if e.Message != nil {
				usage.Input = e.Message.Usage.InputTokens
				usage.Output = e.Message.Usage.OutputTokens
				u := usage
				return false, send(ctx, out, domain.StreamChunk{Usage: &u})
			}
		case "content_block_delta":
			if e.Delta == nil {
				return false, nil
			}
			switch e.Delta.Type {
			case "text_delta":
				return false, send(ctx, out, domain.StreamChunk{Text: e.Delta.Text})
			case "thinking_delta":
				return false, send(ctx, out, domain.StreamChunk{Reasoning: e.Delta.Thinking})
			case "signature_delta":
				return false, send(ctx, out, domain.StreamChunk{ReasoningSignature: e.Delta.Signature})
			}
		case "message_delta":
			if e.Usage != nil {
				usage.Output = e.Usage.OutputTokens
				if e.Usage.InputTokens > 0 {
					usage.Input = e.Usage.InputTokens
				}
				u := usage
				return false, send(ctx, out, domain.StreamChunk{Usage: &u})
			}
		case "message_stop":
			return true, nil
		case "error":
			msg := "stream error"
			if e.Error != nil {
				msg = e.Error.Type + ": " + e.Error.Message
			}
			return true, &domain.ProviderError{Provider: c.Name(), Body: msg}
		}
		return false, nil
	})
	return streamErr(ctx, err)
}
