package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"groupchat/internal/domain"
)

const ollamaDefaultBase = "http://localhost:11434"

// Ollama streams from a local or hosted Ollama server.
type Ollama struct {
	apiKey  string
	apiBase string
	client  *http.Client
	logger  *slog.Logger
}

type OllamaConfig struct {
	APIKey  string // only for hosted endpoints
	APIBase string
	Client  *http.Client
	Logger  *slog.Logger
}

func NewOllama(cfg OllamaConfig) *Ollama {
	if cfg.APIBase == "" {
		cfg.APIBase = ollamaDefaultBase
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(defaultHTTPTimeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Ollama{
		apiKey:  cfg.APIKey,
		apiBase: strings.TrimRight(cfg.APIBase, "/"),
		client:  cfg.Client,
		logger:  cfg.Logger,
	}
}

func (o *Ollama) Name() string { return "ollama" }

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaMessage struct {
	Role     string   `json:"role"`
	Content  string   `json:"content"`
	Thinking string   `json:"thinking,omitempty"`
	Images   []string `json:"images,omitempty"`
}

type ollamaResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error"`
}

func (o *Ollama) Stream(ctx context.Context, req domain.StreamRequest, out chan<- domain.StreamChunk) error {
	defer close(out)

	body := ollamaRequest{Model: req.Model.ID, Stream: true}
	if req.SystemPrompt != "" {
		body.Messages = append(body.Messages, ollamaMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		om := ollamaMessage{Role: m.Role, Content: m.Content}
		for _, img := range m.Images {
			om.Images = append(om.Images, img.Data)
		}
		body.Messages = append(body.Messages, om)
	}
	if g := req.Agent.Config; g.Temperature > 0 || g.MaxTokens > 0 {
		body.Options = &ollamaOptions{Temperature: g.Temperature, NumPredict: g.MaxTokens}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	resp, err := doWithRetry(ctx, o.client, o.Name(), func() (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, o.apiBase+"/api/chat", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		if o.apiKey != "" {
			r.Header.Set("Authorization", "Bearer "+o.apiKey)
		}
		return r, nil
	}, o.logger)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return streamErr(ctx, o.readStream(ctx, resp.Body, out))
}

// readStream decodes the NDJSON body one object at a time.
func (o *Ollama) readStream(ctx context.Context, r io.Reader, out chan<- domain.StreamChunk) error {
	decoder := json.NewDecoder(r)
	for {
		var chunk ollamaResponse
		if err := decoder.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("stream decode: %w", err)
		}
		if chunk.Error != "" {
			return &domain.ProviderError{Provider: o.Name(), Body: chunk.Error}
		}

		c := domain.StreamChunk{Text: chunk.Message.Content, Reasoning: chunk.Message.Thinking}
		if chunk.Done {
			c.Usage = &domain.Usage{Input: chunk.PromptEvalCount, Output: chunk.EvalCount}
		}
		if c.Text != "" || c.Reasoning != "" || c.Usage != nil {
			if err := send(ctx, out, c); err != nil {
				return err
			}
		}
		if chunk.Done {
			return nil
		}
	}
}
