package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"groupchat/internal/domain"
)

const defaultVisionPrompt = "请用中文详细描述这张图片的内容，包括其中的文字。只输出描述本身。"

// VisionConfig selects the provider and model that describe images for
// agents whose own model cannot see them.
type VisionConfig struct {
	Resolver domain.SourceResolver
	Provider domain.Provider
	ModelID  string
	Prompt   string
	Logger   *slog.Logger
}

// Vision implements domain.ImageDescriber on top of any vision-capable
// stream source.
type Vision struct {
	resolver domain.SourceResolver
	provider domain.Provider
	model    domain.Model
	prompt   string
	logger   *slog.Logger
}

func NewVision(cfg VisionConfig) (*Vision, error) {
	if cfg.Resolver == nil {
		return nil, errors.New("vision: resolver is required")
	}
	m, ok := cfg.Provider.Model(cfg.ModelID)
	if !ok {
		return nil, fmt.Errorf("%w: vision model %q not offered by provider %s", domain.ErrNotConfigured, cfg.ModelID, cfg.Provider.ID)
	}
	if cfg.Prompt == "" {
		cfg.Prompt = defaultVisionPrompt
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Vision{resolver: cfg.Resolver, provider: cfg.Provider, model: m, prompt: cfg.Prompt, logger: cfg.Logger}, nil
}

func (v *Vision) Describe(ctx context.Context, base64Data, mimeType string) (string, error) {
	src, err := v.resolver.Resolve(v.provider)
	if err != nil {
		return "", fmt.Errorf("resolve vision source: %w", err)
	}

	req := domain.StreamRequest{
		Agent:    domain.Agent{ID: "vision", Name: "vision", ProviderID: v.provider.ID, ModelID: v.model.ID},
		Provider: v.provider,
		Model:    v.model,
		Messages: []domain.ChatMessage{{
			Role:    "user",
			Content: v.prompt,
			Images:  []domain.Attachment{{Kind: "image", MimeType: mimeType, Data: base64Data}},
		}},
	}

	out := make(chan domain.StreamChunk, 16)
	errCh := make(chan error, 1)
	go func() { errCh <- src.Stream(ctx, req, out) }()

	var sb strings.Builder
	for c := range out {
		sb.WriteString(c.Text)
	}
	if err := <-errCh; err != nil {
		return "", fmt.Errorf("describe image: %w", err)
	}
	desc := strings.TrimSpace(sb.String())
	if desc == "" {
		return "", errors.New("describe image: empty description")
	}
	v.logger.Debug("image described", "model", v.model.ID, "chars", len(desc))
	return desc, nil
}
