package provider

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"groupchat/internal/domain"
)

// SourceConstructor builds a stream source for one configured provider.
type SourceConstructor func(p domain.Provider, client *http.Client, logger *slog.Logger) domain.StreamSource

// FactoryConfig configures a Factory.
type FactoryConfig struct {
	// Lookup resolves fallback provider ids. Nil disables failover.
	Lookup func(id string) (domain.Provider, bool)
	Client *http.Client
	Logger *slog.Logger
	// ScriptedDelay paces the offline scripted source.
	ScriptedDelay time.Duration
}

// Factory creates and caches stream sources per provider. A cached source is
// rebuilt when the provider's connection settings change.
type Factory struct {
	lookup       func(id string) (domain.Provider, bool)
	client       *http.Client
	logger       *slog.Logger
	constructors map[domain.ProviderKind]SourceConstructor
	cache        map[string]cachedSource
	mu           sync.RWMutex
}

type cachedSource struct {
	key    string
	source domain.StreamSource
}

// NewFactory creates a factory with the built-in constructors registered.
func NewFactory(cfg FactoryConfig) *Factory {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(defaultHTTPTimeout)
	}
	f := &Factory{
		lookup:       cfg.Lookup,
		client:       cfg.Client,
		logger:       cfg.Logger,
		constructors: make(map[domain.ProviderKind]SourceConstructor),
		cache:        make(map[string]cachedSource),
	}
	f.registerDefaults(cfg.ScriptedDelay)
	return f
}

// RegisterConstructor adds (or replaces) the constructor for a provider kind.
func (f *Factory) RegisterConstructor(kind domain.ProviderKind, ctor SourceConstructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[kind] = ctor
	f.cache = make(map[string]cachedSource)
}

func (f *Factory) registerDefaults(scriptedDelay time.Duration) {
	compat := func(name, base string) SourceConstructor {
		return func(p domain.Provider, client *http.Client, logger *slog.Logger) domain.StreamSource {
			apiBase := base
			if p.BaseURL != "" {
				apiBase = p.BaseURL
			}
			return NewOpenAI(OpenAIConfig{Name: name, APIKey: p.APIKey, APIBase: apiBase, Client: client, Logger: logger})
		}
	}
	f.constructors[domain.KindOpenAI] = compat("openai", openAIDefaultBase)
	f.constructors[domain.KindDeepSeek] = compat("deepseek", deepSeekDefaultBase)
	// Gemini is reached through its OpenAI-compatible endpoint.
	f.constructors[domain.KindGemini] = compat("gemini", geminiDefaultBase)

	f.constructors[domain.KindAnthropic] = func(p domain.Provider, client *http.Client, logger *slog.Logger) domain.StreamSource {
		return NewClaude(ClaudeConfig{APIKey: p.APIKey, APIBase: p.BaseURL, Client: client, Logger: logger})
	}
	f.constructors[domain.KindOllama] = func(p domain.Provider, client *http.Client, logger *slog.Logger) domain.StreamSource {
		return NewOllama(OllamaConfig{APIKey: p.APIKey, APIBase: p.BaseURL, Client: client, Logger: logger})
	}

	scripted := NewScripted(ScriptedConfig{ChunkDelay: scriptedDelay, Seed: uint64(time.Now().UnixNano())})
	f.constructors[domain.KindScripted] = func(domain.Provider, *http.Client, *slog.Logger) domain.StreamSource {
		return scripted
	}
}

func cacheKey(p domain.Provider) string {
	return fmt.Sprintf("%s|%s|%s|%v", p.Kind, p.BaseURL, p.APIKey, p.Fallbacks)
}

// Resolve returns the stream source for p, wrapping it in a failover chain
// when p lists fallbacks.
// Uses double-check locking so concurrent turns share one instance.
func (f *Factory) Resolve(p domain.Provider) (domain.StreamSource, error) {
	key := cacheKey(p)

	f.mu.RLock()
	if c, ok := f.cache[p.ID]; ok && c.key == key {
		f.mu.RUnlock()
		return c.source, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.cache[p.ID]; ok && c.key == key {
		return c.source, nil
	}

	src, err := f.build(p)
	if err != nil {
		return nil, err
	}
	if len(p.Fallbacks) > 0 && f.lookup != nil {
		chain := []domain.StreamSource{src}
		for _, id := range p.Fallbacks {
			fp, ok := f.lookup(id)
			if !ok || fp.ID == p.ID {
				f.logger.Warn("skip unknown fallback provider", "provider", p.ID, "fallback", id)
				continue
			}
			fsrc, err := f.build(fp)
			if err != nil {
				f.logger.Warn("skip fallback provider", "provider", p.ID, "fallback", id, "err", err)
				continue
			}
			chain = append(chain, fsrc)
		}
		if len(chain) > 1 {
			src = NewFailoverSource(chain, f.logger)
		}
	}

	f.cache[p.ID] = cachedSource{key: key, source: src}
	return src, nil
}

func (f *Factory) build(p domain.Provider) (domain.StreamSource, error) {
	ctor, ok := f.constructors[p.Kind]
	if !ok {
		if p.BaseURL == "" {
			return nil, fmt.Errorf("%w: provider %s has unknown kind %q", domain.ErrNotConfigured, p.ID, p.Kind)
		}
		// Unknown kinds with an endpoint are treated as OpenAI-compatible.
		ctor = f.constructors[domain.KindOpenAI]
	}
	return ctor(p, f.client, f.logger.With("provider", p.ID)), nil
}
