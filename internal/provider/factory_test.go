package provider

import (
	"context"
	"errors"
	"strings"
	"testing"

	"groupchat/internal/domain"
)

// stubSource streams fixed text or fails, optionally after some text.
type stubSource struct {
	name  string
	text  string
	err   error
	calls int
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Stream(ctx context.Context, req domain.StreamRequest, out chan<- domain.StreamChunk) error {
	defer close(out)
	s.calls++
	if s.text != "" {
		if err := send(ctx, out, domain.StreamChunk{Text: s.text}); err != nil {
			return err
		}
	}
	return s.err
}

type stubResolver struct{ src domain.StreamSource }

func (r stubResolver) Resolve(domain.Provider) (domain.StreamSource, error) { return r.src, nil }

func TestFailover_FallsBackBeforeFirstChunk(t *testing.T) {
	p1 := &stubSource{name: "primary", err: errors.New("connection refused")}
	p2 := &stubSource{name: "secondary", text: "from-secondary"}
	fs := NewFailoverSource([]domain.StreamSource{p1, p2}, testLogger())

	chunks, err := collect(t, fs, testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text, _, _ := joined(chunks); text != "from-secondary" {
		t.Fatalf("expected fallback text, got %q", text)
	}
}

func TestFailover_NoFallbackAfterText(t *testing.T) {
	p1 := &stubSource{name: "primary", text: "half", err: errors.New("reset")}
	p2 := &stubSource{name: "secondary", text: "other"}
	fs := NewFailoverSource([]domain.StreamSource{p1, p2}, testLogger())

	chunks, err := collect(t, fs, testRequest())
	if err == nil || err.Error() != "reset" {
		t.Fatalf("expected the primary error, got %v", err)
	}
	if text, _, _ := joined(chunks); text != "half" {
		t.Fatalf("unexpected text %q", text)
	}
	if p2.calls != 0 {
		t.Fatal("secondary must not run once text was streamed")
	}
}

func TestFailover_AllFail(t *testing.T) {
	fs := NewFailoverSource([]domain.StreamSource{
		&stubSource{name: "p1", err: errors.New("fail 1")},
		&stubSource{name: "p2", err: errors.New("fail 2")},
	}, testLogger())

	_, err := collect(t, fs, testRequest())
	if err == nil || !strings.Contains(err.Error(), "fail 1") || !strings.Contains(err.Error(), "fail 2") {
		t.Fatalf("expected both errors, got %v", err)
	}
	if fs.Name() != "failover(p1→p2)" {
		t.Fatalf("unexpected name %q", fs.Name())
	}
}

func TestFactory_ResolvesByKindAndCaches(t *testing.T) {
	f := NewFactory(FactoryConfig{Logger: testLogger()})

	cases := []struct {
		kind domain.ProviderKind
		name string
	}{
		{domain.KindOpenAI, "openai"},
		{domain.KindDeepSeek, "deepseek"},
		{domain.KindGemini, "gemini"},
		{domain.KindAnthropic, "claude"},
		{domain.KindOllama, "ollama"},
		{domain.KindScripted, "scripted"},
	}
	for _, tc := range cases {
		src, err := f.Resolve(domain.Provider{ID: string(tc.kind), Kind: tc.kind})
		if err != nil {
			t.Fatalf("%s: %v", tc.kind, err)
		}
		if src.Name() != tc.name {
			t.Fatalf("%s: expected %s, got %s", tc.kind, tc.name, src.Name())
		}
	}

	p := domain.Provider{ID: "x", Kind: domain.KindOpenAI, APIKey: "k1"}
	a, _ := f.Resolve(p)
	b, _ := f.Resolve(p)
	if a != b {
		t.Fatal("expected the cached source")
	}
	p.APIKey = "k2"
	c, _ := f.Resolve(p)
	if c == a {
		t.Fatal("changing the key should rebuild the source")
	}
}

func TestFactory_UnknownKind(t *testing.T) {
	f := NewFactory(FactoryConfig{Logger: testLogger()})
	if _, err := f.Resolve(domain.Provider{ID: "x", Kind: "mystery"}); !errors.Is(err, domain.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	src, err := f.Resolve(domain.Provider{ID: "y", Kind: "mystery", BaseURL: "http://localhost:1/v1"})
	if err != nil || src.Name() != "openai" {
		t.Fatalf("unknown kind with a base url should be OpenAI-compatible, got %v %v", src, err)
	}
}

func TestFactory_Fallbacks(t *testing.T) {
	providers := map[string]domain.Provider{
		"backup": {ID: "backup", Kind: domain.KindScripted},
	}
	f := NewFactory(FactoryConfig{
		Logger: testLogger(),
		Lookup: func(id string) (domain.Provider, bool) { p, ok := providers[id]; return p, ok },
	})
	src, err := f.Resolve(domain.Provider{ID: "main", Kind: domain.KindOpenAI, Fallbacks: []string{"backup", "missing"}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if src.Name() != "failover(openai→scripted)" {
		t.Fatalf("unexpected chain %q", src.Name())
	}
}

func TestVision_Describe(t *testing.T) {
	provider := domain.Provider{ID: "v", Kind: domain.KindOpenAI, Models: []domain.Model{{ID: "gpt-4o", Vision: true}}}

	v, err := NewVision(VisionConfig{Resolver: stubResolver{&stubSource{name: "v", text: "  一只猫  "}}, Provider: provider, ModelID: "gpt-4o", Logger: testLogger()})
	if err != nil {
		t.Fatalf("new vision: %v", err)
	}
	desc, err := v.Describe(context.Background(), "AAAA", "image/png")
	if err != nil || desc != "一只猫" {
		t.Fatalf("unexpected description %q %v", desc, err)
	}

	v, _ = NewVision(VisionConfig{Resolver: stubResolver{&stubSource{name: "v", err: errors.New("boom")}}, Provider: provider, ModelID: "gpt-4o"})
	if _, err := v.Describe(context.Background(), "AAAA", "image/png"); err == nil {
		t.Fatal("expected describe error")
	}

	if _, err := NewVision(VisionConfig{Resolver: stubResolver{}, Provider: provider, ModelID: "nope"}); !errors.Is(err, domain.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured for unknown model, got %v", err)
	}
}
