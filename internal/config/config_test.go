package config

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"groupchat/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Validate ---

func TestDefaults_AreValid(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults should be valid: %v", err)
	}
	if cfg.Scheduler.TurnTimeoutSeconds != 120 || cfg.Scheduler.CooldownMin != 2 || cfg.Scheduler.AmnestyMessages != 5 {
		t.Fatalf("unexpected scheduler defaults: %+v", cfg.Scheduler)
	}
	if !cfg.Scheduler.ModerationResetsYield {
		t.Fatal("moderation should reset the yielded set by default")
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := []struct {
		name string
		edit func(*Config)
		want string
	}{
		{"negative breathing", func(c *Config) { c.Scheduler.BreathingTimeMs = -1 }, "breathingTimeMs"},
		{"zero timeout", func(c *Config) { c.Scheduler.TurnTimeoutSeconds = 0 }, "turnTimeoutSeconds"},
		{"zero amnesty", func(c *Config) { c.Scheduler.AmnestyMessages = 0 }, "amnestyMessages"},
		{"bad port", func(c *Config) { c.Channels.Web.Port = 70000 }, "channels.web.port"},
		{"bad log level", func(c *Config) { c.General.LogLevel = "loud" }, "logLevel"},
		{"telegram without token", func(c *Config) { c.Channels.Telegram.Enabled = true }, "telegram.token"},
		{"discord without token", func(c *Config) { c.Channels.Discord.Enabled = true }, "discord.token"},
		{"unknown kind", func(c *Config) { c.Providers["x"] = ProviderConfig{Kind: "mystery"} }, "unknown kind"},
		{"unknown fallback", func(c *Config) {
			c.Providers["x"] = ProviderConfig{Kind: domain.KindOpenAI, Fallbacks: []string{"nope"}}
		}, "fallbacks"},
		{"vision model missing", func(c *Config) {
			c.Vision = VisionConfig{Enabled: true, Provider: "demo", Model: "gpt-4o"}
		}, "vision.model"},
		{"duplicate agent", func(c *Config) {
			c.Agents = []domain.Agent{{ID: "a"}, {ID: "a"}}
		}, "duplicate id"},
		{"reserved agent id", func(c *Config) {
			c.Agents = []domain.Agent{{ID: domain.HumanUserID}}
		}, "reserved"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.edit(cfg)
			err := Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestValidate_AgentWithoutProviderIsAllowed(t *testing.T) {
	cfg := Defaults()
	cfg.Agents = []domain.Agent{{ID: "lonely", Name: "Lonely"}}
	if err := Validate(cfg); err != nil {
		t.Fatalf("unbound agents are reported at turn time, got %v", err)
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	original := Defaults()
	original.Scheduler.BreathingTimeMs = 250
	original.Agents = []domain.Agent{{ID: "gemini", Name: "Gemini", ProviderID: "demo", ModelID: "demo"}}

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}
	if info, err := os.Stat(path); err != nil || info.Mode().Perm() != 0o600 {
		t.Fatalf("config file should be private, got %v %v", info.Mode(), err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Scheduler.BreathingTimeMs != 250 {
		t.Fatalf("expected 250, got %d", loaded.Scheduler.BreathingTimeMs)
	}
	if len(loaded.Agents) != 1 || loaded.Agents[0].Name != "Gemini" {
		t.Fatalf("agents not round-tripped: %+v", loaded.Agents)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.json"); err == nil {
		t.Fatal("expected error for missing file")
	}

	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	os.WriteFile(bad, []byte("{not json}"), 0o644)
	if _, err := Load(bad); err == nil {
		t.Fatal("expected error for invalid JSON")
	}

	invalid := filepath.Join(dir, "invalid.json")
	os.WriteFile(invalid, []byte(`{"scheduler": {"turnTimeoutSeconds": -5}}`), 0o644)
	if _, err := Load(invalid); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoad_DotEnvAndSubstitution(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, ".env"), []byte("GROUPCHAT_TEST_KEY=sk-from-dotenv\n"), 0o600)
	t.Cleanup(func() { os.Unsetenv("GROUPCHAT_TEST_KEY") })

	cfgFile := filepath.Join(dir, "config.json")
	content := `{
		"providers": {
			"openai": {"enabled": true, "kind": "openai", "apiKey": "${GROUPCHAT_TEST_KEY}",
				"models": [{"id": "gpt-4o-mini", "inputPrice": 0.15, "outputPrice": 0.6}]}
		},
		"scheduler": {"breathingTimeMs": ${GROUPCHAT_TEST_BREATH:-300}}
	}`
	os.WriteFile(cfgFile, []byte(content), 0o644)

	cfg, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := cfg.Providers["openai"].APIKey; got != "sk-from-dotenv" {
		t.Fatalf("expected key from .env, got %q", got)
	}
	if cfg.Scheduler.BreathingTimeMs != 300 {
		t.Fatalf("expected default substitution, got %d", cfg.Scheduler.BreathingTimeMs)
	}
	// untouched fields keep their defaults
	if cfg.Scheduler.TurnTimeoutSeconds != 120 {
		t.Fatalf("expected default timeout, got %v", cfg.Scheduler.TurnTimeoutSeconds)
	}

	provs := cfg.DomainProviders()
	if len(provs) != 2 || provs[1].ID != "openai" || provs[1].Models[0].InputPrice != 0.15 {
		t.Fatalf("unexpected providers %+v", provs)
	}
}

// --- Accessor ---

func TestGetSetByPath(t *testing.T) {
	cfg := Defaults()

	v, err := GetByPath(cfg, "scheduler.cooldownMin")
	if err != nil || v.(float64) != 2 {
		t.Fatalf("get cooldownMin: %v %v", v, err)
	}
	if _, err := GetByPath(cfg, "scheduler.nope"); err == nil {
		t.Fatal("expected error for unknown key")
	}

	if err := SetByPath(cfg, "scheduler.concurrency", "true"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if err := SetByPath(cfg, "channels.web.port", "9000"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if !cfg.Scheduler.Concurrency || cfg.Channels.Web.Port != 9000 {
		t.Fatalf("values not applied: %+v %+v", cfg.Scheduler, cfg.Channels.Web)
	}
}

func TestSetByPath_Rejections(t *testing.T) {
	cfg := Defaults()
	cfg.Providers["openai"] = ProviderConfig{Enabled: true, Kind: domain.KindOpenAI, APIKey: "sk-1234567890abcdefghijklmnop"}

	tests := []struct {
		path  string
		value any
		want  error
	}{
		{"scheduler.nope", "1", ErrUnknownPath},
		{"nope.deeper", "1", ErrUnknownPath},
		{"scheduler..autoplay", "true", ErrUnknownPath},
		{"providers.openai.bogus", "x", ErrUnknownPath},
		{"agents", "[]", ErrReadOnlyPath},
		{"agents.0.name", "x", ErrReadOnlyPath},
		{"providers.openai.apiKey", "sk-1****mnop", ErrMaskedSecret},
		{"channels.discord.token", "***", ErrMaskedSecret},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if err := SetByPath(cfg, tt.path, tt.value); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if cfg.Providers["openai"].APIKey != "sk-1234567890abcdefghijklmnop" {
		t.Fatal("rejected writes must leave the config alone")
	}

	if err := SetByPath(cfg, "providers.local.apiBase", "http://localhost:11434/v1"); err != nil {
		t.Fatalf("new provider entry: %v", err)
	}
	if cfg.Providers["local"].APIBase != "http://localhost:11434/v1" || cfg.Providers["openai"].APIKey == "" {
		t.Fatalf("providers: %+v", cfg.Providers)
	}
	cfg.Agents = []domain.Agent{{ID: "lin", Name: "Lin"}}
	if _, ok := ListPaths(cfg)["agents"]; ok {
		t.Error("read-only paths should not be listed")
	}
}

func TestRestoreSecrets(t *testing.T) {
	live := Defaults()
	live.Providers["openai"] = ProviderConfig{Kind: domain.KindOpenAI, APIKey: "sk-1234567890abcdefghijklmnop"}
	live.Channels.Discord.Token = "MTIzNDU2Nzg5.discord-bot-token"

	edited := Sanitize(live)
	edited.Channels.Discord.Token = "new-discord-token"
	RestoreSecrets(edited, live)

	if edited.Providers["openai"].APIKey != "sk-1234567890abcdefghijklmnop" {
		t.Errorf("masked key not restored: %q", edited.Providers["openai"].APIKey)
	}
	if edited.Channels.Discord.Token != "new-discord-token" {
		t.Errorf("a new secret must win: %q", edited.Channels.Discord.Token)
	}
}

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Channels.Telegram.Token = "123456789:ABCdefGHIjklMNOpqrSTUvwxyz"
	cfg.Channels.Discord.Token = "MTIzNDU2Nzg5.discord-bot-token"
	cfg.Search.APIKey = "short"
	cfg.Providers["openai"] = ProviderConfig{Enabled: true, Kind: domain.KindOpenAI, APIKey: "sk-1234567890abcdefghijklmnop"}

	sanitized := Sanitize(cfg)

	if got := sanitized.Providers["openai"].APIKey; got != "sk-1****mnop" {
		t.Fatalf("API key should be masked, got %q", got)
	}
	if sanitized.Channels.Telegram.Token == cfg.Channels.Telegram.Token {
		t.Fatal("telegram token should be masked")
	}
	if sanitized.Channels.Discord.Token == cfg.Channels.Discord.Token {
		t.Fatal("discord token should be masked")
	}
	if sanitized.Search.APIKey != "***" {
		t.Fatalf("short secret should be '***', got %q", sanitized.Search.APIKey)
	}
	if cfg.Providers["openai"].APIKey != "sk-1234567890abcdefghijklmnop" {
		t.Fatal("original config should not be modified")
	}
}

func TestListPaths_ReturnsLeaves(t *testing.T) {
	paths := ListPaths(Defaults())
	for _, expected := range []string{"general.logLevel", "scheduler.breathingTimeMs", "memory.enabled", "channels.web.port"} {
		if _, ok := paths[expected]; !ok {
			t.Errorf("missing expected path: %s", expected)
		}
	}
}

// --- FlexStringList ---

func TestFlexStringList(t *testing.T) {
	var list FlexStringList
	if err := json.Unmarshal([]byte(`["hello", 123, 456.0]`), &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list) != 3 || list[0] != "hello" || list[1] != "123" || list[2] != "456" {
		t.Fatalf("unexpected: %v", list)
	}
	if err := json.Unmarshal([]byte(`not json`), &list); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("GC_KEY", "sk-abc123")
	t.Setenv("GC_PORT", "9090")
	t.Setenv("GC_EMPTY", "")
	os.Unsetenv("GC_UNSET_12345")

	cases := []struct{ in, want string }{
		{`{"apiKey": "${GC_KEY}"}`, `{"apiKey": "sk-abc123"}`},
		{`"${GC_UNSET_12345:-8080}"`, `"8080"`},
		{`"${GC_PORT:-8080}"`, `"9090"`},
		{`"${GC_EMPTY:-fallback}"`, `"fallback"`},
		{`"${GC_UNSET_12345}"`, `"${GC_UNSET_12345}"`},
		{`"${GC_KEY}:${GC_PORT}"`, `"sk-abc123:9090"`},
		{`"$HOME is not substituted"`, `"$HOME is not substituted"`},
	}
	for _, tc := range cases {
		if got := ExpandEnvVars(tc.in); got != tc.want {
			t.Errorf("ExpandEnvVars(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

// --- Roster ---

func TestRoster_MergesDirectory(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "claude.yaml"), []byte(`
name: Claude
providerId: anthropic
modelId: claude-sonnet-4-5
role: ADMIN
systemPrompt: |
  你是群里的主持人。
config:
  temperature: 0.7
  thinkingBudget: 2000
`), 0o644)
	os.WriteFile(filepath.Join(dir, "team.yml"), []byte(`
agents:
  - id: gemini
    name: Gemini 2
    providerId: google
    modelId: gemini-2.5-flash
    searchEnabled: true
  - id: deepseek
    name: DeepSeek
    isActive: false
`), 0o644)
	os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: [unclosed"), 0o644)
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644)

	cfg := Defaults()
	cfg.AgentsDir = dir
	cfg.Agents = []domain.Agent{{ID: "gemini", Name: "Gemini"}, {ID: "gpt", Name: "GPT"}}

	agents, err := cfg.Roster(testLogger())
	if err != nil {
		t.Fatalf("roster: %v", err)
	}
	byID := make(map[string]domain.Agent)
	for _, a := range agents {
		byID[a.ID] = a
	}
	if len(agents) != 4 {
		t.Fatalf("expected 4 agents, got %+v", agents)
	}
	claude := byID["claude"]
	if claude.Name != "Claude" || !claude.IsAdmin() || claude.Config.ThinkingBudget != 2000 || !strings.Contains(claude.SystemPrompt, "主持人") {
		t.Fatalf("unexpected claude %+v", claude)
	}
	if byID["gemini"].Name != "Gemini 2" || !byID["gemini"].SearchEnabled {
		t.Fatalf("file agent should replace inline one: %+v", byID["gemini"])
	}
	if byID["deepseek"].Active() {
		t.Fatal("deepseek should be inactive")
	}
	if byID["gpt"].Name != "GPT" {
		t.Fatal("inline agent missing")
	}
}

func TestLoadAgentDir_Missing(t *testing.T) {
	agents, err := LoadAgentDir(filepath.Join(t.TempDir(), "nope"), testLogger())
	if err != nil || agents != nil {
		t.Fatalf("missing dir should be empty, got %v %v", agents, err)
	}
}
