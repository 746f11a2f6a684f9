package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"groupchat/internal/domain"
)

// Config is the root configuration for groupchat.
type Config struct {
	General   GeneralConfig             `json:"general"`
	Scheduler SchedulerConfig           `json:"scheduler"`
	Providers map[string]ProviderConfig `json:"providers"`
	Agents    []domain.Agent            `json:"agents,omitempty"`
	AgentsDir string                    `json:"agentsDir,omitempty"` // YAML agent definitions
	Search    SearchConfig              `json:"search"`
	Vision    VisionConfig              `json:"vision"`
	Memory    MemoryConfig              `json:"memory"`
	Channels  ChannelsConfig            `json:"channels"`
	Metrics   MetricsConfig             `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel  string `json:"logLevel"`
	LogFile   string `json:"logFile,omitempty"` // optional log file path
	HumanName string `json:"humanName"`         // how agents address the human
}

// SchedulerConfig holds the turn-taking knobs. The first four are also
// runtime settings that can change while the server runs.
type SchedulerConfig struct {
	BreathingTimeMs       int     `json:"breathingTimeMs"`
	TurnTimeoutSeconds    float64 `json:"turnTimeoutSeconds"`
	Concurrency           bool    `json:"concurrency"`
	Autoplay              bool    `json:"autoplay"`
	CooldownMin           int     `json:"cooldownMin"`
	AmnestyMessages       int     `json:"amnestyMessages"`
	ModerationResetsYield bool    `json:"moderationResetsYield"`
	MuteSweepSpec         string  `json:"muteSweepSpec"`
	SearchFollowUpMs      int     `json:"searchFollowUpMs"`
	RateBurst             int     `json:"rateBurst"`
}

// Settings returns the runtime part of the scheduler section.
func (s SchedulerConfig) Settings() domain.Settings {
	return domain.Settings{
		Autoplay:           s.Autoplay,
		Concurrency:        s.Concurrency,
		BreathingTimeMs:    s.BreathingTimeMs,
		TurnTimeoutSeconds: s.TurnTimeoutSeconds,
	}
}

type ProviderConfig struct {
	Enabled         bool                `json:"enabled"`
	Kind            domain.ProviderKind `json:"kind"`
	Name            string              `json:"name,omitempty"`
	APIBase         string              `json:"apiBase,omitempty"`
	APIKey          string              `json:"apiKey,omitempty"`
	Models          []domain.Model      `json:"models,omitempty"`
	RateLimitPerMin float64             `json:"rateLimitPerMinute,omitempty"`
	Fallbacks       []string            `json:"fallbacks,omitempty"`
}

// DomainProviders converts the enabled providers, sorted by id.
func (c *Config) DomainProviders() []domain.Provider {
	ids := make([]string, 0, len(c.Providers))
	for id, pc := range c.Providers {
		if pc.Enabled {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	out := make([]domain.Provider, 0, len(ids))
	for _, id := range ids {
		pc := c.Providers[id]
		out = append(out, domain.Provider{
			ID:                 id,
			Name:               pc.Name,
			Kind:               pc.Kind,
			APIKey:             pc.APIKey,
			BaseURL:            pc.APIBase,
			Models:             pc.Models,
			RateLimitPerMinute: pc.RateLimitPerMin,
			Fallbacks:          pc.Fallbacks,
		})
	}
	return out
}

type SearchConfig struct {
	Enabled    bool   `json:"enabled"`
	Provider   string `json:"provider"` // duckduckgo | brave
	APIKey     string `json:"apiKey,omitempty"`
	APIBase    string `json:"apiBase,omitempty"`
	MaxResults int    `json:"maxResults"`
}

// VisionConfig names the provider/model that describes images for agents
// whose model cannot see them.
type VisionConfig struct {
	Enabled  bool   `json:"enabled"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
}

type MemoryConfig struct {
	Enabled         bool   `json:"enabled"`
	DBPath          string `json:"dbPath"`
	FlushDebounceMs int    `json:"flushDebounceMs"`
}

type ChannelsConfig struct {
	Web      WebConfig      `json:"web"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type WebConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// TelegramConfig mirrors one session into a Telegram chat.
type TelegramConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token"`
	AllowFrom FlexStringList `json:"allowFrom"`
	SessionID string         `json:"sessionId,omitempty"` // empty = first session
}

// DiscordConfig mirrors one session into Discord. ChannelID limits the
// mirror to one guild channel; direct messages to the bot always work.
type DiscordConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token"`
	GuildID   string         `json:"guildId,omitempty"`
	ChannelID string         `json:"channelId,omitempty"`
	AllowFrom FlexStringList `json:"allowFrom"`
	SessionID string         `json:"sessionId,omitempty"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.groupchat).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".groupchat"
	}
	return filepath.Join(home, ".groupchat")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads the config file. A .env file next to it (and one in the
// working directory) is loaded first so ${VAR} references can see it;
// variables already set in the environment win.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	for _, env := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		if _, err := os.Stat(env); err == nil {
			if err := godotenv.Load(env); err != nil {
				return nil, fmt.Errorf("cannot load %s: %w", env, err)
			}
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Memory.DBPath = ExpandPath(cfg.Memory.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.AgentsDir = ExpandPath(cfg.AgentsDir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset
// variable without a default is left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if val, ok := os.LookupEnv(groups[1]); ok && val != "" {
			return val
		}
		if hasDefault {
			return groups[2]
		}
		return match
	})
}

func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	// the file holds API keys
	return os.WriteFile(path, data, 0o600)
}

var knownKinds = map[domain.ProviderKind]bool{
	domain.KindOpenAI:    true,
	domain.KindAnthropic: true,
	domain.KindGemini:    true,
	domain.KindDeepSeek:  true,
	domain.KindOllama:    true,
	domain.KindScripted:  true,
}

// Validate checks that the config has valid values. Agents bound to missing
// providers are allowed; they are reported at turn time instead.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	s := cfg.Scheduler
	if s.BreathingTimeMs < 0 || s.BreathingTimeMs > 600_000 {
		errs = append(errs, "scheduler.breathingTimeMs must be between 0 and 600000")
	}
	if s.TurnTimeoutSeconds <= 0 || s.TurnTimeoutSeconds > 3600 {
		errs = append(errs, "scheduler.turnTimeoutSeconds must be between 0 and 3600")
	}
	if s.CooldownMin < 0 {
		errs = append(errs, "scheduler.cooldownMin must be >= 0")
	}
	if s.AmnestyMessages < 1 {
		errs = append(errs, "scheduler.amnestyMessages must be >= 1")
	}
	if s.RateBurst < 1 {
		errs = append(errs, "scheduler.rateBurst must be >= 1")
	}

	if cfg.Channels.Web.Port < 0 || cfg.Channels.Web.Port > 65535 {
		errs = append(errs, "channels.web.port must be between 0 and 65535")
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		errs = append(errs, "channels.telegram.token is required when telegram is enabled")
	}
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token == "" {
		errs = append(errs, "channels.discord.token is required when discord is enabled")
	}
	if cfg.Memory.Enabled && cfg.Memory.DBPath == "" {
		errs = append(errs, "memory.dbPath is required when memory is enabled")
	}

	for name, pc := range cfg.Providers {
		if !knownKinds[pc.Kind] && pc.APIBase == "" {
			errs = append(errs, fmt.Sprintf("providers.%s: unknown kind %q needs an apiBase", name, pc.Kind))
		}
		for _, fb := range pc.Fallbacks {
			if _, ok := cfg.Providers[fb]; !ok {
				errs = append(errs, fmt.Sprintf("providers.%s.fallbacks references unknown provider: %s", name, fb))
			}
		}
	}

	if cfg.Vision.Enabled {
		pc, ok := cfg.Providers[cfg.Vision.Provider]
		switch {
		case !ok:
			errs = append(errs, fmt.Sprintf("vision.provider references unknown provider: %s", cfg.Vision.Provider))
		case !hasModel(pc.Models, cfg.Vision.Model):
			errs = append(errs, fmt.Sprintf("vision.model %q is not listed under providers.%s", cfg.Vision.Model, cfg.Vision.Provider))
		}
	}

	seen := make(map[string]bool)
	for i, a := range cfg.Agents {
		switch {
		case a.ID == "":
			errs = append(errs, fmt.Sprintf("agents[%d]: id is required", i))
		case a.ID == domain.HumanUserID || a.ID == domain.SystemSenderID:
			errs = append(errs, fmt.Sprintf("agents[%d]: id %q is reserved", i, a.ID))
		case seen[a.ID]:
			errs = append(errs, fmt.Sprintf("agents[%d]: duplicate id %q", i, a.ID))
		}
		seen[a.ID] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func hasModel(models []domain.Model, id string) bool {
	for _, m := range models {
		if m.ID == id {
			return true
		}
	}
	return false
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
