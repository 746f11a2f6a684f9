package domain

// AgentRole controls whether an agent may issue moderation commands.
type AgentRole string

const (
	RoleMember AgentRole = "MEMBER"
	RoleAdmin  AgentRole = "ADMIN"
)

// HumanUserID is the sender id of messages typed by the human participant.
const HumanUserID = "user"

// SystemSenderID is the sender id of moderation and scheduler notices.
const SystemSenderID = "system"

// GenerationConfig holds per-agent sampling parameters.
type GenerationConfig struct {
	Temperature    float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens      int     `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`
	ThinkingBudget int     `json:"thinkingBudget,omitempty" yaml:"thinkingBudget,omitempty"`
}

// Agent is an LLM persona taking part in group chats.
type Agent struct {
	ID            string           `json:"id" yaml:"id"`
	Name          string           `json:"name" yaml:"name"`
	Avatar        string           `json:"avatar,omitempty" yaml:"avatar,omitempty"`
	ProviderID    string           `json:"providerId" yaml:"providerId"`
	ModelID       string           `json:"modelId" yaml:"modelId"`
	SystemPrompt  string           `json:"systemPrompt" yaml:"systemPrompt"`
	Role          AgentRole        `json:"role,omitempty" yaml:"role,omitempty"`
	IsActive      *bool            `json:"isActive,omitempty" yaml:"isActive,omitempty"`
	Config        GenerationConfig `json:"config" yaml:"config"`
	SearchEnabled bool             `json:"searchEnabled,omitempty" yaml:"searchEnabled,omitempty"`
	VisionProxy   bool             `json:"visionProxy,omitempty" yaml:"visionProxy,omitempty"`
}

// Active reports whether the agent takes turns. A missing flag means active.
func (a Agent) Active() bool { return a.IsActive == nil || *a.IsActive }

// Configured reports whether the agent has a provider and model bound.
func (a Agent) Configured() bool { return a.ProviderID != "" && a.ModelID != "" }

func (a Agent) IsAdmin() bool { return a.Role == RoleAdmin }

// ProviderKind selects the wire protocol used to stream completions.
type ProviderKind string

const (
	KindOpenAI    ProviderKind = "openai"
	KindAnthropic ProviderKind = "anthropic"
	KindGemini    ProviderKind = "gemini"
	KindDeepSeek  ProviderKind = "deepseek"
	KindOllama    ProviderKind = "ollama"
	KindScripted  ProviderKind = "scripted"
)

// Model describes a model offered by a provider, with per-million-token prices.
type Model struct {
	ID          string  `json:"id" yaml:"id"`
	Name        string  `json:"name,omitempty" yaml:"name,omitempty"`
	InputPrice  float64 `json:"inputPrice" yaml:"inputPrice"`
	OutputPrice float64 `json:"outputPrice" yaml:"outputPrice"`
	Vision      bool    `json:"vision,omitempty" yaml:"vision,omitempty"`
}

// Provider is a configured LLM backend.
type Provider struct {
	ID                 string       `json:"id" yaml:"id"`
	Name               string       `json:"name,omitempty" yaml:"name,omitempty"`
	Kind               ProviderKind `json:"kind" yaml:"kind"`
	APIKey             string       `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	BaseURL            string       `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
	Models             []Model      `json:"models" yaml:"models"`
	RateLimitPerMinute float64      `json:"rateLimitPerMinute,omitempty" yaml:"rateLimitPerMinute,omitempty"`
	// Fallbacks are provider ids tried in order when this one fails before
	// streaming anything. They must serve the same model ids.
	Fallbacks []string `json:"fallbacks,omitempty" yaml:"fallbacks,omitempty"`
}

// Model looks up a model by id.
func (p Provider) Model(id string) (Model, bool) {
	for _, m := range p.Models {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}
