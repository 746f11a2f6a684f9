package config

import "groupchat/internal/domain"

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:  "info",
			HumanName: "用户",
		},
		Scheduler: SchedulerConfig{
			BreathingTimeMs:       1500,
			TurnTimeoutSeconds:    120,
			Concurrency:           false,
			Autoplay:              false,
			CooldownMin:           2,
			AmnestyMessages:       5,
			ModerationResetsYield: true,
			MuteSweepSpec:         "@every 1m",
			SearchFollowUpMs:      1500,
			RateBurst:             5,
		},
		Providers: map[string]ProviderConfig{
			"demo": {
				Enabled: true,
				Kind:    domain.KindScripted,
				Name:    "离线演示",
				Models:  []domain.Model{{ID: "demo", Name: "Demo"}},
			},
		},
		AgentsDir: "~/.groupchat/agents",
		Search: SearchConfig{
			Enabled:    true,
			Provider:   "duckduckgo",
			MaxResults: 5,
		},
		Memory: MemoryConfig{
			Enabled:         true,
			DBPath:          "~/.groupchat/groupchat.db",
			FlushDebounceMs: 500,
		},
		Channels: ChannelsConfig{
			Web: WebConfig{
				Enabled: true,
				Host:    "127.0.0.1",
				Port:    8080,
			},
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
