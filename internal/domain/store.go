package domain

import (
	"context"
	"time"
)

// Collection names used by persisters.
const (
	CollectionAgents    = "agents"
	CollectionProviders = "providers"
	CollectionSessions  = "sessions"
	CollectionGroups    = "groups"
)

// Snapshot is everything a persister holds.
type Snapshot struct {
	Agents    []Agent
	Providers []Provider
	Sessions  []Session
	Groups    []Group
	Settings  *Settings
}

// Persister stores collections of JSON documents keyed by id. Save replaces
// the whole collection.
type Persister interface {
	LoadAll(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, collection string, docs map[string]any) error
	SaveSettings(ctx context.Context, s Settings) error
	Close() error
}

// UsageRecord is one finished turn's token usage and cost.
type UsageRecord struct {
	SessionID string
	AgentID   string
	ModelID   string
	Outcome   DecisionKind
	Input     int
	Output    int
	Cost      float64
	At        time.Time
}

// AgentUsage aggregates usage records for one agent.
type AgentUsage struct {
	AgentID string  `json:"agentId"`
	Turns   int     `json:"turns"`
	Passes  int     `json:"passes"`
	Input   int     `json:"input"`
	Output  int     `json:"output"`
	Cost    float64 `json:"cost"`
}

// UsageRecorder keeps a ledger of finished turns.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, r UsageRecord) error
}
