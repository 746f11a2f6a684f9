package domain

import (
	"slices"
	"time"
)

// Usage is the token accounting reported by a provider for one turn.
type Usage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Attachment is an inline file carried by a message. Data is base64 encoded.
type Attachment struct {
	Kind     string `json:"kind"` // image | file
	MimeType string `json:"mimeType"`
	Name     string `json:"name,omitempty"`
	Data     string `json:"data"`
}

func (a Attachment) IsImage() bool { return a.Kind == "image" }

// Message is a single entry in a session transcript.
type Message struct {
	ID                 string      `json:"id"`
	SenderID           string      `json:"senderId"`
	Text               string      `json:"text"`
	Timestamp          int64       `json:"timestamp"` // unix millis
	ReplyToID          string      `json:"replyToId,omitempty"`
	Attachment         *Attachment `json:"attachment,omitempty"`
	IsStreaming        bool        `json:"isStreaming,omitempty"`
	IsError            bool        `json:"isError,omitempty"`
	IsSystem           bool        `json:"isSystem,omitempty"`
	IsSearchResult     bool        `json:"isSearchResult,omitempty"`
	Tokens             *Usage      `json:"tokens,omitempty"`
	Cost               float64     `json:"cost,omitempty"`
	ReasoningText      string      `json:"reasoningText,omitempty"`
	ReasoningSignature string      `json:"reasoningSignature,omitempty"`
}

// Settled reports whether the message may be reacted to by the scheduler.
func (m Message) Settled() bool { return !m.IsStreaming && !m.IsError }

// MuteInfo records a mute. MuteUntil is unix millis; zero means permanent.
type MuteInfo struct {
	AgentID   string `json:"agentId"`
	MuteUntil int64  `json:"muteUntil"`
	MutedBy   string `json:"mutedBy"`
}

func (m MuteInfo) Permanent() bool { return m.MuteUntil == 0 }

// Expired reports whether a temporary mute has run out at now.
func (m MuteInfo) Expired(now time.Time) bool {
	return m.MuteUntil != 0 && m.MuteUntil <= now.UnixMilli()
}

// MemoryConfig controls how much transcript is sent to providers.
type MemoryConfig struct {
	ContextWindow int  `json:"contextWindow"`
	IncludeNotes  bool `json:"includeNotes"`
}

// Session is a group chat.
type Session struct {
	ID             string       `json:"id"`
	GroupID        string       `json:"groupId,omitempty"`
	Name           string       `json:"name"`
	MemberIDs      []string     `json:"memberIds"`
	AdminIDs       []string     `json:"adminIds,omitempty"`
	Messages       []Message    `json:"messages"`
	MutedAgents    []MuteInfo   `json:"mutedAgents,omitempty"`
	MutedAgentIDs  []string     `json:"mutedAgentIds,omitempty"` // legacy, permanent
	YieldedAgents  []string     `json:"yieldedAgentIds,omitempty"`
	YieldedAtCount *int         `json:"yieldedAtCount,omitempty"`
	AdminNotes     []string     `json:"adminNotes,omitempty"`
	Scenario       string       `json:"scenario,omitempty"`
	Summary        string       `json:"summary,omitempty"`
	Memory         MemoryConfig `json:"memory"`
	TotalCost      float64      `json:"totalCost"`
	CreatedAt      int64        `json:"createdAt"`
	UpdatedAt      int64        `json:"updatedAt"`
}

// Clone returns a deep copy safe to mutate independently.
func (s *Session) Clone() *Session {
	c := *s
	c.MemberIDs = slices.Clone(s.MemberIDs)
	c.AdminIDs = slices.Clone(s.AdminIDs)
	c.Messages = slices.Clone(s.Messages)
	for i := range c.Messages {
		if a := c.Messages[i].Attachment; a != nil {
			cp := *a
			c.Messages[i].Attachment = &cp
		}
		if u := c.Messages[i].Tokens; u != nil {
			cp := *u
			c.Messages[i].Tokens = &cp
		}
	}
	c.MutedAgents = slices.Clone(s.MutedAgents)
	c.MutedAgentIDs = slices.Clone(s.MutedAgentIDs)
	c.YieldedAgents = slices.Clone(s.YieldedAgents)
	c.AdminNotes = slices.Clone(s.AdminNotes)
	if s.YieldedAtCount != nil {
		n := *s.YieldedAtCount
		c.YieldedAtCount = &n
	}
	return &c
}

// MessageCount counts settled and errored messages, excluding live placeholders.
func (s *Session) MessageCount() int {
	n := 0
	for _, m := range s.Messages {
		if !m.IsStreaming {
			n++
		}
	}
	return n
}

// LastMessage returns the newest message, streaming or not.
func (s *Session) LastMessage() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// LastSpeaker returns the sender of the newest non-system, non-streaming message.
func (s *Session) LastSpeaker() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		m := s.Messages[i]
		if m.IsSystem || m.IsStreaming {
			continue
		}
		return m.SenderID
	}
	return ""
}

// MessageIndex returns the index of the message with id, or -1.
func (s *Session) MessageIndex(id string) int {
	return slices.IndexFunc(s.Messages, func(m Message) bool { return m.ID == id })
}

// HasMember reports whether agentID belongs to the session.
func (s *Session) HasMember(agentID string) bool { return slices.Contains(s.MemberIDs, agentID) }

// IsMuted reports whether agentID is silenced at now, by a live mute entry or the legacy list.
func (s *Session) IsMuted(agentID string, now time.Time) bool {
	if slices.Contains(s.MutedAgentIDs, agentID) {
		return true
	}
	_, ok := s.ActiveMute(agentID, now)
	return ok
}

// ActiveMute returns the unexpired mute entry for agentID.
func (s *Session) ActiveMute(agentID string, now time.Time) (MuteInfo, bool) {
	for _, m := range s.MutedAgents {
		if m.AgentID == agentID && !m.Expired(now) {
			return m, true
		}
	}
	return MuteInfo{}, false
}

func (s *Session) HasYielded(agentID string) bool { return slices.Contains(s.YieldedAgents, agentID) }

// ClearYield resets the yielded set and its anchor.
func (s *Session) ClearYield() {
	s.YieldedAgents = nil
	s.YieldedAtCount = nil
}

// Group organizes sessions in the sidebar.
type Group struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"createdAt"`
}

// Settings are the runtime knobs adjustable while the app is running.
type Settings struct {
	Autoplay           bool    `json:"autoplay"`
	Concurrency        bool    `json:"concurrency"`
	BreathingTimeMs    int     `json:"breathingTimeMs"`
	TurnTimeoutSeconds float64 `json:"turnTimeoutSeconds"`
	ActiveSessionID    string  `json:"activeSessionId,omitempty"`
}

func (s Settings) BreathingTime() time.Duration {
	return time.Duration(s.BreathingTimeMs) * time.Millisecond
}

func (s Settings) TurnTimeout() time.Duration {
	return time.Duration(s.TurnTimeoutSeconds * float64(time.Second))
}
