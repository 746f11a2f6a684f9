package domain

import "time"

// DecisionKind is the outcome of a turn.
type DecisionKind int

const (
	DecisionPass DecisionKind = iota
	DecisionSpeak
)

func (k DecisionKind) String() string {
	if k == DecisionSpeak {
		return "speak"
	}
	return "pass"
}

// Decision is the interpreted result of an agent's streamed output.
type Decision struct {
	Kind               DecisionKind
	Text               string
	ReplyToID          string
	ReasoningText      string
	ReasoningSignature string
	Usage              *Usage
}

// AdminActionKind enumerates the moderation commands.
type AdminActionKind string

const (
	ActionMute       AdminActionKind = "mute"
	ActionUnmute     AdminActionKind = "unmute"
	ActionNote       AdminActionKind = "note"
	ActionDelNote    AdminActionKind = "delnote"
	ActionClearNotes AdminActionKind = "clearnotes"
)

// AdminAction is a moderation command extracted from an admin's output.
type AdminAction struct {
	Kind      AdminActionKind
	Target    string // agent name for mute/unmute, keyword for delnote
	Duration  time.Duration
	Permanent bool
	Text      string // note body
}
