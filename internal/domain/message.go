package domain

import "time"

// InboundMessage is something the human typed into a channel.
type InboundMessage struct {
	Channel    string
	SessionID  string
	SenderID   string
	Content    string
	Attachment *Attachment
	Timestamp  time.Time
}
