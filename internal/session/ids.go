package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID returns a random id with a readable prefix, e.g. "sess-1f0c...".
func NewID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// NewMessageID ties a message id to its sender so transcripts stay greppable.
func NewMessageID(senderID string, at time.Time) string {
	short := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return fmt.Sprintf("%s-%d-%s", senderID, at.UnixMilli(), short)
}

// DefaultTitle names a session nobody has titled yet.
const DefaultTitle = "新的群聊"

// TitleFrom derives a session name from the first thing the human said.
func TitleFrom(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return DefaultTitle
	}
	if idx := strings.IndexAny(text, "\n\r"); idx > 0 {
		text = text[:idx]
	}
	runes := []rune(text)
	if len(runes) > 30 {
		text = string(runes[:30]) + "..."
	}
	return text
}
