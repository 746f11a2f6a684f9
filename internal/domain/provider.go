package domain

import "context"

// StreamChunk is one increment from a provider stream. Usage, when set, is
// cumulative for the turn; the last one seen wins.
type StreamChunk struct {
	Text               string `json:"text,omitempty"`
	Reasoning          string `json:"reasoning,omitempty"`
	ReasoningSignature string `json:"reasoningSignature,omitempty"`
	Usage              *Usage `json:"usage,omitempty"`
}

// ChatMessage is a provider-neutral conversation entry.
type ChatMessage struct {
	Role    string       `json:"role"` // user | assistant
	Content string       `json:"content"`
	Images  []Attachment `json:"images,omitempty"`
}

// StreamRequest carries everything a provider needs for one turn.
type StreamRequest struct {
	Agent        Agent
	Provider     Provider
	Model        Model
	SystemPrompt string
	Messages     []ChatMessage
	EnableSearch bool
}

// StreamSource produces a chunk stream for one turn. Implementations must
// close out before returning and stop sending once ctx is done.
type StreamSource interface {
	Name() string
	Stream(ctx context.Context, req StreamRequest, out chan<- StreamChunk) error
}

// SourceResolver returns the stream source for a configured provider.
type SourceResolver interface {
	Resolve(p Provider) (StreamSource, error)
}

// ImageDescriber converts an image into text for models without vision.
type ImageDescriber interface {
	Describe(ctx context.Context, base64Data, mimeType string) (string, error)
}
