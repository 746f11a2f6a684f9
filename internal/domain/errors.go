package domain

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrAgentNotFound   = errors.New("agent not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrNotConfigured   = errors.New("agent has no provider or model")
	ErrNotEligible     = errors.New("agent not eligible to speak")
	ErrTurnTimeout     = errors.New("turn timed out")
	ErrUserAbort       = errors.New("stopped by user")
	ErrPermission      = errors.New("permission denied")
)

// ProviderError is a non-retryable (or exhausted) upstream failure.
type ProviderError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Provider, e.Body)
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}
