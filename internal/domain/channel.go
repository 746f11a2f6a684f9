package domain

import "context"

// Channel is a user-facing surface (CLI, Web, Telegram).
type Channel interface {
	Name() string
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
}
