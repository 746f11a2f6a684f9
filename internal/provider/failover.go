package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"groupchat/internal/domain"
)

// FailoverSource tries sources in order. It moves on only while nothing has
// been streamed yet; once text has reached the caller, a failure is final.
type FailoverSource struct {
	sources []domain.StreamSource
	logger  *slog.Logger
}

// NewFailoverSource creates a failover chain. At least one source is required.
func NewFailoverSource(sources []domain.StreamSource, logger *slog.Logger) *FailoverSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &FailoverSource{sources: sources, logger: logger}
}

func (fs *FailoverSource) Name() string {
	names := make([]string, len(fs.sources))
	for i, s := range fs.sources {
		names[i] = s.Name()
	}
	return "failover(" + strings.Join(names, "→") + ")"
}

func (fs *FailoverSource) Stream(ctx context.Context, req domain.StreamRequest, out chan<- domain.StreamChunk) error {
	defer close(out)
	if len(fs.sources) == 0 {
		return errors.New("failover: no sources configured")
	}

	var errs []error
	for i, src := range fs.sources {
		sent, err := fs.forward(ctx, src, req, out)
		if err == nil {
			return nil
		}
		if sent || ctx.Err() != nil {
			return err
		}
		errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
		if i < len(fs.sources)-1 {
			fs.logger.Warn("source failed, trying next", "source", src.Name(), "err", err)
		}
	}
	return fmt.Errorf("all sources failed: %w", errors.Join(errs...))
}

// forward runs one source into out and reports whether any chunk got through.
func (fs *FailoverSource) forward(ctx context.Context, src domain.StreamSource, req domain.StreamRequest, out chan<- domain.StreamChunk) (sent bool, err error) {
	inner := make(chan domain.StreamChunk, 8)
	errCh := make(chan error, 1)
	go func() { errCh <- src.Stream(ctx, req, inner) }()

	for c := range inner {
		if err := send(ctx, out, c); err != nil {
			for range inner {
			}
			<-errCh
			return sent, err
		}
		sent = true
	}
	return sent, <-errCh
}
