package provider

import (
	"bufio"
	"context"
	"io"
	"strings"

	"groupchat/internal/domain"
)

// maxLineSize bounds a single SSE or NDJSON line.
const maxLineSize = 1 << 20

type sseEvent struct {
	event string
	data  string
}

// readSSE scans a text/event-stream body and hands each complete event to fn.
// It stops when fn returns done, on a read error, or at EOF.
func readSSE(r io.Reader, fn func(ev sseEvent) (done bool, err error)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var ev sseEvent
	var data []string
	dispatch := func() (bool, error) {
		if len(data) == 0 {
			ev = sseEvent{}
			return false, nil
		}
		ev.data = strings.Join(data, "\n")
		done, err := fn(ev)
		ev, data = sseEvent{}, data[:0]
		return done, err
	}

	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if done, err := dispatch(); done || err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			ev.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	_, err := dispatch()
	return err
}

// send delivers c unless ctx is done first.
func send(ctx context.Context, out chan<- domain.StreamChunk, c domain.StreamChunk) error {
	select {
	case out <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// streamErr prefers the context error over a read error caused by the
// body being torn down on cancel.
func streamErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
