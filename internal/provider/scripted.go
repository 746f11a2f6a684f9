package provider

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"groupchat/internal/domain"
)

// Scripted is an offline stream source. Each model id is a persona; replies
// are picked from canned lines and streamed in small pieces so the whole
// pipeline can be exercised without network access.
type Scripted struct {
	delay time.Duration

	mu  sync.Mutex
	rng *rand.Rand
	n   map[string]int
}

type ScriptedConfig struct {
	ChunkDelay time.Duration
	Seed       uint64
}

func NewScripted(cfg ScriptedConfig) *Scripted {
	return &Scripted{
		delay: cfg.ChunkDelay,
		rng:   rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		n:     make(map[string]int),
	}
}

func (s *Scripted) Name() string { return "scripted" }

var scriptedLines = []string{
	"我同意前面的看法，不过还可以补充一点。",
	"这个问题挺有意思，我换个角度说说。",
	"我觉得我们可以先把目标定清楚。",
	"有道理，但我有一点不同意见。",
	"举个具体的例子可能更好理解。",
}

// Reply returns the raw output the source would stream for the next turn of
// an agent. Every third turn passes.
func (s *Scripted) Reply(agent domain.Agent) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.n[agent.ID]
	s.n[agent.ID]++
	if n%3 == 2 {
		return "{{PASS}}"
	}
	line := scriptedLines[s.rng.IntN(len(scriptedLines))]
	return fmt.Sprintf("{{RESPONSE:%s}}", line)
}

func (s *Scripted) Stream(ctx context.Context, req domain.StreamRequest, out chan<- domain.StreamChunk) error {
	defer close(out)

	reply := s.Reply(req.Agent)
	rs := []rune(reply)
	for len(rs) > 0 {
		k := min(3, len(rs))
		if err := send(ctx, out, domain.StreamChunk{Text: string(rs[:k])}); err != nil {
			return err
		}
		rs = rs[k:]
		if s.delay > 0 {
			select {
			case <-time.After(s.delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	in := len([]rune(req.SystemPrompt))
	for _, m := range req.Messages {
		in += len([]rune(m.Content))
	}
	usage := &domain.Usage{Input: in / 2, Output: len(strings.TrimSpace(reply)) / 2}
	return send(ctx, out, domain.StreamChunk{Usage: usage})
}
