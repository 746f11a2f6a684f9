package channel

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"groupchat/internal/bus"
	"groupchat/internal/domain"
	"groupchat/internal/session"
)

// syncBuffer is a bytes.Buffer safe for the spinner goroutine.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func newTestCLI(input string) (*CLI, *bus.EventBus, *syncBuffer) {
	roster := session.NewRoster(nil, testLogger())
	roster.Load(allAgent, []domain.Provider{scriptedProvider})
	events := bus.NewEventBus(testLogger())
	out := &syncBuffer{}
	c := NewCLI(CLIConfig{
		SessionID: "s1",
		Events:    events,
		Renderer:  NewRenderer(roster, "小明"),
		Logger:    testLogger(),
		In:        strings.NewReader(input),
		Out:       out,
	})
	return c, events, out
}

func TestCLI_PublishesLinesUntilQuit(t *testing.T) {
	c, _, _ := newTestCLI("你好\n\n/mute Bob 5m\n/quit\nignored\n")
	cb := newCaptureBus(nil)

	if err := c.Start(context.Background(), cb); err != nil {
		t.Fatalf("start: %v", err)
	}
	if cb.count() != 2 {
		t.Fatalf("expected 2 published lines, got %d", cb.count())
	}
	first := cb.published[0]
	if first.Content != "你好" || first.Channel != "cli" || first.SessionID != "s1" || first.SenderID != domain.HumanUserID {
		t.Errorf("first: %+v", first)
	}
	if cb.published[1].Content != "/mute Bob 5m" {
		t.Errorf("command should pass through verbatim: %q", cb.published[1].Content)
	}
}

func TestCLI_ReturnsOnEOF(t *testing.T) {
	c, _, _ := newTestCLI("one line")
	cb := newCaptureBus(nil)
	if err := c.Start(context.Background(), cb); err != nil {
		t.Fatalf("start: %v", err)
	}
	if cb.count() != 1 {
		t.Errorf("expected 1 publish, got %d", cb.count())
	}
}

func TestCLI_PrintsSettledMessages(t *testing.T) {
	c, events, out := newTestCLI("")
	id := events.On("*", c.onEvent)
	defer events.Off("*", id)

	now := time.Now().UnixMilli()
	emit := func(typ string, m domain.Message) {
		events.Emit(bus.Event{Type: typ, SessionID: "s1", Payload: map[string]any{"message": m}})
	}
	emit(bus.EventMessageAdded, domain.Message{ID: "1", SenderID: "alice", Text: "占位", IsStreaming: true, Timestamp: now})
	emit(bus.EventMessageFinal, domain.Message{ID: "1", SenderID: "alice", Text: "大家好", Timestamp: now})
	emit(bus.EventMessageAdded, domain.Message{ID: "2", SenderID: domain.HumanUserID, Text: "自己的话", Timestamp: now})
	events.Emit(bus.Event{Type: bus.EventMessageAdded, SessionID: "other", Payload: map[string]any{
		"message": domain.Message{ID: "3", SenderID: "bob", Text: "别的群", Timestamp: now},
	}})
	events.Emit(bus.Event{Type: bus.EventAgentPassed, SessionID: "s1", Payload: map[string]any{"agentId": "bob"}})
	events.Emit(bus.Event{Type: bus.EventCommandResult, SessionID: "s1", Source: "cli", Payload: map[string]any{"text": "已静音"}})
	events.Emit(bus.Event{Type: bus.EventCommandResult, SessionID: "s1", Source: "web", Payload: map[string]any{"text": "网页命令"}})

	got := out.String()
	for _, want := range []string{"Alice", "大家好", "Bob 选择不发言", "已静音"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	for _, unwanted := range []string{"占位", "自己的话", "别的群", "网页命令"} {
		if strings.Contains(got, unwanted) {
			t.Errorf("output should not contain %q:\n%s", unwanted, got)
		}
	}
}

func TestCLI_ThinkingSpinner(t *testing.T) {
	c, events, out := newTestCLI("")
	id := events.On("*", c.onEvent)
	defer events.Off("*", id)

	events.Emit(bus.Event{Type: bus.EventBusyChanged, SessionID: "s1", Payload: map[string]any{"busy": []string{"alice", "bob"}}})
	waitUntil(t, "spinner frame", func() bool { return strings.Contains(out.String(), "Alice、Bob 正在输入") })

	events.Emit(bus.Event{Type: bus.EventBusyChanged, SessionID: "s1", Payload: map[string]any{"busy": []string{}}})
	c.outMu.Lock()
	thinking := c.thinking
	c.outMu.Unlock()
	if thinking {
		t.Error("spinner should stop when nobody is busy")
	}
}

func TestCLI_PlainOutputHasNoSpinner(t *testing.T) {
	c, events, out := newTestCLI("")
	c.plain = true
	id := events.On("*", c.onEvent)
	defer events.Off("*", id)

	events.Emit(bus.Event{Type: bus.EventBusyChanged, SessionID: "s1", Payload: map[string]any{"busy": []string{"alice"}}})
	events.Emit(bus.Event{Type: bus.EventMessageFinal, SessionID: "s1", Payload: map[string]any{
		"message": domain.Message{ID: "m1", SenderID: "alice", Text: "你好"},
	}})

	c.outMu.Lock()
	thinking := c.thinking
	c.outMu.Unlock()
	if thinking {
		t.Error("plain output must not start the spinner")
	}
	if s := out.String(); strings.Contains(s, "\033[K") || !strings.Contains(s, "你好") {
		t.Errorf("output: %q", s)
	}
}

func TestRenderer_Transcript(t *testing.T) {
	roster := session.NewRoster(nil, testLogger())
	roster.Load(allAgent, nil)
	r := NewRenderer(roster, "")

	sess := &domain.Session{
		Name:     "周末计划",
		Scenario: "去哪玩",
		Messages: []domain.Message{
			{ID: "1", SenderID: domain.HumanUserID, Text: "去爬山吗"},
			{ID: "2", SenderID: "alice", Text: "好主意", Attachment: &domain.Attachment{Kind: "image", MimeType: "image/png", Name: "map.png"}},
			{ID: "3", SenderID: "bob", Text: "还在想", IsStreaming: true},
			{ID: "4", SenderID: domain.SystemSenderID, Text: "Bob 被静音", IsSystem: true},
		},
	}
	out := r.Transcript(sess)
	for _, want := range []string{"周末计划", "场景: 去哪玩", "我", "去爬山吗", "Alice", "[附件: map.png]", "Bob 被静音"} {
		if !strings.Contains(out, want) {
			t.Errorf("transcript missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "还在想") {
		t.Error("streaming placeholders are not part of the transcript")
	}
}

func TestRenderer_NameFallsBackToID(t *testing.T) {
	r := NewRenderer(nil, "")
	if got := r.name("mystery"); got != "mystery" {
		t.Errorf("got %q", got)
	}
	if got := r.name(domain.SystemSenderID); got != "系统" {
		t.Errorf("got %q", got)
	}
}
