package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"groupchat/internal/domain"
)

func TestParseCommand(t *testing.T) {
	cmd := ParseCommand("  /Mute DeepSeek 2h ")
	if cmd == nil || cmd.Name != "mute" || len(cmd.Args) != 2 || cmd.Args[1] != "2h" {
		t.Fatalf("unexpected parse %+v", cmd)
	}
	if ParseCommand("hello /mute") != nil {
		t.Fatal("text not starting with / is not a command")
	}
	if ParseCommand("/") != nil {
		t.Fatal("a lone slash is not a command")
	}
	if got := ParseCommand("/scenario 在  咖啡馆").rest(); got != "在  咖啡馆" {
		t.Fatalf("rest should keep inner spacing, got %q", got)
	}
}

func TestHandleCommand(t *testing.T) {
	h := newHarness(t, harnessOpts{}, geminiAgent, deepseekAgent)
	h.src.replies["gemini"] = []string{"{{RESPONSE: 到}}"}
	run := func(text string) CommandResult {
		t.Helper()
		return h.sched.HandleCommand(t.Context(), h.sessID, ParseCommand(text))
	}

	if res := run("/auto on"); !res.Handled || !h.sched.Settings().Autoplay {
		t.Fatalf("/auto on: %+v", res)
	}
	if res := run("/auto"); !strings.Contains(res.Response, "关") || h.sched.Settings().Autoplay {
		t.Fatalf("/auto should toggle off: %+v", res)
	}
	run("/breathing 250")
	if h.sched.Settings().BreathingTimeMs != 250 {
		t.Fatalf("breathing not set: %+v", h.sched.Settings())
	}
	run("/timeout 30")
	if h.sched.Settings().TurnTimeout() != 30*time.Second {
		t.Fatalf("timeout not set: %+v", h.sched.Settings())
	}

	if res := run("/mute Deep 1h"); !strings.Contains(res.Response, "1小时") {
		t.Fatalf("/mute: %+v", res)
	}
	if !h.session(t).IsMuted("deepseek", time.Now()) {
		t.Fatal("deepseek should be muted")
	}
	run("/unmute DeepSeek")
	if h.session(t).IsMuted("deepseek", time.Now()) {
		t.Fatal("deepseek should be unmuted")
	}

	run("/scenario 深夜食堂")
	if h.session(t).Scenario != "深夜食堂" {
		t.Fatal("scenario not set")
	}

	h.sched.PostHumanMessage(h.sessID, "在吗", nil)
	if res := run("/poke gem"); !strings.Contains(res.Response, "Gemini") {
		t.Fatalf("/poke: %+v", res)
	}
	h.sched.Wait()
	if last, _ := h.session(t).LastMessage(); last.Text != "到" {
		t.Fatalf("poked agent should answer, got %+v", last)
	}

	if res := run("/status"); !strings.Contains(res.Response, "Gemini") || !strings.Contains(res.Response, "DeepSeek") {
		t.Fatalf("/status: %q", res.Response)
	}
	if res := run("/unknown"); res.Handled {
		t.Fatal("unknown commands pass through")
	}
}

type brokenPersister struct{ domain.Persister }

func (brokenPersister) SaveSettings(ctx context.Context, s domain.Settings) error {
	return errors.New("disk full")
}

func TestHandleCommand_ReportsSaveFailures(t *testing.T) {
	h := newHarness(t, harnessOpts{}, geminiAgent, deepseekAgent)
	h.sched.persister = brokenPersister{}

	for _, text := range []string{"/auto on", "/concurrency on", "/breathing 250", "/timeout 30"} {
		res := h.sched.HandleCommand(t.Context(), h.sessID, ParseCommand(text))
		if !strings.Contains(res.Response, "保存失败") || !strings.Contains(res.Response, "disk full") {
			t.Errorf("%s: expected the save error, got %q", text, res.Response)
		}
	}
	st := h.sched.Settings()
	if !st.Autoplay || !st.Concurrency || st.BreathingTimeMs != 250 || st.TurnTimeout() != 30*time.Second {
		t.Fatalf("settings should still apply: %+v", st)
	}
}
