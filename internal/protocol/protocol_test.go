package protocol

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupchat/internal/domain"
)

func TestExtractResponse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		ok       bool
	}{
		{name: "simple", input: "{{RESPONSE: hello}}", expected: "hello", ok: true},
		{name: "surrounding noise", input: "thinking...\n{{RESPONSE: hi there}} trailing", expected: "hi there", ok: true},
		{name: "nested tag", input: "{{RESPONSE: {{REPLY: m1}} ok}}", expected: "{{REPLY: m1}} ok", ok: true},
		{name: "triple close", input: "{{RESPONSE: {{MUTE: A}}}}", expected: "{{MUTE: A}}", ok: true},
		{name: "unterminated", input: "{{RESPONSE: still typing", ok: false},
		{name: "missing", input: "just prose", ok: false},
		{name: "single brace inside", input: "{{RESPONSE: a {b} c}}", expected: "a {b} c", ok: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractResponse(tt.input)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestStripTags(t *testing.T) {
	assert.Equal(t, "hi", StripTags("{{MUTE: A,10min}} hi"))
	assert.Equal(t, "a  b", StripTags("a {{NOTE: x}} b"))
	assert.Equal(t, "done", StripTags("{{CLEARNOTES}}done{{PASS}}"))
	assert.Equal(t, "", StripTags("{{SEARCH: go generics}}"))
}

func TestInterpret_NeverLeaksTags(t *testing.T) {
	inputs := []string{
		"{{RESPONSE: {{MUTE: A,10min}} hi}}",
		"{{RESPONSE: {{REPLY: m1}}{{NOTE: keep calm}} ok}}",
		"{{RESPONSE: {{UNMUTE: Bob}} welcome back {{SEARCH: news}}}}",
		"{{RESPONSE: {{DELNOTE: calm}}{{CLEARNOTES}} fresh start}}",
	}
	for _, in := range inputs {
		res := Interpret(in, Options{AllowAdmin: true, AllowSearch: true})
		require.Equal(t, domain.DecisionSpeak, res.Decision.Kind, in)
		for _, tag := range []string{"RESPONSE", "PASS", "REPLY", "MUTE", "UNMUTE", "NOTE", "DELNOTE", "CLEARNOTES", "SEARCH", "{{", "}}"} {
			assert.NotContains(t, res.Decision.Text, tag, in)
		}
	}
}

func TestInterpret_PassCases(t *testing.T) {
	cases := map[string]string{
		"bare pass":         "{{PASS}}",
		"pass with prose":   "I have nothing to add. {{PASS}}",
		"pass inside block": "{{RESPONSE: {{PASS}}}}",
		"empty block":       "{{RESPONSE:   }}",
		"only tags":         "{{RESPONSE: {{MUTE: A}}}}",
		"no block":          "Sure, here is my answer.",
		"unterminated":      "{{RESPONSE: half an ans",
		"empty":             "",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			res := Interpret(in, Options{})
			assert.Equal(t, domain.DecisionPass, res.Decision.Kind)
			assert.Empty(t, res.Decision.Text)
		})
	}
}

func TestInterpret_Reply(t *testing.T) {
	res := Interpret("{{RESPONSE: {{REPLY: msg-42}} agreed}}", Options{})
	require.Equal(t, domain.DecisionSpeak, res.Decision.Kind)
	assert.Equal(t, "msg-42", res.Decision.ReplyToID)
	assert.Equal(t, "agreed", res.Decision.Text)

	// Not a prefix: no reply target, tag still stripped.
	res = Interpret("{{RESPONSE: agreed {{REPLY: msg-42}}}}", Options{})
	assert.Empty(t, res.Decision.ReplyToID)
	assert.Equal(t, "agreed", res.Decision.Text)
}

func TestInterpreter_StopsOnPass(t *testing.T) {
	in := NewInterpreter(Options{})
	_, stop := in.Feed(domain.StreamChunk{Text: "hmm {{PA"})
	assert.False(t, stop)
	_, stop = in.Feed(domain.StreamChunk{Text: "SS}} more"})
	assert.True(t, stop)
	assert.Equal(t, domain.DecisionPass, in.Finalize().Decision.Kind)
}

func TestInterpreter_DisplayWhileStreaming(t *testing.T) {
	in := NewInterpreter(Options{AllowAdmin: true})
	chunks := []string{"{{RESP", "ONSE: {{REPLY: m1}} Hello ", "there {{MU", "TE: Bob, 5m}} friend", "}}"}
	var shown []string
	for _, c := range chunks {
		d, _ := in.Feed(domain.StreamChunk{Text: c})
		shown = append(shown, d)
	}
	assert.Equal(t, []string{"", "Hello", "Hello there", "Hello there  friend", "Hello there  friend"}, shown)

	res := in.Finalize()
	assert.Equal(t, domain.DecisionSpeak, res.Decision.Kind)
	require.NotNil(t, res.Admin)
	assert.Equal(t, domain.ActionMute, res.Admin.Kind)
	assert.Equal(t, "Bob", res.Admin.Target)
	assert.Equal(t, 5*time.Minute, res.Admin.Duration)
}

func TestInterpreter_UsageAndReasoning(t *testing.T) {
	in := NewInterpreter(Options{})
	in.Feed(domain.StreamChunk{Reasoning: "let me think. "})
	in.Feed(domain.StreamChunk{Reasoning: "ok.", ReasoningSignature: "sig-1"})
	in.Feed(domain.StreamChunk{Text: "{{RESPONSE: yes}}", Usage: &domain.Usage{Input: 10, Output: 2}})
	in.Feed(domain.StreamChunk{Usage: &domain.Usage{Input: 10, Output: 5}})

	res := in.Finalize()
	assert.Equal(t, "let me think. ok.", res.Decision.ReasoningText)
	assert.Equal(t, "sig-1", res.Decision.ReasoningSignature)
	require.NotNil(t, res.Decision.Usage)
	assert.Equal(t, domain.Usage{Input: 10, Output: 5}, *res.Decision.Usage)
}

func TestDetectAdminAction(t *testing.T) {
	tests := []struct {
		name string
		text string
		want *domain.AdminAction
	}{
		{"mute default", "{{MUTE: Bob}}", &domain.AdminAction{Kind: domain.ActionMute, Target: "Bob", Duration: 30 * time.Minute}},
		{"mute fullwidth comma", "{{MUTE: 小明，2h}}", &domain.AdminAction{Kind: domain.ActionMute, Target: "小明", Duration: 2 * time.Hour}},
		{"mute permanent", "{{MUTE: Bob, 永久}}", &domain.AdminAction{Kind: domain.ActionMute, Target: "Bob", Permanent: true}},
		{"unmute", "{{UNMUTE: Bob }}", &domain.AdminAction{Kind: domain.ActionUnmute, Target: "Bob"}},
		{"note", "{{NOTE: stay on topic}}", &domain.AdminAction{Kind: domain.ActionNote, Text: "stay on topic"}},
		{"delnote not note", "{{DELNOTE: topic}}", &domain.AdminAction{Kind: domain.ActionDelNote, Target: "topic"}},
		{"clearnotes", "{{CLEARNOTES}}", &domain.AdminAction{Kind: domain.ActionClearNotes}},
		{"mute beats note", "{{NOTE: x}} {{MUTE: Bob, 1d}}", &domain.AdminAction{Kind: domain.ActionMute, Target: "Bob", Duration: 24 * time.Hour}},
		{"first mute wins", "{{MUTE: A, 1m}} {{MUTE: B, 2m}}", &domain.AdminAction{Kind: domain.ActionMute, Target: "A", Duration: time.Minute}},
		{"none", "nothing here", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectAdminAction(tt.text))
		})
	}
}

func TestInterpret_AdminRequiresPermission(t *testing.T) {
	text := "{{RESPONSE: {{MUTE: Bob}} quiet please}}"
	assert.Nil(t, Interpret(text, Options{}).Admin)
	assert.NotNil(t, Interpret(text, Options{AllowAdmin: true}).Admin)
}

func TestInterpret_Search(t *testing.T) {
	text := "{{RESPONSE: let me check {{SEARCH: golang 1.25 release}}}}"
	assert.Empty(t, Interpret(text, Options{}).SearchQuery)

	res := Interpret(text, Options{AllowSearch: true})
	assert.Equal(t, "golang 1.25 release", res.SearchQuery)
	assert.Equal(t, "let me check", res.Decision.Text)
}

func TestParseMuteDuration(t *testing.T) {
	tests := []struct {
		in        string
		d         time.Duration
		permanent bool
	}{
		{"", 30 * time.Minute, false},
		{"10", 10 * time.Minute, false},
		{"10min", 10 * time.Minute, false},
		{"10m", 10 * time.Minute, false},
		{"2h", 2 * time.Hour, false},
		{"1d", 24 * time.Hour, false},
		{"15分钟", 15 * time.Minute, false},
		{"3小时", 3 * time.Hour, false},
		{"0", 0, true},
		{"permanent", 0, true},
		{"永久", 0, true},
		{"soon", 30 * time.Minute, false},
		{"999999999d", 0, true},
		{"99999999999999999999h", 0, true},
		{"366d", 0, true},
		{"365d", MaxMuteDuration, false},
		{"0.0001s", time.Second, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			d, p := ParseMuteDuration(tt.in)
			assert.Equal(t, tt.d, d)
			assert.Equal(t, tt.permanent, p)
		})
	}
}

func TestDisplayText_HidesDanglingTag(t *testing.T) {
	assert.Equal(t, "", DisplayText("no block yet"))
	assert.Equal(t, "abc", DisplayText("{{RESPONSE: abc {{SEA"))
	assert.Equal(t, "abc", DisplayText("{{RESPONSE: abc }"))
	assert.False(t, strings.Contains(DisplayText("{{RESPONSE: x {{NOTE: hidden}} y"), "hidden"))
}
