package agent

import (
	"slices"
	"testing"

	"groupchat/internal/domain"
)

func TestParseMentions(t *testing.T) {
	agents := []domain.Agent{
		{ID: "gpt", Name: "GPT"},
		{ID: "gpt4o", Name: "GPT-4o"},
		{ID: "gemini", Name: "Gemini"},
		{ID: "ds", Name: "DeepSeek"},
		{ID: "xm", Name: "小明"},
	}
	tests := []struct {
		text string
		want []string
	}{
		{"@Gemini 你好", []string{"gemini"}},
		{"@gemini你好", []string{"gemini"}},
		{"@GPT-4o 和 @GPT 谁更强", []string{"gpt4o", "gpt"}},
		{"@Deep 你怎么看", []string{"ds"}},
		{"@小明 @Gemini @小明", []string{"xm", "gemini"}},
		{"＠ＧＰＴ-4o 你好", []string{"gpt4o"}},
		{"＠小明 你呢", []string{"xm"}},
		{"email me at a@b.com", nil},
		{"没有提到任何人", nil},
	}
	for _, tt := range tests {
		got := ParseMentions(tt.text, agents)
		if !slices.Equal(got, tt.want) {
			t.Errorf("ParseMentions(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestMentionsAll(t *testing.T) {
	for _, s := range []string{"@all hi", "@ALL", "@全体成员 开会", "大家 @所有人", "@everyone", "＠ＡＬＬ"} {
		if !MentionsAll(s) {
			t.Errorf("expected %q to mention everyone", s)
		}
	}
	if MentionsAll("@Gemini hi") {
		t.Error("a single mention is not @all")
	}
}

func TestCost(t *testing.T) {
	m := domain.Model{ID: "m", InputPrice: 2, OutputPrice: 10}
	if got := Cost(&domain.Usage{Input: 1_000_000, Output: 500_000}, m); got != 7 {
		t.Fatalf("expected 7, got %v", got)
	}
	if got := Cost(nil, m); got != 0 {
		t.Fatalf("no usage costs nothing, got %v", got)
	}
}
