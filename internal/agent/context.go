package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"groupchat/internal/domain"
	"groupchat/internal/session"
)

const defaultContextWindow = 50

// PromptConfig configures the prompt builder.
type PromptConfig struct {
	Roster    *session.Roster
	Vision    domain.ImageDescriber // optional
	Logger    *slog.Logger
	HumanName string
	Now       func() time.Time
}

// PromptBuilder turns a session into the system prompt and visible history
// for one agent's turn.
type PromptBuilder struct {
	roster    *session.Roster
	vision    domain.ImageDescriber
	logger    *slog.Logger
	humanName string
	now       func() time.Time

	// image descriptions keyed by message id
	descriptions sync.Map
}

// PromptOptions selects which parts of the grammar the agent is told about.
type PromptOptions struct {
	AllowSearch bool
	AllowAdmin  bool
}

func NewPromptBuilder(cfg PromptConfig) *PromptBuilder {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HumanName == "" {
		cfg.HumanName = "用户"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &PromptBuilder{
		roster:    cfg.Roster,
		vision:    cfg.Vision,
		logger:    cfg.Logger,
		humanName: cfg.HumanName,
		now:       cfg.Now,
	}
}

// Build returns the system prompt and the chat history. Live placeholders and
// errored messages are never part of the history. Image attachments are
// passed through for vision models, described through the vision proxy when
// the agent asks for it, and replaced by a marker otherwise.
func (p *PromptBuilder) Build(ctx context.Context, sess *domain.Session, agent domain.Agent, model domain.Model, opts PromptOptions) (string, []domain.ChatMessage) {
	return p.systemPrompt(sess, agent, opts), p.history(ctx, sess, agent, model)
}

func (p *PromptBuilder) systemPrompt(sess *domain.Session, agent domain.Agent, opts PromptOptions) string {
	var sb strings.Builder

	if strings.TrimSpace(agent.SystemPrompt) != "" {
		sb.WriteString(strings.TrimSpace(agent.SystemPrompt))
		sb.WriteString("\n\n")
	}

	now := p.now()
	fmt.Fprintf(&sb, "# 群聊「%s」\n", sess.Name)
	fmt.Fprintf(&sb, "你是群成员「%s」。当前时间：%s\n", agent.Name, now.Format("2006-01-02 15:04"))

	members := p.roster.Members(sess)
	names := make([]string, 0, len(members)+1)
	names = append(names, p.humanName+"（人类）")
	for _, m := range members {
		label := m.Name
		if isSessionAdmin(sess, m) {
			label += "（管理员）"
		}
		if sess.IsMuted(m.ID, now) {
			label += "（禁言中）"
		}
		names = append(names, label)
	}
	fmt.Fprintf(&sb, "成员：%s\n", strings.Join(names, "、"))

	if s := strings.TrimSpace(sess.Scenario); s != "" {
		fmt.Fprintf(&sb, "\n## 场景\n%s\n", s)
	}
	if s := strings.TrimSpace(sess.Summary); s != "" {
		fmt.Fprintf(&sb, "\n## 之前的对话摘要\n%s\n", s)
	}
	if sess.Memory.IncludeNotes && len(sess.AdminNotes) > 0 {
		sb.WriteString("\n## 管理员笔记\n")
		for _, n := range sess.AdminNotes {
			fmt.Fprintf(&sb, "- %s\n", n)
		}
	}

	sb.WriteString(`
## 发言规则
- 想说话时，把要说的话完整地放进 {{RESPONSE: 你的发言}}。
- 不想说话时只输出 {{PASS}}。没有 RESPONSE 块也视为不发言。
- 要回复某条消息，在 RESPONSE 内容最前面加 {{REPLY: 消息ID}}，消息ID 见历史中的 #编号。
- 不要替别人发言，也不要重复自己说过的话。
`)
	if opts.AllowSearch {
		sb.WriteString("- 需要查最新信息时，在 RESPONSE 中加入 {{SEARCH: 关键词}}，搜索结果会在下一轮给你。\n")
	}
	if opts.AllowAdmin {
		sb.WriteString(`
## 管理员指令（仅你可用，每轮最多生效一条）
- {{MUTE: 名字, 30min}} 禁言成员，时长可用 min/h/d，0 表示永久；不能禁言管理员和人类。
- {{UNMUTE: 名字}} 解除禁言。
- {{NOTE: 内容}} 记录群笔记；{{DELNOTE: 关键词}} 删除笔记；{{CLEARNOTES}} 清空笔记。
`)
	}
	return sb.String()
}

func (p *PromptBuilder) history(ctx context.Context, sess *domain.Session, agent domain.Agent, model domain.Model) []domain.ChatMessage {
	window := sess.Memory.ContextWindow
	if window <= 0 {
		window = defaultContextWindow
	}

	visible := make([]domain.Message, 0, len(sess.Messages))
	for _, m := range sess.Messages {
		if m.IsStreaming || m.IsError {
			continue
		}
		visible = append(visible, m)
	}
	if len(visible) > window {
		visible = visible[len(visible)-window:]
	}

	var out []domain.ChatMessage
	for _, m := range visible {
		cm := domain.ChatMessage{Role: "user"}
		switch {
		case m.SenderID == agent.ID && !m.IsSearchResult:
			cm.Role = "assistant"
			cm.Content = m.Text
		default:
			cm.Content = fmt.Sprintf("[%s #%s]: %s", p.senderName(m), m.ID, m.Text)
		}

		if a := m.Attachment; a != nil && a.IsImage() {
			switch {
			case model.Vision:
				cm.Images = append(cm.Images, *a)
			case agent.VisionProxy && p.vision != nil:
				cm.Content += "\n" + p.describe(ctx, m.ID, *a)
			default:
				cm.Content += fmt.Sprintf("\n[图片: %s]", a.Name)
			}
		} else if a != nil {
			cm.Content += fmt.Sprintf("\n[附件: %s]", a.Name)
		}

		// Providers want alternating roles; fold runs of the same role.
		if n := len(out); n > 0 && out[n-1].Role == cm.Role {
			out[n-1].Content += "\n" + cm.Content
			out[n-1].Images = append(out[n-1].Images, cm.Images...)
			continue
		}
		out = append(out, cm)
	}
	return out
}

func (p *PromptBuilder) senderName(m domain.Message) string {
	switch {
	case m.IsSystem || m.SenderID == domain.SystemSenderID:
		return "系统"
	case m.SenderID == domain.HumanUserID:
		return p.humanName
	}
	name := m.SenderID
	if a, ok := p.roster.Agent(m.SenderID); ok {
		name = a.Name
	}
	if m.IsSearchResult {
		name += " 的搜索结果"
	}
	return name
}

// describe asks the vision proxy for a caption. Failures become part of the
// text instead of failing the turn.
func (p *PromptBuilder) describe(ctx context.Context, msgID string, a domain.Attachment) string {
	if v, ok := p.descriptions.Load(msgID); ok {
		return v.(string)
	}
	desc, err := p.vision.Describe(ctx, a.Data, a.MimeType)
	if err != nil {
		p.logger.Warn("image description failed", "message", msgID, "err", err)
		return fmt.Sprintf("[图片描述失败: %v]", err)
	}
	text := fmt.Sprintf("[图片描述: %s]", strings.TrimSpace(desc))
	p.descriptions.Store(msgID, text)
	return text
}
