package agent

import (
	"fmt"
	"strings"
	"time"

	"groupchat/internal/domain"
	"groupchat/internal/session"
)

func systemMessage(text string, at time.Time) domain.Message {
	return domain.Message{
		ID:        session.NewMessageID(domain.SystemSenderID, at),
		SenderID:  domain.SystemSenderID,
		Text:      text,
		Timestamp: at.UnixMilli(),
		IsSystem:  true,
	}
}

// systemError is a system notice the scheduler will not react to.
func systemError(text string, at time.Time) domain.Message {
	m := systemMessage(text, at)
	m.IsError = true
	return m
}

func errorSuffix(at time.Time, msg string) string {
	return fmt.Sprintf("\n\n[%s] [错误: %s]", at.Format("15:04:05"), msg)
}

func timeoutSuffix(at time.Time) string {
	return fmt.Sprintf("\n\n[%s] [响应超时，已强制终止]", at.Format("15:04:05"))
}

func configErrorText(agentName string) string {
	return fmt.Sprintf("[错误: %s 未配置模型或提供商]", agentName)
}

// formatMuteDuration renders a mute length the way the chat shows it.
func formatMuteDuration(d time.Duration, permanent bool) string {
	switch {
	case permanent:
		return "永久"
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		return fmt.Sprintf("%d天", d/(24*time.Hour))
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%d小时", d/time.Hour)
	case d >= time.Minute:
		return fmt.Sprintf("%d分钟", int(d.Round(time.Minute)/time.Minute))
	default:
		return fmt.Sprintf("%d秒", int(d.Round(time.Second)/time.Second))
	}
}

// formatSearchResult renders search hits as the message the agent reads on
// its follow-up turn.
func formatSearchResult(res *domain.SearchResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🔍 搜索: %s", res.Query)
	if len(res.Results) == 0 {
		b.WriteString("\n\n(无结果)")
		return b.String()
	}
	b.WriteString("\n")
	for i, h := range res.Results {
		fmt.Fprintf(&b, "\n%d. %s", i+1, h.Title)
		if h.Snippet != "" {
			fmt.Fprintf(&b, "\n   %s", h.Snippet)
		}
		if h.URL != "" {
			fmt.Fprintf(&b, "\n   %s", h.URL)
		}
	}
	return b.String()
}
