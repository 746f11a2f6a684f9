package channel

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"groupchat/internal/domain"
	"groupchat/internal/session"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")).
			Padding(0, 1).
			MarginBottom(1)

	metaStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	humanStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	systemStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Italic(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	timestampStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	contentStyle = lipgloss.NewStyle().PaddingLeft(2)

	// agents get a stable colour from their id
	agentPalette = []lipgloss.Color{"135", "42", "214", "33", "170", "81", "208", "111"}
)

// Renderer formats transcript messages for a terminal.
type Renderer struct {
	roster    *session.Roster
	humanName string
}

func NewRenderer(roster *session.Roster, humanName string) *Renderer {
	if humanName == "" {
		humanName = "我"
	}
	return &Renderer{roster: roster, humanName: humanName}
}

func (r *Renderer) name(senderID string) string {
	switch senderID {
	case domain.HumanUserID:
		return r.humanName
	case domain.SystemSenderID:
		return "系统"
	}
	if r.roster != nil {
		if a, ok := r.roster.Agent(senderID); ok {
			return a.Name
		}
	}
	return senderID
}

func agentStyle(id string) lipgloss.Style {
	h := fnv.New32a()
	h.Write([]byte(id))
	c := agentPalette[h.Sum32()%uint32(len(agentPalette))]
	return lipgloss.NewStyle().Foreground(c).Bold(true)
}

// Message renders one settled message.
func (r *Renderer) Message(m domain.Message) string {
	ts := timestampStyle.Render(time.UnixMilli(m.Timestamp).Format("15:04:05"))

	switch {
	case m.IsSystem && m.IsError:
		return ts + " " + errorStyle.Render(m.Text)
	case m.IsSystem:
		return ts + " " + systemStyle.Render(m.Text)
	}

	var who string
	if m.SenderID == domain.HumanUserID {
		who = humanStyle.Render(r.name(m.SenderID))
	} else {
		who = agentStyle(m.SenderID).Render(r.name(m.SenderID))
	}

	text := m.Text
	if m.Attachment != nil {
		text = strings.TrimSpace(text + fmt.Sprintf("\n[附件: %s]", attachmentLabel(*m.Attachment)))
	}
	body := contentStyle.Render(text)
	if m.IsError {
		body = errorStyle.Render(body)
	}
	return ts + " " + who + "\n" + body
}

func attachmentLabel(a domain.Attachment) string {
	if a.Name != "" {
		return a.Name
	}
	return a.MimeType
}

// Transcript renders a whole session with a header line.
func (r *Renderer) Transcript(sess *domain.Session) string {
	var sb strings.Builder
	sb.WriteString(headerStyle.Render(sess.Name))
	sb.WriteString("\n")
	sb.WriteString(metaStyle.Render(fmt.Sprintf("%s · %d 条消息 · 花费 $%.4f",
		time.UnixMilli(sess.CreatedAt).Format("2006-01-02 15:04"), sess.MessageCount(), sess.TotalCost)))
	sb.WriteString("\n\n")
	if sess.Scenario != "" {
		sb.WriteString(systemStyle.Render("场景: " + sess.Scenario))
		sb.WriteString("\n\n")
	}
	for _, m := range sess.Messages {
		if m.IsStreaming {
			continue
		}
		sb.WriteString(r.Message(m))
		sb.WriteString("\n")
	}
	return sb.String()
}
