package channel

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"

	"groupchat/internal/bus"
	"groupchat/internal/domain"
	"groupchat/internal/session"
)

// mirrorSession returns the session a chat-app mirror follows. An empty id
// picks the first session, creating one with every active agent if none exist.
func mirrorSession(sessions *session.Store, roster *session.Roster, id, name string) (string, error) {
	if id != "" {
		if _, err := sessions.Get(id); err != nil {
			return "", fmt.Errorf("%s mirror: %w", name, err)
		}
		return id, nil
	}
	if list := sessions.List(); len(list) > 0 {
		return list[0].ID, nil
	}
	var members []string
	for _, a := range roster.Agents() {
		if a.Active() {
			members = append(members, a.ID)
		}
	}
	return sessions.Create(name, "", members, nil).ID, nil
}

// mirrorText renders the events a mirror forwards: settled messages not
// written by the human, and command results for commands typed on source.
// Everything else yields "".
func mirrorText(roster *session.Roster, e bus.Event, sessionID, source string) string {
	if e.SessionID != sessionID {
		return ""
	}
	switch e.Type {
	case bus.EventMessageAdded, bus.EventMessageFinal:
		m, ok := e.Payload["message"].(domain.Message)
		if !ok || m.IsStreaming || m.SenderID == domain.HumanUserID {
			return ""
		}
		if m.IsSystem {
			return "· " + m.Text
		}
		name := m.SenderID
		if roster != nil {
			if a, ok := roster.Agent(m.SenderID); ok {
				name = a.Name
			}
		}
		return fmt.Sprintf("【%s】%s", name, m.Text)
	case bus.EventCommandResult:
		if e.Source != source {
			return ""
		}
		text, _ := e.Payload["text"].(string)
		return text
	}
	return ""
}

// fetchImage downloads an image posted in a chat app as an inline attachment.
func fetchImage(ctx context.Context, client *http.Client, url, mimeType, name string, limit int64) (*domain.Attachment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, err
	}
	return &domain.Attachment{
		Kind:     "image",
		MimeType: mimeType,
		Name:     name,
		Data:     base64.StdEncoding.EncodeToString(data),
	}, nil
}
