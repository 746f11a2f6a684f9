package channel

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"

	"groupchat/internal/bus"
	"groupchat/internal/domain"
	"groupchat/internal/session"
)

type sentMessage struct{ channel, text string }

type fakeDiscord struct {
	mu   sync.Mutex
	sent []sentMessage
	fail map[string]bool // channel ids that reject sends
}

func (f *fakeDiscord) ChannelMessageSend(channelID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[channelID] {
		return nil, errors.New("missing access")
	}
	f.sent = append(f.sent, sentMessage{channelID, content})
	return &discordgo.Message{ChannelID: channelID, Content: content}, nil
}

func newTestDiscord(cfg DiscordConfig) (*Discord, *fakeDiscord, *captureBus) {
	roster := session.NewRoster(nil, testLogger())
	roster.Load(allAgent, nil)
	cfg.Token = "x"
	cfg.SessionID = "s1"
	cfg.Roster = roster
	cfg.Logger = testLogger()
	d := NewDiscord(cfg)
	f := &fakeDiscord{}
	d.sender = f
	cb := newCaptureBus(nil)
	d.inbound = cb
	return d, f, cb
}

func discordMessage(guild, channel, author, content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{Message: &discordgo.Message{
		GuildID:   guild,
		ChannelID: channel,
		Content:   content,
		Author:    &discordgo.User{ID: author, Username: author},
	}}
}

func TestDiscord_HandleMessage(t *testing.T) {
	d, _, cb := newTestDiscord(DiscordConfig{GuildID: "g1", ChannelID: "c1", AllowFrom: []string{"u1", " "}})
	ctx := context.Background()

	d.handleMessage(ctx, discordMessage("g1", "c1", "bot", "echo"), "bot")
	d.handleMessage(ctx, discordMessage("g2", "c1", "u1", "wrong guild"), "bot")
	d.handleMessage(ctx, discordMessage("g1", "c9", "u1", "wrong channel"), "bot")
	if cb.count() != 0 {
		t.Fatalf("filtered messages reached the bus: %+v", cb.published)
	}

	d.handleMessage(ctx, discordMessage("g1", "c1", "u2", "let me in"), "bot")
	if cb.count() != 0 {
		t.Fatal("unauthorized users must not reach the bus")
	}
	if out := <-d.outbox; out.channelID != "c1" || !strings.Contains(out.text, "允许列表") {
		t.Errorf("refusal: %+v", out)
	}

	d.handleMessage(ctx, discordMessage("g1", "c1", "u1", "  大家好 "), "bot")
	got := cb.last(t)
	if got.Content != "大家好" || got.Channel != "discord" || got.SessionID != "s1" || got.SenderID != domain.HumanUserID {
		t.Errorf("text: %+v", got)
	}

	d.handleMessage(ctx, discordMessage("g1", "c1", "u1", "!mute Bob 5m"), "bot")
	if got := cb.last(t); got.Content != "/mute Bob 5m" {
		t.Errorf("bang command: %q", got.Content)
	}

	// direct messages bypass the guild and channel filters
	d.handleMessage(ctx, discordMessage("", "dm1", "u1", "私聊"), "bot")
	if got := cb.last(t); got.Content != "私聊" {
		t.Errorf("dm: %q", got.Content)
	}
	if len(d.channels) != 2 || d.channels[1] != "dm1" {
		t.Errorf("channels: %v", d.channels)
	}

	before := cb.count()
	d.handleMessage(ctx, discordMessage("g1", "c1", "u1", "/help"), "bot")
	if cb.count() != before {
		t.Error("/help is answered locally")
	}
}

func TestDiscord_OnEventDeliversToKnownChannels(t *testing.T) {
	d, f, _ := newTestDiscord(DiscordConfig{})
	d.remember("c1")
	d.remember("c2")
	d.remember("c1")
	f.fail = map[string]bool{"c2": true}

	d.onEvent(bus.Event{Type: bus.EventMessageFinal, SessionID: "s1", Payload: map[string]any{
		"message": domain.Message{SenderID: "alice", Text: "你好"},
	}})
	d.onEvent(bus.Event{Type: bus.EventMessageFinal, SessionID: "s1", Payload: map[string]any{
		"message": domain.Message{SenderID: domain.HumanUserID, Text: "我说的"},
	}})
	d.onEvent(bus.Event{Type: bus.EventCommandResult, SessionID: "s1", Source: "telegram", Payload: map[string]any{"text": "别的通道"}})
	d.onEvent(bus.Event{Type: bus.EventCommandResult, SessionID: "s1", Source: "discord", Payload: map[string]any{"text": "已暂停"}})

	if len(d.outbox) != 2 {
		t.Fatalf("expected 2 queued messages, got %d", len(d.outbox))
	}
	for len(d.outbox) > 0 {
		d.deliver(<-d.outbox)
	}
	want := []sentMessage{{"c1", "【Alice】你好"}, {"c1", "已暂停"}}
	if len(f.sent) != len(want) {
		t.Fatalf("sent %+v, want %+v", f.sent, want)
	}
	for i := range want {
		if f.sent[i] != want[i] {
			t.Errorf("sent[%d] = %+v, want %+v", i, f.sent[i], want[i])
		}
	}
}

func TestDiscord_DeliverSplitsLongMessages(t *testing.T) {
	d, f, _ := newTestDiscord(DiscordConfig{ChannelID: "c1"})
	d.deliver(outgoingText{text: strings.Repeat("字", discordMaxMsgLen)})
	if len(f.sent) < 2 {
		t.Fatalf("expected several chunks, got %d", len(f.sent))
	}
	for _, m := range f.sent {
		if len(m.text) > discordMaxMsgLen {
			t.Errorf("chunk of %d bytes", len(m.text))
		}
	}
}

func TestInteractionContent(t *testing.T) {
	data := discordgo.ApplicationCommandInteractionData{
		Name: "mute",
		Options: []*discordgo.ApplicationCommandInteractionDataOption{
			{Name: "agent", Type: discordgo.ApplicationCommandOptionString, Value: "Bob"},
			{Name: "duration", Type: discordgo.ApplicationCommandOptionString, Value: " 5m "},
		},
	}
	if got := interactionContent(data); got != "/mute Bob 5m" {
		t.Errorf("got %q", got)
	}
	if got := interactionContent(discordgo.ApplicationCommandInteractionData{Name: "status"}); got != "/status" {
		t.Errorf("got %q", got)
	}
}

func TestDiscordCommands_AreSchedulerCommands(t *testing.T) {
	for _, c := range discordCommands() {
		if c.Name == "" || c.Description == "" {
			t.Errorf("incomplete command: %+v", c)
		}
	}
}

func TestMirrorSession(t *testing.T) {
	store := session.NewStore(session.Config{Logger: testLogger()})
	roster := session.NewRoster(nil, testLogger())
	roster.Load(allAgent, nil)

	if _, err := mirrorSession(store, roster, "missing", "Discord"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("unknown id: %v", err)
	}

	id, err := mirrorSession(store, roster, "", "Discord")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sess, err := store.Get(id)
	if err != nil || sess.Name != "Discord" || len(sess.MemberIDs) != len(allAgent) {
		t.Fatalf("created session: %+v, %v", sess, err)
	}

	again, err := mirrorSession(store, roster, "", "Telegram")
	if err != nil || again != id {
		t.Errorf("existing session should be reused: %q, %v", again, err)
	}
}
