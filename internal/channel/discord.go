package channel

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"groupchat/internal/bus"
	"groupchat/internal/domain"
	"groupchat/internal/session"
)

const (
	discordMaxMsgLen     = 2000
	discordOutboxSize    = 256
	discordMaxImageBytes = 10 << 20
)

// discordSender is the part of the Discord session the mirror sends with.
type discordSender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord mirrors one session into Discord channels, the same way the
// Telegram mirror does. Slash commands are registered for the scheduler
// commands people use most; any other "/" or "!" line is passed through.
type Discord struct {
	token     string
	guildID   string
	channelID string   // empty = every channel the bot is addressed in
	allowFrom []string // empty = allow all

	sessionID string
	sessions  *session.Store
	roster    *session.Roster
	events    *bus.EventBus
	inbound   domain.MessageBus
	logger    *slog.Logger
	client    *http.Client

	api    *discordgo.Session
	sender discordSender
	outbox chan outgoingText

	mu       sync.Mutex
	channels []string
}

type outgoingText struct {
	channelID string // empty = every known channel
	text      string
}

type DiscordConfig struct {
	Token     string
	GuildID   string
	ChannelID string
	AllowFrom []string // Discord user IDs
	SessionID string
	Sessions  *session.Store
	Roster    *session.Roster
	Events    *bus.EventBus
	Logger    *slog.Logger
}

func NewDiscord(cfg DiscordConfig) *Discord {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	d := &Discord{
		token:     cfg.Token,
		guildID:   cfg.GuildID,
		channelID: cfg.ChannelID,
		sessionID: cfg.SessionID,
		sessions:  cfg.Sessions,
		roster:    cfg.Roster,
		events:    cfg.Events,
		logger:    cfg.Logger,
		client:    &http.Client{Timeout: 30 * time.Second},
		outbox:    make(chan outgoingText, discordOutboxSize),
	}
	for _, id := range cfg.AllowFrom {
		if id = strings.TrimSpace(id); id != "" {
			d.allowFrom = append(d.allowFrom, id)
		}
	}
	if d.channelID != "" {
		d.channels = []string{d.channelID}
	}
	return d
}

func (d *Discord) Name() string { return "discord" }

// Start connects the bot and relays messages until ctx is done.
func (d *Discord) Start(ctx context.Context, mb domain.MessageBus) error {
	d.inbound = mb

	api, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	api.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	d.api, d.sender = api, api

	if d.sessionID, err = mirrorSession(d.sessions, d.roster, d.sessionID, "Discord"); err != nil {
		return err
	}

	api.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		selfID := ""
		if s.State != nil && s.State.User != nil {
			selfID = s.State.User.ID
		}
		d.handleMessage(ctx, m, selfID)
	})
	api.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		d.handleInteraction(s, i)
	})

	if err := api.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}
	d.logger.Info("discord bot connected", "user", api.State.User.Username, "session", d.sessionID)
	d.registerCommands()

	if d.events != nil {
		id := d.events.On("*", d.onEvent)
		defer d.events.Off("*", id)
	}
	go d.sendLoop(ctx)

	<-ctx.Done()
	d.logger.Info("discord bot disconnecting")
	return api.Close()
}

// Stop is a no-op: the connection closes when Start's context ends.
func (d *Discord) Stop() error { return nil }

func (d *Discord) onEvent(e bus.Event) {
	text := mirrorText(d.roster, e, d.sessionID, "discord")
	if text == "" {
		return
	}
	select {
	case d.outbox <- outgoingText{text: text}:
	default:
		d.logger.Warn("discord outbox full, message dropped", "session", d.sessionID)
	}
}

func (d *Discord) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-d.outbox:
			d.deliver(out)
		}
	}
}

func (d *Discord) deliver(out outgoingText) {
	targets := []string{out.channelID}
	if out.channelID == "" {
		d.mu.Lock()
		targets = slices.Clone(d.channels)
		d.mu.Unlock()
	}
	for _, ch := range targets {
		for _, chunk := range splitMessage(out.text, discordMaxMsgLen) {
			// discordgo waits out rate limits itself
			if _, err := d.sender.ChannelMessageSend(ch, chunk); err != nil {
				d.logger.Error("discord send failed", "channel", ch, "err", err)
				break
			}
		}
	}
}

func (d *Discord) remember(channelID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !slices.Contains(d.channels, channelID) {
		d.channels = append(d.channels, channelID)
	}
}

func (d *Discord) isAllowed(userID string) bool {
	return len(d.allowFrom) == 0 || slices.Contains(d.allowFrom, userID)
}

// accepts reports whether a message posted in guild/channel belongs to the
// mirror. Direct messages are always accepted.
func (d *Discord) accepts(guildID, channelID string) bool {
	if guildID == "" {
		return true
	}
	if d.guildID != "" && guildID != d.guildID {
		return false
	}
	return d.channelID == "" || channelID == d.channelID
}

func (d *Discord) handleMessage(ctx context.Context, m *discordgo.MessageCreate, selfID string) {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot || m.Author.ID == selfID {
		return
	}
	if !d.accepts(m.GuildID, m.ChannelID) {
		return
	}
	if !d.isAllowed(m.Author.ID) {
		d.logger.Warn("unauthorized discord user", "user_id", m.Author.ID, "username", m.Author.Username)
		d.reply(m.ChannelID, "⛔ 你不在允许列表中。")
		return
	}
	d.remember(m.ChannelID)

	text := strings.TrimSpace(m.Content)
	// "!mute Bob" works where the client would grab a leading "/"
	if strings.HasPrefix(text, "!") {
		text = "/" + text[1:]
	}
	if text == "/help" {
		d.reply(m.ChannelID, discordHelp)
		return
	}

	var att *domain.Attachment
	for _, a := range m.Attachments {
		if a == nil || !strings.HasPrefix(a.ContentType, "image/") || a.Size > discordMaxImageBytes {
			continue
		}
		img, err := fetchImage(ctx, d.client, a.URL, a.ContentType, a.Filename, discordMaxImageBytes)
		if err != nil {
			d.logger.Warn("discord image download failed", "err", err)
			continue
		}
		att = img
		break
	}
	if text == "" && att == nil {
		return
	}

	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	d.logger.Info("discord message received", "user_id", m.Author.ID, "channel_id", m.ChannelID, "content_len", len(text))
	d.inbound.Publish(domain.InboundMessage{
		Channel:    "discord",
		SessionID:  d.sessionID,
		SenderID:   domain.HumanUserID,
		Content:    text,
		Attachment: att,
		Timestamp:  ts,
	})
}

func (d *Discord) reply(channelID, text string) {
	select {
	case d.outbox <- outgoingText{channelID: channelID, text: text}:
	default:
	}
}

const discordHelp = "👋 这里同步一个多智能体群聊。直接发消息即可参与；/status 查看成员，/stop 停止发言，/auto on|off 切换自动对话，/mute 与 /unmute 管理成员。"

func (d *Discord) handleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	user := i.User
	if i.Member != nil && i.Member.User != nil {
		user = i.Member.User
	}
	if user == nil {
		return
	}

	content := interactionContent(i.ApplicationCommandData())
	ack := "⏳ " + content
	allowed := d.isAllowed(user.ID)
	if !allowed {
		ack = "⛔ 你不在允许列表中。"
	}
	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: ack, Flags: discordgo.MessageFlagsEphemeral},
	}); err != nil {
		d.logger.Warn("discord interaction ack failed", "err", err)
	}
	if !allowed {
		return
	}
	d.remember(i.ChannelID)
	if content == "/help" {
		d.reply(i.ChannelID, discordHelp)
		return
	}
	d.inbound.Publish(domain.InboundMessage{
		Channel:   "discord",
		SessionID: d.sessionID,
		SenderID:  domain.HumanUserID,
		Content:   content,
		Timestamp: time.Now(),
	})
}

// interactionContent turns a slash command into the line the scheduler parses.
func interactionContent(data discordgo.ApplicationCommandInteractionData) string {
	parts := []string{"/" + data.Name}
	for _, opt := range data.Options {
		if opt != nil && opt.Type == discordgo.ApplicationCommandOptionString {
			if v := strings.TrimSpace(opt.StringValue()); v != "" {
				parts = append(parts, v)
			}
		}
	}
	return strings.Join(parts, " ")
}

func discordCommands() []*discordgo.ApplicationCommand {
	str := func(name, desc string, required bool) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        name,
			Description: desc,
			Required:    required,
		}
	}
	return []*discordgo.ApplicationCommand{
		{Name: "help", Description: "How this mirror works"},
		{Name: "status", Description: "Show members, mutes and settings"},
		{Name: "stop", Description: "Stop all agents and turn autoplay off"},
		{Name: "auto", Description: "Turn autoplay on or off", Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "state",
				Description: "on or off",
				Required:    true,
				Choices: []*discordgo.ApplicationCommandOptionChoice{
					{Name: "on", Value: "on"},
					{Name: "off", Value: "off"},
				},
			},
		}},
		{Name: "poke", Description: "Ask an agent to speak next", Options: []*discordgo.ApplicationCommandOption{
			str("agent", "Agent name", true),
		}},
		{Name: "mute", Description: "Mute an agent", Options: []*discordgo.ApplicationCommandOption{
			str("agent", "Agent name", true),
			str("duration", "e.g. 10m", false),
		}},
		{Name: "unmute", Description: "Unmute an agent", Options: []*discordgo.ApplicationCommandOption{
			str("agent", "Agent name", true),
		}},
	}
}

func (d *Discord) registerCommands() {
	for _, cmd := range discordCommands() {
		if _, err := d.api.ApplicationCommandCreate(d.api.State.User.ID, d.guildID, cmd); err != nil {
			d.logger.Warn("failed to register slash command", "command", cmd.Name, "err", err)
		}
	}
}
