package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"groupchat/internal/bus"
	"groupchat/internal/domain"
	"groupchat/internal/session"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
	telegramOutboxSize     = 256
	telegramMaxPhotoBytes  = 10 << 20
)

// telegramBot is the part of the bot API the mirror uses.
type telegramBot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram mirrors one session into Telegram chats: what allowed users type
// becomes human input, and settled agent messages are sent back.
type Telegram struct {
	token     string
	allowFrom []int64 // empty = allow all
	sessionID string

	sessions *session.Store
	roster   *session.Roster
	events   *bus.EventBus
	inbound  domain.MessageBus
	logger   *slog.Logger
	client   *http.Client

	api    *tgbotapi.BotAPI
	bot    telegramBot
	outbox chan outgoing
	sleep  func(time.Duration)

	mu    sync.Mutex
	chats []int64
}

type outgoing struct {
	chatID int64 // 0 = every known chat
	text   string
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // user IDs as strings
	SessionID string   // empty = first session, created if none exist
	Sessions  *session.Store
	Roster    *session.Roster
	Events    *bus.EventBus
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		sessionID: cfg.SessionID,
		sessions:  cfg.Sessions,
		roster:    cfg.Roster,
		events:    cfg.Events,
		logger:    cfg.Logger,
		client:    &http.Client{Timeout: 30 * time.Second},
		outbox:    make(chan outgoing, telegramOutboxSize),
		sleep:     time.Sleep,
		// private chats share the user's id
		chats: slices.Clone(allowed),
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and polls for updates until ctx is done.
func (t *Telegram) Start(ctx context.Context, mb domain.MessageBus) error {
	t.inbound = mb

	api, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.api, t.bot = api, api
	t.logger.Info("telegram bot connected", "username", api.Self.UserName, "id", api.Self.ID)

	if t.sessionID, err = mirrorSession(t.sessions, t.roster, t.sessionID, "Telegram"); err != nil {
		return err
	}
	if t.events != nil {
		id := t.events.On("*", t.onEvent)
		defer t.events.Off("*", id)
	}
	go t.sendLoop(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := api.GetUpdatesChan(u)
	t.logger.Info("telegram polling started", "session", t.sessionID)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(ctx, update)
		}
	}
}

// Stop is a no-op: StopReceivingUpdates runs when Start's context ends and
// must not be called twice.
func (t *Telegram) Stop() error { return nil }

// onEvent queues settled agent output. It never blocks the emitter.
func (t *Telegram) onEvent(e bus.Event) {
	text := mirrorText(t.roster, e, t.sessionID, "telegram")
	if text == "" {
		return
	}
	select {
	case t.outbox <- outgoing{text: text}:
	default:
		t.logger.Warn("telegram outbox full, message dropped", "session", t.sessionID)
	}
}

func (t *Telegram) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-t.outbox:
			if out.chatID != 0 {
				t.sendMessage(out.chatID, out.text)
				continue
			}
			t.mu.Lock()
			chats := slices.Clone(t.chats)
			t.mu.Unlock()
			for _, id := range chats {
				t.sendMessage(id, out.text)
			}
		}
	}
}

func (t *Telegram) remember(chatID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !slices.Contains(t.chats, chatID) {
		t.chats = append(t.chats, chatID)
	}
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}
	userID, chatID := msg.From.ID, msg.Chat.ID

	if !t.isAllowed(userID) {
		t.logger.Warn("unauthorized telegram user", "user_id", userID, "username", msg.From.UserName)
		t.reply(chatID, "⛔ 你不在允许列表中。")
		return
	}
	t.remember(chatID)

	text := strings.TrimSpace(msg.Text)
	if msg.IsCommand() {
		switch msg.Command() {
		case "start", "help":
			t.reply(chatID, "👋 这里同步一个多智能体群聊。直接发消息即可参与，/status 查看成员，/stop 停止发言，/auto on|off 切换自动对话。")
			return
		}
		// normalise "/mute@bot x" to "/mute x" for the scheduler
		text = strings.TrimSpace("/" + msg.Command() + " " + msg.CommandArguments())
	}

	var att *domain.Attachment
	if len(msg.Photo) > 0 && t.api != nil {
		a, err := t.downloadPhoto(ctx, msg.Photo)
		if err != nil {
			t.logger.Warn("telegram photo download failed", "err", err)
		} else {
			att = a
		}
		if text == "" {
			text = strings.TrimSpace(msg.Caption)
		}
	}
	if text == "" && att == nil {
		return
	}

	t.logger.Info("telegram message received", "user_id", userID, "chat_id", chatID, "text_len", len(text))
	t.inbound.Publish(domain.InboundMessage{
		Channel:    "telegram",
		SessionID:  t.sessionID,
		SenderID:   domain.HumanUserID,
		Content:    text,
		Attachment: att,
		Timestamp:  time.Unix(int64(msg.Date), 0),
	})
}

// downloadPhoto fetches the largest size of a photo as an inline image.
func (t *Telegram) downloadPhoto(ctx context.Context, sizes []tgbotapi.PhotoSize) (*domain.Attachment, error) {
	largest := slices.MaxFunc(sizes, func(a, b tgbotapi.PhotoSize) int { return a.Width*a.Height - b.Width*b.Height })
	url, err := t.api.GetFileDirectURL(largest.FileID)
	if err != nil {
		return nil, fmt.Errorf("file url: %w", err)
	}
	return fetchImage(ctx, t.client, url, "image/jpeg", largest.FileID+".jpg", telegramMaxPhotoBytes)
}

func (t *Telegram) reply(chatID int64, text string) {
	select {
	case t.outbox <- outgoing{chatID: chatID, text: text}:
	default:
	}
}

func (t *Telegram) isAllowed(userID int64) bool {
	return len(t.allowFrom) == 0 || slices.Contains(t.allowFrom, userID)
}

// splitMessage cuts text into pieces under Telegram's limit, preferring
// line breaks in the second half of a piece.
func splitMessage(text string, maxLen int) []string {
	var parts []string
	for len(text) > maxLen {
		cut := strings.LastIndex(text[:maxLen], "\n")
		if cut < maxLen/2 {
			cut = maxLen
			// do not split a UTF-8 sequence
			for cut > 0 && !isRuneStart(text[cut]) {
				cut--
			}
		}
		parts = append(parts, text[:cut])
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

func (t *Telegram) sendMessage(chatID int64, text string) {
	for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
		t.sendChunk(chatID, chunk)
	}
}

// sendChunk sends plain text, honouring Telegram's retry_after on 429 and
// backing off linearly on other errors.
func (t *Telegram) sendChunk(chatID int64, text string) {
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		_, err := t.bot.Send(tgbotapi.NewMessage(chatID, text))
		if err == nil {
			return
		}
		if attempt == telegramMaxSendRetries {
			t.logger.Error("telegram send failed after retries", "err", err, "attempts", attempt+1)
			return
		}

		backoff := time.Duration(attempt+1) * time.Second
		var tgErr *tgbotapi.Error
		if errors.As(err, &tgErr) && tgErr.Code == http.StatusTooManyRequests {
			backoff = time.Duration(max(tgErr.RetryAfter, 1)) * time.Second
			t.logger.Warn("telegram rate limited, backing off", "retry_after", backoff, "attempt", attempt+1)
		} else {
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
		}
		t.sleep(backoff)
	}
}
