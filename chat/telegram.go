package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/onnwee/xiuxian-bot/dispatch"
)

// TelegramConfig selects the game chat and the topic commands are sent to.
type TelegramConfig struct {
	Token       string
	ChatID      int64
	TopicID     int
	SendToTopic bool
	PollTimeout time.Duration // long-poll timeout, default 30s
}

// Telegram is a Bot API transport.
type Telegram struct {
	cfg  TelegramConfig
	bot  *telego.Bot
	meID atomic.Int64
}

// slogLogger routes telego's internal logging through slog.
type slogLogger struct{ log *slog.Logger }

func (l slogLogger) Debugf(format string, args ...any) { l.log.Debug(fmt.Sprintf(format, args...)) }
func (l slogLogger) Errorf(format string, args ...any) { l.log.Error(fmt.Sprintf(format, args...)) }

// NewTelegram creates the bot client. No network call is made until Start.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	cfg.Token = strings.TrimSpace(cfg.Token)
	if cfg.Token == "" {
		return nil, fmt.Errorf("%w: telegram token is empty", ErrInvalidConfig)
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("%w: telegram chat id is empty", ErrInvalidConfig)
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	bot, err := telego.NewBot(cfg.Token, telego.WithLogger(slogLogger{log: slog.With(slog.String("component", "telegram"))}))
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &Telegram{cfg: cfg, bot: bot}, nil
}

// Start resolves the bot's own user id and then long-polls until ctx is done.
func (t *Telegram) Start(ctx context.Context, handle Handler) error {
	me, err := t.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram get me: %w", err)
	}
	t.meID.Store(me.ID)
	slog.Info("telegram bound", slog.String("component", "telegram"), slog.String("username", me.Username), slog.Int64("me_id", me.ID))
	slog.Warn("the Bot API does not deliver messages from other bots; the game must post as a user account and accept bot commands",
		slog.String("component", "telegram"))

	updates, err := t.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        int(t.cfg.PollTimeout / time.Second),
		AllowedUpdates: []string{"message", "edited_message"},
	})
	if err != nil {
		return fmt.Errorf("telegram long polling: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			msg, edited := u.Message, false
			if msg == nil {
				msg, edited = u.EditedMessage, true
			}
			if msg == nil {
				continue
			}
			if ev, ok := t.toEvent(msg, edited); ok {
				handle(ctx, ev)
			}
		}
	}
}

// toEvent converts msg, dropping anything outside the game chat and our own messages.
func (t *Telegram) toEvent(msg *telego.Message, edited bool) (dispatch.Event, bool) {
	if msg.Chat.ID != t.cfg.ChatID {
		return dispatch.Event{}, false
	}
	me := t.meID.Load()
	var sender int64
	switch {
	case msg.From != nil:
		sender = msg.From.ID
	case msg.SenderChat != nil:
		sender = msg.SenderChat.ID
	}
	if me != 0 && sender == me {
		return dispatch.Event{}, false
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	ts := time.Unix(msg.Date, 0)
	if edited && msg.EditDate > 0 {
		ts = time.Unix(msg.EditDate, 0)
	}

	ev := dispatch.Event{
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		MessageID: strconv.Itoa(msg.MessageID),
		SenderID:  strconv.FormatInt(sender, 10),
		Text:      text,
		Time:      ts,
		Edited:    edited,
	}
	switch {
	case msg.ReplyToMessage != nil:
		ev.IsReply = true
		ev.ReplyToID = strconv.Itoa(msg.ReplyToMessage.MessageID)
		// topic messages reply to the topic root, which never counts as replying to us
		if msg.ReplyToMessage.MessageID != t.cfg.TopicID && msg.ReplyToMessage.From != nil {
			ev.IsReplyToMe = me != 0 && msg.ReplyToMessage.From.ID == me
		}
	case msg.IsTopicMessage && msg.MessageThreadID != 0:
		ev.IsReply = true
		ev.ReplyToID = strconv.Itoa(msg.MessageThreadID)
	}
	return ev, true
}

func (t *Telegram) sendParams(msg dispatch.Outgoing) *telego.SendMessageParams {
	params := tu.Message(tu.ID(t.cfg.ChatID), msg.Text)
	if msg.ToTopic && t.cfg.SendToTopic && t.cfg.TopicID != 0 {
		params.MessageThreadID = t.cfg.TopicID
	}
	if id, err := strconv.Atoi(msg.ReplyTo); err == nil && id > 0 {
		params.ReplyParameters = &telego.ReplyParameters{MessageID: id, AllowSendingWithoutReply: true}
	}
	return params
}

// Send posts msg to the game chat.
func (t *Telegram) Send(ctx context.Context, msg dispatch.Outgoing) (string, error) {
	sent, err := t.bot.SendMessage(ctx, t.sendParams(msg))
	if err != nil {
		return "", fmt.Errorf("telegram send: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}
