package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/xiuxian-bot/dispatch"
)

// TwitchConfig holds the IRC credentials and the channel the game runs in.
type TwitchConfig struct {
	Channel    string
	Username   string
	OAuthToken string
}

// Twitch is an IRC transport for one channel.
type Twitch struct {
	cfg    TwitchConfig
	client *twitch.Client
}

// NewTwitch validates credentials and creates the client.
func NewTwitch(cfg TwitchConfig) (*Twitch, error) {
	cfg.Channel = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(cfg.Channel)), "#")
	cfg.Username = strings.ToLower(strings.TrimSpace(cfg.Username))
	if cfg.Channel == "" || cfg.Username == "" || cfg.OAuthToken == "" {
		return nil, fmt.Errorf("%w: require TWITCH_CHANNEL, TWITCH_BOT_USERNAME, TWITCH_OAUTH_TOKEN", ErrInvalidConfig)
	}
	return &Twitch{cfg: cfg, client: twitch.NewClient(cfg.Username, cfg.OAuthToken)}, nil
}

// Start joins the channel and blocks until ctx is done or the connection fails.
func (t *Twitch) Start(ctx context.Context, handle Handler) error {
	t.client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		if ev, ok := t.toEvent(msg); ok {
			handle(ctx, ev)
		}
	})
	t.client.OnConnect(func() {
		slog.Info("twitch connected", slog.String("component", "twitch"), slog.String("channel", t.cfg.Channel))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = t.client.Disconnect()
		case <-done:
		}
	}()

	t.client.Join(t.cfg.Channel)
	if err := t.client.Connect(); err != nil {
		if errors.Is(err, twitch.ErrClientDisconnected) || ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("twitch connect: %w", err)
	}
	return nil
}

func (t *Twitch) toEvent(msg twitch.PrivateMessage) (dispatch.Event, bool) {
	if strings.EqualFold(msg.User.Name, t.cfg.Username) {
		return dispatch.Event{}, false
	}
	parent := msg.Tags["reply-parent-msg-id"]
	return dispatch.Event{
		ChatID:      msg.RoomID,
		MessageID:   msg.ID,
		ReplyToID:   parent,
		SenderID:    msg.User.ID,
		Text:        msg.Message,
		Time:        msg.Time,
		IsReply:     parent != "",
		IsReplyToMe: parent != "" && strings.EqualFold(msg.Tags["reply-parent-user-login"], t.cfg.Username),
	}, true
}

// Send says msg in the channel, as a threaded reply when ReplyTo is set. IRC never reports
// the id of the sent message.
func (t *Twitch) Send(_ context.Context, msg dispatch.Outgoing) (string, error) {
	if msg.ReplyTo != "" {
		t.client.Reply(t.cfg.Channel, msg.ReplyTo, msg.Text)
	} else {
		t.client.Say(t.cfg.Channel, msg.Text)
	}
	return "", nil
}
