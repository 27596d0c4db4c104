package chat

import (
	"errors"
	"testing"
	"time"

	"github.com/mymmrac/telego"

	"github.com/onnwee/xiuxian-bot/dispatch"
)

const (
	testChatID  = int64(-1001234)
	testTopicID = 42
	testMeID    = int64(777)
	testGameBot = int64(999)
)

func newTestTelegram(sendToTopic bool) *Telegram {
	tg := &Telegram{cfg: TelegramConfig{ChatID: testChatID, TopicID: testTopicID, SendToTopic: sendToTopic}}
	tg.meID.Store(testMeID)
	return tg
}

func gameMessage(id int, text string) *telego.Message {
	return &telego.Message{
		MessageID: id,
		Chat:      telego.Chat{ID: testChatID},
		From:      &telego.User{ID: testGameBot},
		Date:      1728993600,
		Text:      text,
	}
}

func TestTelegramToEvent(t *testing.T) {
	tg := newTestTelegram(true)

	tests := []struct {
		name      string
		msg       func() *telego.Message
		edited    bool
		wantOK    bool
		wantReply string
		replyToMe bool
	}{
		{
			name:   "plain message",
			msg:    func() *telego.Message { return gameMessage(10, "hello") },
			wantOK: true,
		},
		{
			name: "other chat is dropped",
			msg: func() *telego.Message {
				m := gameMessage(10, "hello")
				m.Chat.ID = 1
				return m
			},
		},
		{
			name: "own message is dropped",
			msg: func() *telego.Message {
				m := gameMessage(10, ".闭关修炼")
				m.From.ID = testMeID
				return m
			},
		},
		{
			name: "reply to our command",
			msg: func() *telego.Message {
				m := gameMessage(11, "需打坐调息 30 分钟")
				m.ReplyToMessage = &telego.Message{MessageID: 9, From: &telego.User{ID: testMeID}}
				return m
			},
			wantOK:    true,
			wantReply: "9",
			replyToMe: true,
		},
		{
			name: "topic root is not a reply to us",
			msg: func() *telego.Message {
				m := gameMessage(12, "【小药园】")
				m.ReplyToMessage = &telego.Message{MessageID: testTopicID, From: &telego.User{ID: testMeID}}
				return m
			},
			wantOK:    true,
			wantReply: "42",
		},
		{
			name: "topic thread without explicit reply",
			msg: func() *telego.Message {
				m := gameMessage(13, "status")
				m.IsTopicMessage = true
				m.MessageThreadID = testTopicID
				return m
			},
			wantOK:    true,
			wantReply: "42",
		},
		{
			name:   "edited message keeps id",
			msg:    func() *telego.Message { m := gameMessage(14, "周天星斗大阵-成"); m.EditDate = 1728993700; return m },
			edited: true,
			wantOK: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.msg()
			ev, ok := tg.toEvent(msg, tt.edited)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if ev.ReplyToID != tt.wantReply || ev.IsReplyToMe != tt.replyToMe || ev.IsReply != (tt.wantReply != "") {
				t.Fatalf("event = %+v, want reply %q toMe=%v", ev, tt.wantReply, tt.replyToMe)
			}
			if ev.Edited != tt.edited {
				t.Fatalf("edited = %v, want %v", ev.Edited, tt.edited)
			}
			if ev.ChatID != "-1001234" || ev.SenderID != "999" {
				t.Fatalf("ids = %s/%s", ev.ChatID, ev.SenderID)
			}
		})
	}
}

func TestTelegramEditTimestamp(t *testing.T) {
	tg := newTestTelegram(false)
	msg := gameMessage(14, "周天星斗大阵-成")
	msg.EditDate = msg.Date + 100
	ev, ok := tg.toEvent(msg, true)
	if !ok {
		t.Fatal("edited message dropped")
	}
	if ev.MessageID != "14" || !ev.Time.Equal(time.Unix(msg.EditDate, 0)) {
		t.Fatalf("event = %+v, want id 14 at edit time", ev)
	}
}

func TestTelegramCaptionFallback(t *testing.T) {
	tg := newTestTelegram(false)
	msg := gameMessage(15, "")
	msg.Caption = "【观星台】"
	ev, _ := tg.toEvent(msg, false)
	if ev.Text != "【观星台】" {
		t.Fatalf("text = %q, want caption", ev.Text)
	}
}

func TestTelegramSendParams(t *testing.T) {
	tests := []struct {
		name        string
		sendToTopic bool
		msg         dispatch.Outgoing
		wantThread  int
		wantReplyTo int
	}{
		{"topic", true, dispatch.Outgoing{Text: ".小药园", ToTopic: true}, testTopicID, 0},
		{"topic disabled in config", false, dispatch.Outgoing{Text: ".小药园", ToTopic: true}, 0, 0},
		{"action not for topic", true, dispatch.Outgoing{Text: ".助阵"}, 0, 0},
		{"reply", true, dispatch.Outgoing{Text: ".宗门传功", ToTopic: true, ReplyTo: "77"}, testTopicID, 77},
		{"non numeric reply ignored", true, dispatch.Outgoing{Text: "x", ReplyTo: "abc"}, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestTelegram(tt.sendToTopic).sendParams(tt.msg)
			if p.ChatID.ID != testChatID || p.Text != tt.msg.Text {
				t.Fatalf("params = %+v", p)
			}
			if p.MessageThreadID != tt.wantThread {
				t.Fatalf("thread = %d, want %d", p.MessageThreadID, tt.wantThread)
			}
			gotReply := 0
			if p.ReplyParameters != nil {
				gotReply = p.ReplyParameters.MessageID
			}
			if gotReply != tt.wantReplyTo {
				t.Fatalf("reply to = %d, want %d", gotReply, tt.wantReplyTo)
			}
		})
	}
}

func TestNewTelegramRequiresCredentials(t *testing.T) {
	if _, err := NewTelegram(TelegramConfig{ChatID: testChatID}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("missing token err = %v", err)
	}
	if _, err := NewTelegram(TelegramConfig{Token: "123:abc"}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("missing chat err = %v", err)
	}
}
