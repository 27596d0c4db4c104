package features

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestBiguan(t *testing.T) *Biguan {
	t.Helper()
	b, err := NewBiguan(BiguanOptions{
		Enabled:        true,
		MyName:         "Me",
		Command:        ".闭关修炼",
		ExtraBuffer:    60 * time.Second,
		CooldownJitter: JitterRange{Min: 5 * time.Second, Max: 15 * time.Second},
		RetryJitter:    JitterRange{Min: 3 * time.Second, Max: 3 * time.Second},
		Jitter:         func(r JitterRange) time.Duration { return r.Min },
	})
	if err != nil {
		t.Fatalf("NewBiguan: %v", err)
	}
	return b
}

func TestBiguanResetCooldownRetriesAtMinimumJitter(t *testing.T) {
	b := newTestBiguan(t)
	ev := event("1", "【闭关失败】有侍妾 若兰 在旁护法，为你抚平了部分紊乱的灵力。"+
		"【奇遇】你甚至觉得可以立刻再次闭关！你的【闭关修炼】冷却时间被重置了！")
	ev.IsReply = true
	ev.IsReplyToMe = true

	actions, err := b.OnEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("OnEvent: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("got %d actions, want 1", len(actions))
	}
	a := actions[0]
	if a.Text != ".闭关修炼" || a.Key != BiguanKey || a.Delay != 3*time.Second {
		t.Fatalf("action = %+v, want .闭关修炼 under %s after 3s", a, BiguanKey)
	}
}

func TestBiguanTriggers(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		replyToMe bool
		wantDelay time.Duration
		wantNone  bool
	}{
		{"cooldown by mention", "@Me 闭关成功，需打坐调息 30 分钟", false, 30*time.Minute + 60*time.Second + 5*time.Second, false},
		{"cooldown by reply", "闭关成功，需打坐调息 1 分钟", true, time.Minute + 65*time.Second, false},
		{"throttled", "灵气尚未平复，请在10分钟8秒后再试", true, 608*time.Second + 3*time.Second, false},
		{"not addressed", "道友闭关成功，需打坐调息 30 分钟", false, 0, true},
		{"unparseable cooldown", "@Me 打坐调息中", false, 0, true},
		{"unrelated", "@Me 今天天气不错", false, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBiguan(t)
			ev := event("1", tt.text)
			ev.IsReplyToMe = tt.replyToMe
			actions, err := b.OnEvent(context.Background(), ev)
			if err != nil {
				t.Fatalf("OnEvent: %v", err)
			}
			if tt.wantNone {
				if len(actions) != 0 {
					t.Fatalf("got %+v, want no actions", actions)
				}
				return
			}
			if len(actions) != 1 || actions[0].Delay != tt.wantDelay || actions[0].Key != BiguanKey {
				t.Fatalf("got %+v, want one action under %s with delay %v", actions, BiguanKey, tt.wantDelay)
			}
		})
	}
}

func TestBiguanTriggersShareKey(t *testing.T) {
	b := newTestBiguan(t)
	long, _ := b.OnEvent(context.Background(), event("1", "@Me 需打坐调息 60 分钟"))
	reset, _ := b.OnEvent(context.Background(), event("2", "@Me 冷却时间被重置了！"))
	if len(long) != 1 || len(reset) != 1 {
		t.Fatalf("expected one action per trigger, got %d and %d", len(long), len(reset))
	}
	if long[0].Key != reset[0].Key {
		t.Fatalf("keys differ (%q vs %q); the reset would not override the pending attempt", long[0].Key, reset[0].Key)
	}
	if reset[0].Delay >= long[0].Delay {
		t.Fatalf("reset delay %v should be shorter than cooldown delay %v", reset[0].Delay, long[0].Delay)
	}
}

func TestNewBiguanRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		opts BiguanOptions
	}{
		{"empty command", BiguanOptions{Enabled: true, Command: " "}},
		{"inverted jitter", BiguanOptions{Enabled: true, Command: ".闭关修炼", CooldownJitter: JitterRange{Min: 10 * time.Second, Max: 5 * time.Second}}},
		{"negative retry jitter", BiguanOptions{Enabled: true, Command: ".闭关修炼", RetryJitter: JitterRange{Min: -time.Second}}},
		{"negative buffer", BiguanOptions{Enabled: true, Command: ".闭关修炼", ExtraBuffer: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewBiguan(tt.opts); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("err = %v, want ErrInvalidConfig", err)
			}
		})
	}

	// a disabled feature is not validated
	if _, err := NewBiguan(BiguanOptions{Command: ""}); err != nil {
		t.Fatalf("disabled biguan: %v", err)
	}
}
