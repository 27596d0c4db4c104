package features

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/onnwee/xiuxian-bot/dispatch"
)

func newTestXinggong(t *testing.T, clock *testClock) *Xinggong {
	t.Helper()
	x, err := NewXinggong(XinggongOptions{
		Enabled:      true,
		MyName:       "Me",
		StarName:     "庚金星",
		PollInterval: time.Hour,
		Spacing:      25 * time.Second,
		QizhenStart:  "07:00",
		QizhenRetry:  120 * time.Second,
		SecondOffset: 43500 * time.Second,
		Now:          clock.Now,
	})
	if err != nil {
		t.Fatalf("NewXinggong: %v", err)
	}
	return x
}

// wire attaches fakes the way Bootstrap would, without registering anything.
func wire(x *Xinggong) (*fakeRegistrar, *fakeSender) {
	reg, sender := &fakeRegistrar{}, &fakeSender{}
	x.mu.Lock()
	x.reg, x.send = reg, sender.send
	x.mu.Unlock()
	return reg, sender
}

func xgEvent(t *testing.T, x *Xinggong, ev dispatch.Event) []dispatch.Action {
	t.Helper()
	actions, err := x.OnEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("OnEvent: %v", err)
	}
	return actions
}

func TestXinggongObservatorySowsIdleDisks(t *testing.T) {
	x := newTestXinggong(t, newTestClock(at(15, 12, 0)))
	actions := xgEvent(t, x, event("1", "【星宫 · 观星台】 (引星盘总数: 3座)\n1号引星盘: 空闲\n2号引星盘: 空闲\n3号引星盘: 空闲\n"))

	if len(actions) != 2 {
		t.Fatalf("got %d actions, want poll + sow", len(actions))
	}
	if actions[0].Text != ".观星台" || actions[0].Key != XinggongPollKey || actions[0].Delay != time.Hour {
		t.Fatalf("poll = %+v", actions[0])
	}
	if actions[1].Text != ".牵引星辰 庚金星" || actions[1].Delay != 0 {
		t.Fatalf("sow = %+v", actions[1])
	}
}

func TestXinggongObservatoryWithoutDisksKeepsPolling(t *testing.T) {
	x := newTestXinggong(t, newTestClock(at(15, 12, 0)))
	actions := xgEvent(t, x, event("1", "【星宫·观星台】 (引星盘总数: 0座)\n"))
	if len(actions) != 1 || actions[0].Key != XinggongPollKey || actions[0].Delay != time.Hour {
		t.Fatalf("actions = %+v, want only the poll", actions)
	}
}

func TestXinggongObservatoryPriority(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"abnormal before idle", "【星宫·观星台】 (引星盘总数: 2座)\n1号引星盘: 庚金星－元磁紊乱\n2号引星盘: 空闲\n", ".安抚星辰"},
		{"collect before idle", "【星宫·观星台】 (引星盘总数: 2座)\n1号引星盘: 庚金星-精华已凝聚\n2号引星盘: 空闲\n", ".收集精华"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := newTestXinggong(t, newTestClock(at(15, 12, 0)))
			actions := xgEvent(t, x, event("1", tt.text))
			if len(actions) != 2 || actions[1].Text != tt.want {
				t.Fatalf("actions = %+v, want poll then %s", actions, tt.want)
			}
		})
	}
}

func TestXinggongActionRepliesRepoll(t *testing.T) {
	x := newTestXinggong(t, newTestClock(at(15, 12, 0)))
	for _, text := range []string{"你成功安抚了3号引星盘的星辰", "你成功从2号引星盘收集了15份星辰精华"} {
		actions := xgEvent(t, x, event("1", text))
		if len(actions) != 1 || actions[0].Key != XinggongPollKey || actions[0].Delay != 25*time.Second {
			t.Fatalf("OnEvent(%q) = %+v, want re-poll after spacing", text, actions)
		}
	}
}

func TestXinggongSuccessViaInviteEdit(t *testing.T) {
	clock := newTestClock(at(15, 8, 0))
	x := newTestXinggong(t, clock)
	reg, _ := wire(x)
	x.mu.Lock()
	x.resetIfNewCycleLocked(clock.Now())
	x.pendingPhase = 1
	x.mu.Unlock()

	xgEvent(t, x, event("10", "【周天星斗大阵-启】\n【星宫】弟子 @Me 正在布设大阵，尚需1 位同门相助!"))
	if x.inviteID != "10" {
		t.Fatalf("inviteID = %q, want 10", x.inviteID)
	}

	edit := event("10", "【周天星斗大阵-成】星光汇聚，大阵已成!")
	edit.Edited = true
	xgEvent(t, x, edit)

	if !x.firstSuccess.Equal(clock.Now()) {
		t.Fatalf("firstSuccess = %v, want %v", x.firstSuccess, clock.Now())
	}
	if x.pendingPhase != 0 {
		t.Fatalf("pendingPhase = %d, want 0", x.pendingPhase)
	}
	r := reg.last(t)
	if r.key != XinggongLoopKey || r.delay != 0 {
		t.Fatalf("loop registration = %s after %v, want immediate re-evaluation", r.key, r.delay)
	}
}

func TestXinggongIgnoresOthersSuccess(t *testing.T) {
	clock := newTestClock(at(15, 8, 0))
	x := newTestXinggong(t, clock)
	wire(x)
	x.mu.Lock()
	x.resetIfNewCycleLocked(clock.Now())
	x.pendingPhase = 1
	x.inviteID = "10"
	x.mu.Unlock()

	xgEvent(t, x, event("11", "【周天星斗大阵-成】@Other 星光汇聚，大阵已成!"))
	if !x.firstSuccess.IsZero() {
		t.Fatal("another player's success was recorded as ours")
	}
}

func TestXinggongCooldownReplyRaisesBlock(t *testing.T) {
	clock := newTestClock(at(15, 8, 0))
	x := newTestXinggong(t, clock)
	reg, _ := wire(x)

	ev := event("20", "你刚刚参与过布阵，心神消耗巨大，请在1小时2分钟3秒后再次启阵。")
	ev.ReplyToID = "19"
	ev.IsReply, ev.IsReplyToMe = true, true
	xgEvent(t, x, ev)

	want := clock.Now().Add(3723*time.Second + xinggongCooldownBuffer)
	if !x.blockedUntil.Equal(want) {
		t.Fatalf("blockedUntil = %v, want %v", x.blockedUntil, want)
	}
	if d := x.blockedUntil.Sub(clock.Now()); d < 3728*time.Second {
		t.Fatalf("block of %v is shorter than remaining + 5s", d)
	}
	r := reg.last(t)
	if r.key != XinggongLoopKey || r.delay != 3728*time.Second {
		t.Fatalf("loop registration = %s after %v, want resume at the deadline", r.key, r.delay)
	}

	// a shorter cooldown never lowers the deadline
	xgEvent(t, x, withReplyToMe(event("21", "请在10秒后再次启阵")))
	if !x.blockedUntil.Equal(want) {
		t.Fatalf("blockedUntil lowered to %v", x.blockedUntil)
	}
}

func withReplyToMe(ev dispatch.Event) dispatch.Event {
	ev.IsReply, ev.IsReplyToMe = true, true
	return ev
}

func TestXinggongCooldownRelatedWindow(t *testing.T) {
	clock := newTestClock(at(15, 8, 0))
	x := newTestXinggong(t, clock)
	wire(x)

	text := "请在1小时后再次启阵"
	xgEvent(t, x, event("1", text))
	if !x.blockedUntil.IsZero() {
		t.Fatal("unrelated cooldown reply was accepted")
	}

	x.mu.Lock()
	x.lastSentAt = clock.Now().Add(-30 * time.Second)
	x.mu.Unlock()
	xgEvent(t, x, event("2", text))
	if x.blockedUntil.IsZero() {
		t.Fatal("cooldown reply within the grace window after our send was ignored")
	}
}

func TestXinggongLoopRespectsBlockedUntil(t *testing.T) {
	clock := newTestClock(at(15, 12, 0))
	x := newTestXinggong(t, clock)
	reg, sender := wire(x)
	x.blockedUntil = clock.Now().Add(10 * time.Hour)

	if err := x.runLoop(context.Background()); err != nil {
		t.Fatalf("runLoop: %v", err)
	}
	if msgs := sender.messages(); len(msgs) != 0 {
		t.Fatalf("sent %+v while blocked", msgs)
	}
	r := reg.last(t)
	if r.key != XinggongLoopKey || r.delay <= 9*time.Hour {
		t.Fatalf("loop registration = %s after %v, want > 9h", r.key, r.delay)
	}
}

func TestXinggongLoopPhases(t *testing.T) {
	t.Run("early morning belongs to previous cycle", func(t *testing.T) {
		clock := newTestClock(at(15, 6, 0))
		x := newTestXinggong(t, clock)
		reg, sender := wire(x)
		// the 2024-10-14 cycle's phase 1 is still open, so it fires now
		if err := x.runLoop(context.Background()); err != nil {
			t.Fatal(err)
		}
		if x.cycle != "2024-10-14" {
			t.Fatalf("cycle = %s, want 2024-10-14", x.cycle)
		}
		if len(sender.messages()) != 1 {
			t.Fatalf("sent %d, want ritual start for the open cycle", len(sender.messages()))
		}
		if r := reg.last(t); r.delay != 120*time.Second {
			t.Fatalf("retry delay = %v, want 120s", r.delay)
		}
	})

	t.Run("fires phase one when due", func(t *testing.T) {
		clock := newTestClock(at(15, 8, 0))
		x := newTestXinggong(t, clock)
		reg, sender := wire(x)
		if err := x.runLoop(context.Background()); err != nil {
			t.Fatal(err)
		}
		msgs := sender.messages()
		if len(msgs) != 1 || msgs[0].Text != ".启阵" || !msgs[0].ToTopic {
			t.Fatalf("sent %+v, want one .启阵", msgs)
		}
		if x.pendingPhase != 1 || !x.lastSentAt.Equal(clock.Now()) {
			t.Fatalf("pendingPhase=%d lastSentAt=%v", x.pendingPhase, x.lastSentAt)
		}
		if r := reg.last(t); r.key != XinggongLoopKey || r.delay != 120*time.Second {
			t.Fatalf("registration = %s after %v, want retry after 120s", r.key, r.delay)
		}
	})

	t.Run("phase two waits for offset", func(t *testing.T) {
		clock := newTestClock(at(15, 9, 0))
		x := newTestXinggong(t, clock)
		reg, sender := wire(x)
		x.mu.Lock()
		x.resetIfNewCycleLocked(clock.Now())
		x.firstSuccess = at(15, 8, 0)
		x.mu.Unlock()

		if err := x.runLoop(context.Background()); err != nil {
			t.Fatal(err)
		}
		if len(sender.messages()) != 0 {
			t.Fatal("phase two fired before its offset")
		}
		want := at(15, 8, 0).Add(43500 * time.Second).Sub(clock.Now())
		if r := reg.last(t); r.delay != want {
			t.Fatalf("delay = %v, want %v", r.delay, want)
		}
	})

	t.Run("both done waits for next cycle", func(t *testing.T) {
		clock := newTestClock(at(15, 21, 0))
		x := newTestXinggong(t, clock)
		reg, sender := wire(x)
		x.mu.Lock()
		x.resetIfNewCycleLocked(clock.Now())
		x.firstSuccess = at(15, 7, 1)
		x.secondSuccess = at(15, 19, 10)
		x.mu.Unlock()

		if err := x.runLoop(context.Background()); err != nil {
			t.Fatal(err)
		}
		if len(sender.messages()) != 0 {
			t.Fatal("sent after both phases were done")
		}
		if r := reg.last(t); r.delay != 10*time.Hour {
			t.Fatalf("delay = %v, want 10h until 07:00 tomorrow", r.delay)
		}
	})

	t.Run("new cycle resets state", func(t *testing.T) {
		clock := newTestClock(at(15, 21, 0))
		x := newTestXinggong(t, clock)
		wire(x)
		x.mu.Lock()
		x.resetIfNewCycleLocked(clock.Now())
		x.firstSuccess = at(15, 7, 1)
		x.secondSuccess = at(15, 19, 10)
		x.inviteID = "10"
		x.mu.Unlock()

		clock.Set(at(16, 7, 0))
		if err := x.runLoop(context.Background()); err != nil {
			t.Fatal(err)
		}
		if x.cycle != "2024-10-16" || !x.secondSuccess.IsZero() || x.inviteID != "" || x.pendingPhase != 1 {
			t.Fatalf("state not reset for new cycle: cycle=%s second=%v invite=%q pending=%d",
				x.cycle, x.secondSuccess, x.inviteID, x.pendingPhase)
		}
	})
}

func TestXinggongAssist(t *testing.T) {
	clock := newTestClock(at(15, 12, 0))
	x := newTestXinggong(t, clock)

	invite := "【周天星斗大阵-启】\n【星宫】弟子 @Other 正在布设大阵，尚需1 位同门相助!"
	actions := xgEvent(t, x, event("30", invite))
	if len(actions) != 1 || actions[0].Text != ".助阵" || actions[0].Delay != 0 {
		t.Fatalf("actions = %+v, want immediate .助阵", actions)
	}

	xgEvent(t, x, event("31", "你刚刚参与过布阵，请在2小时16分钟27秒后再次助阵。"))
	if got := xgEvent(t, x, event("32", invite)); len(got) != 0 {
		t.Fatalf("assisted while on cooldown: %+v", got)
	}

	clock.Set(clock.Now().Add(3 * time.Hour))
	if got := xgEvent(t, x, event("33", invite)); len(got) != 1 {
		t.Fatalf("assist not resumed after cooldown: %+v", got)
	}
}

func TestXinggongBootstrap(t *testing.T) {
	x := newTestXinggong(t, newTestClock(at(15, 12, 0)))
	reg, sender := &fakeRegistrar{}, &fakeSender{}
	if err := x.Bootstrap(context.Background(), reg, sender.send); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	var keys []string
	for _, r := range reg.all() {
		keys = append(keys, r.key)
	}
	if want := []string{XinggongLoopKey, XinggongPollKey}; !reflect.DeepEqual(keys, want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
}

func TestNewXinggongClampsIntervals(t *testing.T) {
	x, err := NewXinggong(XinggongOptions{QizhenStart: "07:00", PollInterval: time.Second, QizhenRetry: time.Second, SecondOffset: -time.Second})
	if err != nil {
		t.Fatalf("NewXinggong: %v", err)
	}
	if x.opts.PollInterval != time.Minute || x.opts.QizhenRetry != 30*time.Second || x.opts.SecondOffset != 0 || x.opts.StarName != defaultStarName {
		t.Fatalf("opts not clamped: %+v", x.opts)
	}
	if _, err := NewXinggong(XinggongOptions{Enabled: true, QizhenStart: "7am"}); err == nil {
		t.Fatal("expected error for malformed start time")
	}
}
