package features

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/xiuxian-bot/dispatch"
	"github.com/onnwee/xiuxian-bot/parse"
)

const (
	xinggongCmdObservatory = ".观星台"
	xinggongCmdSoothe      = ".安抚星辰"
	xinggongCmdCollect     = ".收集精华"
	xinggongCmdQizhen      = ".启阵"
	xinggongCmdZhuzhen     = ".助阵"

	XinggongLoopKey = "xinggong.qizhen.loop"
	XinggongPollKey = "xinggong.poll"

	xinggongMatureBuffer   = 10 * time.Second
	xinggongCooldownBuffer = 5 * time.Second
	xinggongRelatedWindow  = 90 * time.Second

	defaultStarName = "庚金星"
)

// XinggongOptions configures the star palace feature.
type XinggongOptions struct {
	Enabled      bool
	MyName       string
	StarName     string
	PollInterval time.Duration // raised to at least one minute
	Spacing      time.Duration
	QizhenStart  string        // HH:MM at which a ritual cycle begins
	QizhenRetry  time.Duration // raised to at least 30s
	SecondOffset time.Duration // phase 2 delay after phase 1 success
	Now          func() time.Time
}

// Xinggong runs two loops: the observatory poll (soothe, collect, sow) and the daily ritual,
// which must succeed twice per cycle with the second attempt offset from the first success.
// A cycle starts at QizhenStart, so moments before it belong to the previous day's cycle.
type Xinggong struct {
	base
	opts  XinggongOptions
	start TimeOfDay
	now   func() time.Time

	mu   sync.Mutex
	reg  dispatch.Registrar
	send dispatch.SendFunc

	cycle         string
	firstSuccess  time.Time
	secondSuccess time.Time
	pendingPhase  int
	inviteID      string
	// blockedUntil survives cycle resets; the game cooldown can span the boundary
	blockedUntil       time.Time
	lastSentAt         time.Time
	assistBlockedUntil time.Time
}

// NewXinggong validates opts and applies the minimum intervals.
func NewXinggong(opts XinggongOptions) (*Xinggong, error) {
	start, err := ParseTimeOfDay(opts.QizhenStart)
	if err != nil && opts.Enabled {
		return nil, fmt.Errorf("xinggong ritual start: %w", err)
	}
	opts.StarName = strings.TrimSpace(opts.StarName)
	if opts.StarName == "" {
		opts.StarName = defaultStarName
	}
	opts.PollInterval = max(opts.PollInterval, time.Minute)
	opts.Spacing = max(opts.Spacing, 0)
	opts.QizhenRetry = max(opts.QizhenRetry, 30*time.Second)
	opts.SecondOffset = max(opts.SecondOffset, 0)
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	x := &Xinggong{
		base:  base{name: "xinggong", priority: 40, enabled: opts.Enabled},
		opts:  opts,
		start: start,
		now:   now,
	}
	if x.enabled {
		slog.Info("xinggong enabled",
			slog.String("component", "feature"),
			slog.String("star", opts.StarName),
			slog.Duration("poll_interval", opts.PollInterval),
			slog.String("qizhen_start", start.String()),
			slog.Duration("retry", opts.QizhenRetry),
			slog.Duration("second_offset", opts.SecondOffset))
	}
	return x, nil
}

func (x *Xinggong) myTag() string {
	name := strings.TrimSpace(x.opts.MyName)
	if name == "" || strings.HasPrefix(name, "@") {
		return name
	}
	return "@" + name
}

// cycleStart returns the start of the cycle containing now.
func (x *Xinggong) cycleStart(now time.Time) time.Time {
	s := x.start.On(now)
	if now.Before(s) {
		s = x.start.On(now.AddDate(0, 0, -1))
	}
	return s
}

func (x *Xinggong) resetIfNewCycleLocked(now time.Time) {
	cycle := dayKey(x.cycleStart(now))
	if x.cycle == cycle {
		return
	}
	x.cycle = cycle
	x.firstSuccess = time.Time{}
	x.secondSuccess = time.Time{}
	x.pendingPhase = 0
	x.inviteID = ""
	x.assistBlockedUntil = time.Time{}
}

func (x *Xinggong) action(text, key string, delay time.Duration) dispatch.Action {
	return dispatch.Action{Feature: x.name, Text: text, ToTopic: true, Delay: delay, Key: key}
}

// Bootstrap starts the ritual loop immediately and the observatory poll after one spacing.
func (x *Xinggong) Bootstrap(_ context.Context, reg dispatch.Registrar, send dispatch.SendFunc) error {
	if !x.enabled {
		return nil
	}
	x.mu.Lock()
	x.reg = reg
	x.send = send
	x.mu.Unlock()

	x.scheduleLoop(0)
	reg.Schedule(XinggongPollKey, x.opts.Spacing, func(ctx context.Context) error {
		send(ctx, dispatch.Outgoing{Feature: x.name, Text: xinggongCmdObservatory, ToTopic: true})
		return nil
	})
	return nil
}

func (x *Xinggong) scheduleLoop(delay time.Duration) {
	x.mu.Lock()
	reg := x.reg
	x.mu.Unlock()
	if reg == nil {
		return
	}
	reg.Schedule(XinggongLoopKey, max(delay, 0), x.runLoop)
}

// runLoop is one firing of the ritual loop. Each firing registers the next one.
func (x *Xinggong) runLoop(ctx context.Context) error {
	x.mu.Lock()
	if !x.enabled || x.send == nil {
		x.mu.Unlock()
		return nil
	}
	now := x.now()
	x.resetIfNewCycleLocked(now)
	start := x.cycleStart(now)

	var phase int
	var desired time.Time
	switch {
	case x.firstSuccess.IsZero():
		phase, desired = 1, start
	case x.secondSuccess.IsZero():
		phase, desired = 2, x.firstSuccess.Add(x.opts.SecondOffset)
	default:
		x.mu.Unlock()
		x.scheduleLoop(start.AddDate(0, 0, 1).Sub(now))
		return nil
	}
	if x.blockedUntil.After(desired) {
		desired = x.blockedUntil
	}
	if now.Before(desired) {
		x.mu.Unlock()
		x.scheduleLoop(desired.Sub(now))
		return nil
	}

	x.pendingPhase = phase
	x.lastSentAt = now
	send := x.send
	x.mu.Unlock()

	slog.Info("xinggong ritual start", slog.String("component", "feature"), slog.Int("phase", phase))
	send(ctx, dispatch.Outgoing{Feature: x.name, Text: xinggongCmdQizhen, ToTopic: true})
	x.scheduleLoop(x.opts.QizhenRetry)
	return nil
}

// OnEvent implements dispatch.Feature.
func (x *Xinggong) OnEvent(_ context.Context, ev dispatch.Event) ([]dispatch.Action, error) {
	text := strings.TrimSpace(ev.Text)
	if text == "" || isCommand(text) {
		return nil, nil
	}

	x.mu.Lock()
	actions, reloop, relooping := x.handleLocked(ev, text)
	x.mu.Unlock()

	if relooping {
		x.scheduleLoop(reloop)
	}
	return actions, nil
}

// handleLocked applies ev to the ritual state and the observatory loop. It returns the loop
// delay to register when the ritual loop must be re-evaluated.
func (x *Xinggong) handleLocked(ev dispatch.Event, text string) ([]dispatch.Action, time.Duration, bool) {
	now := x.now()
	x.resetIfNewCycleLocked(now)
	tag := x.myTag()
	mentionsMe := tag != "" && strings.Contains(text, tag)
	ownInvite := x.inviteID != "" && ev.MessageID == x.inviteID

	if strings.Contains(text, "再次启阵") && strings.Contains(text, "请在") {
		related := ev.IsReplyToMe || (!x.lastSentAt.IsZero() && now.Sub(x.lastSentAt) <= xinggongRelatedWindow)
		if !related {
			return nil, 0, false
		}
		rem, ok := parse.Duration(text)
		if !ok {
			return nil, 0, false
		}
		if until := now.Add(rem + xinggongCooldownBuffer); until.After(x.blockedUntil) {
			x.blockedUntil = until
		}
		x.pendingPhase = 0
		return nil, x.blockedUntil.Sub(now), true
	}

	if strings.Contains(text, "周天星斗大阵-启") {
		if ownInvite || mentionsMe {
			x.inviteID = ev.MessageID
		} else {
			if now.Before(x.assistBlockedUntil) {
				return nil, 0, false
			}
			return []dispatch.Action{x.action(xinggongCmdZhuzhen, "xinggong.action.zhuzhen", 0)}, 0, false
		}
	}

	if strings.Contains(text, "再次助阵") && strings.Contains(text, "请在") {
		if rem, ok := parse.Duration(text); ok {
			x.assistBlockedUntil = now.Add(rem + xinggongCooldownBuffer)
		}
		return nil, 0, false
	}

	if strings.Contains(text, "周天星斗大阵-成") || (strings.Contains(text, "大阵已成") && strings.Contains(text, "周天星斗大阵")) {
		if !(ownInvite || mentionsMe) {
			return nil, 0, false
		}
		switch x.pendingPhase {
		case 1:
			if x.firstSuccess.IsZero() {
				x.firstSuccess = now
			}
		case 2:
			if x.secondSuccess.IsZero() {
				x.secondSuccess = now
			}
		default:
			return nil, 0, false
		}
		slog.Info("xinggong ritual complete", slog.String("component", "feature"), slog.Int("phase", x.pendingPhase))
		x.pendingPhase = 0
		return nil, 0, true
	}

	// soothe/collect replies: look again shortly
	if (strings.Contains(text, "成功安抚了") && strings.Contains(text, "引星盘")) ||
		(strings.Contains(text, "成功从") && strings.Contains(text, "收集") && strings.Contains(text, "星辰精华")) {
		return []dispatch.Action{x.action(xinggongCmdObservatory, XinggongPollKey, x.opts.Spacing)}, 0, false
	}

	st := parse.Observatory(text)
	if st == nil {
		return nil, 0, false
	}
	actions := []dispatch.Action{
		x.action(xinggongCmdObservatory, XinggongPollKey, pollDelay(x.opts.PollInterval, st.MinRemaining, xinggongMatureBuffer)),
	}
	switch {
	case len(st.Abnormal) > 0:
		actions = append(actions, x.action(xinggongCmdSoothe, "xinggong.action.soothe", 0))
	case len(st.Collectable) > 0:
		actions = append(actions, x.action(xinggongCmdCollect, "xinggong.action.collect", 0))
	case len(st.Idle) > 0:
		// the command fills every empty disk
		actions = append(actions, x.action(".牵引星辰 "+x.opts.StarName, "xinggong.action.sow", 0))
	}
	return actions, 0, false
}

// Status reports the ritual cycle state.
func (x *Xinggong) Status() any {
	x.mu.Lock()
	defer x.mu.Unlock()
	return map[string]any{
		"cycle":                x.cycle,
		"first_success":        x.firstSuccess,
		"second_success":       x.secondSuccess,
		"pending_phase":        x.pendingPhase,
		"blocked_until":        x.blockedUntil,
		"assist_blocked_until": x.assistBlockedUntil,
	}
}
