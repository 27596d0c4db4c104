package features

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/onnwee/xiuxian-bot/dispatch"
	"github.com/onnwee/xiuxian-bot/parse"
)

const (
	zongmenDailyQuota    = 3
	defaultXindeText     = "今日修行心得：稳中求进。"
	zongmenSlotDianmao   = "dianmao"
	zongmenSlotChuangong = "chuangong"
)

// ZongmenOptions configures the sect daily routine.
type ZongmenOptions struct {
	Enabled        bool
	CmdDianmao     string
	CmdChuangong   string
	XindeText      string
	DianmaoTime    string
	ChuangongTimes []string // exactly three HH:MM values
	CatchUp        bool
	Spacing        time.Duration
	Now            func() time.Time
}

type dailySlot struct {
	name string
	tod  TimeOfDay
	cron string
}

// Zongmen checks in once a day and transmits the sect technique three times a day at fixed
// times. Guards reset when the calendar day changes.
type Zongmen struct {
	base
	opts      ZongmenOptions
	now       func() time.Time
	dianmao   dailySlot
	chuangong []dailySlot

	mu              sync.Mutex
	day             string
	dianmaoDone     bool
	chuangongCount  int
	chuangongHalted bool
}

// NewZongmen validates opts. Times are only required when the feature is enabled.
func NewZongmen(opts ZongmenOptions) (*Zongmen, error) {
	opts.CmdDianmao = strings.TrimSpace(opts.CmdDianmao)
	opts.CmdChuangong = strings.TrimSpace(opts.CmdChuangong)
	opts.XindeText = strings.TrimSpace(opts.XindeText)
	opts.Spacing = max(opts.Spacing, 0)
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	z := &Zongmen{
		base: base{name: "zongmen", priority: 20, enabled: opts.Enabled},
		opts: opts,
		now:  now,
	}
	if !z.enabled {
		return z, nil
	}

	if opts.CmdDianmao == "" || opts.CmdChuangong == "" {
		return nil, fmt.Errorf("%w: zongmen commands must be set", ErrInvalidConfig)
	}
	var err error
	if z.dianmao, err = z.slot(zongmenSlotDianmao, opts.DianmaoTime); err != nil {
		return nil, err
	}
	var times []string
	for _, t := range opts.ChuangongTimes {
		if t = strings.TrimSpace(t); t != "" {
			times = append(times, t)
		}
	}
	if len(times) != zongmenDailyQuota {
		return nil, fmt.Errorf("%w: zongmen needs %d chuangong times, got %d", ErrInvalidConfig, zongmenDailyQuota, len(times))
	}
	for i, raw := range times {
		s, err := z.slot(fmt.Sprintf("%s.%d", zongmenSlotChuangong, i+1), raw)
		if err != nil {
			return nil, err
		}
		z.chuangong = append(z.chuangong, s)
	}

	slog.Info("zongmen enabled",
		slog.String("component", "feature"),
		slog.String("dianmao_time", z.dianmao.tod.String()),
		slog.Any("chuangong_times", times),
		slog.Bool("catch_up", opts.CatchUp))
	return z, nil
}

func (z *Zongmen) slot(name, raw string) (dailySlot, error) {
	tod, err := ParseTimeOfDay(raw)
	if err != nil {
		return dailySlot{}, fmt.Errorf("zongmen %s time: %w", name, err)
	}
	expr := fmt.Sprintf("%d %d * * *", tod.Minute, tod.Hour)
	gron := gronx.New()
	if !gron.IsValid(expr) {
		return dailySlot{}, fmt.Errorf("%w: zongmen %s cron %q", ErrInvalidConfig, name, expr)
	}
	return dailySlot{name: name, tod: tod, cron: expr}, nil
}

func (z *Zongmen) resetIfNewDayLocked(now time.Time) {
	day := dayKey(now)
	if z.day == day {
		return
	}
	z.day = day
	z.dianmaoDone = false
	z.chuangongCount = 0
	z.chuangongHalted = false
}

func normalizeCommand(text string) string {
	return strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(text), "."))
}

// xinde is the message the 传功 command replies to. It must not read as the command itself.
func (z *Zongmen) xinde() string {
	text := z.opts.XindeText
	if text == "" {
		text = defaultXindeText
	}
	if normalizeCommand(text) == normalizeCommand(z.opts.CmdChuangong) {
		return "心得：" + text
	}
	return text
}

// nextOccurrence is the first firing of s strictly after now.
func (z *Zongmen) nextOccurrence(s dailySlot, now time.Time) (time.Time, error) {
	next, err := gronx.NextTickAfter(s.cron, now, false)
	if err != nil {
		return time.Time{}, fmt.Errorf("zongmen %s next tick: %w", s.name, err)
	}
	return next, nil
}

// firstRun returns the initial delay and occurrence for s. A time already passed today runs
// now when catch-up is enabled.
func (z *Zongmen) firstRun(s dailySlot, now time.Time) (time.Duration, time.Time, bool, error) {
	today := s.tod.On(now)
	if !now.After(today) {
		return today.Sub(now), today, false, nil
	}
	if z.opts.CatchUp {
		return 0, today, true, nil
	}
	next, err := z.nextOccurrence(s, now)
	if err != nil {
		return 0, time.Time{}, false, err
	}
	return next.Sub(now), next, false, nil
}

// Bootstrap registers the check-in and the three transmissions.
func (z *Zongmen) Bootstrap(_ context.Context, reg dispatch.Registrar, send dispatch.SendFunc) error {
	if !z.enabled {
		return nil
	}
	now := z.now()
	z.mu.Lock()
	z.resetIfNewDayLocked(now)
	z.mu.Unlock()

	// catch-up runs are staggered so they do not all hit the rate limiter at once
	var offset time.Duration
	register := func(s dailySlot, fire func(context.Context, dispatch.SendFunc)) error {
		delay, occ, caughtUp, err := z.firstRun(s, now)
		if err != nil {
			return err
		}
		if caughtUp {
			delay = offset
			offset += z.opts.Spacing
		}
		z.schedule(reg, send, s, occ, delay, fire)
		return nil
	}

	if err := register(z.dianmao, z.fireDianmao); err != nil {
		return err
	}
	for _, s := range z.chuangong {
		if err := register(s, z.fireChuangong); err != nil {
			return err
		}
	}
	return nil
}

func (z *Zongmen) schedule(reg dispatch.Registrar, send dispatch.SendFunc, s dailySlot, occ time.Time, delay time.Duration, fire func(context.Context, dispatch.SendFunc)) {
	key := fmt.Sprintf("zongmen.%s.%s", s.name, occ.Format("20060102"))
	slog.Info("zongmen scheduled", slog.String("component", "feature"), slog.String("key", key), slog.Duration("delay", delay))
	reg.Schedule(key, delay, func(ctx context.Context) error {
		fire(ctx, send)
		now := z.now()
		next, err := z.nextOccurrence(s, now)
		if err != nil {
			return err
		}
		z.schedule(reg, send, s, next, max(next.Sub(now), 0), fire)
		return nil
	})
}

func (z *Zongmen) fireDianmao(ctx context.Context, send dispatch.SendFunc) {
	z.mu.Lock()
	z.resetIfNewDayLocked(z.now())
	done := z.dianmaoDone
	z.mu.Unlock()

	if done {
		slog.Info("zongmen skip", slog.String("component", "feature"), slog.String("action", zongmenSlotDianmao), slog.String("reason", "already_done"))
		return
	}
	send(ctx, dispatch.Outgoing{Feature: z.name, Text: z.opts.CmdDianmao, ToTopic: true})
}

func (z *Zongmen) fireChuangong(ctx context.Context, send dispatch.SendFunc) {
	z.mu.Lock()
	z.resetIfNewDayLocked(z.now())
	halted, count := z.chuangongHalted, z.chuangongCount
	z.mu.Unlock()

	log := slog.With(slog.String("component", "feature"), slog.String("action", zongmenSlotChuangong))
	if halted {
		log.Warn("zongmen skip", slog.String("reason", "disabled"))
		return
	}
	if count >= zongmenDailyQuota {
		log.Info("zongmen skip", slog.String("reason", "limit_reached"), slog.Int("count", count))
		return
	}

	mid, ok := send(ctx, dispatch.Outgoing{Feature: z.name, Text: z.xinde(), ToTopic: true})
	if !ok || mid == "" {
		log.Warn("zongmen chuangong abort", slog.String("reason", "no_message_id"))
		return
	}
	send(ctx, dispatch.Outgoing{Feature: z.name, Text: z.opts.CmdChuangong, ToTopic: true, ReplyTo: mid})
}

// OnEvent only observes replies; all sends come from the daily timers.
func (z *Zongmen) OnEvent(_ context.Context, ev dispatch.Event) ([]dispatch.Action, error) {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return nil, nil
	}

	z.mu.Lock()
	defer z.mu.Unlock()
	z.resetIfNewDayLocked(z.now())

	switch {
	case strings.Contains(text, "点卯成功") || strings.Contains(text, "今日已点卯"):
		z.dianmaoDone = true
	case strings.Contains(text, "此神通需回复你的一条有价值的发言"):
		z.chuangongHalted = true
		slog.Warn("zongmen chuangong disabled", slog.String("component", "feature"), slog.String("reason", "need_reply_hint"), slog.String("text", text))
	case strings.Contains(text, "每日最多传功") || strings.Contains(text, "你今日传功过于频繁"):
		z.chuangongCount = zongmenDailyQuota
	default:
		if count, total, ok := parse.ChuangongCount(text); ok && total == zongmenDailyQuota && count >= 0 && count <= zongmenDailyQuota {
			z.chuangongCount = count
		}
	}
	return nil, nil
}

// Status reports today's guards.
func (z *Zongmen) Status() any {
	z.mu.Lock()
	defer z.mu.Unlock()
	return map[string]any{
		"day":              z.day,
		"dianmao_done":     z.dianmaoDone,
		"chuangong_count":  z.chuangongCount,
		"chuangong_halted": z.chuangongHalted,
	}
}
