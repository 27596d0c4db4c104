package features

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/onnwee/xiuxian-bot/dispatch"
	"github.com/onnwee/xiuxian-bot/parse"
)

// BiguanKey is the single scheduler key for the next seclusion attempt.
const BiguanKey = "biguan.next"

// BiguanOptions configures the seclusion feature.
type BiguanOptions struct {
	Enabled        bool
	MyName         string
	Command        string
	ExtraBuffer    time.Duration
	CooldownJitter JitterRange
	RetryJitter    JitterRange
	Jitter         JitterFunc
}

// Biguan re-enters seclusion whenever the game reports a cooldown. Every trigger schedules
// the same key, so a later reply overrides an earlier pending attempt.
type Biguan struct {
	base
	opts BiguanOptions
}

// NewBiguan validates opts when the feature is enabled.
func NewBiguan(opts BiguanOptions) (*Biguan, error) {
	if opts.Enabled {
		if strings.TrimSpace(opts.Command) == "" {
			return nil, fmt.Errorf("%w: biguan command is empty", ErrInvalidConfig)
		}
		if opts.ExtraBuffer < 0 {
			return nil, fmt.Errorf("%w: biguan extra buffer %s", ErrInvalidConfig, opts.ExtraBuffer)
		}
		if err := opts.CooldownJitter.validate("biguan cooldown"); err != nil {
			return nil, err
		}
		if err := opts.RetryJitter.validate("biguan retry"); err != nil {
			return nil, err
		}
	}
	if opts.Jitter == nil {
		opts.Jitter = UniformJitter
	}
	return &Biguan{base: base{name: "biguan", priority: 100, enabled: opts.Enabled}, opts: opts}, nil
}

func (b *Biguan) addressed(ev dispatch.Event) bool {
	return ev.IsReplyToMe || (b.opts.MyName != "" && strings.Contains(ev.Text, b.opts.MyName))
}

func (b *Biguan) next(delay time.Duration) []dispatch.Action {
	return []dispatch.Action{{
		Feature: b.name,
		Text:    b.opts.Command,
		ToTopic: true,
		Delay:   delay,
		Key:     BiguanKey,
	}}
}

// OnEvent implements dispatch.Feature.
func (b *Biguan) OnEvent(_ context.Context, ev dispatch.Event) ([]dispatch.Action, error) {
	text := ev.Text
	if !b.addressed(ev) {
		return nil, nil
	}
	log := slog.With(slog.String("component", "feature"), slog.String("feature", b.name))

	switch {
	case parse.ContainsAny(text, "冷却时间被重置", "可以立刻再次闭关"):
		delay := b.opts.Jitter(b.opts.RetryJitter)
		log.Debug("cooldown reset", slog.Duration("delay", delay))
		return b.next(delay), nil

	case strings.Contains(text, "打坐调息"):
		minutes, ok := parse.BiguanCooldownMinutes(text)
		if !ok {
			return nil, nil
		}
		delay := time.Duration(minutes)*time.Minute + b.opts.ExtraBuffer + b.opts.Jitter(b.opts.CooldownJitter)
		log.Debug("cooldown", slog.Int("minutes", minutes), slog.Duration("delay", delay), slog.Bool("reply_to_me", ev.IsReplyToMe))
		return b.next(delay), nil

	case strings.Contains(text, "灵气尚未平复"):
		secs, ok := parse.LingqiCooldownSeconds(text)
		if !ok {
			return nil, nil
		}
		delay := time.Duration(secs)*time.Second + b.opts.Jitter(b.opts.RetryJitter)
		log.Debug("throttled", slog.Int("seconds", secs), slog.Duration("delay", delay), slog.Bool("reply_to_me", ev.IsReplyToMe))
		return b.next(delay), nil
	}
	return nil, nil
}

// Status reports static configuration for the ops endpoint.
func (b *Biguan) Status() any {
	return map[string]any{"command": b.opts.Command, "key": BiguanKey}
}
