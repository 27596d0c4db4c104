// Package bot wires a chat transport to the dispatcher, the scheduler and the rate limiter.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/onnwee/xiuxian-bot/chat"
	"github.com/onnwee/xiuxian-bot/dispatch"
	"github.com/onnwee/xiuxian-bot/ratelimit"
	"github.com/onnwee/xiuxian-bot/scheduler"
	"github.com/onnwee/xiuxian-bot/telemetry"
)

// Journal persists inbound events and send attempts. Implemented by db.Journal.
type Journal interface {
	RecordInbound(ctx context.Context, ev dispatch.Event) error
	RecordOutbound(ctx context.Context, msg dispatch.Outgoing, result, messageID string, sendErr error) error
}

// Options controls scoping and the send path.
type Options struct {
	TopicID     string // events replying to this id are topic messages
	MyName      string
	SendToTopic bool
	DryRun      bool
}

// Deps are the collaborators a Runner drives. Journal may be nil.
type Deps struct {
	Transport  chat.Transport
	Dispatcher *dispatch.Dispatcher
	Scheduler  *scheduler.Scheduler
	Limiter    *ratelimit.Limiter
	Journal    Journal
}

// Runner handles inbound events one at a time and executes the resulting actions.
type Runner struct {
	opts       Options
	transport  chat.Transport
	dispatcher *dispatch.Dispatcher
	scheduler  *scheduler.Scheduler
	limiter    *ratelimit.Limiter
	journal    Journal
}

// New validates deps.
func New(opts Options, deps Deps) (*Runner, error) {
	if deps.Transport == nil || deps.Dispatcher == nil || deps.Scheduler == nil || deps.Limiter == nil {
		return nil, errors.New("bot: transport, dispatcher, scheduler and limiter are required")
	}
	opts.MyName = strings.TrimSpace(opts.MyName)
	return &Runner{
		opts:       opts,
		transport:  deps.Transport,
		dispatcher: deps.Dispatcher,
		scheduler:  deps.Scheduler,
		limiter:    deps.Limiter,
		journal:    deps.Journal,
	}, nil
}

// InScope reports whether ev concerns us: posted in the configured topic, mentioning our name,
// or replying to one of our messages.
func (r *Runner) InScope(ev dispatch.Event) bool {
	if r.opts.TopicID != "" && ev.ReplyToID == r.opts.TopicID {
		return true
	}
	if r.opts.MyName != "" && strings.Contains(ev.Text, r.opts.MyName) {
		return true
	}
	return ev.IsReplyToMe
}

// Send is the dispatch.SendFunc handed to features. It rate limits, honours dry-run, and never
// returns an error or panics; failures are logged, counted and journaled.
func (r *Runner) Send(ctx context.Context, msg dispatch.Outgoing) (string, bool) {
	msg.ToTopic = msg.ToTopic && r.opts.SendToTopic
	ctx, span := telemetry.StartSpan(ctx, "bot.send", telemetry.FeatureAttr(msg.Feature))
	defer span.End()
	log := telemetry.LoggerWithCorr(ctx).With(
		slog.String("component", "bot"),
		slog.String("feature", msg.Feature),
		slog.String("text", msg.Text),
		slog.Bool("to_topic", msg.ToTopic))

	if !r.limiter.Allow(msg.Feature) {
		log.Warn("rate limited", slog.Duration("retry_in", r.limiter.NextAllowedIn(msg.Feature)))
		r.finish(ctx, msg, telemetry.SendResultRateLimited, "", nil)
		return "", false
	}
	if r.opts.DryRun {
		log.Info("dry run")
		r.finish(ctx, msg, telemetry.SendResultDryRun, "", nil)
		return "", false
	}

	var (
		id  string
		err error
	)
	telemetry.TimeFunc(telemetry.SendDuration, func() { id, err = r.safeSend(ctx, msg) })
	if err != nil {
		log.Error("send failed", slog.Any("err", err))
		telemetry.RecordError(span, err)
		r.finish(ctx, msg, telemetry.SendResultFailed, "", err)
		return "", false
	}
	telemetry.SetSpanSuccess(span)
	log.Info("sent", slog.String("message_id", id))
	r.finish(ctx, msg, telemetry.SendResultSent, id, nil)
	return id, true
}

func (r *Runner) safeSend(ctx context.Context, msg dispatch.Outgoing) (id string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("transport panic: %v", p)
		}
	}()
	return r.transport.Send(ctx, msg)
}

func (r *Runner) finish(ctx context.Context, msg dispatch.Outgoing, result, id string, sendErr error) {
	telemetry.RecordSend(msg.Feature, result)
	if r.journal == nil {
		return
	}
	if err := r.journal.RecordOutbound(ctx, msg, result, id, sendErr); err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("journal write failed", slog.String("component", "bot"), slog.Any("err", err))
	}
}

func outgoing(a dispatch.Action) dispatch.Outgoing {
	return dispatch.Outgoing{Feature: a.Feature, Text: a.Text, ToTopic: a.ToTopic, ReplyTo: a.ReplyTo}
}

// Execute sends a now, or registers it with the scheduler when it carries a delay. Delayed
// sends keep the correlation id of the event that produced them.
func (r *Runner) Execute(ctx context.Context, a dispatch.Action) {
	if a.Delay <= 0 {
		r.Send(ctx, outgoing(a))
		return
	}
	key := a.ScheduleKey()
	corr := telemetry.GetCorrelation(ctx)
	telemetry.LoggerWithCorr(ctx).Info("scheduled",
		slog.String("component", "bot"),
		slog.String("feature", a.Feature),
		slog.String("key", key),
		slog.Duration("delay", a.Delay),
		slog.String("text", a.Text))
	r.scheduler.Schedule(key, a.Delay, func(tctx context.Context) error {
		if corr != "" {
			tctx = telemetry.WithCorrelation(tctx, corr)
		}
		r.Send(tctx, outgoing(a))
		return nil
	})
}

// HandleEvent scopes, journals and dispatches one inbound event, then executes the actions in
// feature priority order.
func (r *Runner) HandleEvent(ctx context.Context, ev dispatch.Event) {
	inScope := r.InScope(ev)
	telemetry.RecordInbound(inScope)
	if !inScope {
		return
	}
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	ctx, span := telemetry.StartSpan(ctx, "bot.handle_event")
	defer span.End()

	if r.journal != nil {
		if err := r.journal.RecordInbound(ctx, ev); err != nil {
			telemetry.LoggerWithCorr(ctx).Warn("journal write failed", slog.String("component", "bot"), slog.Any("err", err))
		}
	}

	var actions []dispatch.Action
	telemetry.TimeFunc(telemetry.DispatchDuration, func() { actions = r.dispatcher.Dispatch(ctx, ev) })
	if len(actions) > 0 {
		telemetry.LoggerWithCorr(ctx).Info("rx",
			slog.String("component", "bot"),
			slog.String("features", featureNames(actions)),
			slog.String("text", shortText(ev.Text, 160)))
	}
	for _, a := range actions {
		r.Execute(ctx, a)
	}
}

// Bootstrap starts the self-scheduled loops of enabled features.
func (r *Runner) Bootstrap(ctx context.Context) error {
	for _, f := range r.dispatcher.Features() {
		if !f.Enabled() {
			continue
		}
		b, ok := f.(dispatch.Bootstrapper)
		if !ok {
			continue
		}
		if err := b.Bootstrap(ctx, r.scheduler, r.Send); err != nil {
			return fmt.Errorf("bootstrap %s: %w", f.Name(), err)
		}
		slog.Info("feature bootstrapped", slog.String("component", "bot"), slog.String("feature", f.Name()))
	}
	return nil
}

// Run bootstraps features and pumps transport events until ctx is done, then drains the
// scheduler.
func (r *Runner) Run(ctx context.Context) error {
	defer r.scheduler.CancelAll()
	if err := r.Bootstrap(ctx); err != nil {
		return err
	}
	slog.Info("runner started", slog.String("component", "bot"), slog.Bool("dry_run", r.opts.DryRun))
	err := r.transport.Start(ctx, r.HandleEvent)
	slog.Info("runner stopping", slog.String("component", "bot"), slog.Int("live_tasks", r.scheduler.Len()))
	return err
}

func featureNames(actions []dispatch.Action) string {
	seen := make(map[string]bool, len(actions))
	var names []string
	for _, a := range actions {
		if !seen[a.Feature] {
			seen[a.Feature] = true
			names = append(names, a.Feature)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

func shortText(text string, maxRunes int) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= maxRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxRunes-1]) + "…"
}

// FeatureStatus is one feature's entry in Status.
type FeatureStatus struct {
	Name       string  `json:"name"`
	Enabled    bool    `json:"enabled"`
	Priority   int     `json:"priority"`
	RateWaitS  float64 `json:"rate_wait_seconds"`
	SentGlobal int     `json:"sent_last_minute_global"`
	SentOwn    int     `json:"sent_last_minute"`
	State      any     `json:"state,omitempty"`
}

// Status is the snapshot served on /status.
type Status struct {
	DryRun   bool                 `json:"dry_run"`
	Now      time.Time            `json:"now"`
	Tasks    []scheduler.TaskInfo `json:"tasks"`
	Features []FeatureStatus      `json:"features"`
}

type stateReporter interface {
	Status() any
}

// Status reports live tasks, per-feature limiter headroom and feature state.
func (r *Runner) Status() Status {
	st := Status{DryRun: r.opts.DryRun, Now: time.Now(), Tasks: r.scheduler.Snapshot()}
	for _, f := range r.dispatcher.Features() {
		global, own := r.limiter.Usage(f.Name())
		fs := FeatureStatus{
			Name:       f.Name(),
			Enabled:    f.Enabled(),
			Priority:   f.Priority(),
			RateWaitS:  r.limiter.NextAllowedIn(f.Name()).Seconds(),
			SentGlobal: global,
			SentOwn:    own,
		}
		if rep, ok := f.(stateReporter); ok && f.Enabled() {
			fs.State = rep.Status()
		}
		st.Features = append(st.Features, fs)
	}
	return st
}
