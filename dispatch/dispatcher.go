package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"

	"github.com/onnwee/xiuxian-bot/telemetry"
)

// Dispatcher delivers events to features ordered by descending priority.
type Dispatcher struct {
	features []Feature
}

// New sorts features by descending priority, keeping registration order for ties.
func New(features []Feature) *Dispatcher {
	sorted := make([]Feature, len(features))
	copy(sorted, features)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() > sorted[j].Priority()
	})
	return &Dispatcher{features: sorted}
}

// Features returns the features in dispatch order.
func (d *Dispatcher) Features() []Feature {
	out := make([]Feature, len(d.features))
	copy(out, d.features)
	return out
}

// Dispatch runs ev through every enabled feature and concatenates their actions in priority
// order. A feature that errors or panics is logged and skipped; the rest still run.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) []Action {
	var actions []Action
	for _, f := range d.features {
		if !f.Enabled() {
			continue
		}
		out, err := safeOnEvent(ctx, f, ev)
		if err != nil {
			telemetry.RecordFeatureFault(f.Name())
			telemetry.LoggerWithCorr(ctx).Error("feature error",
				slog.String("component", "dispatch"),
				slog.String("feature", f.Name()),
				slog.String("message_id", ev.MessageID),
				slog.Any("err", err))
			continue
		}
		actions = append(actions, out...)
	}
	return actions
}

func safeOnEvent(ctx context.Context, f Feature, ev Event) (actions []Action, err error) {
	defer func() {
		if r := recover(); r != nil {
			actions = nil
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return f.OnEvent(ctx, ev)
}
