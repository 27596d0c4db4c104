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
	gardenCmdStatus  = ".小药园"
	gardenCmdWater   = ".浇水"
	gardenCmdInsect  = ".除虫"
	gardenCmdWeed    = ".除草"
	gardenCmdHarvest = ".采药"

	GardenPollKey = "garden.poll"

	gardenMatureBuffer = 10 * time.Second
)

// GardenOptions configures the herb garden loop.
type GardenOptions struct {
	Enabled      bool
	SeedName     string
	PollInterval time.Duration
	Spacing      time.Duration
}

// Garden polls the herb garden and fixes the worst condition first: pests, weeds, drought,
// then harvest, and sows idle plots only when nothing is ready to harvest.
type Garden struct {
	base
	opts GardenOptions

	mu                    sync.Mutex
	seedInsufficient      bool
	seedInsufficientNoted bool
	sowBlocked            bool
}

// NewGarden validates opts.
func NewGarden(opts GardenOptions) (*Garden, error) {
	opts.SeedName = strings.TrimSpace(opts.SeedName)
	g := &Garden{base: base{name: "garden", priority: 50, enabled: opts.Enabled}, opts: opts}
	if g.enabled {
		if opts.SeedName == "" {
			return nil, fmt.Errorf("%w: garden seed name is empty", ErrInvalidConfig)
		}
		if opts.PollInterval < time.Second {
			return nil, fmt.Errorf("%w: garden poll interval %s", ErrInvalidConfig, opts.PollInterval)
		}
		if opts.Spacing < 0 {
			return nil, fmt.Errorf("%w: garden spacing %s", ErrInvalidConfig, opts.Spacing)
		}
		slog.Info("garden enabled", slog.String("component", "feature"), slog.Duration("poll_interval", opts.PollInterval), slog.String("seed", opts.SeedName))
	}
	return g, nil
}

func (g *Garden) sowCommand() string {
	return ".播种 " + g.opts.SeedName
}

func (g *Garden) action(text, key string, delay time.Duration) dispatch.Action {
	return dispatch.Action{Feature: g.name, Text: text, ToTopic: true, Delay: delay, Key: key}
}

// Bootstrap schedules the first status poll.
func (g *Garden) Bootstrap(_ context.Context, reg dispatch.Registrar, send dispatch.SendFunc) error {
	if !g.enabled {
		return nil
	}
	reg.Schedule(GardenPollKey, g.opts.Spacing, func(ctx context.Context) error {
		send(ctx, dispatch.Outgoing{Feature: g.name, Text: gardenCmdStatus, ToTopic: true})
		return nil
	})
	return nil
}

// OnEvent implements dispatch.Feature.
func (g *Garden) OnEvent(_ context.Context, ev dispatch.Event) ([]dispatch.Action, error) {
	text := strings.TrimSpace(ev.Text)
	if text == "" || isCommand(text) {
		return nil, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case strings.Contains(text, "你的药园中已无空闲的灵田"):
		g.sowBlocked = true
		return nil, nil

	case strings.Contains(text, "数量不足") && strings.Contains(text, "种子"):
		g.seedInsufficient = true
		if !g.seedInsufficientNoted {
			g.seedInsufficientNoted = true
			slog.Warn("garden seed insufficient", slog.String("component", "feature"), slog.String("seed", g.opts.SeedName), slog.String("text", text))
		}
		return nil, nil

	case strings.Contains(text, "购买成功") && strings.Contains(text, g.opts.SeedName):
		g.seedInsufficient = false
		g.seedInsufficientNoted = false
		return nil, nil

	case strings.Contains(text, "播种成功"):
		g.sowBlocked = false
		return nil, nil

	case strings.Contains(text, "一键采药完成"):
		// harvesting frees plots right away
		g.sowBlocked = false
		if g.seedInsufficient {
			return nil, nil
		}
		return []dispatch.Action{g.action(g.sowCommand(), "garden.action.sow", g.opts.Spacing)}, nil
	}

	st := parse.Garden(text)
	if st == nil {
		return nil, nil
	}

	actions := []dispatch.Action{
		g.action(gardenCmdStatus, GardenPollKey, pollDelay(g.opts.PollInterval, st.MinRemaining, gardenMatureBuffer)),
	}

	var delay time.Duration
	fix := func(present bool, cmd, key string) {
		if !present {
			return
		}
		actions = append(actions, g.action(cmd, key, delay))
		delay += g.opts.Spacing
	}
	fix(st.Insect, gardenCmdInsect, "garden.action.insect")
	fix(st.Weed, gardenCmdWeed, "garden.action.weed")
	fix(st.Drought, gardenCmdWater, "garden.action.water")

	if st.Mature {
		// sowing waits for the harvest-complete reply
		actions = append(actions, g.action(gardenCmdHarvest, "garden.action.harvest", delay))
		return actions, nil
	}
	if st.Idle && !g.seedInsufficient && !g.sowBlocked {
		actions = append(actions, g.action(g.sowCommand(), "garden.action.sow", delay))
	}
	return actions, nil
}

// Status reports the blocking flags.
func (g *Garden) Status() any {
	g.mu.Lock()
	defer g.mu.Unlock()
	return map[string]any{
		"seed":              g.opts.SeedName,
		"seed_insufficient": g.seedInsufficient,
		"sow_blocked":       g.sowBlocked,
	}
}
