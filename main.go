// Command xiuxian-bot plays the cultivation chat game on an account's behalf.
// It:
//   - Loads configuration (defaults, optional YAML file, environment) and initializes structured logging.
//   - Optionally connects to Postgres, runs migrations and journals inbound events and sends.
//   - Builds the enabled features, the send rate limiter, the task scheduler and the chat transport.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, /metrics and /admin/sends.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/onnwee/xiuxian-bot/bot"
	"github.com/onnwee/xiuxian-bot/chat"
	"github.com/onnwee/xiuxian-bot/config"
	"github.com/onnwee/xiuxian-bot/db"
	"github.com/onnwee/xiuxian-bot/dispatch"
	"github.com/onnwee/xiuxian-bot/features"
	"github.com/onnwee/xiuxian-bot/ratelimit"
	"github.com/onnwee/xiuxian-bot/scheduler"
	"github.com/onnwee/xiuxian-bot/server"
	"github.com/onnwee/xiuxian-bot/telemetry"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(2)
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(2)
	}

	telemetry.Init()
	shutdown, err := telemetry.InitTracing("xiuxian-bot", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("bot exited with error", slog.Any("err", err))
		stop()
		shutdown()
		os.Exit(1)
	}
	slog.Info("shut down cleanly")
}

func run(ctx context.Context, cfg *config.Config) error {
	var journal *db.Journal
	if cfg.DBDsn != "" {
		database, err := db.Connect(ctx, cfg.DBDsn)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		slog.Info("running database migrations", slog.String("component", "db_migrate"))
		if err := db.RunMigrations(database); err != nil {
			_ = database.Close()
			return fmt.Errorf("migrate db: %w", err)
		}
		journal = db.NewJournal(database)
		defer func() {
			if err := journal.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
	} else {
		slog.Info("journal disabled: DB_DSN not set", slog.String("component", "db"))
	}

	feats, err := buildFeatures(cfg)
	if err != nil {
		return err
	}
	limiter, err := ratelimit.New(cfg.GlobalSendsPerMinute, cfg.PluginSendsPerMinute)
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	transport, topicID, err := buildTransport(cfg)
	if err != nil {
		return err
	}

	deps := bot.Deps{
		Transport:  transport,
		Dispatcher: dispatch.New(feats),
		Scheduler:  scheduler.New(),
		Limiter:    limiter,
	}
	// a nil *db.Journal must not become a non-nil interface
	if journal != nil {
		deps.Journal = journal
	}
	runner, err := bot.New(bot.Options{
		TopicID:     topicID,
		MyName:      cfg.MyName,
		SendToTopic: cfg.SendToTopic,
		DryRun:      cfg.DryRun,
	}, deps)
	if err != nil {
		return err
	}

	srvDeps := server.Deps{
		Status: runner,
		Auth: server.AuthConfig{
			Username: cfg.AdminUsername,
			Password: cfg.AdminPassword,
			Token:    cfg.AdminToken,
		},
		AdminRequestsPerMinute: cfg.AdminRequestsPerMin,
	}
	if journal != nil {
		srvDeps.Journal = journal
	}
	go func() {
		if err := server.Start(ctx, cfg.HTTPAddr, srvDeps); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()
	startPprof()

	slog.Info("starting bot",
		slog.String("transport", cfg.Transport),
		slog.String("my_name", cfg.MyName),
		slog.Bool("dry_run", cfg.DryRun),
		slog.Bool("tracing", telemetry.IsTracingEnabled()),
		slog.Int("global_per_minute", cfg.GlobalSendsPerMinute),
		slog.Int("plugin_per_minute", cfg.PluginSendsPerMinute))
	return runner.Run(ctx)
}

func setupLogging(level, format string) {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func buildFeatures(cfg *config.Config) ([]dispatch.Feature, error) {
	b := cfg.Biguan
	biguan, err := features.NewBiguan(features.BiguanOptions{
		Enabled:        b.Enabled,
		MyName:         cfg.MyName,
		Command:        b.Command,
		ExtraBuffer:    seconds(b.ExtraBufferSeconds),
		CooldownJitter: features.JitterRange{Min: seconds(b.CooldownJitterMinSeconds), Max: seconds(b.CooldownJitterMaxSeconds)},
		RetryJitter:    features.JitterRange{Min: seconds(b.RetryJitterMinSeconds), Max: seconds(b.RetryJitterMaxSeconds)},
		Jitter:         features.UniformJitter,
	})
	if err != nil {
		return nil, err
	}

	g := cfg.Garden
	garden, err := features.NewGarden(features.GardenOptions{
		Enabled:      g.Enabled,
		SeedName:     g.SeedName,
		PollInterval: seconds(g.PollIntervalSeconds),
		Spacing:      seconds(g.ActionSpacingSeconds),
	})
	if err != nil {
		return nil, err
	}

	x := cfg.Xinggong
	xinggong, err := features.NewXinggong(features.XinggongOptions{
		Enabled:      x.Enabled,
		MyName:       cfg.MyName,
		StarName:     x.StarName,
		PollInterval: seconds(x.PollIntervalSeconds),
		Spacing:      seconds(x.ActionSpacingSeconds),
		QizhenStart:  x.QizhenStartTime,
		QizhenRetry:  seconds(x.QizhenRetryIntervalSeconds),
		SecondOffset: seconds(x.QizhenSecondOffsetSeconds),
	})
	if err != nil {
		return nil, err
	}

	z := cfg.Zongmen
	zongmen, err := features.NewZongmen(features.ZongmenOptions{
		Enabled:        z.Enabled,
		CmdDianmao:     z.CmdDianmao,
		CmdChuangong:   z.CmdChuangong,
		XindeText:      z.XindeText,
		DianmaoTime:    z.DianmaoTime,
		ChuangongTimes: z.ChuangongTimes,
		CatchUp:        z.CatchUp,
		Spacing:        seconds(z.ActionSpacingSeconds),
	})
	if err != nil {
		return nil, err
	}

	return []dispatch.Feature{biguan, garden, xinggong, zongmen}, nil
}

// buildTransport returns the configured transport and the id topic messages reply to.
func buildTransport(cfg *config.Config) (chat.Transport, string, error) {
	switch cfg.Transport {
	case config.TransportTwitch:
		t, err := chat.NewTwitch(chat.TwitchConfig{
			Channel:    cfg.TwitchChannel,
			Username:   cfg.TwitchBotUsername,
			OAuthToken: cfg.TwitchOAuthToken,
		})
		return t, "", err
	default:
		t, err := chat.NewTelegram(chat.TelegramConfig{
			Token:       cfg.TGBotToken,
			ChatID:      cfg.GameChatID,
			TopicID:     cfg.TopicID,
			SendToTopic: cfg.SendToTopic,
		})
		topic := ""
		if cfg.TopicID > 0 {
			topic = strconv.Itoa(cfg.TopicID)
		}
		return t, topic, err
	}
}

// startPprof enables profiling endpoints in debug setups (ENABLE_PPROF=1).
func startPprof() {
	if os.Getenv("ENABLE_PPROF") != "1" {
		return
	}
	addr := os.Getenv("PPROF_ADDR")
	if addr == "" {
		addr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", addr))
		srv := &http.Server{
			Addr:              addr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
