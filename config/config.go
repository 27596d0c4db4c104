// Package config loads the bot configuration: code defaults, then an optional YAML file named
// by CONFIG_FILE, then environment variables (a local .env file is read first as a convenience).
// Use Validate before wiring anything; it reports every problem at once.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Transports.
const (
	TransportTelegram = "telegram"
	TransportTwitch   = "twitch"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

type BiguanConfig struct {
	Enabled                  bool   `yaml:"enabled" env:"ENABLE_BIGUAN"`
	Command                  string `yaml:"command" env:"ACTION_CMD_BIGUAN"`
	ExtraBufferSeconds       int    `yaml:"extra_buffer_seconds" env:"BIGUAN_EXTRA_BUFFER_SECONDS"`
	CooldownJitterMinSeconds int    `yaml:"cooldown_jitter_min_seconds" env:"BIGUAN_COOLDOWN_JITTER_MIN_SECONDS"`
	CooldownJitterMaxSeconds int    `yaml:"cooldown_jitter_max_seconds" env:"BIGUAN_COOLDOWN_JITTER_MAX_SECONDS"`
	RetryJitterMinSeconds    int    `yaml:"retry_jitter_min_seconds" env:"BIGUAN_RETRY_JITTER_MIN_SECONDS"`
	RetryJitterMaxSeconds    int    `yaml:"retry_jitter_max_seconds" env:"BIGUAN_RETRY_JITTER_MAX_SECONDS"`
}

type GardenConfig struct {
	Enabled              bool   `yaml:"enabled" env:"ENABLE_GARDEN"`
	SeedName             string `yaml:"seed_name" env:"GARDEN_SEED_NAME"`
	PollIntervalSeconds  int    `yaml:"poll_interval_seconds" env:"GARDEN_POLL_INTERVAL_SECONDS"`
	ActionSpacingSeconds int    `yaml:"action_spacing_seconds" env:"GARDEN_ACTION_SPACING_SECONDS"`
}

type XinggongConfig struct {
	Enabled                    bool   `yaml:"enabled" env:"ENABLE_XINGGONG"`
	StarName                   string `yaml:"star_name" env:"XINGGONG_STAR_NAME"`
	PollIntervalSeconds        int    `yaml:"poll_interval_seconds" env:"XINGGONG_POLL_INTERVAL_SECONDS"`
	ActionSpacingSeconds       int    `yaml:"action_spacing_seconds" env:"XINGGONG_ACTION_SPACING_SECONDS"`
	QizhenStartTime            string `yaml:"qizhen_start_time" env:"XINGGONG_QIZHEN_START_TIME"`
	QizhenRetryIntervalSeconds int    `yaml:"qizhen_retry_interval_seconds" env:"XINGGONG_QIZHEN_RETRY_INTERVAL_SECONDS"`
	QizhenSecondOffsetSeconds  int    `yaml:"qizhen_second_offset_seconds" env:"XINGGONG_QIZHEN_SECOND_OFFSET_SECONDS"`
}

type ZongmenConfig struct {
	Enabled              bool     `yaml:"enabled" env:"ENABLE_ZONGMEN"`
	CmdDianmao           string   `yaml:"cmd_dianmao" env:"ZONGMEN_CMD_DIANMAO"`
	CmdChuangong         string   `yaml:"cmd_chuangong" env:"ZONGMEN_CMD_CHUANGONG"`
	DianmaoTime          string   `yaml:"dianmao_time" env:"ZONGMEN_DIANMAO_TIME"`
	ChuangongTimes       []string `yaml:"chuangong_times" env:"ZONGMEN_CHUANGONG_TIMES" envSeparator:","`
	XindeText            string   `yaml:"chuangong_xinde_text" env:"ZONGMEN_CHUANGONG_XINDE_TEXT"`
	CatchUp              bool     `yaml:"catch_up" env:"ZONGMEN_CATCH_UP"`
	ActionSpacingSeconds int      `yaml:"action_spacing_seconds" env:"ZONGMEN_ACTION_SPACING_SECONDS"`
}

type Config struct {
	Transport string `yaml:"transport" env:"TRANSPORT"`

	// Telegram
	TGBotToken  string `yaml:"tg_bot_token" env:"TG_BOT_TOKEN"`
	GameChatID  int64  `yaml:"game_chat_id" env:"GAME_CHAT_ID"`
	TopicID     int    `yaml:"topic_id" env:"TOPIC_ID"`
	SendToTopic bool   `yaml:"send_to_topic" env:"SEND_TO_TOPIC"`

	// Twitch
	TwitchChannel     string `yaml:"twitch_channel" env:"TWITCH_CHANNEL"`
	TwitchBotUsername string `yaml:"twitch_bot_username" env:"TWITCH_BOT_USERNAME"`
	TwitchOAuthToken  string `yaml:"-" env:"TWITCH_OAUTH_TOKEN"`

	MyName string `yaml:"my_name" env:"MY_NAME"`

	// Safety
	DryRun               bool `yaml:"dry_run" env:"DRY_RUN"`
	GlobalSendsPerMinute int  `yaml:"global_sends_per_minute" env:"GLOBAL_SENDS_PER_MINUTE"`
	PluginSendsPerMinute int  `yaml:"plugin_sends_per_minute" env:"PLUGIN_SENDS_PER_MINUTE"`

	Biguan   BiguanConfig   `yaml:"biguan"`
	Garden   GardenConfig   `yaml:"garden"`
	Xinggong XinggongConfig `yaml:"xinggong"`
	Zongmen  ZongmenConfig  `yaml:"zongmen"`

	// Ops
	DBDsn     string `yaml:"db_dsn" env:"DB_DSN"`
	HTTPAddr  string `yaml:"http_addr" env:"HTTP_ADDR"`
	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`

	// Admin endpoints; open when neither a token nor a username+password pair is set.
	AdminUsername       string `yaml:"admin_username" env:"ADMIN_USERNAME"`
	AdminPassword       string `yaml:"-" env:"ADMIN_PASSWORD"`
	AdminToken          string `yaml:"-" env:"ADMIN_TOKEN"`
	AdminRequestsPerMin int    `yaml:"admin_requests_per_minute" env:"ADMIN_REQUESTS_PER_MINUTE"`
}

// Default returns the built-in configuration. Only biguan is enabled out of the box.
func Default() *Config {
	return &Config{
		Transport:            TransportTelegram,
		GlobalSendsPerMinute: 6,
		PluginSendsPerMinute: 3,
		Biguan: BiguanConfig{
			Enabled:                  true,
			Command:                  ".闭关修炼",
			ExtraBufferSeconds:       60,
			CooldownJitterMinSeconds: 5,
			CooldownJitterMaxSeconds: 15,
			RetryJitterMinSeconds:    3,
			RetryJitterMaxSeconds:    8,
		},
		Garden: GardenConfig{
			SeedName:             "清灵草种子",
			PollIntervalSeconds:  3600,
			ActionSpacingSeconds: 25,
		},
		Xinggong: XinggongConfig{
			StarName:                   "庚金星",
			PollIntervalSeconds:        3600,
			ActionSpacingSeconds:       25,
			QizhenStartTime:            "07:00",
			QizhenRetryIntervalSeconds: 120,
			QizhenSecondOffsetSeconds:  43500,
		},
		Zongmen: ZongmenConfig{
			CmdDianmao:           ".宗门点卯",
			CmdChuangong:         ".宗门传功",
			XindeText:            "今日修行心得：稳中求进。",
			CatchUp:              true,
			ActionSpacingSeconds: 20,
		},
		HTTPAddr:            ":8080",
		LogLevel:            "info",
		LogFormat:           "text",
		AdminRequestsPerMin: 30,
	}
}

// Load builds the configuration. It does not validate; call Validate.
func Load() (*Config, error) {
	// local dev convenience only; never overrides real env
	_ = godotenv.Load(".env")

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeYAML(path); err != nil {
			return nil, err
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) mergeYAML(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) normalize() {
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	c.MyName = strings.TrimSpace(c.MyName)
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	if c.MyName == "" && c.Transport == TransportTwitch {
		c.MyName = strings.TrimSpace(c.TwitchBotUsername)
	}
	var times []string
	for _, t := range c.Zongmen.ChuangongTimes {
		if t = strings.TrimSpace(t); t != "" {
			times = append(times, t)
		}
	}
	c.Zongmen.ChuangongTimes = times
}

// Validate checks the fields the selected transport and the enabled features need.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	switch c.Transport {
	case TransportTelegram:
		if c.TGBotToken == "" {
			fail("TG_BOT_TOKEN is required for the telegram transport")
		}
		if c.GameChatID == 0 {
			fail("GAME_CHAT_ID is required for the telegram transport")
		}
	case TransportTwitch:
		if c.TwitchChannel == "" || c.TwitchBotUsername == "" || c.TwitchOAuthToken == "" {
			fail("twitch transport requires TWITCH_CHANNEL, TWITCH_BOT_USERNAME, TWITCH_OAUTH_TOKEN")
		}
	default:
		fail("TRANSPORT must be %q or %q, got %q", TransportTelegram, TransportTwitch, c.Transport)
	}
	if c.MyName == "" {
		fail("MY_NAME is required")
	}
	if c.AdminRequestsPerMin < 1 {
		fail("ADMIN_REQUESTS_PER_MINUTE must be >= 1")
	}
	if c.GlobalSendsPerMinute < 1 || c.PluginSendsPerMinute < 1 {
		fail("send limits must be >= 1 (global=%d plugin=%d)", c.GlobalSendsPerMinute, c.PluginSendsPerMinute)
	}

	b := c.Biguan
	if b.Enabled {
		if strings.TrimSpace(b.Command) == "" {
			fail("ACTION_CMD_BIGUAN is empty")
		}
		if b.ExtraBufferSeconds < 0 {
			fail("BIGUAN_EXTRA_BUFFER_SECONDS must be >= 0")
		}
		if b.CooldownJitterMinSeconds < 0 || b.CooldownJitterMinSeconds > b.CooldownJitterMaxSeconds {
			fail("biguan cooldown jitter range [%d, %d] is invalid", b.CooldownJitterMinSeconds, b.CooldownJitterMaxSeconds)
		}
		if b.RetryJitterMinSeconds < 0 || b.RetryJitterMinSeconds > b.RetryJitterMaxSeconds {
			fail("biguan retry jitter range [%d, %d] is invalid", b.RetryJitterMinSeconds, b.RetryJitterMaxSeconds)
		}
	}
	if g := c.Garden; g.Enabled {
		if strings.TrimSpace(g.SeedName) == "" {
			fail("GARDEN_SEED_NAME is empty")
		}
		if g.PollIntervalSeconds < 1 || g.ActionSpacingSeconds < 0 {
			fail("garden poll interval must be >= 1s and spacing >= 0")
		}
	}
	if x := c.Xinggong; x.Enabled && strings.TrimSpace(x.QizhenStartTime) == "" {
		fail("XINGGONG_QIZHEN_START_TIME is required when xinggong is enabled")
	}
	if z := c.Zongmen; z.Enabled {
		if z.DianmaoTime == "" || len(z.ChuangongTimes) == 0 {
			fail("ENABLE_ZONGMEN requires ZONGMEN_DIANMAO_TIME and ZONGMEN_CHUANGONG_TIMES (e.g. 09:37 and 09:38,09:40,09:43)")
		} else if len(z.ChuangongTimes) != 3 {
			fail("ZONGMEN_CHUANGONG_TIMES needs exactly 3 times, got %d", len(z.ChuangongTimes))
		}
	}
	switch c.LogFormat {
	case "text", "json", "":
	default:
		fail("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	return errors.Join(errs...)
}
