package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func setTelegramEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TRANSPORT", "telegram")
	t.Setenv("TG_BOT_TOKEN", "123:abc")
	t.Setenv("GAME_CHAT_ID", "-1001234")
	t.Setenv("MY_NAME", "Me")
}

func TestLoadDefaults(t *testing.T) {
	setTelegramEnv(t)
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.GlobalSendsPerMinute != 6 || cfg.PluginSendsPerMinute != 3 {
		t.Errorf("limits = %d/%d, want 6/3", cfg.GlobalSendsPerMinute, cfg.PluginSendsPerMinute)
	}
	if !cfg.Biguan.Enabled || cfg.Garden.Enabled || cfg.Xinggong.Enabled || cfg.Zongmen.Enabled {
		t.Errorf("only biguan should be enabled by default: %+v %+v %+v %+v", cfg.Biguan.Enabled, cfg.Garden.Enabled, cfg.Xinggong.Enabled, cfg.Zongmen.Enabled)
	}
	if cfg.Biguan.Command != ".闭关修炼" || cfg.Garden.SeedName != "清灵草种子" || cfg.Xinggong.QizhenStartTime != "07:00" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.GameChatID != -1001234 {
		t.Errorf("GameChatID = %d", cfg.GameChatID)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoadYAMLThenEnv(t *testing.T) {
	setTelegramEnv(t)
	path := filepath.Join(t.TempDir(), "bot.yaml")
	yamlDoc := `
global_sends_per_minute: 4
garden:
  enabled: true
  seed_name: 凝血草种子
zongmen:
  enabled: true
  dianmao_time: "09:37"
  chuangong_times: ["09:38", "09:40", "09:43"]
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("GLOBAL_SENDS_PER_MINUTE", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.GlobalSendsPerMinute != 5 {
		t.Errorf("env should override yaml: got %d", cfg.GlobalSendsPerMinute)
	}
	if !cfg.Garden.Enabled || cfg.Garden.SeedName != "凝血草种子" {
		t.Errorf("garden = %+v", cfg.Garden)
	}
	if cfg.Garden.PollIntervalSeconds != 3600 {
		t.Errorf("yaml overlay cleared a default: %d", cfg.Garden.PollIntervalSeconds)
	}
	if want := []string{"09:38", "09:40", "09:43"}; !reflect.DeepEqual(cfg.Zongmen.ChuangongTimes, want) {
		t.Errorf("chuangong times = %v", cfg.Zongmen.ChuangongTimes)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoadChuangongTimesFromEnv(t *testing.T) {
	setTelegramEnv(t)
	t.Setenv("ENABLE_ZONGMEN", "true")
	t.Setenv("ZONGMEN_DIANMAO_TIME", "09:37")
	t.Setenv("ZONGMEN_CHUANGONG_TIMES", "09:38, 09:40 ,09:43")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if want := []string{"09:38", "09:40", "09:43"}; !reflect.DeepEqual(cfg.Zongmen.ChuangongTimes, want) {
		t.Fatalf("chuangong times = %q, want %q", cfg.Zongmen.ChuangongTimes, want)
	}
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("garden: [unterminated"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}

func TestTwitchDefaultsMyName(t *testing.T) {
	t.Setenv("TRANSPORT", "Twitch")
	t.Setenv("TWITCH_CHANNEL", "chan")
	t.Setenv("TWITCH_BOT_USERNAME", "bot")
	t.Setenv("TWITCH_OAUTH_TOKEN", "oauth:token")
	t.Setenv("MY_NAME", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Transport != TransportTwitch || cfg.MyName != "bot" {
		t.Fatalf("transport=%q my name=%q", cfg.Transport, cfg.MyName)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := Default()
		c.TGBotToken = "123:abc"
		c.GameChatID = -1
		c.MyName = "Me"
		return c
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing token", func(c *Config) { c.TGBotToken = "" }, "TG_BOT_TOKEN"},
		{"missing chat", func(c *Config) { c.GameChatID = 0 }, "GAME_CHAT_ID"},
		{"unknown transport", func(c *Config) { c.Transport = "irc" }, "TRANSPORT"},
		{"missing name", func(c *Config) { c.MyName = "" }, "MY_NAME"},
		{"zero limit", func(c *Config) { c.PluginSendsPerMinute = 0 }, "send limits"},
		{"inverted jitter", func(c *Config) { c.Biguan.CooldownJitterMinSeconds = 20 }, "cooldown jitter"},
		{"zongmen without times", func(c *Config) { c.Zongmen.Enabled = true }, "ZONGMEN_DIANMAO_TIME"},
		{"zongmen two times", func(c *Config) {
			c.Zongmen.Enabled = true
			c.Zongmen.DianmaoTime = "09:37"
			c.Zongmen.ChuangongTimes = []string{"09:38", "09:40"}
		}, "exactly 3"},
		{"twitch without creds", func(c *Config) { c.Transport = TransportTwitch }, "TWITCH_CHANNEL"},
		{"zero admin limit", func(c *Config) { c.AdminRequestsPerMin = 0 }, "ADMIN_REQUESTS_PER_MINUTE"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("Validate() = %v, want ErrInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want mention of %q", err, tt.want)
			}
		})
	}

	// disabled features are not validated
	c := valid()
	c.Biguan.Enabled = false
	c.Biguan.Command = ""
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() with disabled biguan = %v", err)
	}
}
