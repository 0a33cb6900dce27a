package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	SinkOverlay = "overlay"
	SinkSpeaker = "speaker"
)

type Config struct {
	HTTPAddr     string `env:"HTTP_ADDR" envDefault:":8080"`
	DatabasePath string `env:"DATABASE_PATH" envDefault:"data/orionchat.db"`
	AssetsDir    string `env:"AVATAR_ASSETS_DIR" envDefault:"data/avatars"`

	// SynthURL vacío significa síntesis en proceso.
	SynthURL        string        `env:"SYNTH_URL"`
	SynthRatePerSec float64       `env:"SYNTH_RATE_PER_SEC" envDefault:"4"`
	SynthBurst      int           `env:"SYNTH_BURST" envDefault:"2"`
	SynthTimeout    time.Duration `env:"SYNTH_TIMEOUT" envDefault:"0s"`
	TikTokSessionID string        `env:"TIKTOK_SESSION_ID"`
	BlockedWords    []string      `env:"TTS_BLOCKED_WORDS" envSeparator:","`

	ChatCommands      bool   `env:"CHAT_COMMANDS" envDefault:"true"`
	CommandPrefix     string `env:"COMMAND_PREFIX" envDefault:"!"`
	TTSCommandModOnly bool   `env:"TTS_COMMAND_MOD_ONLY" envDefault:"false"`

	PlaybackSink    string        `env:"PLAYBACK_SINK" envDefault:"overlay"`
	PlaybackGap     time.Duration `env:"PLAYBACK_GAP" envDefault:"300ms"`
	PlaybackTimeout time.Duration `env:"PLAYBACK_TIMEOUT" envDefault:"2m"`

	TwitchUsername string   `env:"TWITCH_BOT_USERNAME"`
	TwitchToken    string   `env:"TWITCH_BOT_ACCESS_TOKEN"`
	TwitchChannels []string `env:"TWITCH_BOT_CHANNELS" envSeparator:","`

	KickChatroomID        int `env:"KICK_CHATROOM_ID"`
	KickBroadcasterUserID int `env:"KICK_BROADCASTER_USER_ID"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

// Load lee .env (si existe) y luego el entorno del proceso.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	return finish(&cfg)
}

// LoadFrom parses only the given variables; the process environment and
// .env files are ignored.
func LoadFrom(vars map[string]string) (*Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Environment: vars})
	if err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	return finish(&cfg)
}

func finish(cfg *Config) (*Config, error) {
	cfg.PlaybackSink = strings.ToLower(strings.TrimSpace(cfg.PlaybackSink))
	cfg.SynthURL = strings.TrimSpace(cfg.SynthURL)
	cfg.CommandPrefix = strings.TrimSpace(cfg.CommandPrefix)
	cfg.TwitchChannels = compact(cfg.TwitchChannels)
	cfg.BlockedWords = compact(cfg.BlockedWords)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.PlaybackSink {
	case SinkOverlay, SinkSpeaker:
	default:
		return fmt.Errorf("config: PLAYBACK_SINK must be %q or %q, got %q", SinkOverlay, SinkSpeaker, c.PlaybackSink)
	}
	if c.SynthRatePerSec < 0 {
		return fmt.Errorf("config: SYNTH_RATE_PER_SEC must not be negative")
	}
	if c.SynthTimeout < 0 || c.PlaybackTimeout < 0 {
		return fmt.Errorf("config: timeouts must not be negative")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("config: DATABASE_PATH is empty")
	}
	if strings.TrimSpace(c.AssetsDir) == "" {
		return fmt.Errorf("config: AVATAR_ASSETS_DIR is empty")
	}
	return nil
}

// TwitchEnabled reports whether the Twitch chat source has what it needs.
func (c *Config) TwitchEnabled() bool {
	return c.TwitchUsername != "" && c.TwitchToken != "" && len(c.TwitchChannels) > 0
}

func (c *Config) KickEnabled() bool {
	return c.KickChatroomID != 0
}

func compact(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
