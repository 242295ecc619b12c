package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultConfigPath       = "config.toml"
	DefaultHTTPAddr         = ":8080"
	DefaultCatalogPath      = "data/stickers.db"
	DefaultMediaDir         = "data/media"
	DefaultListLimit        = 10000
	DefaultStalenessMs      = 3000
	DefaultFuzzyLimit       = 20
	DefaultMaxPerReply      = 5
	DefaultPromptLimit      = 50
	DefaultPromptInjection  = "on"
	DefaultEmojiCachePath   = "data/emoji_shortcodes.json"
	DefaultEmojiTimeout     = 10
	DefaultEmojiRefreshCron = "@daily"
	DefaultSyncInterval     = 180
	DefaultStartupAttempts  = 30
	DefaultStartupPollMs    = 1000
)

type Config struct {
	Log      LogConfig        `toml:"log"`
	Server   ServerConfig     `toml:"server"`
	Catalog  CatalogConfig    `toml:"catalog"`
	Lookup   LookupConfig     `toml:"lookup"`
	Stickers StickerConfig    `toml:"stickers"`
	Emoji    EmojiConfig      `toml:"emoji"`
	Sync     SyncConfig       `toml:"sync"`
	Matrix   []MatrixConfig   `toml:"matrix" validate:"dive"`
	Telegram []TelegramConfig `toml:"telegram" validate:"dive"`
	Discord  []DiscordConfig  `toml:"discord" validate:"dive"`
}

type LogConfig struct {
	Level  string `toml:"level" validate:"oneof=debug info warn warning error"`
	Format string `toml:"format" validate:"oneof=text json"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
	// JWTSecret enables bearer token auth on the admin API when set.
	JWTSecret string `toml:"jwt_secret"`
}

type CatalogConfig struct {
	Path      string `toml:"path" validate:"required"`
	MediaDir  string `toml:"media_dir" validate:"required"`
	ListLimit int    `toml:"list_limit" validate:"gt=0"`
	Watch     bool   `toml:"watch"`
}

type LookupConfig struct {
	StalenessMs int `toml:"staleness_ms" validate:"gte=0"`
	FuzzyLimit  int `toml:"fuzzy_limit" validate:"gt=0"`
}

// Staleness returns the forced cache rebuild interval.
func (c LookupConfig) Staleness() time.Duration {
	return time.Duration(c.StalenessMs) * time.Millisecond
}

type StickerConfig struct {
	Strict          bool   `toml:"strict"`
	FullIntercept   bool   `toml:"full_intercept"`
	MaxPerReply     int    `toml:"max_per_reply"`
	DedupeRepeats   bool   `toml:"dedupe_repeats"`
	PromptInjection string `toml:"prompt_injection"`
	PromptLimit     int    `toml:"prompt_limit" validate:"gte=0"`
	CrossPlatform   bool   `toml:"cross_platform"`
}

type EmojiConfig struct {
	Enabled        bool     `toml:"enabled"`
	Strict         bool     `toml:"strict"`
	CachePath      string   `toml:"cache_path"`
	URLs           []string `toml:"urls" validate:"dive,url"`
	FetchRemote    bool     `toml:"fetch_remote"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
	RefreshCron    string   `toml:"refresh_cron"`
}

type SyncConfig struct {
	Enabled         bool `toml:"enabled"`
	IntervalSeconds int  `toml:"interval_seconds" validate:"gt=0"`
	StartupAttempts int  `toml:"startup_attempts" validate:"gte=0"`
	StartupPollMs   int  `toml:"startup_poll_ms" validate:"gt=0"`
}

// Interval returns the periodic sync interval.
func (c SyncConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// StartupPoll returns the readiness polling interval of the startup pass.
func (c SyncConfig) StartupPoll() time.Duration {
	return time.Duration(c.StartupPollMs) * time.Millisecond
}

type MatrixConfig struct {
	ID          string `toml:"id" validate:"required"`
	Homeserver  string `toml:"homeserver" validate:"required,url"`
	UserID      string `toml:"user_id" validate:"required"`
	AccessToken string `toml:"access_token"`
}

type TelegramConfig struct {
	ID       string `toml:"id" validate:"required"`
	BotToken string `toml:"bot_token" validate:"required"`
}

type DiscordConfig struct {
	ID       string `toml:"id" validate:"required"`
	BotToken string `toml:"bot_token" validate:"required"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Catalog: CatalogConfig{
			Path:      DefaultCatalogPath,
			MediaDir:  DefaultMediaDir,
			ListLimit: DefaultListLimit,
			Watch:     true,
		},
		Lookup: LookupConfig{
			StalenessMs: DefaultStalenessMs,
			FuzzyLimit:  DefaultFuzzyLimit,
		},
		Stickers: StickerConfig{
			MaxPerReply:     DefaultMaxPerReply,
			DedupeRepeats:   true,
			PromptInjection: DefaultPromptInjection,
			PromptLimit:     DefaultPromptLimit,
		},
		Emoji: EmojiConfig{
			CachePath:      DefaultEmojiCachePath,
			TimeoutSeconds: DefaultEmojiTimeout,
			RefreshCron:    DefaultEmojiRefreshCron,
		},
		Sync: SyncConfig{
			Enabled:         true,
			IntervalSeconds: DefaultSyncInterval,
			StartupAttempts: DefaultStartupAttempts,
			StartupPollMs:   DefaultStartupPollMs,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return cfg, err
		}
	} else if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overlays the plugin-style environment switches, e.g.
// MATRIX_STICKER_FULL_INTERCEPT=yes, on top of file values.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		return
	}
	boolEnv := func(key string, target *bool) {
		if raw, ok := lookup(key); ok {
			*target = ParseBool(raw, *target)
		}
	}
	boolEnv("MATRIX_STICKER_FULL_INTERCEPT", &c.Stickers.FullIntercept)
	boolEnv("MATRIX_STICKER_CROSS_PLATFORM", &c.Stickers.CrossPlatform)
	boolEnv("MATRIX_STICKER_SHORTCODE_STRICT_MODE", &c.Stickers.Strict)
	boolEnv("EMOJI_SHORTCODES", &c.Emoji.Enabled)
	boolEnv("EMOJI_SHORTCODES_STRICT_MODE", &c.Emoji.Strict)
	if raw, ok := lookup("STICKER_JWT_SECRET"); ok && strings.TrimSpace(raw) != "" {
		c.Server.JWTSecret = strings.TrimSpace(raw)
	}
	if raw, ok := lookup("MATRIX_STICKER_PROMPT_INJECTION"); ok {
		c.Stickers.PromptInjection = NormalizePromptInjection(raw)
	}
}

// Validate checks struct constraints.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

var (
	truthyValues = map[string]struct{}{"1": {}, "true": {}, "yes": {}, "on": {}, "enable": {}, "enabled": {}}
	falsyValues  = map[string]struct{}{"0": {}, "false": {}, "no": {}, "off": {}, "disable": {}, "disabled": {}}

	promptInjectionAliases = map[string]string{
		"on": "on", "enable": "on", "enabled": "on", "true": "on", "1": "on", "yes": "on",
		"inject": "on", "injection": "on", "runtime": "on", "prompt": "on", "hybrid": "on", "both": "on",
		"off": "off", "disable": "off", "disabled": "off", "false": "off", "0": "off", "no": "off",
		"fc": "off", "tool": "off", "tools": "off",
	}
)

// ParseBool interprets bool-like values such as "yes", "off" or 1.
// Unrecognized input yields def.
func ParseBool(value any, def bool) bool {
	switch v := value.(type) {
	case nil:
		return def
	case bool:
		return v
	}
	raw := strings.ToLower(strings.TrimSpace(fmt.Sprint(value)))
	if _, ok := truthyValues[raw]; ok {
		return true
	}
	if _, ok := falsyValues[raw]; ok {
		return false
	}
	return def
}

// NormalizePromptInjection maps a prompt injection mode alias to "on" or "off".
// Unknown modes fall back to the default mode.
func NormalizePromptInjection(mode string) string {
	raw := strings.ToLower(strings.TrimSpace(mode))
	if normalized, ok := promptInjectionAliases[raw]; ok {
		return normalized
	}
	return DefaultPromptInjection
}

// PromptInjectionEnabled reports whether runtime prompt injection is on.
func PromptInjectionEnabled(mode string) bool {
	return NormalizePromptInjection(mode) == "on"
}
