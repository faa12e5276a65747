// Package config loads server configuration from defaults, an optional TOML
// file, .env files and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/nstogner/aichat/pkg/model"
	"github.com/nstogner/aichat/pkg/prompt"
	"github.com/nstogner/aichat/pkg/relay"
)

// DotenvFiles are loaded into the process environment if present. Variables
// already set in the environment win.
var DotenvFiles = []string{"../.env", ".env"}

// Fallback key names used when no numbered model slot is configured.
const (
	ZhipuKeyName = "ZHIPU_API_KEY"
	QwenKeyName  = "QWEN_API_KEY"
)

// ModelSlot is one numbered model definition.
type ModelSlot struct {
	Name string `toml:"name"`
	URL  string `toml:"url"`
	Key  string `toml:"key"`
}

// RelayConfig bounds outbound provider calls.
type RelayConfig struct {
	ConnectTimeout time.Duration `toml:"connect_timeout"`
	ReadTimeout    time.Duration `toml:"read_timeout"`
}

// ChatConfig limits how fast a single user can submit turns.
type ChatConfig struct {
	// Rate is the sustained number of turns per second per user.
	Rate  float64 `toml:"rate"`
	Burst int     `toml:"burst"`
}

// Config is the full server configuration.
type Config struct {
	Addr             string   `toml:"addr"`
	DBPath           string   `toml:"db_path"`
	LogLevel         string   `toml:"log_level"`
	DemoToken        string   `toml:"demo_token"`
	ThinkingFamilies []string `toml:"thinking_families"`

	Relay RelayConfig `toml:"relay"`
	Chat  ChatConfig  `toml:"chat"`

	// Models is keyed by slot number ("1" to "20").
	Models      map[string]ModelSlot `toml:"models"`
	ZhipuAPIKey string               `toml:"zhipu_api_key"`
	QwenAPIKey  string               `toml:"qwen_api_key"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Addr:             ":8080",
		DBPath:           "data/aichat.db",
		LogLevel:         "info",
		ThinkingFamilies: append([]string(nil), prompt.DefaultThinkingFamilies...),
		Relay: RelayConfig{
			ConnectTimeout: relay.DefaultConnectTimeout,
			ReadTimeout:    relay.DefaultReadTimeout,
		},
		Chat: ChatConfig{
			Rate:  0.5,
			Burst: 5,
		},
		Models: map[string]ModelSlot{},
	}
}

// Load builds the configuration. path names an optional TOML file; an empty
// path skips the file layer.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode TOML file %s: %w", path, err)
		}
		if cfg.Models == nil {
			cfg.Models = map[string]ModelSlot{}
		}
	}

	if err := loadDotenv(DotenvFiles); err != nil {
		return nil, err
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadDotenv(files []string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
		slog.Info("Loaded environment file", "path", f)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Addr = envOrDefault("AICHAT_ADDR", c.Addr)
	c.DBPath = envOrDefault("AICHAT_DB_PATH", c.DBPath)
	c.LogLevel = envOrDefault("AICHAT_LOG_LEVEL", c.LogLevel)
	c.DemoToken = envOrDefault("AICHAT_DEMO_TOKEN", c.DemoToken)
	c.ThinkingFamilies = envListOrDefault("AICHAT_THINKING_FAMILIES", c.ThinkingFamilies)
	c.Relay.ConnectTimeout = envDurationOrDefault("AICHAT_CONNECT_TIMEOUT", c.Relay.ConnectTimeout)
	c.Relay.ReadTimeout = envDurationOrDefault("AICHAT_READ_TIMEOUT", c.Relay.ReadTimeout)
	c.Chat.Rate = envFloatOrDefault("AICHAT_CHAT_RATE", c.Chat.Rate)
	c.Chat.Burst = envIntOrDefault("AICHAT_CHAT_BURST", c.Chat.Burst)
	c.ZhipuAPIKey = envOrDefault(ZhipuKeyName, c.ZhipuAPIKey)
	c.QwenAPIKey = envOrDefault(QwenKeyName, c.QwenAPIKey)

	for i := 1; i <= model.MaxSlots; i++ {
		n := strconv.Itoa(i)
		slot := c.Models[n]
		slot.Name = envOrDefault("MODEL_"+n+"_NAME", slot.Name)
		slot.URL = envOrDefault("MODEL_"+n+"_URL", slot.URL)
		slot.Key = envOrDefault("MODEL_"+n+"_KEY", slot.Key)
		if slot != (ModelSlot{}) {
			c.Models[n] = slot
		}
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("AICHAT_ADDR must not be empty"))
	}
	if strings.TrimSpace(c.DBPath) == "" {
		errs = append(errs, errors.New("AICHAT_DB_PATH must not be empty"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("AICHAT_LOG_LEVEL: %w", err))
	}
	if c.Relay.ConnectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("AICHAT_CONNECT_TIMEOUT must be positive, got %s", c.Relay.ConnectTimeout))
	}
	if c.Relay.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("AICHAT_READ_TIMEOUT must be positive, got %s", c.Relay.ReadTimeout))
	}
	if c.Chat.Rate <= 0 {
		errs = append(errs, fmt.Errorf("AICHAT_CHAT_RATE must be positive, got %g", c.Chat.Rate))
	}
	if c.Chat.Burst <= 0 {
		errs = append(errs, fmt.Errorf("AICHAT_CHAT_BURST must be positive, got %d", c.Chat.Burst))
	}
	for n := range c.Models {
		i, err := strconv.Atoi(n)
		if err != nil || i < 1 || i > model.MaxSlots {
			errs = append(errs, fmt.Errorf("models.%s: slot must be between 1 and %d", n, model.MaxSlots))
		}
	}
	return errors.Join(errs...)
}

// Slots exposes the numbered model slots and fallback keys to the model registry.
func (c *Config) Slots() model.MapSource {
	src := model.MapSource{}
	for n, slot := range c.Models {
		src["MODEL_"+n+"_NAME"] = slot.Name
		src["MODEL_"+n+"_URL"] = slot.URL
		src["MODEL_"+n+"_KEY"] = slot.Key
	}
	src[ZhipuKeyName] = c.ZhipuAPIKey
	src[QwenKeyName] = c.QwenAPIKey
	return src
}

// Level returns the configured log level. Validate guarantees it parses.
func (c *Config) Level() slog.Level {
	l, _ := ParseLevel(c.LogLevel)
	return l
}

// ParseLevel accepts trace, debug, info, warn and error.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return relay.LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloatOrDefault(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

// envDurationOrDefault accepts Go durations ("90s") or bare seconds ("90").
func envDurationOrDefault(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func envListOrDefault(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
