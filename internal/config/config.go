package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	APIURL   string `yaml:"api_url"`
	WSURL    string `yaml:"ws_url"`
	Token    string `yaml:"token"`
	LogLevel string `yaml:"log_level"`

	SendTimeout time.Duration `yaml:"send_timeout"`
	DedupWindow time.Duration `yaml:"dedup_window"`
	TypingQuiet time.Duration `yaml:"typing_quiet"`
	TypingTTL   time.Duration `yaml:"typing_ttl"`

	ReconnectMin      time.Duration `yaml:"reconnect_min"`
	ReconnectMax      time.Duration `yaml:"reconnect_max"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`

	PageSize int `yaml:"page_size"`

	// Outbound emits allowed per minute on the push stream.
	EmitRate int `yaml:"emit_rate"`
	// Typing=true signals allowed per conversation per TypingRateWindow.
	TypingRate       int           `yaml:"typing_rate"`
	TypingRateWindow time.Duration `yaml:"typing_rate_window"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		LogLevel:          "info",
		SendTimeout:       15 * time.Second,
		DedupWindow:       10 * time.Second,
		TypingQuiet:       3 * time.Second,
		TypingTTL:         6 * time.Second,
		ReconnectMin:      time.Second,
		ReconnectMax:      30 * time.Second,
		ReconnectAttempts: 8,
		PageSize:          50,
		EmitRate:          30,
		TypingRate:        10,
		TypingRateWindow:  10 * time.Second,
	}
}

// Load builds a Config from defaults, then the YAML file at path (if any),
// then a .env file, then the process environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg.APIURL = getEnv("CHAT_API_URL", cfg.APIURL)
	cfg.WSURL = getEnv("CHAT_WS_URL", cfg.WSURL)
	cfg.Token = getEnv("CHAT_TOKEN", cfg.Token)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	cfg.SendTimeout = getEnvAsDuration("CHAT_SEND_TIMEOUT", cfg.SendTimeout)
	cfg.DedupWindow = getEnvAsDuration("CHAT_DEDUP_WINDOW", cfg.DedupWindow)
	cfg.TypingQuiet = getEnvAsDuration("CHAT_TYPING_QUIET", cfg.TypingQuiet)
	cfg.TypingTTL = getEnvAsDuration("CHAT_TYPING_TTL", cfg.TypingTTL)

	cfg.ReconnectMin = getEnvAsDuration("CHAT_RECONNECT_MIN", cfg.ReconnectMin)
	cfg.ReconnectMax = getEnvAsDuration("CHAT_RECONNECT_MAX", cfg.ReconnectMax)
	cfg.ReconnectAttempts = getEnvAsInt("CHAT_RECONNECT_ATTEMPTS", cfg.ReconnectAttempts)

	cfg.PageSize = getEnvAsInt("CHAT_PAGE_SIZE", cfg.PageSize)
	cfg.EmitRate = getEnvAsInt("CHAT_EMIT_RATE", cfg.EmitRate)
	cfg.TypingRate = getEnvAsInt("CHAT_TYPING_RATE", cfg.TypingRate)
	cfg.TypingRateWindow = getEnvAsDuration("CHAT_TYPING_RATE_WINDOW", cfg.TypingRateWindow)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the fields the client cannot start without.
func (c *Config) Validate() error {
	var errs []error

	if err := checkURL("CHAT_API_URL", c.APIURL, "http", "https"); err != nil {
		errs = append(errs, err)
	}
	if err := checkURL("CHAT_WS_URL", c.WSURL, "ws", "wss"); err != nil {
		errs = append(errs, err)
	}
	if c.Token == "" {
		errs = append(errs, errors.New("CHAT_TOKEN is required"))
	}
	if c.SendTimeout <= 0 {
		errs = append(errs, errors.New("CHAT_SEND_TIMEOUT must be positive"))
	}
	if c.TypingQuiet <= 0 || c.TypingTTL <= 0 {
		errs = append(errs, errors.New("typing durations must be positive"))
	}
	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		errs = append(errs, errors.New("CHAT_RECONNECT_MIN must be positive and not above CHAT_RECONNECT_MAX"))
	}
	if c.PageSize <= 0 {
		errs = append(errs, errors.New("CHAT_PAGE_SIZE must be positive"))
	}

	return errors.Join(errs...)
}

func checkURL(key, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", key)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must be an absolute %v URL, got %q", key, schemes, raw)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvAsInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvAsDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
