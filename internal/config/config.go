// Package config handles application configuration from environment
// variables, optionally seeded from a .env file.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	TelegramBotToken string  `env:"TELEGRAM_BOT_TOKEN,required,notEmpty"`
	DatabasePath     string  `env:"DATABASE_PATH" envDefault:"./data/feedrelay.db"`
	LogLevel         string  `env:"LOG_LEVEL" envDefault:"info"`
	AllowedUsers     []int64 `env:"ALLOWED_USERS"`

	DefaultPollIntervalMin int    `env:"DEFAULT_POLL_INTERVAL_MIN" envDefault:"10"`
	DefaultDigestTime      string `env:"DEFAULT_DIGEST_TIME" envDefault:"20:00"`
	DefaultTimezone        string `env:"DEFAULT_TIMEZONE" envDefault:"UTC"`

	FetchConcurrency int `env:"FETCH_CONCURRENCY" envDefault:"3"`
	FetchTimeoutSec  int `env:"FETCH_TIMEOUT_SEC" envDefault:"30"`

	SeedRecentN  int `env:"SEED_RECENT_N" envDefault:"50"`
	BackfillMaxN int `env:"BACKFILL_MAX_N" envDefault:"10"`

	SendRetryMax   int `env:"SEND_RETRY_MAX" envDefault:"4"`
	DigestMaxItems int `env:"DIGEST_MAX_ITEMS" envDefault:"20"`
	DigestMaxChars int `env:"DIGEST_MAX_CHARS" envDefault:"3500"`
}

// Load reads configuration from the environment, after loading a .env
// file when one is present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
		return fmt.Errorf("invalid DEFAULT_TIMEZONE %q: %w", c.DefaultTimezone, err)
	}
	if _, err := time.Parse("15:04", c.DefaultDigestTime); err != nil {
		return fmt.Errorf("invalid DEFAULT_DIGEST_TIME %q: %w", c.DefaultDigestTime, err)
	}
	if c.DefaultPollIntervalMin < 1 {
		return fmt.Errorf("DEFAULT_POLL_INTERVAL_MIN must be at least 1")
	}
	if c.FetchConcurrency < 1 {
		return fmt.Errorf("FETCH_CONCURRENCY must be at least 1")
	}
	if c.SendRetryMax < 1 {
		return fmt.Errorf("SEND_RETRY_MAX must be at least 1")
	}
	return nil
}

// IsUserAllowed checks whether a user ID is in the allow list.
// Returns true if the allow list is empty (all users permitted).
func (c *Config) IsUserAllowed(userID int64) bool {
	if len(c.AllowedUsers) == 0 {
		return true
	}
	for _, id := range c.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}
