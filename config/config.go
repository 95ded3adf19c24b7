// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
// For required credentials (Telegram, Twitter), use ValidateNotifyReady / ValidateTwitterReady.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Redis (subscription ledger)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Telegram
	TelegramBotToken string

	// Twitter
	TwitterAuthToken string
	TwitterCSRFToken string

	// Watcher
	PollInterval time.Duration

	// HTTP
	HTTPAddr string
}

// Load reads environment variables and applies defaults. It doesn't fail if
// platform credentials are missing; use the Validate* helpers where a feature
// requires them. Missing optional variables disable features (e.g. Twitter
// Space checks without tokens will fail softly each tick).
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	if cfg.RedisAddr == "" {
		// Default to local Redis (matches docker-compose).
		cfg.RedisAddr = "127.0.0.1:6379"
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid REDIS_DB %q", v)
		}
		cfg.RedisDB = n
	}

	cfg.TelegramBotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.TwitterAuthToken = os.Getenv("TWITTER_AUTH_TOKEN")
	cfg.TwitterCSRFToken = os.Getenv("TWITTER_CSRF_TOKEN")

	cfg.PollInterval = 30 * time.Second
	if v := os.Getenv("WATCH_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid WATCH_POLL_INTERVAL %q", v)
		}
		cfg.PollInterval = d
	}

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}

	return cfg, nil
}

// ValidateNotifyReady returns an error when the Telegram notifier cannot run.
func (c *Config) ValidateNotifyReady() error {
	if c.TelegramBotToken == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}
	return nil
}

// ValidateTwitterReady returns an error when Twitter Space checks cannot run.
func (c *Config) ValidateTwitterReady() error {
	if c.TwitterAuthToken == "" || c.TwitterCSRFToken == "" {
		return fmt.Errorf("TWITTER_AUTH_TOKEN and TWITTER_CSRF_TOKEN are required")
	}
	return nil
}
