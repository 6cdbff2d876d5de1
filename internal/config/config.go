// Package config содержит логику чтения конфигурации сервиса бронирования.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса бронирования.
type Config struct {
	RunAddress          string `env:"RUN_ADDRESS"`
	DatabaseURI         string `env:"DATABASE_URI"`
	RedisAddress        string `env:"REDIS_ADDRESS"`
	StripeSecretKey     string `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
	CalendarFeedURL     string `env:"CALENDAR_FEED_URL"`
	PublicBaseURL       string `env:"PUBLIC_BASE_URL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	fromEnv := *cfg

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.RedisAddress, "redis", "", "redis address, empty disables caching and distributed locks")
	flag.StringVar(&cfg.StripeSecretKey, "stripe-key", "", "stripe secret key")
	flag.StringVar(&cfg.StripeWebhookSecret, "stripe-webhook-secret", "", "stripe webhook signing secret")
	flag.StringVar(&cfg.CalendarFeedURL, "calendar", "", "external calendar feed base URL, empty disables the busy-block filter")
	flag.StringVar(&cfg.PublicBaseURL, "base-url", "http://localhost:8080", "public base URL used in checkout return links")

	flag.Parse()

	if fromEnv.RunAddress != "" {
		cfg.RunAddress = fromEnv.RunAddress
	}
	if fromEnv.DatabaseURI != "" {
		cfg.DatabaseURI = fromEnv.DatabaseURI
	}
	if fromEnv.RedisAddress != "" {
		cfg.RedisAddress = fromEnv.RedisAddress
	}
	if fromEnv.StripeSecretKey != "" {
		cfg.StripeSecretKey = fromEnv.StripeSecretKey
	}
	if fromEnv.StripeWebhookSecret != "" {
		cfg.StripeWebhookSecret = fromEnv.StripeWebhookSecret
	}
	if fromEnv.CalendarFeedURL != "" {
		cfg.CalendarFeedURL = fromEnv.CalendarFeedURL
	}
	if fromEnv.PublicBaseURL != "" {
		cfg.PublicBaseURL = fromEnv.PublicBaseURL
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
