// Package config содержит логику чтения конфигурации сервиса криптоинвойсов.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса криптоинвойсов.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`

	ExchangeAPIAddress string `env:"EXCHANGE_API_ADDRESS"`
	ExchangeAPIKey     string `env:"EXCHANGE_API_KEY"`
	ExchangeAPISecret  string `env:"EXCHANGE_API_SECRET"`

	PollInterval    time.Duration `env:"POLL_INTERVAL"`
	AmountTolerance float64       `env:"AMOUNT_TOLERANCE"`
	DepositLookback time.Duration `env:"DEPOSIT_LOOKBACK"`

	WebhookURL     string `env:"NOTIFY_WEBHOOK_URL"`
	TelegramToken  string `env:"NOTIFY_TELEGRAM_TOKEN"`
	TelegramChatID int64  `env:"NOTIFY_TELEGRAM_CHAT_ID"`

	AuthSecret string `env:"AUTH_SECRET"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envExchangeAddress := cfg.ExchangeAPIAddress
	envPollInterval := cfg.PollInterval
	envTolerance := cfg.AmountTolerance

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.ExchangeAPIAddress, "r", "", "exchange API address")
	flag.DurationVar(&cfg.PollInterval, "i", 30*time.Second, "reconciliation poll interval")
	flag.Float64Var(&cfg.AmountTolerance, "t", 0.005, "relative amount tolerance for payment matching")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envExchangeAddress != "" {
		cfg.ExchangeAPIAddress = envExchangeAddress
	}
	if envPollInterval != 0 {
		cfg.PollInterval = envPollInterval
	}
	if envTolerance != 0 {
		cfg.AmountTolerance = envTolerance
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.AmountTolerance <= 0 {
		cfg.AmountTolerance = 0.005
	}
	if cfg.DepositLookback <= 0 {
		cfg.DepositLookback = 24 * time.Hour
	}
	if cfg.AuthSecret == "" {
		cfg.AuthSecret = "cryptoinvoice-secret"
	}

	return cfg, nil
}
