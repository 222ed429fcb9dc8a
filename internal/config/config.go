// Package config содержит логику чтения конфигурации сервиса зачислений.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса зачислений.
// Пустой секрет провайдера отключает проверку подписи для этого провайдера —
// осознанное решение для локальной разработки, а не ошибка конфигурации.
type Config struct {
	RunAddress            string `env:"RUN_ADDRESS"`
	DatabaseURI           string `env:"DATABASE_URI"`
	KitWebhookSecret      string `env:"KIT_WEBHOOK_SECRET"`
	StripeWebhookSecret   string `env:"STRIPE_WEBHOOK_SECRET"`
	TypeformWebhookSecret string `env:"TYPEFORM_WEBHOOK_SECRET"`
	KitAPIKey             string `env:"KIT_API_KEY"`
	KitAPIAddress         string `env:"KIT_API_ADDRESS"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envKitAPIAddress := cfg.KitAPIAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.KitAPIAddress, "k", "https://api.kit.com/v4", "Kit API base address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envKitAPIAddress != "" {
		cfg.KitAPIAddress = envKitAPIAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.KitAPIAddress == "" {
		cfg.KitAPIAddress = "https://api.kit.com/v4"
	}

	return cfg, nil
}
