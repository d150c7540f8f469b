// Package config содержит логику чтения конфигурации сервиса кредитов.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса кредитов.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`

	AuthJWTSecret string `env:"AUTH_JWT_SECRET"`
	AdminAPIKey   string `env:"ADMIN_API_KEY"`

	CreemAPIURL        string           `env:"CREEM_API_URL" envDefault:"https://api.creem.io"`
	CreemAPIKey        string           `env:"CREEM_API_KEY"`
	CreemWebhookSecret string           `env:"CREEM_WEBHOOK_SECRET"`
	CheckoutSuccessURL string           `env:"CHECKOUT_SUCCESS_URL"`
	ProductCredits     map[string]int64 `env:"PRODUCT_CREDITS" envSeparator:"," envKeyValSeparator:":"`

	VideoAPIURL      string           `env:"VIDEO_API_URL"`
	VideoAPIKey      string           `env:"VIDEO_API_KEY"`
	VideoModelCosts  map[string]int64 `env:"VIDEO_MODEL_COSTS" envSeparator:"," envKeyValSeparator:":"`
	DefaultVideoCost int64            `env:"DEFAULT_VIDEO_COST" envDefault:"10"`
	PublicBaseURL    string           `env:"PUBLIC_BASE_URL"`
	CallbackSecret   string           `env:"CALLBACK_SECRET"`

	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"30s"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"10m"`
	OrphanDebitAge    time.Duration `env:"ORPHAN_DEBIT_AGE" envDefault:"15m"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения из окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envVideoAPIURL := cfg.VideoAPIURL

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.VideoAPIURL, "r", "", "video generation API address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envVideoAPIURL != "" {
		cfg.VideoAPIURL = envVideoAPIURL
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}

// Validate проверяет наличие обязательных параметров.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURI == "" {
		errs = append(errs, errors.New("DATABASE_URI is required"))
	}
	if c.AuthJWTSecret == "" {
		errs = append(errs, errors.New("AUTH_JWT_SECRET is required"))
	}
	if c.AdminAPIKey == "" {
		errs = append(errs, errors.New("ADMIN_API_KEY is required"))
	}
	if c.CreemWebhookSecret == "" {
		errs = append(errs, errors.New("CREEM_WEBHOOK_SECRET is required"))
	}
	for product, credits := range c.ProductCredits {
		if credits <= 0 {
			errs = append(errs, fmt.Errorf("PRODUCT_CREDITS: product %s must grant a positive amount", product))
		}
	}
	if c.DefaultVideoCost <= 0 {
		errs = append(errs, errors.New("DEFAULT_VIDEO_COST must be positive"))
	}
	for model, cost := range c.VideoModelCosts {
		if cost <= 0 {
			errs = append(errs, fmt.Errorf("VIDEO_MODEL_COSTS: model %s must cost a positive amount", model))
		}
	}

	if c.VideoAPIURL != "" {
		if c.CallbackSecret == "" {
			errs = append(errs, errors.New("CALLBACK_SECRET is required when VIDEO_API_URL is set"))
		}
		if c.PublicBaseURL == "" {
			errs = append(errs, errors.New("PUBLIC_BASE_URL is required when VIDEO_API_URL is set"))
		}
	}
	if c.CallbackSecret != "" && c.CallbackSecret == c.AuthJWTSecret {
		errs = append(errs, errors.New("CALLBACK_SECRET must differ from AUTH_JWT_SECRET"))
	}

	if c.PollInterval <= 0 || c.ReconcileInterval <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL and RECONCILE_INTERVAL must be positive"))
	}

	return errors.Join(errs...)
}
