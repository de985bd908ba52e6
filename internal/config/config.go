package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Environment string `envconfig:"ENV" default:"development"`

	// Генерация занятий
	GenerationHorizon     time.Duration `envconfig:"GENERATION_HORIZON" default:"1344h"` // 8 недель
	GenerationInterval    time.Duration `envconfig:"GENERATION_INTERVAL" default:"24h"`
	GenerationConcurrency int           `envconfig:"GENERATION_CONCURRENCY" default:"4"`

	// Хранилище и запись на занятия
	StoreTimeout      time.Duration `envconfig:"STORE_TIMEOUT" default:"5s"`
	BookingMaxRetries uint64        `envconfig:"BOOKING_MAX_RETRIES" default:"5"`
	BookingRetryBase  time.Duration `envconfig:"BOOKING_RETRY_BASE" default:"20ms"`
	TieBreak          string        `envconfig:"ENTITLEMENT_TIE_BREAK" default:"soonest_expiry"`

	// RabbitMQ, пустой URL отключает события
	RabbitURL       string `envconfig:"RABBIT_URL"`
	PaymentExchange string `envconfig:"PAYMENT_EXCHANGE" default:"payment.exchange"`
	PaymentQueue    string `envconfig:"PAYMENT_QUEUE" default:"scheduler.payment.q"`
	BookingExchange string `envconfig:"BOOKING_EXCHANGE" default:"booking.exchange"`

	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	// EnvFileLoaded true если переменные были подгружены из .env
	EnvFileLoaded bool `ignored:"true"`
}

// Load читает .env (если он есть) и переменные окружения
func Load() (*Config, error) {
	// Отсутствие .env не ошибка, в проде всё приходит из окружения
	loaded := godotenv.Load(".env") == nil

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	cfg.EnvFileLoaded = loaded

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate проверяет значения которые envconfig проверить не может
func (c *Config) Validate() error {
	var errs []error

	if c.DBDSN == "" {
		errs = append(errs, errors.New("DB_DSN is required but not set"))
	}
	if c.GenerationHorizon <= 0 {
		errs = append(errs, fmt.Errorf("GENERATION_HORIZON must be positive, got %s", c.GenerationHorizon))
	}
	if c.GenerationInterval <= 0 {
		errs = append(errs, fmt.Errorf("GENERATION_INTERVAL must be positive, got %s", c.GenerationInterval))
	}
	if c.GenerationConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("GENERATION_CONCURRENCY must be positive, got %d", c.GenerationConcurrency))
	}
	if c.StoreTimeout <= 0 {
		errs = append(errs, fmt.Errorf("STORE_TIMEOUT must be positive, got %s", c.StoreTimeout))
	}
	if c.BookingRetryBase <= 0 {
		errs = append(errs, fmt.Errorf("BOOKING_RETRY_BASE must be positive, got %s", c.BookingRetryBase))
	}
	switch c.TieBreak {
	case "soonest_expiry", "oldest_first", "fewest_clips":
	default:
		errs = append(errs, fmt.Errorf("ENTITLEMENT_TIE_BREAK %q is not supported", c.TieBreak))
	}

	return errors.Join(errs...)
}

// EventsEnabled включена ли работа с RabbitMQ
func (c *Config) EventsEnabled() bool {
	return c.RabbitURL != ""
}
